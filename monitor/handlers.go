package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/example/netguard/bandwidth"
	"github.com/example/netguard/expander"
	"github.com/example/netguard/iputil"
	"github.com/example/netguard/prober"
	"github.com/example/netguard/pubsub"
	"github.com/example/netguard/queue"
	"github.com/example/netguard/ranges"
	"github.com/example/netguard/results"
	"github.com/example/netguard/store"
)

// Runner implements the job handlers behind the broker: range refreshes,
// address expansion, latency sweeps and bandwidth checks.
type Runner struct {
	store     store.Store
	ingestor  *ranges.Ingestor
	expander  *expander.Expander
	bandwidth *bandwidth.Prober
	results   *results.Store
	bus       *pubsub.Bus
	logger    log.Logger
}

// NewRunner bundles the pipeline components used by job handlers.
func NewRunner(st store.Store, ing *ranges.Ingestor, exp *expander.Expander, bw *bandwidth.Prober,
	rs *results.Store, bus *pubsub.Bus, logger log.Logger,
) *Runner {
	return &Runner{
		store:     st,
		ingestor:  ing,
		expander:  exp,
		bandwidth: bw,
		results:   rs,
		bus:       bus,
		logger:    log.With(logger, "component", "jobs"),
	}
}

// RegisterHandlers binds every job name to its handler on the worker.
func (r *Runner) RegisterHandlers(w *queue.Worker) {
	w.Register(JobStoreProviderIPs, r.HandleStoreProviderIPs)
	w.Register(JobTcpingTest, r.HandleTcpingTest)
	w.Register(JobTcpingTestMonitorList, r.HandleTcpingTestMonitorList)
	w.Register(JobCurlTest, r.HandleCurlTest)
	w.Register(JobUpdateRangesAPI, r.handleUpdateRangesAPI)
	w.Register(JobUpdateRangesCIDR, r.handleUpdateRangesCIDR)
	w.Register(JobUpdateSingleIP, r.handleUpdateSingleIP)
	w.Register(JobUpdateCustomRange, r.handleUpdateCustomRange)
}

func providerArg(args map[string]string) (int64, bool, error) {
	raw, ok := args["provider_id"]
	if !ok || raw == "" {
		return 0, false, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, errors.Wrapf(err, "bad provider_id %q", raw)
	}
	return id, true, nil
}

// monitoredProviders resolves the job's provider set: the explicit argument
// when present, otherwise every provider with monitoring enabled.
func (r *Runner) monitoredProviders(ctx context.Context, args map[string]string) ([]int64, error) {
	if id, ok, err := providerArg(args); err != nil {
		return nil, err
	} else if ok {
		return []int64{id}, nil
	}
	providers, err := r.store.Providers(ctx)
	if err != nil {
		return nil, err
	}
	var out []int64
	for _, p := range providers {
		enabled, err := r.store.MonitorEnabled(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		if enabled {
			out = append(out, p.ID)
		}
	}
	return out, nil
}

func (r *Runner) HandleStoreProviderIPs(ctx context.Context, args map[string]string) error {
	id, ok, err := providerArg(args)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("store_provider_ips requires provider_id")
	}
	return r.expander.ExpandProvider(ctx, id)
}

func (r *Runner) HandleTcpingTest(ctx context.Context, args map[string]string) error {
	providers, err := r.monitoredProviders(ctx, args)
	if err != nil {
		return err
	}
	for _, id := range providers {
		if err := r.tcpingSweep(ctx, id, nil); err != nil {
			return err
		}
	}
	return nil
}

// HandleTcpingTestMonitorList refreshes the best set: current best rows are
// re-tested from scratch, topping the candidate pool back up from the
// provider's addresses when too few survive.
func (r *Runner) HandleTcpingTestMonitorList(ctx context.Context, args map[string]string) error {
	providers, err := r.monitoredProviders(ctx, args)
	if err != nil {
		return err
	}
	for _, id := range providers {
		cfg, err := r.store.ProviderConfig(ctx, id)
		if err != nil {
			return err
		}
		best, err := r.results.TopN(ctx, cfg.Tcping.Count)
		if err != nil {
			return err
		}
		ips := make([]string, 0, len(best))
		for _, row := range best {
			ips = append(ips, row.IP)
			if err := r.results.Delete(ctx, row.IP); err != nil {
				return err
			}
		}
		if len(ips) < cfg.Tcping.Count {
			ips = nil
		}
		if err := r.tcpingSweep(ctx, id, ips); err != nil {
			return err
		}
	}
	return nil
}

// tcpingSweep runs the latency batch driver over the candidate list, or over
// the provider's enabled address families when no list is given.
func (r *Runner) tcpingSweep(ctx context.Context, providerID int64, candidates []string) error {
	cfg, err := r.store.ProviderConfig(ctx, providerID)
	if err != nil {
		return err
	}
	if !cfg.Tcping.Enable {
		level.Info(r.logger).Log("msg", "tcping disabled, skipping", "provider", providerID)
		return nil
	}
	if candidates == nil {
		candidates, err = r.candidateIPs(ctx, providerID, cfg.Tcping.IPv4Enable, cfg.Tcping.IPv6Enable)
		if err != nil {
			return err
		}
	}
	if len(candidates) == 0 {
		level.Info(r.logger).Log("msg", "no candidates to test", "provider", providerID)
		return nil
	}

	p := prober.New(r.logger)
	if cfg.Tcping.Timeout > 0 {
		p.Timeout = time.Duration(cfg.Tcping.Timeout) * time.Second
	}
	driver := prober.NewBatchDriver(p, r.results, r.bus, r.logger)
	gates := prober.Gates{
		MaxAvgLatency: cfg.Tcping.AvgLatency,
		MaxPacketLoss: cfg.Tcping.PacketLoss,
		Target:        cfg.Monitor.Count,
	}
	stored, err := driver.Run(ctx, candidates, cfg.Tcping.Port, gates)
	if err != nil {
		return err
	}
	level.Info(r.logger).Log("msg", "latency sweep finished", "provider", providerID,
		"candidates", len(candidates), "stored", stored)
	return nil
}

func (r *Runner) candidateIPs(ctx context.Context, providerID int64, v4, v6 bool) ([]string, error) {
	var out []string
	if v4 {
		addrs, err := r.store.Addresses(ctx, providerID, iputil.FamilyIPv4, 0, true)
		if err != nil {
			return nil, err
		}
		for _, a := range addrs {
			out = append(out, a.IP)
		}
	}
	if v6 {
		addrs, err := r.store.Addresses(ctx, providerID, iputil.FamilyIPv6, 0, true)
		if err != nil {
			return nil, err
		}
		for _, a := range addrs {
			out = append(out, a.IP)
		}
	}
	return out, nil
}

// HandleCurlTest bandwidth-tests the current top rows one at a time, records
// the failure sentinel below the speed floor, and optionally sweeps the
// sentinels afterwards.
func (r *Runner) HandleCurlTest(ctx context.Context, args map[string]string) error {
	providers, err := r.monitoredProviders(ctx, args)
	if err != nil {
		return err
	}
	for _, id := range providers {
		cfg, err := r.store.ProviderConfig(ctx, id)
		if err != nil {
			return err
		}
		if !cfg.Curl.Enable || cfg.Curl.DownloadURL == "" {
			level.Info(r.logger).Log("msg", "curl disabled, skipping", "provider", id)
			continue
		}
		top, err := r.results.TopN(ctx, cfg.Monitor.DownloadTestNumber)
		if err != nil {
			return err
		}
		total := int64(len(top))
		for n, row := range top {
			speed, ok, err := r.bandwidth.Probe(ctx, row.IP, cfg.Curl.DownloadURL,
				cfg.Curl.Port, time.Duration(cfg.Curl.Timeout)*time.Second)
			if err != nil {
				return err
			}
			switch {
			case !ok, speed < cfg.Curl.Speed:
				if err := r.results.MarkSpeedFailure(ctx, row.IP); err != nil {
					return err
				}
			default:
				if err := r.results.UpdateSpeed(ctx, row.IP, speed); err != nil {
					return err
				}
			}
			r.publish(ctx, pubsub.NewProgressEvent(pubsub.StatusInProgress, total, int64(n+1),
				fmt.Sprintf("bandwidth tested %d of %d", n+1, total)))
		}
		if cfg.Monitor.AutoDelete {
			if _, err := r.results.PruneSpeedFailures(ctx); err != nil {
				return err
			}
		}
		r.publish(ctx, pubsub.NewProgressEvent(pubsub.StatusCompleted, total, total,
			"bandwidth testing completed"))
	}
	return nil
}

func (r *Runner) handleUpdateRangesAPI(ctx context.Context, args map[string]string) error {
	id, ok, err := providerArg(args)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("update_ip_ranges_from_api requires provider_id")
	}
	provider, err := r.store.Provider(ctx, id)
	if err != nil {
		return err
	}
	if url := args["api_url"]; url != "" {
		provider.APIURL = url
	}
	return r.ingestor.IngestAPI(ctx, provider)
}

func (r *Runner) handleUpdateRangesCIDR(ctx context.Context, args map[string]string) error {
	id, ok, err := providerArg(args)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("update_ip_ranges_cidr requires provider_id")
	}
	var cidrs []string
	if err := json.Unmarshal([]byte(args["payload"]), &cidrs); err != nil {
		return errors.Wrap(err, "decode cidrs payload")
	}
	return r.ingestor.IngestCIDRs(ctx, id, cidrs)
}

func (r *Runner) handleUpdateSingleIP(ctx context.Context, args map[string]string) error {
	id, ok, err := providerArg(args)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("update_single_ip requires provider_id")
	}
	var ips []string
	if err := json.Unmarshal([]byte(args["payload"]), &ips); err != nil {
		return errors.Wrap(err, "decode single ip payload")
	}
	return r.ingestor.IngestSingle(ctx, id, ips)
}

func (r *Runner) handleUpdateCustomRange(ctx context.Context, args map[string]string) error {
	id, ok, err := providerArg(args)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("update_custom_range requires provider_id")
	}
	var pairs []ranges.CustomRange
	if err := json.Unmarshal([]byte(args["payload"]), &pairs); err != nil {
		return errors.Wrap(err, "decode custom range payload")
	}
	return r.ingestor.IngestCustom(ctx, id, pairs)
}

func (r *Runner) publish(ctx context.Context, ev pubsub.Event) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, pubsub.ChannelProgress, ev); err != nil {
		level.Warn(r.logger).Log("msg", "publish progress failed", "err", err)
	}
}
