package prober

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"

	"github.com/example/netguard/pubsub"
	"github.com/example/netguard/results"
)

// DefaultBatchSize is how many latency probes run concurrently per batch.
const DefaultBatchSize = 20

// LatencyProber runs one latency probe; satisfied by *Prober.
type LatencyProber interface {
	Probe(ctx context.Context, ip string, port int) (*Stats, error)
}

// Gates decide which latency triples are retained and when the batch driver
// may stop early.
type Gates struct {
	MaxAvgLatency float64
	MaxPacketLoss float64
	Target        int
	BatchSize     int
}

func (g Gates) batchSize() int {
	if g.BatchSize > 0 {
		return g.BatchSize
	}
	return DefaultBatchSize
}

// passes applies the latency gate to one triple.
func (g Gates) passes(s *Stats) bool {
	return s.AvgLatency <= g.MaxAvgLatency && s.PacketLoss <= g.MaxPacketLoss
}

// RetainPolicy selects which side of the gate is stored. The original
// system contains both directions in different code paths; KeepPassing is
// the default.
type RetainPolicy int

const (
	KeepPassing RetainPolicy = iota
	KeepFailing
)

// BatchDriver fans latency probes out over a candidate list in fixed-size
// batches, storing retained triples and stopping once the target count is
// met. In-flight probes always finish; only new batches are withheld.
type BatchDriver struct {
	Prober  LatencyProber
	Results *results.Store
	Bus     *pubsub.Bus
	Policy  RetainPolicy

	logger log.Logger
}

// NewBatchDriver wires a batch driver around the single-target prober.
func NewBatchDriver(p LatencyProber, rs *results.Store, bus *pubsub.Bus, logger log.Logger) *BatchDriver {
	return &BatchDriver{
		Prober:  p,
		Results: rs,
		Bus:     bus,
		logger:  log.With(logger, "component", "latency-batch"),
	}
}

// Run probes the candidates and returns how many results were stored. A
// single probe failure never fails the batch; storage errors are logged and
// the affected result dropped.
func (d *BatchDriver) Run(ctx context.Context, ips []string, port int, gates Gates) (int, error) {
	total := int64(len(ips))
	completed := atomic.NewInt64(0)
	processed := int64(0)

	for start := 0; start < len(ips); start += gates.batchSize() {
		if err := ctx.Err(); err != nil {
			return int(completed.Load()), err
		}
		if gates.Target > 0 && completed.Load() >= int64(gates.Target) {
			break
		}
		end := start + gates.batchSize()
		if end > len(ips) {
			end = len(ips)
		}
		batch := ips[start:end]

		var wg sync.WaitGroup
		for _, ip := range batch {
			wg.Add(1)
			go func(ip string) {
				defer wg.Done()
				d.probeOne(ctx, ip, port, gates, completed)
			}(ip)
		}
		wg.Wait()
		processed += int64(len(batch))

		d.publish(ctx, pubsub.NewProgressEvent(pubsub.StatusInProgress, total, processed,
			fmt.Sprintf("latency tested %d of %d candidates", processed, total)))
	}

	d.publish(ctx, pubsub.NewProgressEvent(pubsub.StatusCompleted, total, processed,
		fmt.Sprintf("latency testing completed, %d results stored", completed.Load())))
	return int(completed.Load()), nil
}

func (d *BatchDriver) probeOne(ctx context.Context, ip string, port int, gates Gates, completed *atomic.Int64) {
	stats, err := d.Prober.Probe(ctx, ip, port)
	if err != nil {
		level.Debug(d.logger).Log("msg", "probe cancelled", "ip", ip, "err", err)
		return
	}
	if stats == nil {
		return
	}
	retain := gates.passes(stats)
	if d.Policy == KeepFailing {
		retain = !retain
	}
	if !retain {
		return
	}
	// Reserve a slot below the target before storing so the batch never
	// retains more than target rows even with probes in flight.
	for {
		cur := completed.Load()
		if gates.Target > 0 && cur >= int64(gates.Target) {
			return
		}
		if completed.CompareAndSwap(cur, cur+1) {
			break
		}
	}
	if err := d.Results.UpsertLatency(ctx, ip, stats.AvgLatency, stats.StdDeviation, stats.PacketLoss); err != nil {
		level.Error(d.logger).Log("msg", "store latency result failed", "ip", ip, "err", err)
		completed.Dec()
		return
	}
}

func (d *BatchDriver) publish(ctx context.Context, ev pubsub.Event) {
	if d.Bus == nil {
		return
	}
	if err := d.Bus.Publish(ctx, pubsub.ChannelProgress, ev); err != nil {
		level.Warn(d.logger).Log("msg", "publish progress failed", "err", err)
	}
}
