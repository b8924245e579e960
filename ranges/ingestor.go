package ranges

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"

	"github.com/example/netguard/iputil"
	"github.com/example/netguard/store"
)

// ErrUnsupportedProvider is returned when a range API URL matches no known
// response shape.
var ErrUnsupportedProvider = errors.New("unsupported provider api")

const (
	fetchRetries = 3
	fetchBackoff = 5 * time.Second
)

// CustomRange is a user-supplied start/end pair.
type CustomRange struct {
	StartIP string `json:"start_ip"`
	EndIP   string `json:"end_ip"`
}

// Ingestor normalizes the four range input shapes into canonical IPRange rows
// and replaces a provider's rows for that source atomically.
type Ingestor struct {
	store   store.Store
	client  *http.Client
	logger  log.Logger
	backoff backoff.Config
}

// NewIngestor returns an Ingestor using the provided HTTP client or a
// 30-second-timeout default if nil.
func NewIngestor(st store.Store, client *http.Client, logger log.Logger) *Ingestor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Ingestor{
		store:  st,
		client: client,
		logger: log.With(logger, "component", "ingestor"),
		backoff: backoff.Config{
			MinBackoff: fetchBackoff,
			MaxBackoff: fetchBackoff,
			MaxRetries: fetchRetries,
		},
	}
}

// IngestAPI fetches the provider's range API and replaces its api-sourced
// rows.
func (i *Ingestor) IngestAPI(ctx context.Context, provider *store.Provider) error {
	if provider.APIURL == "" {
		return errors.New("provider has no api url")
	}
	shape, err := resolveShape(provider.APIURL)
	if err != nil {
		return err
	}
	body, err := i.fetch(ctx, provider.APIURL)
	if err != nil {
		return err
	}
	cidrs, err := shape.parse(body)
	if err != nil {
		return err
	}
	rows := make([]store.IPRange, 0, len(cidrs))
	for _, cidr := range cidrs {
		r, err := rangeFromCIDR(cidr)
		if err != nil {
			return err
		}
		rows = append(rows, r)
	}
	level.Info(i.logger).Log("msg", "ingested ranges from api", "provider", provider.ID, "url", provider.APIURL, "ranges", len(rows))
	return i.store.ReplaceRanges(ctx, provider.ID, store.SourceAPI, rows)
}

// IngestCIDRs replaces the provider's cidr-sourced rows.
func (i *Ingestor) IngestCIDRs(ctx context.Context, providerID int64, cidrs []string) error {
	rows := make([]store.IPRange, 0, len(cidrs))
	for _, cidr := range cidrs {
		r, err := rangeFromCIDR(cidr)
		if err != nil {
			return err
		}
		rows = append(rows, r)
	}
	return i.store.ReplaceRanges(ctx, providerID, store.SourceCIDRs, rows)
}

// IngestSingle replaces the provider's single-ip rows; each IP becomes a
// degenerate (ip, ip) range.
func (i *Ingestor) IngestSingle(ctx context.Context, providerID int64, ips []string) error {
	rows := make([]store.IPRange, 0, len(ips))
	for _, raw := range ips {
		ip := net.ParseIP(raw)
		if ip == nil {
			return errors.Errorf("invalid ip %q", raw)
		}
		ip = iputil.Canonical(ip)
		rows = append(rows, store.IPRange{
			StartIP: ip,
			EndIP:   ip,
			Family:  iputil.FamilyOf(ip),
		})
	}
	return i.store.ReplaceRanges(ctx, providerID, store.SourceSingle, rows)
}

// IngestCustom validates and replaces the provider's custom start/end rows.
func (i *Ingestor) IngestCustom(ctx context.Context, providerID int64, pairs []CustomRange) error {
	rows := make([]store.IPRange, 0, len(pairs))
	for _, pair := range pairs {
		start, end, err := iputil.ValidateRange(pair.StartIP, pair.EndIP)
		if err != nil {
			return err
		}
		rows = append(rows, store.IPRange{
			StartIP: start,
			EndIP:   end,
			Family:  iputil.FamilyOf(start),
		})
	}
	return i.store.ReplaceRanges(ctx, providerID, store.SourceCustom, rows)
}

// FetchRanges returns the provider's stored ranges grouped by source tag.
func (i *Ingestor) FetchRanges(ctx context.Context, providerID int64) (map[store.Source][]store.IPRange, error) {
	rows, err := i.store.RangesByProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	out := make(map[store.Source][]store.IPRange, len(store.Sources()))
	for _, src := range store.Sources() {
		out[src] = []store.IPRange{}
	}
	for _, r := range rows {
		out[r.Source] = append(out[r.Source], r)
	}
	return out, nil
}

func (i *Ingestor) fetch(ctx context.Context, url string) ([]byte, error) {
	boff := backoff.New(ctx, i.backoff)
	var lastErr error
	for boff.Ongoing() {
		body, err := i.fetchOnce(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err
		level.Warn(i.logger).Log("msg", "range api fetch failed", "url", url, "attempt", boff.NumRetries()+1, "err", err)
		boff.Wait()
	}
	if lastErr == nil {
		lastErr = boff.Err()
	}
	return nil, errors.Wrapf(lastErr, "fetch %s", url)
}

func (i *Ingestor) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// rangeFromCIDR parses a host or network CIDR. When the input address equals
// the network address the range covers (network, broadcast); otherwise it
// degenerates to (ip, ip).
func rangeFromCIDR(cidr string) (store.IPRange, error) {
	ip, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return store.IPRange{}, errors.Wrapf(err, "parse cidr %q", cidr)
	}
	ip = iputil.Canonical(ip)
	r := store.IPRange{CIDR: cidr, Family: iputil.FamilyOf(ip)}
	if ip.Equal(network.IP) {
		r.StartIP = iputil.Canonical(network.IP)
		r.EndIP = iputil.Broadcast(network)
	} else {
		r.StartIP = ip
		r.EndIP = ip
	}
	return r, nil
}
