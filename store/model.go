package store

import (
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/example/netguard/iputil"
)

// Source tags how an IP range was obtained.
type Source string

const (
	SourceAPI    Source = "api"
	SourceCIDRs  Source = "cidrs"
	SourceSingle Source = "single"
	SourceCustom Source = "custom"
)

// Sources lists every valid source tag in a stable order.
func Sources() []Source {
	return []Source{SourceAPI, SourceCIDRs, SourceSingle, SourceCustom}
}

// ParseSource validates a source tag from external input.
func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case SourceAPI, SourceCIDRs, SourceSingle, SourceCustom:
		return Source(s), nil
	}
	return "", errors.Errorf("unknown source %q", s)
}

// Provider is a CDN whose edge IP space is under test.
type Provider struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	APIURL    string    `json:"api_url,omitempty"`
	LogoURL   string    `json:"logo_url,omitempty"`
	Deleted   bool      `json:"deleted"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IPRange is a contiguous inclusive [start,end] span within one address
// family, belonging to a provider.
type IPRange struct {
	ID         int64         `json:"id"`
	ProviderID int64         `json:"provider_id"`
	StartIP    net.IP        `json:"start_ip"`
	EndIP      net.IP        `json:"end_ip"`
	CIDR       string        `json:"cidr,omitempty"`
	Source     Source        `json:"source"`
	Family     iputil.Family `json:"family"`
}

// IPAddress is a single expanded address belonging to a provider.
type IPAddress struct {
	ID         int64         `json:"id"`
	ProviderID int64         `json:"provider_id"`
	IP         string        `json:"ip_address"`
	Family     iputil.Family `json:"ip_type"`
}

// SpeedFailed is the download_speed sentinel recorded when a bandwidth probe
// fell below the configured floor. A later prune sweeps these rows.
const SpeedFailed = -1

// TestResult holds the probe outcome for one IP. Rows are keyed by ip alone;
// if two providers publish the same IP the later prober's result overwrites
// the earlier.
type TestResult struct {
	IP            string    `json:"ip"`
	AvgLatency    *float64  `json:"avg_latency,omitempty"`
	StdDeviation  *float64  `json:"std_deviation,omitempty"`
	PacketLoss    *float64  `json:"packet_loss,omitempty"`
	DownloadSpeed *float64  `json:"download_speed,omitempty"`
	IsLocked      bool      `json:"is_locked"`
	IsDelete      bool      `json:"is_delete"`
	TestTime      time.Time `json:"test_time"`
}

// ErrNotFound indicates the requested row is missing.
var ErrNotFound = errors.New("record not found")
