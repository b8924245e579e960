package store

import (
	"context"

	"github.com/example/netguard/config"
	"github.com/example/netguard/iputil"
)

// Store persists providers, their ranges and addresses, probe results and
// per-provider config blobs.
type Store interface {
	CreateProvider(ctx context.Context, p *Provider) error
	UpdateProvider(ctx context.Context, p *Provider) error
	SoftDeleteProvider(ctx context.Context, id int64) error
	Provider(ctx context.Context, id int64) (*Provider, error)
	Providers(ctx context.Context) ([]Provider, error)

	// ReplaceRanges atomically deletes the provider's rows for one source and
	// inserts the replacement batch. Other sources are untouched.
	ReplaceRanges(ctx context.Context, providerID int64, source Source, rows []IPRange) error
	RangesByProvider(ctx context.Context, providerID int64) ([]IPRange, error)

	DeleteAddresses(ctx context.Context, providerID int64) error
	InsertAddresses(ctx context.Context, rows []IPAddress) error
	Addresses(ctx context.Context, providerID int64, family iputil.Family, limit int, randomize bool) ([]IPAddress, error)
	CountAddresses(ctx context.Context, providerID int64) (int64, error)

	// UpsertLatency overwrites the latency triple on ip conflict; the speed
	// column is left alone.
	UpsertLatency(ctx context.Context, ip string, avg, std, loss float64) error
	UpdateSpeed(ctx context.Context, ip string, speed float64) error
	Result(ctx context.Context, ip string) (*TestResult, error)
	TopResults(ctx context.Context, n int) ([]TestResult, error)
	BestResult(ctx context.Context) (*TestResult, error)
	DeleteResult(ctx context.Context, ip string) error
	DeleteResultsOverGate(ctx context.Context, maxAvg, maxLoss float64) (int64, error)
	DeleteSpeedFailures(ctx context.Context) (int64, error)
	SetLocked(ctx context.Context, ip string, locked bool) error

	ProviderConfig(ctx context.Context, providerID int64) (*config.ProviderConfig, error)
	SetProviderConfig(ctx context.Context, providerID int64, cfg *config.ProviderConfig) error

	HasMonitor(ctx context.Context, providerID int64) (bool, error)
	SetMonitor(ctx context.Context, providerID int64, enabled bool) error
	MonitorEnabled(ctx context.Context, providerID int64) (bool, error)
}
