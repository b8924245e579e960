package results

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/example/netguard/store"
)

// Store is the write-through layer over TestResult rows: quality-gated
// retention, monotonic ranking and invalidation.
type Store struct {
	backend store.Store
	logger  log.Logger
}

// New wraps the persistent store.
func New(backend store.Store, logger log.Logger) *Store {
	return &Store{backend: backend, logger: log.With(logger, "component", "results")}
}

// UpsertLatency writes a latency triple; on ip conflict only the latency
// fields are replaced.
func (s *Store) UpsertLatency(ctx context.Context, ip string, avg, std, loss float64) error {
	return s.backend.UpsertLatency(ctx, ip, avg, std, loss)
}

// UpdateSpeed records a bandwidth measurement; the failure sentinel is
// permitted so a later prune can sweep the row.
func (s *Store) UpdateSpeed(ctx context.Context, ip string, speed float64) error {
	return s.backend.UpdateSpeed(ctx, ip, speed)
}

// MarkSpeedFailure records the explicit failed-bandwidth sentinel.
func (s *Store) MarkSpeedFailure(ctx context.Context, ip string) error {
	return s.backend.UpdateSpeed(ctx, ip, store.SpeedFailed)
}

// TopN returns the first n rows ordered by (avg_latency ASC, packet_loss
// DESC), ties broken by ip ASC.
func (s *Store) TopN(ctx context.Context, n int) ([]store.TestResult, error) {
	return s.backend.TopResults(ctx, n)
}

// Best returns the single best row: non-null download_speed wins, then the
// smallest std_deviation.
func (s *Store) Best(ctx context.Context) (*store.TestResult, error) {
	return s.backend.BestResult(ctx)
}

// PruneByLatencyGate hard-deletes rows whose latency or loss exceed the
// gates. Running it twice is equivalent to running it once.
func (s *Store) PruneByLatencyGate(ctx context.Context, maxAvg, maxLoss float64) (int64, error) {
	n, err := s.backend.DeleteResultsOverGate(ctx, maxAvg, maxLoss)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		level.Info(s.logger).Log("msg", "pruned results over latency gate", "max_avg", maxAvg, "max_loss", maxLoss, "deleted", n)
	}
	return n, nil
}

// PruneSpeedFailures hard-deletes rows carrying the failed-bandwidth
// sentinel.
func (s *Store) PruneSpeedFailures(ctx context.Context) (int64, error) {
	n, err := s.backend.DeleteSpeedFailures(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		level.Info(s.logger).Log("msg", "pruned speed failures", "deleted", n)
	}
	return n, nil
}

// Delete removes one row by ip.
func (s *Store) Delete(ctx context.Context, ip string) error {
	return s.backend.DeleteResult(ctx, ip)
}

// Lock sets the advisory freeze flag. Nothing in the probe pipeline consults
// it; the flag is a reserved capability.
func (s *Store) Lock(ctx context.Context, ip string) error {
	return s.backend.SetLocked(ctx, ip, true)
}

// Unlock clears the advisory freeze flag.
func (s *Store) Unlock(ctx context.Context, ip string) error {
	return s.backend.SetLocked(ctx, ip, false)
}
