package results

import (
	"context"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/example/netguard/store"
)

func newTestStore(t *testing.T) (*Store, *store.Memory) {
	t.Helper()
	backend := store.NewMemory()
	return New(backend, log.NewNopLogger()), backend
}

func TestUpsertLatencyReplacesTripleOnly(t *testing.T) {
	rs, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, rs.UpsertLatency(ctx, "1.1.1.1", 80, 5, 0.1))
	require.NoError(t, rs.UpdateSpeed(ctx, "1.1.1.1", 12.5))
	require.NoError(t, rs.UpsertLatency(ctx, "1.1.1.1", 40, 2, 0))

	rows, err := rs.TopN(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 40.0, *rows[0].AvgLatency)
	require.Equal(t, 2.0, *rows[0].StdDeviation)
	require.Equal(t, 0.0, *rows[0].PacketLoss)
	// bandwidth is an independent update and survives the latency upsert
	require.Equal(t, 12.5, *rows[0].DownloadSpeed)
}

// top_n orders by (avg_latency ASC, packet_loss DESC) with ip as the
// deterministic tie break.
func TestTopNOrdering(t *testing.T) {
	rs, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, rs.UpsertLatency(ctx, "10.0.0.1", 100, 1, 0.1))
	require.NoError(t, rs.UpsertLatency(ctx, "10.0.0.2", 50, 1, 0.1))
	require.NoError(t, rs.UpsertLatency(ctx, "10.0.0.3", 50, 1, 0.3))
	require.NoError(t, rs.UpsertLatency(ctx, "10.0.0.4", 50, 1, 0.3))

	rows, err := rs.TopN(ctx, 10)
	require.NoError(t, err)
	ips := make([]string, 0, len(rows))
	for _, r := range rows {
		ips = append(ips, r.IP)
	}
	require.Equal(t, []string{"10.0.0.3", "10.0.0.4", "10.0.0.2", "10.0.0.1"}, ips)

	rows, err = rs.TopN(ctx, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "10.0.0.3", rows[0].IP)
}

// Rows with a download speed beat rows without one; among those the lowest
// std deviation wins.
func TestBestSelection(t *testing.T) {
	rs, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, rs.UpsertLatency(ctx, "a", 10, 3, 0))
	require.NoError(t, rs.UpdateSpeed(ctx, "a", 10))
	require.NoError(t, rs.UpsertLatency(ctx, "b", 10, 1, 0))
	require.NoError(t, rs.UpsertLatency(ctx, "c", 10, 2, 0))
	require.NoError(t, rs.UpdateSpeed(ctx, "c", 8))

	best, err := rs.Best(ctx)
	require.NoError(t, err)
	require.Equal(t, "c", best.IP)
}

func TestBestEmpty(t *testing.T) {
	rs, _ := newTestStore(t)
	_, err := rs.Best(context.Background())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPruneByLatencyGateIdempotent(t *testing.T) {
	rs, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, rs.UpsertLatency(ctx, "keep", 100, 1, 0.1))
	require.NoError(t, rs.UpsertLatency(ctx, "slow", 900, 1, 0.1))
	require.NoError(t, rs.UpsertLatency(ctx, "lossy", 100, 1, 0.9))

	n, err := rs.PruneByLatencyGate(ctx, 150, 0.2)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	n, err = rs.PruneByLatencyGate(ctx, 150, 0.2)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	rows, err := rs.TopN(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "keep", rows[0].IP)
}

func TestPruneSpeedFailures(t *testing.T) {
	rs, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, rs.UpsertLatency(ctx, "ok", 10, 1, 0))
	require.NoError(t, rs.UpdateSpeed(ctx, "ok", 9.5))
	require.NoError(t, rs.UpsertLatency(ctx, "failed", 10, 1, 0))
	require.NoError(t, rs.MarkSpeedFailure(ctx, "failed"))

	n, err := rs.PruneSpeedFailures(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	rows, err := rs.TopN(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "ok", rows[0].IP)
}

func TestLockUnlockAdvisoryFlag(t *testing.T) {
	rs, backend := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, rs.UpsertLatency(ctx, "1.1.1.1", 10, 1, 0))
	require.NoError(t, rs.Lock(ctx, "1.1.1.1"))

	row, err := backend.Result(ctx, "1.1.1.1")
	require.NoError(t, err)
	require.True(t, row.IsLocked)

	require.NoError(t, rs.Unlock(ctx, "1.1.1.1"))
	row, err = backend.Result(ctx, "1.1.1.1")
	require.NoError(t, err)
	require.False(t, row.IsLocked)

	require.ErrorIs(t, rs.Lock(ctx, "unknown"), store.ErrNotFound)
}

func TestDelete(t *testing.T) {
	rs, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, rs.UpsertLatency(ctx, "1.1.1.1", 10, 1, 0))
	require.NoError(t, rs.Delete(ctx, "1.1.1.1"))
	rows, err := rs.TopN(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, rows)
}
