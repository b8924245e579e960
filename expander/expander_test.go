package expander

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kit/log"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/example/netguard/iputil"
	"github.com/example/netguard/pubsub"
	"github.com/example/netguard/store"
)

func seedRange(t *testing.T, st *store.Memory, providerID int64, start, end string, family iputil.Family) {
	t.Helper()
	err := st.ReplaceRanges(context.Background(), providerID, store.SourceCustom, []store.IPRange{{
		StartIP: net.ParseIP(start),
		EndIP:   net.ParseIP(end),
		Family:  family,
	}})
	require.NoError(t, err)
}

func TestExpandIPv4Exhaustive(t *testing.T) {
	st := store.NewMemory()
	seedRange(t, st, 1, "10.0.0.0", "10.0.0.3", iputil.FamilyIPv4)

	e := New(st, nil, log.NewNopLogger())
	require.NoError(t, e.ExpandProvider(context.Background(), 1))

	addrs, err := st.Addresses(context.Background(), 1, "", 0, false)
	require.NoError(t, err)
	got := map[string]bool{}
	for _, a := range addrs {
		got[a.IP] = true
	}
	require.Equal(t, map[string]bool{
		"10.0.0.0": true, "10.0.0.1": true, "10.0.0.2": true, "10.0.0.3": true,
	}, got)
}

// IPv4 cardinality is exactly end-start+1.
func TestExpandIPv4Cardinality(t *testing.T) {
	st := store.NewMemory()
	seedRange(t, st, 1, "10.0.0.0", "10.0.9.255", iputil.FamilyIPv4)

	e := New(st, nil, log.NewNopLogger())
	require.NoError(t, e.ExpandProvider(context.Background(), 1))

	n, err := st.CountAddresses(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, int64(10*256), n)
}

func TestExpandIPv6SmallRangeEnumerates(t *testing.T) {
	st := store.NewMemory()
	seedRange(t, st, 1, "2606:4700::", "2606:4700::f", iputil.FamilyIPv6)

	e := New(st, nil, log.NewNopLogger())
	require.NoError(t, e.ExpandProvider(context.Background(), 1))

	n, err := st.CountAddresses(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, int64(16), n)
}

// Oversized IPv6 ranges emit exactly cap samples; the unique index may
// collapse duplicates, so the stored count is bounded by the cap.
func TestExpandIPv6SamplesToCap(t *testing.T) {
	st := store.NewMemory()
	seedRange(t, st, 1, "2606:4700::", "2606:4700::ffff:ffff", iputil.FamilyIPv6)

	e := New(st, nil, log.NewNopLogger())
	e.SampleCap = 500

	require.NoError(t, e.ExpandProvider(context.Background(), 1))

	n, err := st.CountAddresses(context.Background(), 1)
	require.NoError(t, err)
	require.LessOrEqual(t, n, int64(500))
	require.Greater(t, n, int64(400))

	addrs, err := st.Addresses(context.Background(), 1, "", 0, false)
	require.NoError(t, err)
	lo := iputil.ToInt(net.ParseIP("2606:4700::"))
	hi := iputil.ToInt(net.ParseIP("2606:4700::ffff:ffff"))
	for _, a := range addrs {
		v := iputil.ToInt(net.ParseIP(a.IP))
		require.True(t, v.Cmp(lo) >= 0 && v.Cmp(hi) <= 0, "sample %s outside range", a.IP)
	}
}

func TestExpandRewritesWholesale(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.InsertAddresses(ctx, []store.IPAddress{{ProviderID: 1, IP: "192.0.2.1", Family: iputil.FamilyIPv4}}))
	seedRange(t, st, 1, "10.0.0.0", "10.0.0.1", iputil.FamilyIPv4)

	e := New(st, nil, log.NewNopLogger())
	require.NoError(t, e.ExpandProvider(ctx, 1))

	addrs, err := st.Addresses(ctx, 1, "", 0, false)
	require.NoError(t, err)
	for _, a := range addrs {
		require.NotEqual(t, "192.0.2.1", a.IP)
	}
}

func TestExpandPublishesTerminalCompleted(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	bus := pubsub.NewBus(client, log.NewNopLogger())
	defer bus.Close()

	var mu sync.Mutex
	var events []pubsub.Event
	_, err := bus.Subscribe(context.Background(), pubsub.ChannelProgress, func(ev pubsub.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	require.NoError(t, err)

	st := store.NewMemory()
	seedRange(t, st, 1, "10.0.0.0", "10.0.0.255", iputil.FamilyIPv4)

	e := New(st, bus, log.NewNopLogger())
	require.NoError(t, e.ExpandProvider(context.Background(), 1))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		if len(events) == 0 {
			return false
		}
		last := events[len(events)-1]
		return last.Status == pubsub.StatusCompleted && last.Progress == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, ev := range events {
		require.Equal(t, "progress", ev.Type)
		require.GreaterOrEqual(t, ev.Progress, 0.0)
		require.LessOrEqual(t, ev.Progress, 1.0)
		if ev.Status == pubsub.StatusInserting {
			require.Equal(t, int64(256), ev.Total)
		}
	}
}
