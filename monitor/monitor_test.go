package monitor

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kit/log"
	"github.com/go-redis/redis/v8"
	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/require"

	"github.com/example/netguard/bandwidth"
	"github.com/example/netguard/config"
	"github.com/example/netguard/expander"
	"github.com/example/netguard/iputil"
	"github.com/example/netguard/queue"
	"github.com/example/netguard/ranges"
	"github.com/example/netguard/results"
	"github.com/example/netguard/store"
)

// recordingBroker wraps the redis broker and notes every submitted job name.
type recordingBroker struct {
	queue.Broker
	mu    sync.Mutex
	names []string
}

func (b *recordingBroker) Enqueue(ctx context.Context, job *queue.Job) error {
	b.mu.Lock()
	b.names = append(b.names, job.Name)
	b.mu.Unlock()
	return b.Broker.Enqueue(ctx, job)
}

func (b *recordingBroker) submitted() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.names...)
}

type fixture struct {
	store   *store.Memory
	broker  *recordingBroker
	runner  *queue.GroupRunner
	worker  *queue.Worker
	jobs    *Runner
	monitor *Monitor
	results *results.Store
	bw      *bandwidth.Prober
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := log.NewNopLogger()
	st := store.NewMemory()
	broker := &recordingBroker{Broker: queue.NewRedisBroker(client)}
	runner := queue.NewGroupRunner(broker, logger)
	rs := results.New(st, logger)
	bw := bandwidth.New(logger)
	bw.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	bw.TempDir = t.TempDir()

	jobs := NewRunner(st, ranges.NewIngestor(st, nil, logger), expander.New(st, nil, logger), bw, rs, nil, logger)
	worker := queue.NewWorker(broker, logger)
	jobs.RegisterHandlers(worker)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), worker))
	t.Cleanup(func() { _ = services.StopAndAwaitTerminated(context.Background(), worker) })

	return &fixture{
		store:   st,
		broker:  broker,
		runner:  runner,
		worker:  worker,
		jobs:    jobs,
		monitor: New(st, runner, logger),
		results: rs,
		bw:      bw,
	}
}

func seedProvider(t *testing.T, f *fixture, cfg *config.ProviderConfig) int64 {
	t.Helper()
	ctx := context.Background()
	p := &store.Provider{Name: "cloudflare"}
	require.NoError(t, f.store.CreateProvider(ctx, p))
	require.NoError(t, f.store.ReplaceRanges(ctx, p.ID, store.SourceCIDRs, []store.IPRange{{
		StartIP: net.ParseIP("10.0.0.0"),
		EndIP:   net.ParseIP("10.0.0.3"),
		Family:  iputil.FamilyIPv4,
	}}))
	if cfg == nil {
		cfg = config.DefaultProviderConfig()
		cfg.Tcping.Enable = false
		cfg.Curl.Enable = false
	}
	require.NoError(t, f.store.SetProviderConfig(ctx, p.ID, cfg))
	return p.ID
}

func TestStartTestingComposesThreeStages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := seedProvider(t, f, nil)

	require.NoError(t, f.monitor.StartTesting(ctx, id))
	f.runner.Wait()

	require.Equal(t, []string{JobStoreProviderIPs, JobTcpingTest, JobCurlTest}, f.broker.submitted())

	// expansion ran as part of the first stage
	n, err := f.store.CountAddresses(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(4), n)

	has, err := f.store.HasMonitor(ctx, id)
	require.NoError(t, err)
	require.True(t, has)
}

func TestStartTestingSkipsExpansionWhenMonitored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := seedProvider(t, f, nil)

	require.NoError(t, f.monitor.StartTesting(ctx, id))
	f.runner.Wait()
	require.NoError(t, f.monitor.StartTesting(ctx, id))
	f.runner.Wait()

	require.Equal(t, []string{
		JobStoreProviderIPs, JobTcpingTest, JobCurlTest,
		JobTcpingTest, JobCurlTest,
	}, f.broker.submitted())
}

func TestStartTestingUnknownProvider(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.monitor.StartTesting(context.Background(), 404), store.ErrNotFound)
}

func curlServer(t *testing.T, payload []byte) (string, int) {
	t.Helper()
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	t.Cleanup(server.Close)
	host, portStr, err := net.SplitHostPort(server.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestCurlTestRecordsSpeed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	host, port := curlServer(t, make([]byte, 2*1048576))

	cfg := config.DefaultProviderConfig()
	cfg.Tcping.Enable = false
	cfg.Curl = config.CurlConfig{
		Enable:      true,
		Port:        port,
		Timeout:     1,
		Speed:       0.5,
		DownloadURL: "https://download.example.com/file.zip",
	}
	cfg.Monitor.DownloadTestNumber = 5
	cfg.Monitor.AutoDelete = false
	id := seedProvider(t, f, cfg)

	require.NoError(t, f.results.UpsertLatency(ctx, host, 20, 1, 0))
	require.NoError(t, f.jobs.HandleCurlTest(ctx, map[string]string{"provider_id": strconv.FormatInt(id, 10)}))

	row, err := f.store.Result(ctx, host)
	require.NoError(t, err)
	require.NotNil(t, row.DownloadSpeed)
	require.Equal(t, 2.0, *row.DownloadSpeed)
}

// Below the configured floor the sentinel is recorded, and auto delete
// sweeps the row afterwards.
func TestCurlTestSpeedFloorSentinel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	host, port := curlServer(t, []byte("tiny"))

	cfg := config.DefaultProviderConfig()
	cfg.Tcping.Enable = false
	cfg.Curl = config.CurlConfig{
		Enable:      true,
		Port:        port,
		Timeout:     1,
		Speed:       50,
		DownloadURL: "https://download.example.com/file.zip",
	}
	cfg.Monitor.DownloadTestNumber = 5
	cfg.Monitor.AutoDelete = false
	id := seedProvider(t, f, cfg)

	require.NoError(t, f.results.UpsertLatency(ctx, host, 20, 1, 0))
	require.NoError(t, f.jobs.HandleCurlTest(ctx, map[string]string{"provider_id": strconv.FormatInt(id, 10)}))

	row, err := f.store.Result(ctx, host)
	require.NoError(t, err)
	require.NotNil(t, row.DownloadSpeed)
	require.Equal(t, float64(store.SpeedFailed), *row.DownloadSpeed)

	// same run with auto delete prunes the sentinel row
	cfg.Monitor.AutoDelete = true
	require.NoError(t, f.store.SetProviderConfig(ctx, id, cfg))
	require.NoError(t, f.jobs.HandleCurlTest(ctx, map[string]string{"provider_id": strconv.FormatInt(id, 10)}))
	_, err = f.store.Result(ctx, host)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateRangeHandlersParsePayloads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := seedProvider(t, f, nil)
	args := map[string]string{"provider_id": strconv.FormatInt(id, 10)}

	args["payload"] = `["192.0.2.0/29"]`
	require.NoError(t, f.jobs.handleUpdateRangesCIDR(ctx, args))

	args["payload"] = `["198.51.100.7"]`
	require.NoError(t, f.jobs.handleUpdateSingleIP(ctx, args))

	args["payload"] = `[{"start_ip":"203.0.113.0","end_ip":"203.0.113.9"}]`
	require.NoError(t, f.jobs.handleUpdateCustomRange(ctx, args))

	grouped, err := f.jobs.ingestor.FetchRanges(ctx, id)
	require.NoError(t, err)
	require.Len(t, grouped[store.SourceCIDRs], 1)
	require.Len(t, grouped[store.SourceSingle], 1)
	require.Len(t, grouped[store.SourceCustom], 1)
	require.Equal(t, "192.0.2.0", grouped[store.SourceCIDRs][0].StartIP.String())
	require.Equal(t, "192.0.2.7", grouped[store.SourceCIDRs][0].EndIP.String())
}

func TestTcpingSweepDisabledSkips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := seedProvider(t, f, nil)
	start := time.Now()
	require.NoError(t, f.jobs.HandleTcpingTest(ctx, map[string]string{"provider_id": strconv.FormatInt(id, 10)}))
	require.Less(t, time.Since(start), time.Second)
}
