package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kit/log"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/example/netguard/monitor"
	"github.com/example/netguard/pubsub"
	"github.com/example/netguard/queue"
	"github.com/example/netguard/ranges"
	"github.com/example/netguard/results"
	"github.com/example/netguard/store"
)

type env struct {
	server *Server
	store  *store.Memory
	bus    *pubsub.Bus
}

func newEnv(t *testing.T) *env {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := log.NewNopLogger()
	st := store.NewMemory()
	bus := pubsub.NewBus(client, logger)
	t.Cleanup(func() { bus.Close() })
	require.NoError(t, bus.StartTail(context.Background()))

	runner := queue.NewGroupRunner(queue.NewRedisBroker(client), logger)
	server := &Server{
		Store:    st,
		Ingestor: ranges.NewIngestor(st, nil, logger),
		Monitor:  monitor.New(st, runner, logger),
		Results:  results.New(st, logger),
		Bus:      bus,
		Logger:   logger,
	}
	return &env{server: server, store: st, bus: bus}
}

func (e *env) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestCreateAndListProviders(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/providers", map[string]string{"name": "cloudflare", "logo_url": "https://cdn/logo.png"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created store.Provider
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotZero(t, created.ID)

	rec = e.do(t, http.MethodGet, "/providers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []store.Provider
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	require.Equal(t, "cloudflare", listed[0].Name)
}

func TestCreateProviderRequiresName(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/providers", map[string]string{"logo_url": "x"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSoftDeleteProviderHidesIt(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/providers", map[string]string{"name": "aws"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created store.Provider
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = e.do(t, http.MethodDelete, "/providers/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/providers", nil)
	var listed []store.Provider
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Empty(t, listed)

	rec = e.do(t, http.MethodDelete, "/providers/99", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateAndFetchRanges(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/providers", map[string]string{"name": "cloudflare"})

	rec := e.do(t, http.MethodPut, "/providers/1/ranges", map[string]interface{}{
		"source": "cidrs",
		"cidrs":  []string{"10.0.0.0/30"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/providers/1/ranges", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var grouped map[string][]store.IPRange
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &grouped))
	require.Len(t, grouped["cidrs"], 1)
	require.Empty(t, grouped["single"])
}

func TestUpdateRangesRejectsUnknownSource(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/providers", map[string]string{"name": "cloudflare"})
	rec := e.do(t, http.MethodPut, "/providers/1/ranges", map[string]interface{}{"source": "carrier-pigeon"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateRangesRejectsBadCIDR(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/providers", map[string]string{"name": "cloudflare"})
	rec := e.do(t, http.MethodPut, "/providers/1/ranges", map[string]interface{}{
		"source": "cidrs",
		"cidrs":  []string{"not-a-cidr"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartTestingAccepted(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/providers", map[string]string{"name": "cloudflare"})
	rec := e.do(t, http.MethodPost, "/providers/1/test", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = e.do(t, http.MethodPost, "/providers/99/test", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBestIPEmptyObject(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/best", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "{}", strings.TrimSpace(rec.Body.String()))
}

func TestBestIPReturnsRow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.UpsertLatency(ctx, "1.1.1.1", 20, 1, 0))
	require.NoError(t, e.store.UpdateSpeed(ctx, "1.1.1.1", 14.5))

	rec := e.do(t, http.MethodGet, "/best", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var row store.TestResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &row))
	require.Equal(t, "1.1.1.1", row.IP)
	require.Equal(t, 14.5, *row.DownloadSpeed)
}

func TestProgressNext(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, "/progress/next", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, e.bus.Publish(context.Background(), pubsub.ChannelProgress,
		pubsub.NewProgressEvent(pubsub.StatusInProgress, 10, 5, "half way")))

	require.Eventually(t, func() bool {
		rec := e.do(t, http.MethodGet, "/progress/next", nil)
		return rec.Code == http.StatusOK && strings.Contains(rec.Body.String(), "half way")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConfigRoundTrip(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/providers", map[string]string{"name": "cloudflare"})

	rec := e.do(t, http.MethodGet, "/providers/1/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	require.Contains(t, cfg, "tcping")
	require.Contains(t, cfg, "curl")
	require.Contains(t, cfg, "monitor")

	body := rec.Body.Bytes()
	var round json.RawMessage = body
	rec = e.do(t, http.MethodPut, "/providers/1/config", round)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestExportCSV(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.UpsertLatency(ctx, "1.1.1.1", 20, 1.5, 0))

	rec := e.do(t, http.MethodGet, "/results/export?format=csv", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "ip,avg_latency_ms"))
	require.True(t, strings.HasPrefix(lines[1], "1.1.1.1,20.00"))
}
