package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/relayd/internal/dedup"
	"github.com/busybox42/relayd/internal/engine"
	"github.com/busybox42/relayd/internal/mapping"
	"github.com/busybox42/relayd/internal/metrics"
	"github.com/busybox42/relayd/internal/queue"
	"github.com/busybox42/relayd/internal/repository"
	"github.com/busybox42/relayd/internal/transport"
)

type apiFixture struct {
	server *Server
	router http.Handler
	repo   repository.Repository
	queues *queue.Manager
	engine *engine.Engine
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	repo := repository.NewSQLite(repository.Config{
		Type:     "sqlite",
		Name:     "api-test",
		Database: filepath.Join(t.TempDir(), "relayd-test.db"),
	})
	require.NoError(t, repo.Connect())
	t.Cleanup(func() { repo.Close() })

	store := dedup.NewMemory(dedup.Config{Type: "memory", Name: "api-test"})
	require.NoError(t, store.Connect())
	t.Cleanup(func() { store.Close() })

	backend := queue.NewMemoryBackend()
	require.NoError(t, backend.Connect())
	t.Cleanup(func() { backend.Close() })
	queues := queue.NewManager(backend, queue.DefaultManagerConfig())

	router := transport.NewRouter(transport.NewLoopback("direct"), nil)
	dedupSvc := dedup.NewService(store, time.Hour)
	eng := engine.New(engine.DefaultConfig(), repo, dedupSvc, queues, router, metrics.New(), nil)

	server, err := NewServer(&Config{Enabled: true}, eng, queues, repo, metrics.New(), nil, dedupSvc)
	require.NoError(t, err)

	return &apiFixture{
		server: server,
		router: server.Router(),
		repo:   repo,
		queues: queues,
		engine: eng,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestNewServerDisabled(t *testing.T) {
	_, err := NewServer(&Config{Enabled: false}, nil, nil, nil, nil, nil, nil)
	assert.Error(t, err)

	_, err = NewServer(nil, nil, nil, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestNewServerDefaultListenAddr(t *testing.T) {
	f := newAPIFixture(t)
	assert.Equal(t, "127.0.0.1:8425", f.server.config.ListenAddr)
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	health := decodeBody[HealthStats](t, rec)
	// The engine is not started in this fixture.
	assert.Equal(t, "degraded", health.Status)
	assert.False(t, health.EngineRunning)
	assert.NotEmpty(t, health.GoVersion)
}

func TestStatsEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	stats := decodeBody[engine.Stats](t, rec)
	assert.False(t, stats.Running)
	assert.Equal(t, 0, stats.Queues.Total)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "relayd_")
}

func TestDeliveryStatsWithoutStore(t *testing.T) {
	f := newAPIFixture(t)

	for _, path := range []string{"/api/stats/delivery", "/api/stats/hourly", "/api/stats/errors"} {
		rec := f.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestQueueEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	item := queue.NewItem(1, 10, 100, nil)
	require.NoError(t, f.queues.Enqueue(ctx, *item, 0))
	require.NoError(t, f.queues.EnqueueDeadLetter(ctx, *queue.NewItem(2, 10, 101, nil), "endpoint gone"))

	rec := f.do(t, http.MethodGet, "/api/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeBody[queue.Stats](t, rec)
	assert.Equal(t, 1, stats.Main)
	assert.Equal(t, 1, stats.DeadLetter)

	rec = f.do(t, http.MethodGet, "/api/queue/dead_letter", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]interface{}](t, rec)
	assert.Equal(t, float64(1), body["depth"])
	assert.Len(t, body["items"], 1)

	rec = f.do(t, http.MethodGet, "/api/queue/bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/queue/main/flush", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/queue/all/flush", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	qs, err := f.queues.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, qs.Total)
}

func TestEndpointCRUDOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/endpoints", endpointRequest{Title: "announcements", Access: "broadcast"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[mapping.Endpoint](t, rec)
	assert.NotZero(t, created.ID)
	assert.True(t, created.Active)

	rec = f.do(t, http.MethodPost, "/api/endpoints", endpointRequest{Title: "bad", Access: "pigeon"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/endpoints/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	inactive := false
	rec = f.do(t, http.MethodPut, fmt.Sprintf("/api/endpoints/%d", created.ID), endpointRequest{Active: &inactive})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decodeBody[mapping.Endpoint](t, rec)
	assert.False(t, updated.Active)
	assert.Equal(t, "announcements", updated.Title)

	rec = f.do(t, http.MethodGet, "/api/endpoints", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]mapping.Endpoint](t, rec), 1)

	rec = f.do(t, http.MethodDelete, fmt.Sprintf("/api/endpoints/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/endpoints/%d", created.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRuleEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	src := mapping.Endpoint{Title: "src", Access: mapping.AccessDirect, Active: true}
	dst := mapping.Endpoint{Title: "dst", Access: mapping.AccessDirect, Active: true}
	require.NoError(t, f.repo.CreateEndpoint(ctx, &src))
	require.NoError(t, f.repo.CreateEndpoint(ctx, &dst))

	rec := f.do(t, http.MethodPost, "/api/rules", ruleRequest{SourceID: src.ID, DestID: dst.ID, Mode: "forward"})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody[map[string]interface{}](t, rec)
	ruleID := int64(body["id"].(float64))
	require.NotZero(t, ruleID)

	// Duplicate pair conflicts regardless of mode.
	rec = f.do(t, http.MethodPost, "/api/rules", ruleRequest{SourceID: src.ID, DestID: dst.ID, Mode: "copy"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/rules", ruleRequest{SourceID: src.ID, DestID: src.ID, Mode: "forward"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, fmt.Sprintf("/api/rules/%d/enabled", ruleID), map[string]bool{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code)

	rules, err := f.repo.GetActiveRules(ctx, src.ID)
	require.NoError(t, err)
	assert.Empty(t, rules)

	rec = f.do(t, http.MethodDelete, fmt.Sprintf("/api/rules/%d", ruleID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, fmt.Sprintf("/api/rules/%d", ruleID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRecordAndReset(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	rec := f.do(t, http.MethodGet, "/api/record/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/record/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	record := repository.DeliveryRecord{
		SourceEndpointID: 10,
		SourceMessageID:  100,
		Fingerprint:      "abc123",
	}
	require.NoError(t, f.repo.CreateRecord(ctx, &record))

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/record/%d", record.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[repository.DeliveryRecord](t, rec)
	assert.Equal(t, repository.StatusPending, got.Status)

	// A PENDING record cannot be reset.
	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/message/%d/reset", record.ID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/message/999/reset", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResetRoundTripOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	record := repository.DeliveryRecord{
		SourceEndpointID: 10,
		SourceMessageID:  100,
		Fingerprint:      "abc123",
	}
	require.NoError(t, f.repo.CreateRecord(ctx, &record))
	require.NoError(t, f.repo.MarkProcessing(ctx, record.ID))
	require.NoError(t, f.repo.MarkFailed(ctx, record.ID, nil, "endpoint gone", 3))

	item := queue.NewItem(record.ID, 10, 100, nil)
	require.NoError(t, f.queues.EnqueueDeadLetter(ctx, *item, "endpoint gone"))

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/message/%d/reset", record.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := f.repo.GetRecord(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, got.Status)

	requeued, err := f.queues.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, requeued)
	assert.Equal(t, item.ID, requeued.ID)
}

func TestLogLevelEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/logging/level", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/logging/level", LogLevelRequest{Level: "DEBUG"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[LogLevelResponse](t, rec)
	assert.Equal(t, "DEBUG", resp.CurrentLevel)

	rec = f.do(t, http.MethodPut, "/api/logging/level", LogLevelRequest{Level: "NOISY"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Restore so other tests keep their level.
	f.do(t, http.MethodPut, "/api/logging/level", LogLevelRequest{Level: "INFO"})
}

func TestDedupStatsEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, "GET", "/api/dedup/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody[dedup.CacheStats](t, rec)
	assert.Equal(t, "memory", out.StoreType)
	assert.Equal(t, 3600, out.TTLSeconds)
	assert.Equal(t, int64(0), out.Entries)

	f.server.dedup = nil
	rec = f.do(t, "GET", "/api/dedup/stats", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDedupCleanupEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	store := dedup.NewMemory(dedup.Config{Type: "memory", Name: "cleanup-test"})
	require.NoError(t, store.Connect())
	t.Cleanup(func() { store.Close() })

	svc := dedup.NewService(store, time.Millisecond)
	svc.MarkProcessed(ctx, "stale-fingerprint", 1, 1001)
	f.server.dedup = svc
	time.Sleep(5 * time.Millisecond)

	rec := f.do(t, "POST", "/api/dedup/cleanup", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody[map[string]interface{}](t, rec)
	assert.Equal(t, float64(1), out["deleted"])

	f.server.dedup = nil
	rec = f.do(t, "POST", "/api/dedup/cleanup", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
