//go:build unit

package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/workflow-relay/relay/outbox"
	"github.com/LerianStudio/workflow-relay/relay/outbox/memory"
)

var seedBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedStore(t *testing.T) *memory.Store {
	t.Helper()

	store := memory.New()
	rows := []struct {
		tenant     string
		eventType  string
		key        string
		retries    int
		errText    string
		processed  bool
		deadLetter bool
	}{
		{"tenant-a", outbox.EventTaskCreated, "k-0", 0, "", false, false},
		{"tenant-a", outbox.EventTaskAssigned, "k-1", 2, "timeout", false, false},
		{"tenant-a", outbox.EventInstanceStarted, "k-2", 1, "bad schema", true, true},
		{"tenant-b", outbox.EventInstanceCompleted, "k-3", 0, "", true, false},
	}

	for i, row := range rows {
		msg, err := outbox.NewMessage(row.tenant, row.eventType, []byte(`{"n":1}`), row.key)
		require.NoError(t, err)

		msg.CreatedAt = seedBase.Add(time.Duration(i) * time.Minute)
		msg.RetryCount = row.retries
		msg.Error = row.errText
		msg.IsProcessed = row.processed
		msg.DeadLetter = row.deadLetter

		_, err = store.Insert(context.Background(), msg)
		require.NoError(t, err)
	}

	return store
}

func newTestApp(t *testing.T, store *memory.Store, opts ...Option) *fiber.App {
	t.Helper()

	query, err := outbox.NewAdminQuery(store, nil)
	require.NoError(t, err)

	metrics, err := outbox.NewMetricsProvider(store, 0)
	require.NoError(t, err)

	handler, err := NewHandler(query, metrics, opts...)
	require.NoError(t, err)

	app := fiber.New()
	handler.Register(app)

	return app
}

func get(t *testing.T, app *fiber.App, target string) (int, []byte) {
	t.Helper()

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, target, nil), -1)
	require.NoError(t, err)

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, body
}

func listKeys(t *testing.T, body []byte) []string {
	t.Helper()

	var decoded listMessagesResponse
	require.NoError(t, json.Unmarshal(body, &decoded))

	keys := make([]string, 0, len(decoded.Items))
	for _, item := range decoded.Items {
		keys = append(keys, item.IdempotencyKey)
	}

	return keys
}

func TestNewHandler_Validation(t *testing.T) {
	store := memory.New()
	metrics, err := outbox.NewMetricsProvider(store, 0)
	require.NoError(t, err)

	_, err = NewHandler(nil, metrics)
	assert.ErrorIs(t, err, ErrQueryRequired)

	query, err := outbox.NewAdminQuery(store, nil)
	require.NoError(t, err)

	_, err = NewHandler(query, nil)
	assert.ErrorIs(t, err, ErrMetricsRequired)
}

func TestListMessages_Filters(t *testing.T) {
	app := newTestApp(t, seedStore(t))

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{name: "all newest first", query: "", want: []string{"k-3", "k-2", "k-1", "k-0"}},
		{name: "tenant", query: "?tenantId=tenant-b", want: []string{"k-3"}},
		{name: "pending", query: "?status=pending", want: []string{"k-1", "k-0"}},
		{name: "failed", query: "?status=failed", want: []string{"k-1"}},
		{name: "deadletter", query: "?status=deadletter", want: []string{"k-2"}},
		{name: "processed", query: "?status=processed", want: []string{"k-3"}},
		{name: "event type prefix", query: "?eventType=workflow.task", want: []string{"k-1", "k-0"}},
		{name: "event type glob", query: "?eventType=workflow.instance.*", want: []string{"k-3", "k-2"}},
		{name: "has error", query: "?hasError=true", want: []string{"k-2", "k-1"}},
		{name: "no error", query: "?hasError=false", want: []string{"k-3", "k-0"}},
		{name: "min retry", query: "?minRetry=1", want: []string{"k-2", "k-1"}},
		{name: "max retry", query: "?maxRetry=0", want: []string{"k-3", "k-0"}},
		{name: "created range", query: "?minCreatedAt=2026-03-01T12:01:00Z&maxCreatedAt=2026-03-01T12:02:00Z", want: []string{"k-2", "k-1"}},
		{name: "created range utc", query: "?minCreatedUtc=2026-03-01T12:01:00Z&maxCreatedUtc=2026-03-01T12:02:00Z", want: []string{"k-2", "k-1"}},
		{name: "created after utc", query: "?minCreatedUtc=2026-03-01T12:02:00Z", want: []string{"k-3", "k-2"}},
		{name: "utc name wins over alias", query: "?minCreatedUtc=2026-03-01T12:03:00Z&minCreatedAt=2026-03-01T12:00:00Z", want: []string{"k-3"}},
		{name: "idempotency key", query: "?idempotencyKey=k-2", want: []string{"k-2"}},
		{name: "paged", query: "?page=2&pageSize=3", want: []string{"k-0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := get(t, app, MessagesPath+tt.query)
			require.Equal(t, fiber.StatusOK, status, string(body))
			assert.Equal(t, tt.want, listKeys(t, body))
		})
	}
}

func TestListMessages_ResponseShape(t *testing.T) {
	app := newTestApp(t, seedStore(t))

	status, body := get(t, app, MessagesPath+"?pageSize=2&idempotencyKey=k-1")
	require.Equal(t, fiber.StatusOK, status)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))

	assert.EqualValues(t, 1, decoded["page"])
	assert.EqualValues(t, 2, decoded["pageSize"])
	assert.EqualValues(t, 1, decoded["totalCount"])
	assert.EqualValues(t, 1, decoded["totalPages"])

	items, ok := decoded["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 1)

	item := items[0].(map[string]any)
	assert.Equal(t, "failed", item["status"])
	assert.Equal(t, "timeout", item["error"])
	assert.Equal(t, map[string]any{"n": float64(1)}, item["eventData"])
}

func TestListMessages_RejectsMalformedInput(t *testing.T) {
	app := newTestApp(t, seedStore(t))

	for _, query := range []string{
		"?status=archived",
		"?minCreatedAt=yesterday",
		"?minCreatedUtc=yesterday",
		"?maxCreatedUtc=2026-03-01",
		"?minRetry=-1",
		"?maxRetry=many",
		"?staleSeconds=-5",
		"?staleSeconds=1099511627776",
		"?hasError=maybe",
		"?page=-1",
		"?eventType=workflow%20task",
		"?eventType=workflow.[*",
		"?minRetry=3&maxRetry=1",
	} {
		t.Run(query, func(t *testing.T) {
			status, body := get(t, app, MessagesPath+query)
			assert.Equal(t, fiber.StatusBadRequest, status, string(body))
			assert.Contains(t, string(body), "invalid_query")
		})
	}
}

type failingQuerier struct{}

func (failingQuerier) Query(context.Context, outbox.QueryFilter) (outbox.QueryResult, error) {
	return outbox.QueryResult{}, errors.New("connection reset")
}

type failingSnapshots struct{}

func (failingSnapshots) Snapshot(context.Context) (outbox.Snapshot, error) {
	return outbox.Snapshot{}, errors.New("backlog unavailable")
}

func TestListMessages_StoreFailure(t *testing.T) {
	handler, err := NewHandler(failingQuerier{}, failingSnapshots{})
	require.NoError(t, err)

	app := fiber.New()
	handler.Register(app)

	status, body := get(t, app, MessagesPath)
	assert.Equal(t, fiber.StatusInternalServerError, status)
	assert.NotContains(t, string(body), "connection reset")

	status, _ = get(t, app, MetricsPath)
	assert.Equal(t, fiber.StatusServiceUnavailable, status)

	status, _ = get(t, app, HealthPath)
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
}

func TestMetrics_Text(t *testing.T) {
	app := newTestApp(t, seedStore(t))

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, MetricsPath, nil), -1)
	require.NoError(t, err)

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get(fiber.HeaderContentType), "version=0.0.4")
	assert.Contains(t, string(body), "# TYPE outbox_backlog_size gauge\noutbox_backlog_size 2\n")
	assert.Contains(t, string(body), "outbox_failure_ratio 0\n")
}

func TestHealth_StatusCodes(t *testing.T) {
	store := seedStore(t)

	relaxed := outbox.NewHealthCheck(outbox.HealthThresholds{BacklogWarn: 10, BacklogUnhealthy: 20})

	app := newTestApp(t, store, WithHealthCheck(relaxed), WithBreakerStatus(func() map[string]string {
		return map[string]string{"outbox-transport": "closed"}
	}))

	status, body := get(t, app, HealthPath)
	require.Equal(t, fiber.StatusOK, status)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "healthy", decoded["status"])
	assert.EqualValues(t, 2, decoded["backlogSize"])
	assert.Equal(t, map[string]any{"outbox-transport": "closed"}, decoded["breakers"])

	strict := outbox.NewHealthCheck(outbox.HealthThresholds{BacklogWarn: 1, BacklogUnhealthy: 2})
	app = newTestApp(t, store, WithHealthCheck(strict))

	status, body = get(t, app, HealthPath)
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.Contains(t, string(body), `"unhealthy"`)

	degraded := outbox.NewHealthCheck(outbox.HealthThresholds{BacklogWarn: 1, BacklogUnhealthy: 100})
	app = newTestApp(t, store, WithHealthCheck(degraded))

	status, body = get(t, app, HealthPath)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Contains(t, string(body), `"degraded"`)
}

func TestReady(t *testing.T) {
	store := memory.New()

	app := newTestApp(t, store,
		WithReadinessCheck("postgres", func(context.Context) error { return nil }),
	)

	status, body := get(t, app, ReadyPath)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Contains(t, string(body), `"ready"`)

	app = newTestApp(t, store,
		WithReadinessTimeout(50*time.Millisecond),
		WithReadinessCheck("postgres", func(context.Context) error { return nil }),
		WithReadinessCheck("rabbitmq", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}),
	)

	status, body = get(t, app, ReadyPath)
	assert.Equal(t, fiber.StatusServiceUnavailable, status)

	var decoded readinessResponse
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "not_ready", decoded.Status)
	assert.Equal(t, map[string]string{"postgres": "up", "rabbitmq": "down"}, decoded.Checks)
}
