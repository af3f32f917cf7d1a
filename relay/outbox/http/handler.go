package http

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	libCommons "github.com/LerianStudio/workflow-relay/relay"
	"github.com/LerianStudio/workflow-relay/relay/internal/nilcheck"
	libLog "github.com/LerianStudio/workflow-relay/relay/log"
	libHTTP "github.com/LerianStudio/workflow-relay/relay/net/http"
	libOpentelemetry "github.com/LerianStudio/workflow-relay/relay/opentelemetry"
	"github.com/LerianStudio/workflow-relay/relay/outbox"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Route paths.
const (
	MessagesPath = "/v1/outbox/messages"
	MetricsPath  = "/metrics"
	HealthPath   = "/health"
	ReadyPath    = "/readyz"
)

const (
	metricsContentType      = "text/plain; version=0.0.4; charset=utf-8"
	defaultReadinessTimeout = 2 * time.Second
)

var (
	// ErrQueryRequired is returned when the handler has no admin query.
	ErrQueryRequired = errors.New("outbox http handler requires an admin query")
	// ErrMetricsRequired is returned when the handler has no metrics provider.
	ErrMetricsRequired = errors.New("outbox http handler requires a metrics provider")
)

// Querier serves the admin listing. *outbox.AdminQuery implements it.
type Querier interface {
	Query(ctx context.Context, filter outbox.QueryFilter) (outbox.QueryResult, error)
}

// SnapshotSource provides dispatcher snapshots. *outbox.MetricsProvider
// implements it.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (outbox.Snapshot, error)
}

// ReadinessCheck is one dependency probed by /readyz.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Option configures a Handler.
type Option func(*Handler)

// WithHealthCheck replaces the default thresholds.
func WithHealthCheck(check *outbox.HealthCheck) Option {
	return func(handler *Handler) {
		if check != nil {
			handler.health = check
		}
	}
}

// WithReadinessCheck adds a dependency to /readyz.
func WithReadinessCheck(name string, check func(ctx context.Context) error) Option {
	return func(handler *Handler) {
		if check != nil {
			handler.readiness = append(handler.readiness, ReadinessCheck{Name: strings.TrimSpace(name), Check: check})
		}
	}
}

// WithReadinessTimeout bounds each readiness probe.
func WithReadinessTimeout(timeout time.Duration) Option {
	return func(handler *Handler) {
		if timeout > 0 {
			handler.readinessTimeout = timeout
		}
	}
}

// WithBreakerStatus adds circuit breaker states to the health report.
func WithBreakerStatus(status func() map[string]string) Option {
	return func(handler *Handler) {
		handler.breakerStatus = status
	}
}

// WithProductionMode hides error details from logs.
func WithProductionMode(production bool) Option {
	return func(handler *Handler) {
		handler.production = production
	}
}

// Handler serves the admin endpoints.
type Handler struct {
	query            Querier
	metrics          SnapshotSource
	health           *outbox.HealthCheck
	readiness        []ReadinessCheck
	readinessTimeout time.Duration
	breakerStatus    func() map[string]string
	production       bool
}

// NewHandler returns a Handler over query and metrics.
func NewHandler(query Querier, metrics SnapshotSource, opts ...Option) (*Handler, error) {
	if nilcheck.Interface(query) {
		return nil, ErrQueryRequired
	}

	if nilcheck.Interface(metrics) {
		return nil, ErrMetricsRequired
	}

	handler := &Handler{
		query:            query,
		metrics:          metrics,
		health:           outbox.NewHealthCheck(outbox.DefaultHealthThresholds()),
		readinessTimeout: defaultReadinessTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(handler)
		}
	}

	return handler, nil
}

// Register mounts the endpoints on router.
func (handler *Handler) Register(router fiber.Router) {
	router.Get(MessagesPath, handler.ListMessages)
	router.Get(MetricsPath, handler.Metrics)
	router.Get(HealthPath, handler.Health)
	router.Get(ReadyPath, handler.Ready)
}

// messageView is the JSON shape of one message.
type messageView struct {
	ID             uuid.UUID       `json:"id"`
	TenantID       string          `json:"tenantId"`
	EventType      string          `json:"eventType"`
	EventData      json.RawMessage `json:"eventData"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Status         outbox.Status   `json:"status"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	RetryCount     int             `json:"retryCount"`
	NextRetryAt    *time.Time      `json:"nextRetryAt,omitempty"`
	Error          string          `json:"error,omitempty"`
	ProcessedAt    *time.Time      `json:"processedAt,omitempty"`
	IsProcessed    bool            `json:"isProcessed"`
	DeadLetter     bool            `json:"deadLetter"`
}

type listMessagesResponse struct {
	Items      []messageView `json:"items"`
	Page       int           `json:"page"`
	PageSize   int           `json:"pageSize"`
	TotalCount int64         `json:"totalCount"`
	TotalPages int           `json:"totalPages"`
}

func newMessageView(msg *outbox.Message) messageView {
	data := json.RawMessage(msg.EventData)
	if !json.Valid(data) {
		data = json.RawMessage("null")
	}

	return messageView{
		ID:             msg.ID,
		TenantID:       msg.TenantID,
		EventType:      msg.EventType,
		EventData:      data,
		IdempotencyKey: msg.IdempotencyKey,
		Status:         msg.Status(),
		CreatedAt:      msg.CreatedAt,
		UpdatedAt:      msg.UpdatedAt,
		RetryCount:     msg.RetryCount,
		NextRetryAt:    msg.NextRetryAt,
		Error:          msg.Error,
		ProcessedAt:    msg.ProcessedAt,
		IsProcessed:    msg.IsProcessed,
		DeadLetter:     msg.DeadLetter,
	}
}

// ListMessages serves GET /v1/outbox/messages.
func (handler *Handler) ListMessages(c *fiber.Ctx) error {
	ctx := c.UserContext()
	logger, tracer, headerID := libCommons.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "outbox.http.list_messages")
	defer span.End()

	filter, err := parseListQuery(c)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "invalid outbox query", err)

		return libHTTP.BadRequestError(c, "invalid_query", err.Error())
	}

	span.SetAttributes(
		attribute.String("app.request.request_id", headerID),
		attribute.String("outbox.query.status", string(filter.Status)),
	)

	result, err := handler.query.Query(ctx, filter)
	if errors.Is(err, outbox.ErrInvalidQuery) {
		libOpentelemetry.HandleSpanError(span, "invalid outbox query", err)

		return libHTTP.BadRequestError(c, "invalid_query", err.Error())
	}

	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to query outbox messages", err)
		libLog.SafeError(logger, ctx, "failed to query outbox messages", err, handler.production)

		return libHTTP.InternalServerErrorWithTitle(c, "query_failed")
	}

	items := make([]messageView, 0, len(result.Items))
	for _, msg := range result.Items {
		if msg != nil {
			items = append(items, newMessageView(msg))
		}
	}

	return libHTTP.Respond(c, fiber.StatusOK, listMessagesResponse{
		Items:      items,
		Page:       result.Page,
		PageSize:   result.PageSize,
		TotalCount: result.TotalCount,
		TotalPages: result.TotalPages,
	})
}

// Metrics serves GET /metrics in the Prometheus text format.
func (handler *Handler) Metrics(c *fiber.Ctx) error {
	ctx := c.UserContext()
	logger, _, _ := libCommons.NewTrackingFromContext(ctx)

	snapshot, err := handler.metrics.Snapshot(ctx)
	if err != nil {
		libLog.SafeError(logger, ctx, "failed to capture outbox snapshot", err, handler.production)

		return libHTTP.ServiceUnavailableErrorWithTitle(c, "metrics_unavailable")
	}

	c.Set(fiber.HeaderContentType, metricsContentType)

	return outbox.WriteText(c, snapshot)
}

type healthResponse struct {
	Status                  outbox.HealthStatus        `json:"status"`
	Checks                  []outbox.HealthCheckResult `json:"checks"`
	BacklogSize             int64                      `json:"backlogSize"`
	OldestPendingAgeSeconds float64                    `json:"oldestPendingAgeSeconds"`
	FailureRatio            float64                    `json:"failureRatio"`
	TotalProcessed          int64                      `json:"totalProcessed"`
	TotalFailed             int64                      `json:"totalFailed"`
	TotalDeadLettered       int64                      `json:"totalDeadLettered"`
	LastCycleAt             *time.Time                 `json:"lastCycleAt,omitempty"`
	Breakers                map[string]string          `json:"breakers,omitempty"`
}

// Health serves GET /health. Healthy and degraded answer 200, unhealthy 503.
func (handler *Handler) Health(c *fiber.Ctx) error {
	ctx := c.UserContext()
	logger, _, _ := libCommons.NewTrackingFromContext(ctx)

	snapshot, err := handler.metrics.Snapshot(ctx)
	if err != nil {
		libLog.SafeError(logger, ctx, "failed to capture outbox snapshot", err, handler.production)

		return libHTTP.ServiceUnavailableErrorWithTitle(c, "health_unavailable")
	}

	report := handler.health.Evaluate(snapshot)

	body := healthResponse{
		Status:                  report.Status,
		Checks:                  report.Checks,
		BacklogSize:             snapshot.BacklogSize,
		OldestPendingAgeSeconds: snapshot.OldestPendingAge.Seconds(),
		FailureRatio:            snapshot.FailureRatio,
		TotalProcessed:          snapshot.TotalProcessed,
		TotalFailed:             snapshot.TotalFailed,
		TotalDeadLettered:       snapshot.TotalDeadLettered,
		LastCycleAt:             snapshot.LastCycleAt,
	}

	if handler.breakerStatus != nil {
		body.Breakers = handler.breakerStatus()
	}

	status := fiber.StatusOK
	if report.Status == outbox.HealthUnhealthy {
		status = fiber.StatusServiceUnavailable
	}

	return libHTTP.Respond(c, status, body)
}

type readinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Ready serves GET /readyz. It answers 503 when any dependency probe fails.
func (handler *Handler) Ready(c *fiber.Ctx) error {
	ctx := c.UserContext()
	logger, _, _ := libCommons.NewTrackingFromContext(ctx)

	body := readinessResponse{Status: "ready", Checks: make(map[string]string, len(handler.readiness))}

	for _, probe := range handler.readiness {
		probeCtx, cancel := context.WithTimeout(ctx, handler.readinessTimeout)
		err := probe.Check(probeCtx)

		cancel()

		if err != nil {
			logger.Log(ctx, libLog.LevelWarn, "readiness probe failed", libLog.String("dependency", probe.Name), libLog.Err(err))

			body.Status = "not_ready"
			body.Checks[probe.Name] = "down"

			continue
		}

		body.Checks[probe.Name] = "up"
	}

	status := fiber.StatusOK
	if body.Status != "ready" {
		status = fiber.StatusServiceUnavailable
	}

	return libHTTP.Respond(c, status, body)
}
