package outbox

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/LerianStudio/workflow-relay/relay/internal/nilcheck"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	libOpentelemetry "github.com/LerianStudio/workflow-relay/relay/opentelemetry"
)

const (
	DefaultQueryPageSize = 50
	MaxQueryPageSize     = 500
	// MaxStaleSeconds bounds StaleSeconds to ten years, well inside the
	// range of time.Duration.
	MaxStaleSeconds = 10 * 365 * 24 * 60 * 60
)

// QueryFilter selects messages for the admin listing. Every set field
// narrows the result independently.
type QueryFilter struct {
	TenantID string
	Status   Status
	// EventType matches a namespace prefix ("workflow.task" matches
	// "workflow.task.created") or, when it contains * or ?, a glob.
	EventType    string
	MinCreatedAt *time.Time
	MaxCreatedAt *time.Time
	MinRetry     *int
	MaxRetry     *int
	// StaleSeconds keeps pending messages created more than this many
	// seconds before Now. Zero disables it.
	StaleSeconds   int
	HasError       *bool
	IdempotencyKey string
	Page           int
	PageSize       int
	// Now anchors StaleSeconds. Zero means the current time.
	Now time.Time
}

// Normalize fills defaults and clamps the page size.
func (filter QueryFilter) Normalize() QueryFilter {
	filter.TenantID = strings.TrimSpace(filter.TenantID)
	filter.EventType = strings.TrimSpace(filter.EventType)
	filter.IdempotencyKey = strings.TrimSpace(filter.IdempotencyKey)

	if filter.Status == "" {
		filter.Status = StatusAll
	}

	if filter.Page < 1 {
		filter.Page = 1
	}

	if filter.PageSize < 1 {
		filter.PageSize = DefaultQueryPageSize
	}

	if filter.PageSize > MaxQueryPageSize {
		filter.PageSize = MaxQueryPageSize
	}

	filter.StaleSeconds = clampStaleSeconds(filter.StaleSeconds)

	if filter.Now.IsZero() {
		filter.Now = time.Now().UTC()
	}

	return filter
}

// Validate rejects unknown statuses, inverted ranges and bad globs.
func (filter QueryFilter) Validate() error {
	if _, err := ParseStatus(string(filter.Status)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}

	if filter.MinCreatedAt != nil && filter.MaxCreatedAt != nil && filter.MinCreatedAt.After(*filter.MaxCreatedAt) {
		return fmt.Errorf("%w: minCreatedAt is after maxCreatedAt", ErrInvalidQuery)
	}

	if filter.MinRetry != nil && filter.MaxRetry != nil && *filter.MinRetry > *filter.MaxRetry {
		return fmt.Errorf("%w: minRetry is greater than maxRetry", ErrInvalidQuery)
	}

	if IsEventTypeGlob(filter.EventType) {
		if _, err := path.Match(filter.EventType, ""); err != nil {
			return fmt.Errorf("%w: eventType pattern: %w", ErrInvalidQuery, err)
		}
	}

	return nil
}

// Offset is the number of rows skipped before the current page.
func (filter QueryFilter) Offset() int {
	return (filter.Page - 1) * filter.PageSize
}

// StaleBefore returns the creation cutoff for StaleSeconds.
func (filter QueryFilter) StaleBefore() time.Time {
	return filter.Now.Add(-time.Duration(clampStaleSeconds(filter.StaleSeconds)) * time.Second)
}

func clampStaleSeconds(seconds int) int {
	return max(0, min(seconds, MaxStaleSeconds))
}

// IsEventTypeGlob reports whether pattern uses glob wildcards.
func IsEventTypeGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?")
}

// MatchEventType applies the EventType filter semantics to eventType.
func MatchEventType(pattern, eventType string) bool {
	if pattern == "" {
		return true
	}

	if IsEventTypeGlob(pattern) {
		matched, err := path.Match(pattern, eventType)

		return err == nil && matched
	}

	return eventType == pattern || strings.HasPrefix(eventType, pattern+".")
}

// Matches reports whether msg passes every filter. Stores that cannot push
// filters down to their backend use it directly.
func (filter QueryFilter) Matches(msg *Message) bool {
	if msg == nil {
		return false
	}

	switch filter.Status {
	case StatusPending:
		if !msg.IsPending() {
			return false
		}
	case StatusFailed:
		if !msg.IsPending() || msg.RetryCount == 0 {
			return false
		}
	case StatusDeadLetter:
		if !msg.DeadLetter {
			return false
		}
	case StatusProcessed:
		if !msg.IsProcessed || msg.DeadLetter {
			return false
		}
	}

	return filter.matchesIdentity(msg) && filter.matchesRanges(msg)
}

func (filter QueryFilter) matchesIdentity(msg *Message) bool {
	if filter.TenantID != "" && msg.TenantID != filter.TenantID {
		return false
	}

	if filter.IdempotencyKey != "" && msg.IdempotencyKey != filter.IdempotencyKey {
		return false
	}

	if filter.HasError != nil && (msg.Error != "") != *filter.HasError {
		return false
	}

	return MatchEventType(filter.EventType, msg.EventType)
}

func (filter QueryFilter) matchesRanges(msg *Message) bool {
	if filter.MinCreatedAt != nil && msg.CreatedAt.Before(*filter.MinCreatedAt) {
		return false
	}

	if filter.MaxCreatedAt != nil && msg.CreatedAt.After(*filter.MaxCreatedAt) {
		return false
	}

	if filter.MinRetry != nil && msg.RetryCount < *filter.MinRetry {
		return false
	}

	if filter.MaxRetry != nil && msg.RetryCount > *filter.MaxRetry {
		return false
	}

	if filter.StaleSeconds > 0 && (!msg.IsPending() || !msg.CreatedAt.Before(filter.StaleBefore())) {
		return false
	}

	return true
}

// QueryResult is one page of the admin listing.
type QueryResult struct {
	Items      []*Message
	Page       int
	PageSize   int
	TotalCount int64
	TotalPages int
}

// AdminQuery serves the read-only admin listing.
type AdminQuery struct {
	store  MessageQuerier
	tracer trace.Tracer
}

// NewAdminQuery returns an AdminQuery over store.
func NewAdminQuery(store MessageQuerier, tracer trace.Tracer) (*AdminQuery, error) {
	if nilcheck.Interface(store) {
		return nil, ErrRepositoryRequired
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("workflow-relay.noop")
	}

	return &AdminQuery{store: store, tracer: tracer}, nil
}

// Query returns the page selected by filter, newest first.
func (query *AdminQuery) Query(ctx context.Context, filter QueryFilter) (QueryResult, error) {
	if query == nil || query.store == nil {
		return QueryResult{}, ErrRepositoryRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := query.tracer.Start(ctx, "outbox.admin.query")
	defer span.End()

	filter = filter.Normalize()
	if err := filter.Validate(); err != nil {
		libOpentelemetry.HandleSpanError(span, "invalid outbox query", err)

		return QueryResult{}, err
	}

	items, total, err := query.store.Query(ctx, filter)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to query outbox messages", err)

		return QueryResult{}, fmt.Errorf("query outbox messages: %w", err)
	}

	if items == nil {
		items = []*Message{}
	}

	return QueryResult{
		Items:      items,
		Page:       filter.Page,
		PageSize:   filter.PageSize,
		TotalCount: total,
		TotalPages: totalPages(total, filter.PageSize),
	}, nil
}

func totalPages(total int64, pageSize int) int {
	if total <= 0 || pageSize <= 0 {
		return 0
	}

	return int((total + int64(pageSize) - 1) / int64(pageSize))
}
