package http

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	libHTTP "github.com/LerianStudio/workflow-relay/relay/net/http"
	"github.com/LerianStudio/workflow-relay/relay/outbox"
	"github.com/gofiber/fiber/v2"
)

const timestampLayout = "2006-01-02T15:04:05Z07:00"

// listMessagesQuery is the raw query string of GET /v1/outbox/messages.
// Optional numbers stay strings so an absent value differs from zero.
// minCreatedAt and maxCreatedAt are accepted as aliases of the *Utc names.
type listMessagesQuery struct {
	TenantID       string `query:"tenantId"       validate:"omitempty,max=255"`
	Status         string `query:"status"         validate:"omitempty,max=32"`
	EventType      string `query:"eventType"      validate:"omitempty,max=255,event_type_pattern"`
	MinCreatedUtc  string `query:"minCreatedUtc"  validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	MaxCreatedUtc  string `query:"maxCreatedUtc"  validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	MinCreatedAt   string `query:"minCreatedAt"   validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	MaxCreatedAt   string `query:"maxCreatedAt"   validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	MinRetry       string `query:"minRetry"       validate:"omitempty,number"`
	MaxRetry       string `query:"maxRetry"       validate:"omitempty,number"`
	StaleSeconds   int    `query:"staleSeconds"   validate:"gte=0,max=315360000"`
	HasError       string `query:"hasError"       validate:"omitempty,oneof=true false"`
	IdempotencyKey string `query:"idempotencyKey" validate:"omitempty,max=255"`
	Page           int    `query:"page"           validate:"gte=0"`
	PageSize       int    `query:"pageSize"       validate:"gte=0"`
}

// parseListQuery turns the query string into an outbox filter. Every error
// it returns wraps outbox.ErrInvalidQuery.
func parseListQuery(c *fiber.Ctx) (outbox.QueryFilter, error) {
	var raw listMessagesQuery

	if err := libHTTP.ParseQueryAndValidate(c, &raw); err != nil {
		return outbox.QueryFilter{}, fmt.Errorf("%w: %w", outbox.ErrInvalidQuery, err)
	}

	status, err := outbox.ParseStatus(raw.Status)
	if err != nil {
		return outbox.QueryFilter{}, fmt.Errorf("%w: %w", outbox.ErrInvalidQuery, err)
	}

	filter := outbox.QueryFilter{
		TenantID:       raw.TenantID,
		Status:         status,
		EventType:      raw.EventType,
		StaleSeconds:   raw.StaleSeconds,
		IdempotencyKey: raw.IdempotencyKey,
		Page:           raw.Page,
		PageSize:       raw.PageSize,
	}

	if filter.MinCreatedAt, err = createdBound("minCreatedUtc", raw.MinCreatedUtc, raw.MinCreatedAt); err != nil {
		return outbox.QueryFilter{}, err
	}

	if filter.MaxCreatedAt, err = createdBound("maxCreatedUtc", raw.MaxCreatedUtc, raw.MaxCreatedAt); err != nil {
		return outbox.QueryFilter{}, err
	}

	if filter.MinRetry, err = optionalInt("minRetry", raw.MinRetry); err != nil {
		return outbox.QueryFilter{}, err
	}

	if filter.MaxRetry, err = optionalInt("maxRetry", raw.MaxRetry); err != nil {
		return outbox.QueryFilter{}, err
	}

	if raw.HasError != "" {
		hasError := raw.HasError == "true"
		filter.HasError = &hasError
	}

	return filter, nil
}

// createdBound prefers the *Utc parameter and falls back to its alias.
func createdBound(name, value, alias string) (*time.Time, error) {
	if strings.TrimSpace(value) == "" {
		value = alias
	}

	return optionalTime(name, value)
}

func optionalTime(name, value string) (*time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}

	parsed, err := time.Parse(timestampLayout, value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", outbox.ErrInvalidQuery, name, err)
	}

	parsed = parsed.UTC()

	return &parsed, nil
}

func optionalInt(name, value string) (*int, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}

	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return nil, fmt.Errorf("%w: %s must be a non-negative integer", outbox.ErrInvalidQuery, name)
	}

	return &parsed, nil
}
