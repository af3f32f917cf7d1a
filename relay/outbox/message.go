package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/workflow-relay/relay/pointers"
)

// DefaultMaxPayloadBytes caps EventData.
const DefaultMaxPayloadBytes = 1 << 20

// Status is the admin-facing lifecycle state of a message.
type Status string

const (
	// StatusPending is a message awaiting delivery, including scheduled retries.
	StatusPending Status = "pending"
	// StatusFailed is a pending message with at least one failed attempt.
	StatusFailed Status = "failed"
	// StatusDeadLetter is a terminal message abandoned by the poison or give-up policy.
	StatusDeadLetter Status = "deadletter"
	// StatusProcessed is a terminal message, delivered or given up without dead-letter.
	StatusProcessed Status = "processed"
	// StatusAll matches every message in queries.
	StatusAll Status = "all"
)

// ParseStatus parses an admin status. The empty string means StatusAll.
func ParseStatus(raw string) (Status, error) {
	switch status := Status(strings.ToLower(strings.TrimSpace(raw))); status {
	case "":
		return StatusAll, nil
	case StatusPending, StatusFailed, StatusDeadLetter, StatusProcessed, StatusAll:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// Message is one outbox row.
type Message struct {
	ID             uuid.UUID
	TenantID       string
	EventType      string
	EventData      []byte
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	RetryCount     int
	NextRetryAt    *time.Time
	Error          string
	ProcessedAt    *time.Time
	IsProcessed    bool
	DeadLetter     bool
}

// NewMessage validates its inputs and returns a pending message. An empty key
// is allowed and marks the row for backfill.
func NewMessage(tenantID, eventType string, payload []byte, key string) (*Message, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, ErrTenantIDRequired
	}

	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}

	if len(payload) == 0 {
		return nil, ErrPayloadRequired
	}

	if len(payload) > DefaultMaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	if !json.Valid(payload) {
		return nil, ErrPayloadNotJSON
	}

	now := time.Now().UTC()

	return &Message{
		ID:             uuid.New(),
		TenantID:       tenantID,
		EventType:      eventType,
		EventData:      payload,
		IdempotencyKey: strings.TrimSpace(key),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// IsPending reports whether the message is neither processed nor dead-lettered.
func (msg *Message) IsPending() bool {
	return msg != nil && !msg.IsProcessed && !msg.DeadLetter
}

// IsEligible reports whether the dispatcher may attempt delivery at now.
func (msg *Message) IsEligible(now time.Time) bool {
	if !msg.IsPending() {
		return false
	}

	return msg.NextRetryAt == nil || !msg.NextRetryAt.After(now)
}

// Status derives the admin status.
func (msg *Message) Status() Status {
	switch {
	case msg.DeadLetter:
		return StatusDeadLetter
	case msg.IsProcessed:
		return StatusProcessed
	case msg.RetryCount > 0:
		return StatusFailed
	default:
		return StatusPending
	}
}

// Clone returns a deep copy.
func (msg *Message) Clone() *Message {
	if msg == nil {
		return nil
	}

	clone := *msg
	clone.EventData = append([]byte(nil), msg.EventData...)
	clone.NextRetryAt = pointers.Clone(msg.NextRetryAt)
	clone.ProcessedAt = pointers.Clone(msg.ProcessedAt)

	return &clone
}
