package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/workflow-relay/relay/internal/nilcheck"
)

// Workflow event types.
const (
	EventDefinitionPublished = "workflow.definition.published"
	EventInstanceStarted     = "workflow.instance.started"
	EventInstanceCompleted   = "workflow.instance.completed"
	EventTaskCreated         = "workflow.task.created"
	EventTaskAssigned        = "workflow.task.assigned"
)

// WorkflowDefinition is the part of a definition the relay publishes.
type WorkflowDefinition struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	Name        string    `json:"name"`
	Version     int       `json:"version"`
	PublishedAt time.Time `json:"publishedAt"`
}

// WorkflowInstance is the part of an instance the relay publishes.
type WorkflowInstance struct {
	ID                string     `json:"id"`
	TenantID          string     `json:"tenantId"`
	DefinitionID      string     `json:"definitionId"`
	DefinitionVersion int        `json:"definitionVersion"`
	Status            string     `json:"status"`
	StartedAt         time.Time  `json:"startedAt"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
}

// WorkflowTask is the part of a task the relay publishes.
type WorkflowTask struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenantId"`
	InstanceID        string    `json:"instanceId"`
	DefinitionID      string    `json:"definitionId"`
	DefinitionVersion int       `json:"definitionVersion"`
	Name              string    `json:"name"`
	AssigneeID        string    `json:"assigneeId,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

type taskAssignedPayload struct {
	WorkflowTask
	AssignedTo string `json:"assignedTo"`
}

// MessageAdder is the writer contract the publisher depends on.
type MessageAdder interface {
	TryAdd(ctx context.Context, tenantID, eventType string, payload []byte, key string) (*Message, bool, error)
}

var _ MessageAdder = (*Writer)(nil)

// Publisher turns workflow state transitions into outbox messages keyed by
// entity identity, phase and definition version.
type Publisher struct {
	writer MessageAdder
}

// NewPublisher returns a Publisher writing through writer.
func NewPublisher(writer MessageAdder) (*Publisher, error) {
	if nilcheck.Interface(writer) {
		return nil, ErrWriterRequired
	}

	return &Publisher{writer: writer}, nil
}

// PublishInstanceStarted records that instance started.
func (publisher *Publisher) PublishInstanceStarted(ctx context.Context, instance *WorkflowInstance) (*Message, bool, error) {
	return publisher.publishInstance(ctx, instance, EventInstanceStarted, PhaseStarted)
}

// PublishInstanceCompleted records that instance completed.
func (publisher *Publisher) PublishInstanceCompleted(ctx context.Context, instance *WorkflowInstance) (*Message, bool, error) {
	return publisher.publishInstance(ctx, instance, EventInstanceCompleted, PhaseCompleted)
}

func (publisher *Publisher) publishInstance(
	ctx context.Context,
	instance *WorkflowInstance,
	eventType, phase string,
) (*Message, bool, error) {
	if instance == nil {
		return nil, false, ErrEntityRequired
	}

	if strings.TrimSpace(instance.ID) == "" {
		return nil, false, ErrEntityIDRequired
	}

	key := InstancePhaseKey(instance.TenantID, instance.ID, phase, instance.DefinitionVersion)

	return publisher.Publish(ctx, instance.TenantID, eventType, instance, key)
}

// PublishDefinitionPublished records that a definition version was published.
func (publisher *Publisher) PublishDefinitionPublished(ctx context.Context, definition *WorkflowDefinition) (*Message, bool, error) {
	if definition == nil {
		return nil, false, ErrEntityRequired
	}

	if strings.TrimSpace(definition.ID) == "" {
		return nil, false, ErrEntityIDRequired
	}

	key := DefinitionPublishedKey(definition.TenantID, definition.ID, definition.Version)

	return publisher.Publish(ctx, definition.TenantID, EventDefinitionPublished, definition, key)
}

// PublishTaskCreated records that task was created.
func (publisher *Publisher) PublishTaskCreated(ctx context.Context, task *WorkflowTask) (*Message, bool, error) {
	if err := validateTask(task); err != nil {
		return nil, false, err
	}

	key := TaskPhaseKey(task.TenantID, task.ID, PhaseCreated, task.DefinitionVersion)

	return publisher.Publish(ctx, task.TenantID, EventTaskCreated, task, key)
}

// PublishTaskAssigned records that task was assigned to userID. Assigning the
// same task to the same user twice under one definition version dedupes.
func (publisher *Publisher) PublishTaskAssigned(ctx context.Context, task *WorkflowTask, userID string) (*Message, bool, error) {
	if err := validateTask(task); err != nil {
		return nil, false, err
	}

	key := TaskPhaseKey(task.TenantID, task.ID, PhaseAssigned+":"+userID, task.DefinitionVersion)

	return publisher.PublishTaskAssignedWithKey(ctx, task, userID, key)
}

// PublishTaskAssignedWithKey is PublishTaskAssigned with a caller-chosen key.
// Callers that need every reassignment delivered put a nonce in key.
func (publisher *Publisher) PublishTaskAssignedWithKey(
	ctx context.Context,
	task *WorkflowTask,
	userID, key string,
) (*Message, bool, error) {
	if err := validateTask(task); err != nil {
		return nil, false, err
	}

	payload := taskAssignedPayload{WorkflowTask: *task, AssignedTo: userID}

	return publisher.Publish(ctx, task.TenantID, EventTaskAssigned, payload, key)
}

// Publish JSON-encodes payload and adds it under key.
func (publisher *Publisher) Publish(
	ctx context.Context,
	tenantID, eventType string,
	payload any,
	key string,
) (*Message, bool, error) {
	if publisher == nil || publisher.writer == nil {
		return nil, false, ErrWriterRequired
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	return publisher.writer.TryAdd(ctx, tenantID, eventType, data, key)
}

func validateTask(task *WorkflowTask) error {
	if task == nil {
		return ErrEntityRequired
	}

	if strings.TrimSpace(task.ID) == "" {
		return ErrEntityIDRequired
	}

	return nil
}
