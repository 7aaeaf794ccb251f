// Package events defines the side-channel event types published by the engine.
package events

import (
	"time"

	"github.com/procflow/procflow/pkg/models"
)

type EventType string

// Topic carries every engine side-channel event.
const Topic = "procflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Instance lifecycle events.
	InstanceStartedEvent     EventType = "instance.started"
	InstanceTransferredEvent EventType = "instance.transferred"
	InstanceOperatedEvent    EventType = "instance.operated"
	InstanceFinishedEvent    EventType = "instance.finished"

	// Downstream view maintenance events.
	AuditLogEvent          EventType = "audit.log"
	SearchIndexUpsertEvent EventType = "search.index.upsert"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	InstanceID string         `json:"instance_id"`
	Tenant     string         `json:"tenant,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type InstanceStarted struct {
	BaseEvent

	VersionID     string                  `json:"version_id"`
	BusinessObjID string                  `json:"business_obj_id"`
	Tag           string                  `json:"tag"`
	InitStateID   string                  `json:"init_state_id"`
	CreateCtx     models.OperationContext `json:"create_ctx"`
}

func (e InstanceStarted) GetType() EventType {
	return InstanceStartedEvent
}

type InstanceTransferred struct {
	BaseEvent

	TransitionID string                  `json:"transition_id"`
	FromStateID  string                  `json:"from_state_id"`
	ToStateID    string                  `json:"to_state_id"`
	OpCtx        models.OperationContext `json:"op_ctx"`
	Message      string                  `json:"message,omitempty"`
}

func (e InstanceTransferred) GetType() EventType {
	return InstanceTransferredEvent
}

type InstanceOperated struct {
	BaseEvent

	StateID string                  `json:"state_id"`
	Operate models.OperateKind      `json:"operate"`
	OpCtx   models.OperationContext `json:"op_ctx"`
	Message string                  `json:"message,omitempty"`
}

func (e InstanceOperated) GetType() EventType {
	return InstanceOperatedEvent
}

type InstanceFinished struct {
	BaseEvent

	FinalStateID string                  `json:"final_state_id"`
	Abort        bool                    `json:"abort"`
	FinishCtx    models.OperationContext `json:"finish_ctx"`
}

func (e InstanceFinished) GetType() EventType {
	return InstanceFinishedEvent
}

// AuditContent is the structured content block shipped with every audit event.
type AuditContent struct {
	Subject string `json:"subject"`
	Operand string `json:"operand"`
	SubID   string `json:"sub_id,omitempty"`
	Old     any    `json:"old,omitempty"`
	New     any    `json:"new,omitempty"`
}

type AuditLog struct {
	BaseEvent

	Scene   string                  `json:"scene"`
	Content AuditContent            `json:"content"`
	OpCtx   models.OperationContext `json:"op_ctx"`
}

func (e AuditLog) GetType() EventType {
	return AuditLogEvent
}

// SearchIndexUpsert carries the denormalized instance summary for the search
// collaborator, published whenever the instance state materially changes.
type SearchIndexUpsert struct {
	BaseEvent

	Code          string     `json:"code"`
	BusinessObjID string     `json:"business_obj_id"`
	Tag           string     `json:"tag"`
	StateID       string     `json:"state_id"`
	StateName     string     `json:"state_name"`
	StateKind     string     `json:"state_kind"`
	CurrOperators []string   `json:"curr_operators,omitempty"`
	FinishTime    *time.Time `json:"finish_time,omitempty"`
}

func (e SearchIndexUpsert) GetType() EventType {
	return SearchIndexUpsertEvent
}
