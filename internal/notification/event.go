package notification

import "time"

// EventType identifies a workflow event emitted by the engine
type EventType string

const (
	EventStepActivated    EventType = "STEP_ACTIVATED"
	EventStepApproved     EventType = "STEP_APPROVED"
	EventStepRejected     EventType = "STEP_REJECTED"
	EventStepEscalated    EventType = "STEP_ESCALATED"
	EventRequestCompleted EventType = "REQUEST_COMPLETED"
)

// Event is one workflow occurrence dispatched to sinks. It is emitted
// after the workflow state committed; delivery is best effort and never
// part of the commit.
type Event struct {
	Type          EventType `json:"type"`
	RequestID     string    `json:"request_id"`
	StepID        int64     `json:"step_id,omitempty"`
	ActorID       string    `json:"actor_id,omitempty"`
	ApproverID    string    `json:"approver_id,omitempty"`
	RequestStatus string    `json:"request_status,omitempty"`
	Comment       string    `json:"comment,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Notifier receives workflow events. Implementations must not block the
// caller; the engine fires and forgets.
type Notifier interface {
	Notify(event Event)
}
