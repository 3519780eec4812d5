package models

import "time"

// ApprovalStep is one unit of approval work within a request's materialized
// workflow instance. A template step that fans out (e.g. a role resolving to
// several users in a parallel group) produces one row per resolved approver.
type ApprovalStep struct {
	ID             int64      `json:"id"`
	RequestID      string     `json:"request_id"`
	TemplateStepID *int64     `json:"template_step_id,omitempty"` // nullable: template may be edited or deleted later
	StepOrder      int        `json:"step_order"`
	GroupID        string     `json:"group_id,omitempty"` // parallel-group identifier, empty for sequential steps
	MinApprovals   int        `json:"min_approvals"`
	ApproverID     string     `json:"approver_id"`
	Status         string     `json:"status"` // PENDING, IN_REVIEW, REQUIRES_SURVEY, APPROVED, REJECTED, SUPERSEDED
	RequiresQuiz   bool       `json:"requires_quiz"`
	QuizPassed     *bool      `json:"quiz_passed,omitempty"` // nil = not yet evaluated
	Comment        string     `json:"comment,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`

	// Escalation is a side channel: it reassigns the acting approver
	// without changing the primary status.
	EscalationTimeout time.Duration `json:"escalation_timeout"` // zero disables escalation
	EscalationUserID  string        `json:"escalation_user_id,omitempty"`
	EscalatedAt       *time.Time    `json:"escalated_at,omitempty"`
	EscalatedTo       string        `json:"escalated_to,omitempty"`
}

// Step status constants
const (
	StepStatusPending        = "PENDING"
	StepStatusInReview       = "IN_REVIEW"
	StepStatusRequiresSurvey = "REQUIRES_SURVEY"
	StepStatusApproved       = "APPROVED"
	StepStatusRejected       = "REJECTED"
	StepStatusSuperseded     = "SUPERSEDED"
)

// IsTerminal returns true for statuses with no further transitions
func (s *ApprovalStep) IsTerminal() bool {
	switch s.Status {
	case StepStatusApproved, StepStatusRejected, StepStatusSuperseded:
		return true
	}
	return false
}

// IsActive returns true while the step is awaiting an approver decision
func (s *ApprovalStep) IsActive() bool {
	return s.Status == StepStatusInReview || s.Status == StepStatusRequiresSurvey
}

// EffectiveApprover returns the user currently responsible for the step:
// the escalation target once escalated, otherwise the resolved approver.
func (s *ApprovalStep) EffectiveApprover() string {
	if s.EscalatedAt != nil && s.EscalatedTo != "" {
		return s.EscalatedTo
	}
	return s.ApproverID
}
