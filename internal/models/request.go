package models

import "time"

// Request represents one employee submission flowing through an approval workflow
type Request struct {
	ID          string     `json:"id"`
	TemplateID  int64      `json:"template_id"`
	SubmitterID string     `json:"submitter_id"`
	Priority    int        `json:"priority"`
	Status      string     `json:"status"` // DRAFT, IN_REVIEW, AWAITING_SURVEY, APPROVED, REJECTED
	FormData    string     `json:"form_data"` // JSON blob, schema-less key/value document
	SubmittedAt time.Time  `json:"submitted_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// Steps is the materialized approval step list, loaded together with
	// the request. A request and its steps form one consistency boundary.
	Steps []*ApprovalStep `json:"steps,omitempty"`
}

// Request status constants
const (
	RequestStatusDraft          = "DRAFT"
	RequestStatusInReview       = "IN_REVIEW"
	RequestStatusAwaitingSurvey = "AWAITING_SURVEY"
	RequestStatusApproved       = "APPROVED"
	RequestStatusRejected       = "REJECTED"
)

// IsTerminal returns true once the request reached a final status
func (r *Request) IsTerminal() bool {
	return r.Status == RequestStatusApproved || r.Status == RequestStatusRejected
}

// StepByID returns the step with the given id, or nil
func (r *Request) StepByID(stepID int64) *ApprovalStep {
	for _, s := range r.Steps {
		if s.ID == stepID {
			return s
		}
	}
	return nil
}

// RequestDraft is the submission payload accepted by the engine
type RequestDraft struct {
	TemplateID  int64  `json:"template_id"`
	SubmitterID string `json:"submitter_id"`
	Priority    int    `json:"priority"`
	FormData    string `json:"form_data"`
}
