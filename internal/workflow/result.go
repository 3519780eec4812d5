package workflow

import "fmt"

// Outcome classifies the business-rule result of a workflow operation.
// These are structured results, not errors: the HTTP layer translates
// them to user-facing messages, while infrastructure failures travel as
// ordinary Go errors.
type Outcome string

const (
	OutcomeApprovedComplete     Outcome = "APPROVED_COMPLETE"
	OutcomeApprovedAdvanced     Outcome = "APPROVED_ADVANCED"
	OutcomeApprovedGroupPending Outcome = "APPROVED_GROUP_PENDING"
	OutcomeRejected             Outcome = "REJECTED"
	OutcomeQuizRequired         Outcome = "QUIZ_REQUIRED"
	OutcomeQuizFailed           Outcome = "QUIZ_FAILED"
	OutcomeQuizPassed           Outcome = "QUIZ_PASSED"
	OutcomeAlreadyResolved      Outcome = "ALREADY_RESOLVED"
	OutcomeUnauthorizedApprover Outcome = "UNAUTHORIZED_APPROVER"
	OutcomeStepNotActive        Outcome = "STEP_NOT_ACTIVE"
	OutcomeNotSubmitter         Outcome = "NOT_SUBMITTER"
	OutcomeConcurrencyConflict  Outcome = "CONCURRENCY_CONFLICT"
)

// Result is the structured outcome of an approve/reject call
type Result struct {
	Outcome       Outcome `json:"outcome"`
	Message       string  `json:"message"`
	RequestStatus string  `json:"request_status,omitempty"`
}

// Success reports whether the decision was applied
func (r Result) Success() bool {
	switch r.Outcome {
	case OutcomeApprovedComplete, OutcomeApprovedAdvanced, OutcomeApprovedGroupPending, OutcomeRejected:
		return true
	}
	return false
}

// QuizResult is the structured outcome of a quiz answer submission
type QuizResult struct {
	Outcome Outcome `json:"outcome"`
	Passed  bool    `json:"passed"`
	Correct int     `json:"correct"`
	Total   int     `json:"total"`
	Message string  `json:"message"`
}

// Result messages surfaced to callers
const (
	MsgApprovedComplete     = "approved, workflow complete"
	MsgApprovedAdvanced     = "approved, advanced to next step"
	MsgApprovedGroupPending = "approved, awaiting remaining approvals"
	MsgRejected             = "rejected, workflow halted"
	MsgQuizRequired         = "quiz must be completed first"
	MsgQuizFailed           = "quiz failed, approval blocked"
	MsgAlreadyResolved      = "step already resolved"
	MsgUnauthorizedApprover = "actor is not the approver or an active delegate"
	MsgStepNotActive        = "step is not awaiting action"
	MsgNotSubmitter         = "quiz answers are accepted from the request submitter only"
	MsgConcurrencyConflict  = "request was modified concurrently, please retry"
)

// TemplateResolutionError reports a submission-time failure to resolve a
// step template's approver strategy to at least one eligible user. It is
// fatal to the submission; no request row is created.
type TemplateResolutionError struct {
	TemplateID int64
	StepOrder  int
	Strategy   string
}

func (e *TemplateResolutionError) Error() string {
	return fmt.Sprintf("template %d step %d: strategy %s resolved to no eligible approver",
		e.TemplateID, e.StepOrder, e.Strategy)
}
