package fsm

// NewStepLifecycle returns the step lifecycle transition table:
//
//	PENDING → IN_REVIEW → (REQUIRES_SURVEY) → APPROVED | REJECTED
//
// Escalation is deliberately absent: it reassigns the acting approver
// without changing the primary state. SUPERSEDE applies to any
// still-active or pending group member once its group's threshold is met.
func NewStepLifecycle() Builder {
	b := NewBuilder()

	b.Configure(StatePending).
		Permit(TriggerActivate, StateInReview).
		Permit(TriggerSupersede, StateSuperseded)

	b.Configure(StateInReview).
		Permit(TriggerApprove, StateApproved).
		Permit(TriggerReject, StateRejected).
		Permit(TriggerRequireSurvey, StateRequiresSurvey).
		Permit(TriggerSupersede, StateSuperseded)

	b.Configure(StateRequiresSurvey).
		Permit(TriggerApprove, StateApproved).
		Permit(TriggerReject, StateRejected).
		Permit(TriggerSupersede, StateSuperseded)

	return b
}
