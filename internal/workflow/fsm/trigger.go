package fsm

// Trigger represents an event that can cause a step state transition
type Trigger string

const (
	TriggerActivate      Trigger = "ACTIVATE"       // order group reached, step starts
	TriggerApprove       Trigger = "APPROVE"        // approver (or delegate) approves
	TriggerReject        Trigger = "REJECT"         // approver (or delegate) rejects
	TriggerRequireSurvey Trigger = "REQUIRE_SURVEY" // quiz not yet evaluated, approval deferred
	TriggerSupersede     Trigger = "SUPERSEDE"      // group threshold met without this member
)

// String returns the string representation of the trigger
func (t Trigger) String() string {
	return string(t)
}
