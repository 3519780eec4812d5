package fsm

// State represents an approval step state in its lifecycle
type State string

const (
	StatePending        State = "PENDING"
	StateInReview       State = "IN_REVIEW"
	StateRequiresSurvey State = "REQUIRES_SURVEY"
	StateApproved       State = "APPROVED"
	StateRejected       State = "REJECTED"
	StateSuperseded     State = "SUPERSEDED"
)

var validStates = map[State]bool{
	StatePending:        true,
	StateInReview:       true,
	StateRequiresSurvey: true,
	StateApproved:       true,
	StateRejected:       true,
	StateSuperseded:     true,
}

var terminalStates = map[State]bool{
	StateApproved:   true,
	StateRejected:   true,
	StateSuperseded: true,
}

// IsTerminal returns true if the state allows no further transitions
func (s State) IsTerminal() bool {
	return terminalStates[s]
}

// IsValid returns true if the state is a known step state
func (s State) IsValid() bool {
	return validStates[s]
}

// String returns the string representation of the state
func (s State) String() string {
	return string(s)
}
