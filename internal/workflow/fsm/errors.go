package fsm

import "errors"

var (
	// ErrInvalidTransition is returned when a state transition is not allowed
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrGuardFailed is returned when every candidate transition's guard fails
	ErrGuardFailed = errors.New("guard condition failed")
)
