package session

import "errors"

// Precondition violations are expected user-facing states, not faults.
// Each carries a distinct message so the caller can tell the user what to
// wait for.
var (
	ErrNotConnected      = errors.New("not connected to the coordination server")
	ErrNotActivated      = errors.New("session not activated yet: both participants must mark ready first")
	ErrPartnersNotReady  = errors.New("both participants must be ready before starting")
	ErrCandidateNotReady = errors.New("the candidate has not marked ready yet")
	ErrAlreadyStarted    = errors.New("the simulation has already started")
	ErrNotStarted        = errors.New("the simulation has not started")
	ErrAlreadyEnded      = errors.New("the simulation has already ended")
	ErrRoleNotAllowed    = errors.New("this role is not allowed to perform the action")
	ErrReadinessFrozen   = errors.New("readiness is frozen once the simulation is running")
)
