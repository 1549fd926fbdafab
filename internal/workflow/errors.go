package workflow

import "errors"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNoChallenge     = errors.New("session has no pending challenge")
	ErrWrongPhase      = errors.New("session is not awaiting a code")
)
