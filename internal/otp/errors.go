package otp

import (
	"errors"
	"fmt"
)

var (
	// ErrChallengeExpired: the code window closed. No resume path; the caller
	// must re-initiate.
	ErrChallengeExpired = errors.New("otp challenge expired")
	// ErrAlreadyVerified: the challenge already succeeded; additional verify
	// or resend calls are rejected without touching the remote.
	ErrAlreadyVerified = errors.New("otp challenge already verified")
)

// InitiationError: the remote declined to start the transaction (self-transfer,
// insufficient balance, ...). The message is remote-provided and user-facing.
type InitiationError struct {
	Message string
}

func (e *InitiationError) Error() string {
	return fmt.Sprintf("initiate transaction: %s", e.Message)
}

// DuplicateAttemptError: a verify was already in flight for this challenge.
// The second caller made no remote call; the UI ignores this silently.
type DuplicateAttemptError struct {
	Handle string
}

func (e *DuplicateAttemptError) Error() string {
	return "a verification attempt is already in flight for this challenge"
}

// RejectedError: the remote rejected the submitted code. Retriable with a new
// code.
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("verification rejected: %s", e.Message)
}

// ResendError: the resend call failed.
type ResendError struct {
	Err error
}

func (e *ResendError) Error() string {
	return fmt.Sprintf("resend code: %v", e.Err)
}

func (e *ResendError) Unwrap() error { return e.Err }
