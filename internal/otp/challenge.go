// Package otp drives the OTP-gated transaction protocol: initiate, optionally
// resend, then verify exactly once. The double-spend hazard lives here, so the
// verify guard is a single atomic state transition rather than a boolean flag.
package otp

import (
	"sync"
	"sync/atomic"
	"time"
)

type State int32

const (
	// StateInitiated: challenge issued, awaiting a code.
	StateInitiated State = iota
	// StateVerifying: one verify call is in flight; concurrent calls bounce.
	StateVerifying
	// StateVerified: terminal success. Nothing resets this.
	StateVerified
	// StateExpired: terminal failure. The caller re-initiates from scratch.
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateInitiated:
		return "initiated"
	case StateVerifying:
		return "verifying"
	case StateVerified:
		return "verified"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Challenge is the client-side record of one outstanding OTP-gated transaction
// attempt, owned by a single workflow session.
type Challenge struct {
	Handle      string
	PhoneMasked string

	state atomic.Int32

	mu        sync.Mutex
	expiresAt time.Time
}

func newChallenge(handle, phoneMasked string, expiresAt time.Time) *Challenge {
	c := &Challenge{
		Handle:      handle,
		PhoneMasked: phoneMasked,
		expiresAt:   expiresAt,
	}
	c.state.Store(int32(StateInitiated))
	return c
}

func (c *Challenge) State() State {
	return State(c.state.Load())
}

func (c *Challenge) Verified() bool {
	return c.State() == StateVerified
}

func (c *Challenge) ExpiresAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expiresAt
}

func (c *Challenge) expired(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.expiresAt.IsZero() && now.After(c.expiresAt)
}

func (c *Challenge) extendExpiry(until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if until.After(c.expiresAt) {
		c.expiresAt = until
	}
}

func (c *Challenge) cas(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// View is an immutable snapshot for the API and session persistence. The
// handle is deliberately omitted from the wire view; it is an upstream secret.
type View struct {
	PhoneMasked string    `json:"phone_masked"`
	State       string    `json:"state"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (c *Challenge) View() View {
	return View{
		PhoneMasked: c.PhoneMasked,
		State:       c.State().String(),
		ExpiresAt:   c.ExpiresAt(),
	}
}
