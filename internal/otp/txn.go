package otp

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"transactgw/internal/events"
	"transactgw/internal/metrics"
	"transactgw/internal/remote"
)

// Request carries the product-specific initiation parameters. The payload
// shape is owned by the remote API; the protocol only needs it forwarded.
type Request struct {
	Kind   string // "transfer" or "contract_signing"
	Params map[string]any
}

// Result is the outcome of a successful verification.
type Result struct {
	TransactionID   string
	TransactionCode string
	Status          string
	ArtifactURL     string
	Raw             remote.Document
}

// Endpoints binds the transaction engine to the product-specific remote paths.
// Resend may point at the initiate endpoint when the remote API does not
// distinguish the two.
type Endpoints struct {
	Initiate func(req Request) remote.Operation
	Verify   func(handle, code string) remote.Operation
	Resend   func(handle string) remote.Operation
}

// Config tunes challenge bookkeeping.
type Config struct {
	// DefaultExpiry applies when the remote omits expire_in_seconds.
	DefaultExpiry time.Duration
}

const DefaultExpiry = 5 * time.Minute

// Txn drives OTP-gated transactions against the remote system. Verification is
// at-most-once per challenge: the Initiated -> Verifying transition is a CAS,
// so re-entrant calls are rejected before any remote call is issued.
type Txn struct {
	client remote.Client
	eps    Endpoints
	hub    *events.Hub
	m      *metrics.Metrics
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	hookMu sync.Mutex
	hooks  []func(*Result)
}

func New(client remote.Client, eps Endpoints, hub *events.Hub, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Txn {
	if hub == nil {
		hub = events.NewHub(128)
	}
	if m == nil {
		m = metrics.New()
	}
	if cfg.DefaultExpiry <= 0 {
		cfg.DefaultExpiry = DefaultExpiry
	}
	return &Txn{
		client: client,
		eps:    eps,
		hub:    hub,
		m:      m,
		cfg:    cfg,
		logger: logger.With("component", "otp"),
		now:    time.Now,
	}
}

// OnVerified registers a hook run after every successful verification.
// Downstream invalidation (balances, cached account data) hangs off this; the
// engine itself never touches caller state.
func (t *Txn) OnVerified(hook func(*Result)) {
	t.hookMu.Lock()
	defer t.hookMu.Unlock()
	t.hooks = append(t.hooks, hook)
}

// Initiate starts a transaction and returns the challenge handle.
func (t *Txn) Initiate(ctx context.Context, req Request) (*Challenge, error) {
	doc, err := t.client.Do(ctx, t.eps.Initiate(req))
	if err != nil {
		var remoteErr *remote.RemoteError
		if errors.As(err, &remoteErr) {
			return nil, &InitiationError{Message: remoteErr.Message}
		}
		return nil, err
	}

	handle, ok := firstString(doc, "transactionHandle", "transaction_handle")
	if !ok {
		return nil, &InitiationError{Message: "remote response is missing the transaction handle"}
	}
	phoneMasked, _ := firstString(doc, "phoneNumberMasked", "phone_number_masked")

	expiry := t.cfg.DefaultExpiry
	if secs, ok := firstInt64(doc, "expireInSeconds", "expire_in_seconds"); ok && secs > 0 {
		expiry = time.Duration(secs) * time.Second
	}

	ch := newChallenge(handle, phoneMasked, t.now().Add(expiry))
	t.hub.Publish(events.TypeOTPInitiated, map[string]any{
		"kind":       req.Kind,
		"expires_at": ch.ExpiresAt(),
	})
	t.logger.Info("otp challenge initiated", "kind", req.Kind, "expires_at", ch.ExpiresAt())
	return ch, nil
}

// Verify submits a code. Exactly one remote verify call can be in flight per
// challenge; a concurrent caller gets DuplicateAttemptError without a remote
// call. A remote rejection re-arms the challenge so the caller may retry with
// a new code.
func (t *Txn) Verify(ctx context.Context, ch *Challenge, code string) (*Result, error) {
	if ch.expired(t.now()) {
		ch.cas(StateInitiated, StateExpired)
		return nil, ErrChallengeExpired
	}

	if !ch.cas(StateInitiated, StateVerifying) {
		switch ch.State() {
		case StateVerified:
			return nil, ErrAlreadyVerified
		case StateExpired:
			return nil, ErrChallengeExpired
		default:
			t.m.IncVerification("duplicate")
			return nil, &DuplicateAttemptError{Handle: ch.Handle}
		}
	}

	doc, err := t.client.Do(ctx, t.eps.Verify(ch.Handle, code))
	if err != nil {
		// Re-arm so the caller can retry. Verified is never reachable here.
		ch.cas(StateVerifying, StateInitiated)

		var remoteErr *remote.RemoteError
		if errors.As(err, &remoteErr) {
			t.m.IncVerification("rejected")
			t.hub.Publish(events.TypeOTPRejected, map[string]any{"message": remoteErr.Message})
			t.logger.Warn("otp verification rejected", "message", remoteErr.Message)
			return nil, &RejectedError{Message: remoteErr.Message}
		}
		t.m.IncVerification("transport_error")
		return nil, err
	}

	if !ch.cas(StateVerifying, StateVerified) {
		// Only possible if the challenge was expired out from under us.
		return nil, ErrChallengeExpired
	}

	res := &Result{Raw: doc}
	res.TransactionID, _ = firstString(doc, "transactionId", "transaction_id")
	res.TransactionCode, _ = firstString(doc, "transactionCode", "transaction_code")
	res.Status, _ = doc.String("status")
	res.ArtifactURL, _ = firstString(doc, "artifactUrl", "artifact_url", "file_url")

	t.m.IncVerification("ok")
	t.hub.Publish(events.TypeOTPVerified, map[string]any{
		"transaction_id": res.TransactionID,
		"status":         res.Status,
	})
	t.logger.Info("otp verified", "transaction_id", res.TransactionID)

	t.hookMu.Lock()
	hooks := make([]func(*Result), len(t.hooks))
	copy(hooks, t.hooks)
	t.hookMu.Unlock()
	for _, hook := range hooks {
		hook(res)
	}

	return res, nil
}

// Resend asks the remote to send a fresh code. It clears a stuck in-flight
// marker but never clears Verified, and only extends the expiry when the
// remote returns a new validity window.
func (t *Txn) Resend(ctx context.Context, ch *Challenge) error {
	switch ch.State() {
	case StateVerified:
		return ErrAlreadyVerified
	case StateExpired:
		return ErrChallengeExpired
	}
	if ch.expired(t.now()) {
		ch.cas(StateInitiated, StateExpired)
		ch.cas(StateVerifying, StateExpired)
		return ErrChallengeExpired
	}

	doc, err := t.client.Do(ctx, t.eps.Resend(ch.Handle))
	if err != nil {
		return &ResendError{Err: err}
	}

	ch.cas(StateVerifying, StateInitiated)
	if secs, ok := firstInt64(doc, "expireInSeconds", "expire_in_seconds"); ok && secs > 0 {
		ch.extendExpiry(t.now().Add(time.Duration(secs) * time.Second))
	}

	t.hub.Publish(events.TypeOTPResent, map[string]any{"expires_at": ch.ExpiresAt()})
	t.logger.Info("otp code resent", "expires_at", ch.ExpiresAt())
	return nil
}

func firstString(doc remote.Document, keys ...string) (string, bool) {
	for _, key := range keys {
		if s, ok := doc.String(key); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

func firstInt64(doc remote.Document, keys ...string) (int64, bool) {
	for _, key := range keys {
		if n, ok := doc.Int64(key); ok {
			return n, true
		}
	}
	return 0, false
}
