package otp

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transactgw/internal/events"
	"transactgw/internal/remote"
)

// stubClient lets tests control latency and responses per call.
type stubClient struct {
	fn    func(ctx context.Context, op remote.Operation) (remote.Document, error)
	calls atomic.Int64
}

func (s *stubClient) Do(ctx context.Context, op remote.Operation) (remote.Document, error) {
	s.calls.Add(1)
	return s.fn(ctx, op)
}

func testEndpoints() Endpoints {
	return Endpoints{
		Initiate: func(req Request) remote.Operation {
			return remote.Operation{Name: "otp.initiate", Method: http.MethodPost, Path: "/transfer", Body: req.Params}
		},
		Verify: func(handle, code string) remote.Operation {
			return remote.Operation{Name: "otp.verify", Method: http.MethodPost, Path: "/transfer/verify",
				Body: map[string]string{"transaction_handle": handle, "code": code}}
		},
		Resend: func(handle string) remote.Operation {
			return remote.Operation{Name: "otp.resend", Method: http.MethodPost, Path: "/transfer/resend",
				Body: map[string]string{"transaction_handle": handle}}
		},
	}
}

func testSlogger() *slog.Logger {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestTxn(client remote.Client) *Txn {
	return New(client, testEndpoints(), events.NewHub(32), nil, Config{}, testSlogger())
}

func initiatedChallenge(expiresIn time.Duration) *Challenge {
	return newChallenge("h1", "+62***1234", time.Now().Add(expiresIn))
}

func TestInitiate(t *testing.T) {
	client := &stubClient{fn: func(ctx context.Context, op remote.Operation) (remote.Document, error) {
		return remote.Document{
			"transactionHandle": "h1",
			"phoneNumberMasked": "+62***1234",
			"expireInSeconds":   float64(300),
		}, nil
	}}

	txn := newTestTxn(client)
	ch, err := txn.Initiate(context.Background(), Request{Kind: "transfer"})
	require.NoError(t, err)
	assert.Equal(t, "h1", ch.Handle)
	assert.Equal(t, "+62***1234", ch.PhoneMasked)
	assert.Equal(t, StateInitiated, ch.State())
	assert.WithinDuration(t, time.Now().Add(300*time.Second), ch.ExpiresAt(), 2*time.Second)
}

func TestInitiateRemoteDecline(t *testing.T) {
	client := &stubClient{fn: func(ctx context.Context, op remote.Operation) (remote.Document, error) {
		return nil, &remote.RemoteError{Op: "otp.initiate", StatusCode: 422, Message: "cannot transfer to own account"}
	}}

	txn := newTestTxn(client)
	_, err := txn.Initiate(context.Background(), Request{Kind: "transfer"})

	var initErr *InitiationError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "cannot transfer to own account", initErr.Message)
}

func TestInitiateTransportErrorPassesThrough(t *testing.T) {
	client := &stubClient{fn: func(ctx context.Context, op remote.Operation) (remote.Document, error) {
		return nil, &remote.TransportError{Op: "otp.initiate", URL: "https://x", Err: errors.New("timeout")}
	}}

	txn := newTestTxn(client)
	_, err := txn.Initiate(context.Background(), Request{Kind: "transfer"})

	var transportErr *remote.TransportError
	require.ErrorAs(t, err, &transportErr)
}

func TestInitiateMissingHandle(t *testing.T) {
	client := &stubClient{fn: func(ctx context.Context, op remote.Operation) (remote.Document, error) {
		return remote.Document{"expireInSeconds": float64(300)}, nil
	}}

	txn := newTestTxn(client)
	_, err := txn.Initiate(context.Background(), Request{Kind: "transfer"})

	var initErr *InitiationError
	require.ErrorAs(t, err, &initErr)
}

func TestVerifySuccess(t *testing.T) {
	client := &stubClient{fn: func(ctx context.Context, op remote.Operation) (remote.Document, error) {
		return remote.Document{
			"transactionId":   "tx-1",
			"transactionCode": "TRF001",
			"status":          "settled",
			"artifactUrl":     "https://x/receipt.pdf",
		}, nil
	}}

	txn := newTestTxn(client)
	ch := initiatedChallenge(time.Minute)

	res, err := txn.Verify(context.Background(), ch, "123456")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", res.TransactionID)
	assert.Equal(t, "https://x/receipt.pdf", res.ArtifactURL)
	assert.True(t, ch.Verified())
}

func TestVerifyRejectionIsRetriable(t *testing.T) {
	rejected := true
	client := &stubClient{fn: func(ctx context.Context, op remote.Operation) (remote.Document, error) {
		if rejected {
			rejected = false
			return nil, &remote.RemoteError{Op: "otp.verify", StatusCode: 400, Message: "wrong code"}
		}
		return remote.Document{"transactionId": "tx-1"}, nil
	}}

	txn := newTestTxn(client)
	ch := initiatedChallenge(time.Minute)

	_, err := txn.Verify(context.Background(), ch, "000000")
	var rejErr *RejectedError
	require.ErrorAs(t, err, &rejErr)
	assert.False(t, ch.Verified())
	assert.Equal(t, StateInitiated, ch.State(), "a rejection must re-arm the challenge")

	res, err := txn.Verify(context.Background(), ch, "123456")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", res.TransactionID)
	assert.True(t, ch.Verified())
}

func TestVerifyConcurrentCallsMakeOneRemoteCall(t *testing.T) {
	release := make(chan struct{})
	client := &stubClient{fn: func(ctx context.Context, op remote.Operation) (remote.Document, error) {
		<-release
		return remote.Document{"transactionId": "tx-1"}, nil
	}}

	txn := newTestTxn(client)
	ch := initiatedChallenge(time.Minute)

	var wg sync.WaitGroup
	var duplicates atomic.Int64
	var successes atomic.Int64

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := txn.Verify(context.Background(), ch, "123456")
			var dup *DuplicateAttemptError
			switch {
			case err == nil:
				successes.Add(1)
			case errors.As(err, &dup):
				duplicates.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	// Let the duplicates bounce off the guard, then release the winner.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), client.calls.Load(), "exactly one remote verify call")
	assert.Equal(t, int64(1), successes.Load())
	assert.Equal(t, int64(7), duplicates.Load())
}

func TestVerifyAfterVerified(t *testing.T) {
	client := &stubClient{fn: func(ctx context.Context, op remote.Operation) (remote.Document, error) {
		return remote.Document{"transactionId": "tx-1"}, nil
	}}

	txn := newTestTxn(client)
	ch := initiatedChallenge(time.Minute)

	_, err := txn.Verify(context.Background(), ch, "123456")
	require.NoError(t, err)

	_, err = txn.Verify(context.Background(), ch, "123456")
	require.ErrorIs(t, err, ErrAlreadyVerified)
	assert.Equal(t, int64(1), client.calls.Load())
}

func TestVerifyExpiredChallenge(t *testing.T) {
	client := &stubClient{fn: func(ctx context.Context, op remote.Operation) (remote.Document, error) {
		t.Error("no remote call expected for an expired challenge")
		return nil, nil
	}}

	txn := newTestTxn(client)
	ch := initiatedChallenge(-time.Second)

	_, err := txn.Verify(context.Background(), ch, "123456")
	require.ErrorIs(t, err, ErrChallengeExpired)
	assert.Equal(t, StateExpired, ch.State())
}

func TestVerifyTransportErrorReArms(t *testing.T) {
	client := &stubClient{fn: func(ctx context.Context, op remote.Operation) (remote.Document, error) {
		return nil, &remote.TransportError{Op: "otp.verify", URL: "https://x", Err: errors.New("reset")}
	}}

	txn := newTestTxn(client)
	ch := initiatedChallenge(time.Minute)

	_, err := txn.Verify(context.Background(), ch, "123456")
	var transportErr *remote.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, StateInitiated, ch.State())
}

func TestResendExtendsExpiryOnlyWithNewWindow(t *testing.T) {
	withWindow := true
	client := &stubClient{fn: func(ctx context.Context, op remote.Operation) (remote.Document, error) {
		if withWindow {
			return remote.Document{"success": true, "expireInSeconds": float64(600)}, nil
		}
		return remote.Document{"success": true}, nil
	}}

	txn := newTestTxn(client)
	ch := initiatedChallenge(time.Minute)
	before := ch.ExpiresAt()

	require.NoError(t, txn.Resend(context.Background(), ch))
	assert.True(t, ch.ExpiresAt().After(before), "new window should extend expiry")

	withWindow = false
	after := ch.ExpiresAt()
	require.NoError(t, txn.Resend(context.Background(), ch))
	assert.Equal(t, after, ch.ExpiresAt(), "no window in response, expiry untouched")
}

func TestResendDoesNotResetVerified(t *testing.T) {
	client := &stubClient{fn: func(ctx context.Context, op remote.Operation) (remote.Document, error) {
		return remote.Document{"transactionId": "tx-1"}, nil
	}}

	txn := newTestTxn(client)
	ch := initiatedChallenge(time.Minute)

	_, err := txn.Verify(context.Background(), ch, "123456")
	require.NoError(t, err)

	require.ErrorIs(t, txn.Resend(context.Background(), ch), ErrAlreadyVerified)
	assert.True(t, ch.Verified())
}

func TestResendFailure(t *testing.T) {
	client := &stubClient{fn: func(ctx context.Context, op remote.Operation) (remote.Document, error) {
		return nil, &remote.TransportError{Op: "otp.resend", URL: "https://x", Err: errors.New("refused")}
	}}

	txn := newTestTxn(client)
	ch := initiatedChallenge(time.Minute)

	var resendErr *ResendError
	require.ErrorAs(t, txn.Resend(context.Background(), ch), &resendErr)
}

func TestOnVerifiedHooksRun(t *testing.T) {
	client := &stubClient{fn: func(ctx context.Context, op remote.Operation) (remote.Document, error) {
		return remote.Document{"transactionId": "tx-1"}, nil
	}}

	txn := newTestTxn(client)
	var gotID string
	txn.OnVerified(func(res *Result) { gotID = res.TransactionID })

	ch := initiatedChallenge(time.Minute)
	_, err := txn.Verify(context.Background(), ch, "123456")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", gotID)
}

func TestDefaultExpiryWhenRemoteOmitsWindow(t *testing.T) {
	client := &stubClient{fn: func(ctx context.Context, op remote.Operation) (remote.Document, error) {
		return remote.Document{"transactionHandle": "h1"}, nil
	}}

	txn := newTestTxn(client)
	ch, err := txn.Initiate(context.Background(), Request{Kind: "transfer"})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(DefaultExpiry), ch.ExpiresAt(), 2*time.Second)
}
