package workflow

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transactgw/internal/download"
	"transactgw/internal/events"
	"transactgw/internal/job"
	"transactgw/internal/otp"
	"transactgw/internal/remote"
	"transactgw/internal/state"
	"transactgw/internal/storage"
)

// routeClient dispatches remote calls by operation name. Background flows call
// the same client from several goroutines, so routing beats strict ordering.
type routeClient struct {
	routes map[string]func(op remote.Operation) (remote.Document, error)
}

func (c *routeClient) Do(_ context.Context, op remote.Operation) (remote.Document, error) {
	fn, ok := c.routes[op.Name]
	if !ok {
		return nil, fmt.Errorf("unexpected operation %q", op.Name)
	}
	return fn(op)
}

func testSlogger() *slog.Logger {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func jobEndpoints() job.Endpoints {
	return job.Endpoints{
		Submit: remote.Operation{Name: "job.submit", Method: http.MethodPost, Path: "/econtract/generate"},
		Status: func(queueName, jobID string) remote.Operation {
			return remote.Operation{Name: "job.status", Method: http.MethodGet, Path: "/queues/" + queueName + "/jobs/" + jobID}
		},
	}
}

func otpEndpoints() otp.Endpoints {
	return otp.Endpoints{
		Initiate: func(req otp.Request) remote.Operation {
			return remote.Operation{Name: "otp.initiate", Method: http.MethodPost, Path: "/transfer", Body: req.Params}
		},
		Verify: func(handle, code string) remote.Operation {
			return remote.Operation{Name: "otp.verify", Method: http.MethodPost, Path: "/transfer/verify"}
		},
		Resend: func(handle string) remote.Operation {
			return remote.Operation{Name: "otp.resend", Method: http.MethodPost, Path: "/transfer/resend"}
		},
	}
}

type managerFixture struct {
	manager *Manager
	store   *state.Store
	client  *routeClient
}

func newManagerFixture(t *testing.T, account *AccountContext) *managerFixture {
	t.Helper()

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	client := &routeClient{routes: map[string]func(remote.Operation) (remote.Document, error){}}
	logger := testSlogger()
	hub := events.NewHub(64)

	dl, err := download.New(download.Config{Dir: t.TempDir()}, hub, nil, logger)
	require.NoError(t, err)

	store := state.NewStore(db)
	m := NewManager(context.Background(), Deps{
		Poller:     job.New(client, jobEndpoints(), hub, nil, job.Config{Interval: 10 * time.Millisecond}, logger),
		Txn:        otp.New(client, otpEndpoints(), hub, nil, otp.Config{}, logger),
		Downloader: dl,
		Store:      store,
		Account:    account,
		Hub:        hub,
		Logger:     logger,
	})
	t.Cleanup(func() { m.CloseAll(context.Background()) })

	return &managerFixture{manager: m, store: store, client: client}
}

func waitForPhase(t *testing.T, s *Session, want Phase) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if s.Phase() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("session stuck in %q, want %q (error: %s)", s.Phase(), want, s.View().ErrorMessage)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestTransferFlow(t *testing.T) {
	artifactSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("receipt-bytes"))
	}))
	defer artifactSrv.Close()

	f := newManagerFixture(t, nil)
	f.client.routes["otp.initiate"] = func(remote.Operation) (remote.Document, error) {
		return remote.Document{"transactionHandle": "h1", "phoneNumberMasked": "+62***88", "expireInSeconds": float64(300)}, nil
	}
	f.client.routes["otp.verify"] = func(remote.Operation) (remote.Document, error) {
		return remote.Document{
			"transactionId":   "tx-42",
			"transactionCode": "TRF042",
			"status":          "settled",
			"artifactUrl":     artifactSrv.URL,
		}, nil
	}

	s, err := f.manager.StartTransfer(context.Background(), map[string]any{"amount": 150000})
	require.NoError(t, err)
	assert.Equal(t, PhaseAwaitingCode, s.Phase())

	res, err := f.manager.SubmitCode(context.Background(), s.ID, "123456")
	require.NoError(t, err)
	assert.Equal(t, "tx-42", res.TransactionID)
	assert.Equal(t, PhaseCompleted, s.Phase())

	view := s.View()
	require.Len(t, view.Artifacts, 1)
	assert.Equal(t, string(download.StatusReady), view.Artifacts[0].Status)

	recs, err := f.store.ListTransfers(context.Background(), s.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "tx-42", recs[0].TransactionID)
	assert.Equal(t, "TRF042", recs[0].TransactionCode)
}

func TestTransferInitiateFailure(t *testing.T) {
	f := newManagerFixture(t, nil)
	f.client.routes["otp.initiate"] = func(remote.Operation) (remote.Document, error) {
		return nil, &remote.RemoteError{Op: "otp.initiate", StatusCode: 422, Message: "insufficient balance"}
	}

	_, err := f.manager.StartTransfer(context.Background(), nil)
	var initErr *otp.InitiationError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "insufficient balance", initErr.Message)
}

func TestContractSigningFlow(t *testing.T) {
	artifactSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("%PDF-1.4 unsigned"))
	}))
	defer artifactSrv.Close()

	f := newManagerFixture(t, nil)
	f.client.routes["job.submit"] = func(remote.Operation) (remote.Document, error) {
		return remote.Document{"queueName": "econtract", "jobId": "j9"}, nil
	}
	polls := 0
	f.client.routes["job.status"] = func(remote.Operation) (remote.Document, error) {
		polls++
		if polls < 3 {
			return remote.Document{"result": map[string]any{"status": "pending"}}, nil
		}
		return remote.Document{"result": map[string]any{"status": "completed", "file_url": artifactSrv.URL}}, nil
	}
	f.client.routes["otp.initiate"] = func(remote.Operation) (remote.Document, error) {
		return remote.Document{"transactionHandle": "h2", "expireInSeconds": float64(300)}, nil
	}

	s, err := f.manager.StartContractSigning(context.Background(), map[string]any{"document_id": "d1"})
	require.NoError(t, err)

	waitForPhase(t, s, PhaseAwaitingCode)

	view := s.View()
	require.NotNil(t, view.Job)
	assert.Equal(t, job.StatusCompleted, view.Job.Status)
	require.Len(t, view.Artifacts, 1)
	assert.Positive(t, view.Artifacts[0].Size)
	require.NotNil(t, view.OTP)
	assert.Equal(t, "initiated", view.OTP.State)
}

func TestContractSigningLeavesTransferLogEmpty(t *testing.T) {
	artifactSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("%PDF-1.4 unsigned"))
	}))
	defer artifactSrv.Close()

	f := newManagerFixture(t, nil)
	f.client.routes["job.submit"] = func(remote.Operation) (remote.Document, error) {
		return remote.Document{"queueName": "econtract", "jobId": "j9"}, nil
	}
	f.client.routes["job.status"] = func(remote.Operation) (remote.Document, error) {
		return remote.Document{"result": map[string]any{"status": "completed", "file_url": artifactSrv.URL}}, nil
	}
	f.client.routes["otp.initiate"] = func(remote.Operation) (remote.Document, error) {
		return remote.Document{"transactionHandle": "h2", "expireInSeconds": float64(300)}, nil
	}
	f.client.routes["otp.verify"] = func(remote.Operation) (remote.Document, error) {
		return remote.Document{"transactionId": "sign-7", "status": "signed"}, nil
	}

	s, err := f.manager.StartContractSigning(context.Background(), nil)
	require.NoError(t, err)
	waitForPhase(t, s, PhaseAwaitingCode)

	res, err := f.manager.SubmitCode(context.Background(), s.ID, "123456")
	require.NoError(t, err)
	assert.Equal(t, "sign-7", res.TransactionID)

	// Signings are not money movements; the transfer log stays empty.
	recs, err := f.store.ListTransfers(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestContractSigningJobFailure(t *testing.T) {
	f := newManagerFixture(t, nil)
	f.client.routes["job.submit"] = func(remote.Operation) (remote.Document, error) {
		return remote.Document{"queueName": "econtract", "jobId": "j9"}, nil
	}
	f.client.routes["job.status"] = func(remote.Operation) (remote.Document, error) {
		return remote.Document{"result": map[string]any{"status": "failed", "message": "template missing"}}, nil
	}

	s, err := f.manager.StartContractSigning(context.Background(), nil)
	require.NoError(t, err)

	waitForPhase(t, s, PhaseFailed)
	assert.Contains(t, s.View().ErrorMessage, "template missing")
}

func TestSubmitCodeGuards(t *testing.T) {
	f := newManagerFixture(t, nil)

	_, err := f.manager.SubmitCode(context.Background(), "no-such-session", "123456")
	require.ErrorIs(t, err, ErrSessionNotFound)

	f.client.routes["job.submit"] = func(remote.Operation) (remote.Document, error) {
		return remote.Document{"queueName": "econtract", "jobId": "j1"}, nil
	}
	f.client.routes["job.status"] = func(remote.Operation) (remote.Document, error) {
		return remote.Document{"result": map[string]any{"status": "pending"}}, nil
	}

	s, err := f.manager.StartContractSigning(context.Background(), nil)
	require.NoError(t, err)

	// Still generating, no challenge yet.
	_, err = f.manager.SubmitCode(context.Background(), s.ID, "123456")
	require.ErrorIs(t, err, ErrWrongPhase)
}

func TestCloseSessionDisposesArtifacts(t *testing.T) {
	artifactSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("receipt-bytes"))
	}))
	defer artifactSrv.Close()

	f := newManagerFixture(t, nil)
	f.client.routes["otp.initiate"] = func(remote.Operation) (remote.Document, error) {
		return remote.Document{"transactionHandle": "h1", "expireInSeconds": float64(300)}, nil
	}
	f.client.routes["otp.verify"] = func(remote.Operation) (remote.Document, error) {
		return remote.Document{"transactionId": "tx-1", "artifactUrl": artifactSrv.URL}, nil
	}

	s, err := f.manager.StartTransfer(context.Background(), nil)
	require.NoError(t, err)
	_, err = f.manager.SubmitCode(context.Background(), s.ID, "123456")
	require.NoError(t, err)

	view := s.View()
	require.Len(t, view.Artifacts, 1)
	path := view.Artifacts[0].Path

	require.NoError(t, f.manager.CloseSession(context.Background(), s.ID))
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "artifact file removed on close")
	assert.Equal(t, PhaseClosed, s.Phase())

	_, ok := f.manager.Get(s.ID)
	assert.False(t, ok)

	// Closing again reports not found, never double-disposes.
	require.ErrorIs(t, f.manager.CloseSession(context.Background(), s.ID), ErrSessionNotFound)
}

func TestResendCode(t *testing.T) {
	f := newManagerFixture(t, nil)
	f.client.routes["otp.initiate"] = func(remote.Operation) (remote.Document, error) {
		return remote.Document{"transactionHandle": "h1", "expireInSeconds": float64(60)}, nil
	}
	resent := 0
	f.client.routes["otp.resend"] = func(remote.Operation) (remote.Document, error) {
		resent++
		return remote.Document{"success": true, "expireInSeconds": float64(300)}, nil
	}

	s, err := f.manager.StartTransfer(context.Background(), nil)
	require.NoError(t, err)

	require.NoError(t, f.manager.ResendCode(context.Background(), s.ID))
	assert.Equal(t, 1, resent)

	require.ErrorIs(t, f.manager.ResendCode(context.Background(), "nope"), ErrSessionNotFound)
}

func TestVerifiedTransactionInvalidatesAccountContext(t *testing.T) {
	loads := 0
	account := NewAccountContext(func(context.Context) (string, error) {
		loads++
		return "premium", nil
	})

	f := newManagerFixture(t, account)
	f.client.routes["otp.initiate"] = func(remote.Operation) (remote.Document, error) {
		return remote.Document{"transactionHandle": "h1", "expireInSeconds": float64(300)}, nil
	}
	f.client.routes["otp.verify"] = func(remote.Operation) (remote.Document, error) {
		return remote.Document{"transactionId": "tx-1"}, nil
	}

	s, err := f.manager.StartTransfer(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, loads, "transfer start loads the account type")

	_, err = f.manager.SubmitCode(context.Background(), s.ID, "123456")
	require.NoError(t, err)

	_, err = account.AccountType(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, loads, "verification invalidates the memoized account type")
}
