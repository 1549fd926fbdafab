package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"transactgw/internal/download"
	"transactgw/internal/events"
	"transactgw/internal/job"
	"transactgw/internal/metrics"
	"transactgw/internal/otp"
	"transactgw/internal/state"
)

// Deps carries everything a Manager needs. All fields are required except
// Account, which defaults to a context that never loads.
type Deps struct {
	Poller     *job.Poller
	Txn        *otp.Txn
	Downloader *download.Downloader
	Store      *state.Store
	Account    *AccountContext
	Hub        *events.Hub
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Manager creates and tracks workflow sessions. One session owns one flow.
type Manager struct {
	deps    Deps
	logger  *slog.Logger
	baseCtx context.Context

	mu       sync.Mutex
	sessions map[string]*Session

	wg sync.WaitGroup
}

func NewManager(baseCtx context.Context, deps Deps) *Manager {
	if deps.Account == nil {
		deps.Account = NewAccountContext(func(context.Context) (string, error) {
			return "", fmt.Errorf("account context not configured")
		})
	}
	if deps.Hub == nil {
		deps.Hub = events.NewHub(128)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	m := &Manager{
		deps:     deps,
		logger:   deps.Logger.With("component", "workflow"),
		baseCtx:  baseCtx,
		sessions: make(map[string]*Session),
	}
	deps.Txn.OnVerified(func(*otp.Result) { deps.Account.Invalidate() })
	return m
}

// StartContractSigning launches the contract flow: generate the document on
// the remote queue, wait for it, fetch the unsigned artifact, then raise the
// OTP challenge. The returned session is in PhaseGenerating; progress arrives
// through the event hub and Get.
func (m *Manager) StartContractSigning(ctx context.Context, params map[string]any) (*Session, error) {
	s, sctx := m.newSession(KindContractSigning)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runContractFlow(sctx, s, params)
	}()

	return s, nil
}

func (m *Manager) runContractFlow(ctx context.Context, s *Session, params map[string]any) {
	logger := m.logger.With("session", s.ID)

	j, err := m.deps.Poller.Start(ctx)
	if err != nil {
		m.failSession(ctx, s, fmt.Sprintf("start document job: %v", err))
		return
	}
	s.setJob(j)
	m.persist(ctx, s)

	if err := m.deps.Poller.Wait(ctx, j); err != nil {
		m.failSession(ctx, s, fmt.Sprintf("document job: %v", err))
		return
	}

	artifact, err := m.deps.Downloader.Fetch(ctx, j.ResultURL(), s.ID+"-unsigned.pdf", nil)
	if err != nil {
		m.failSession(ctx, s, fmt.Sprintf("fetch unsigned document: %v", err))
		return
	}
	s.addArtifact(artifact)

	ch, err := m.deps.Txn.Initiate(ctx, otp.Request{Kind: string(KindContractSigning), Params: params})
	if err != nil {
		m.failSession(ctx, s, fmt.Sprintf("initiate signing challenge: %v", err))
		return
	}
	s.setChallenge(ch)
	s.setPhase(PhaseAwaitingCode)
	m.persist(ctx, s)

	logger.Info("contract ready for signing", "job_id", j.ID)
}

// StartTransfer launches the transfer flow. The OTP challenge is raised
// synchronously; the session comes back in PhaseAwaitingCode.
func (m *Manager) StartTransfer(ctx context.Context, params map[string]any) (*Session, error) {
	if accountType, err := m.deps.Account.AccountType(ctx); err == nil && accountType != "" {
		params = withAccountType(params, accountType)
	}

	s, _ := m.newSession(KindTransfer)

	ch, err := m.deps.Txn.Initiate(ctx, otp.Request{Kind: string(KindTransfer), Params: params})
	if err != nil {
		m.failSession(ctx, s, fmt.Sprintf("initiate transfer: %v", err))
		return nil, err
	}
	s.setChallenge(ch)
	s.setPhase(PhaseAwaitingCode)
	m.persist(ctx, s)

	return s, nil
}

// SubmitCode verifies the OTP code for a session. On success the session
// finalizes: transfers get a transfer-log audit row and, when the remote
// returned an artifact URL, the receipt or signed document is fetched.
func (m *Manager) SubmitCode(ctx context.Context, sessionID, code string) (*otp.Result, error) {
	s, ok := m.Get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.Phase() != PhaseAwaitingCode {
		return nil, ErrWrongPhase
	}
	ch := s.Challenge()
	if ch == nil {
		return nil, ErrNoChallenge
	}

	res, err := m.deps.Txn.Verify(ctx, ch, code)
	if err != nil {
		m.persist(ctx, s)
		return nil, err
	}

	s.setResult(res)
	s.setPhase(PhaseFinalizing)
	m.persist(ctx, s)

	// The transfer log is a money trail; contract signings are not money
	// movements and stay out of it.
	if s.Kind == KindTransfer {
		if _, err := m.deps.Store.AppendTransfer(ctx, state.TransferRecord{
			SessionID:       s.ID,
			TransactionID:   res.TransactionID,
			TransactionCode: res.TransactionCode,
			Status:          res.Status,
		}); err != nil {
			m.logger.Error("append transfer audit row", "session", s.ID, "error", err)
		}
	}

	if res.ArtifactURL != "" {
		name := s.ID + "-signed.pdf"
		if s.Kind == KindTransfer {
			name = s.ID + "-receipt.pdf"
		}
		artifact, err := m.deps.Downloader.Fetch(ctx, res.ArtifactURL, name, nil)
		if err != nil {
			m.logger.Warn("final artifact fetch failed", "session", s.ID, "error", err)
		} else {
			s.addArtifact(artifact)
		}
	}

	s.setPhase(PhaseCompleted)
	m.persist(ctx, s)
	m.logger.Info("session completed", "session", s.ID, "transaction_id", res.TransactionID)
	return res, nil
}

// ResendCode asks the remote to send a fresh OTP code for a session.
func (m *Manager) ResendCode(ctx context.Context, sessionID string) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	ch := s.Challenge()
	if ch == nil {
		return ErrNoChallenge
	}
	if err := m.deps.Txn.Resend(ctx, ch); err != nil {
		return err
	}
	m.persist(ctx, s)
	return nil
}

func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// List returns snapshots of every live session.
func (m *Manager) List() []View {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]View, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.View())
	}
	return out
}

// CloseSession closes a session and drops it from the registry. The persisted
// snapshot and audit rows survive.
func (m *Manager) CloseSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}

	s.Close()
	m.persist(ctx, s)
	m.deps.Metrics.SetActiveSessions(count)
	m.deps.Hub.Publish(events.TypeSessionClosed, map[string]any{"session": s.ID})
	m.logger.Info("session closed", "session", s.ID)
	return nil
}

// CloseAll closes every live session and waits for background flows to stop.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
		m.persist(ctx, s)
		m.deps.Hub.Publish(events.TypeSessionClosed, map[string]any{"session": s.ID})
	}
	m.deps.Metrics.SetActiveSessions(0)
	m.wg.Wait()
}

func (m *Manager) newSession(kind Kind) (*Session, context.Context) {
	sctx, cancel := context.WithCancel(m.baseCtx)
	s := newSession(uuid.NewString(), kind, cancel)

	m.mu.Lock()
	m.sessions[s.ID] = s
	count := len(m.sessions)
	m.mu.Unlock()

	m.deps.Metrics.SetActiveSessions(count)
	m.deps.Hub.Publish(events.TypeSessionStarted, map[string]any{
		"session": s.ID,
		"kind":    string(kind),
	})
	m.logger.Info("session started", "session", s.ID, "kind", string(kind))
	m.persist(sctx, s)
	return s, sctx
}

func (m *Manager) failSession(ctx context.Context, s *Session, msg string) {
	s.fail(msg)
	m.persist(ctx, s)
	m.logger.Error("session failed", "session", s.ID, "reason", msg)
}

// persist writes the session snapshot so state survives process suspension.
// Persistence failures are logged, never fatal to the flow.
func (m *Manager) persist(ctx context.Context, s *Session) {
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	snapshot, err := json.Marshal(s.View())
	if err != nil {
		m.logger.Error("marshal session snapshot", "session", s.ID, "error", err)
		return
	}
	if _, err := m.deps.Store.SaveSnapshot(ctx, s.ID, string(s.Kind), snapshot); err != nil {
		m.logger.Error("persist session snapshot", "session", s.ID, "error", err)
	}
}

func withAccountType(params map[string]any, accountType string) map[string]any {
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	out["account_type"] = accountType
	return out
}
