package workflow

import (
	"context"
	"sync"
	"time"

	"transactgw/internal/download"
	"transactgw/internal/job"
	"transactgw/internal/otp"
)

type Kind string

const (
	KindContractSigning Kind = "contract_signing"
	KindTransfer        Kind = "transfer"
)

type Phase string

const (
	PhaseGenerating   Phase = "generating"
	PhaseAwaitingCode Phase = "awaiting_code"
	PhaseFinalizing   Phase = "finalizing"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
	PhaseClosed       Phase = "closed"
)

// Session owns one flow instance end to end. Closing it cancels background
// polling and disposes every artifact it fetched, on every exit path.
type Session struct {
	ID   string
	Kind Kind

	mu        sync.Mutex
	phase     Phase
	job       *job.Job
	challenge *otp.Challenge
	artifacts []*download.Artifact
	result    *otp.Result
	errMsg    string
	createdAt time.Time

	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newSession(id string, kind Kind, cancel context.CancelFunc) *Session {
	return &Session{
		ID:        id,
		Kind:      kind,
		phase:     PhaseGenerating,
		createdAt: time.Now().UTC(),
		cancel:    cancel,
	}
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseClosed {
		return
	}
	s.phase = p
}

func (s *Session) fail(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseClosed {
		return
	}
	s.phase = PhaseFailed
	s.errMsg = msg
}

func (s *Session) setJob(j *job.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.job = j
}

func (s *Session) setChallenge(ch *otp.Challenge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenge = ch
}

func (s *Session) Challenge() *otp.Challenge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.challenge
}

func (s *Session) setResult(res *otp.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = res
}

func (s *Session) addArtifact(a *download.Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts = append(s.artifacts, a)
}

// Close is idempotent. It cancels any background work and disposes artifacts.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}

		s.mu.Lock()
		s.phase = PhaseClosed
		artifacts := make([]*download.Artifact, len(s.artifacts))
		copy(artifacts, s.artifacts)
		s.mu.Unlock()

		for _, a := range artifacts {
			_ = a.Dispose()
		}
	})
}

// ArtifactView is the externally visible shape of a fetched artifact.
type ArtifactView struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
	Status   string `json:"status"`
}

// View is a point-in-time snapshot safe for serialization.
type View struct {
	ID            string         `json:"id"`
	Kind          string         `json:"kind"`
	Phase         string         `json:"phase"`
	CreatedAt     time.Time      `json:"created_at"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	Job           *job.View      `json:"job,omitempty"`
	OTP           *otp.View      `json:"otp,omitempty"`
	Artifacts     []ArtifactView `json:"artifacts,omitempty"`
	TransactionID string         `json:"transaction_id,omitempty"`
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := View{
		ID:           s.ID,
		Kind:         string(s.Kind),
		Phase:        string(s.phase),
		CreatedAt:    s.createdAt,
		ErrorMessage: s.errMsg,
	}
	if s.job != nil {
		jv := s.job.View()
		v.Job = &jv
	}
	if s.challenge != nil {
		cv := s.challenge.View()
		v.OTP = &cv
	}
	for _, a := range s.artifacts {
		v.Artifacts = append(v.Artifacts, ArtifactView{
			Path:     a.Path,
			Size:     a.Size,
			Checksum: a.Checksum,
			Status:   string(a.Status()),
		})
	}
	if s.result != nil {
		v.TransactionID = s.result.TransactionID
	}
	return v
}
