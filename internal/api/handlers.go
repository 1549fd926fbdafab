package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"transactgw/internal/download"
	"transactgw/internal/job"
	"transactgw/internal/otp"
	"transactgw/internal/remote"
	"transactgw/internal/workflow"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:         "ok",
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
		ActiveSessions: len(s.flows.List()),
	})
}

func (s *Server) handleStartContract(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeStartRequest(w, r)
	if !ok {
		return
	}

	session, err := s.flows.StartContractSigning(r.Context(), req.Params)
	if err != nil {
		s.writeFlowError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, StartFlowResponse{
		SessionID: session.ID,
		Kind:      string(session.Kind),
		Phase:     string(session.Phase()),
	})
}

func (s *Server) handleStartTransfer(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeStartRequest(w, r)
	if !ok {
		return
	}

	session, err := s.flows.StartTransfer(r.Context(), req.Params)
	if err != nil {
		s.writeFlowError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, StartFlowResponse{
		SessionID: session.ID,
		Kind:      string(session.Kind),
		Phase:     string(session.Phase()),
	})
}

func (s *Server) decodeStartRequest(w http.ResponseWriter, r *http.Request) (StartFlowRequest, bool) {
	var req StartFlowRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return StartFlowRequest{}, false
		}
	}
	return req, true
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.flows.List())
}

// handleGetSession serves the live session when it exists, falling back to the
// persisted snapshot for sessions that were closed or not restarted.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if session, ok := s.flows.Get(sessionID); ok {
		respondJSON(w, http.StatusOK, session.View())
		return
	}

	snapshot, err := s.archive.Snapshot(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(snapshot) == 0 || bytes.Equal(snapshot, []byte("{}")) {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(snapshot)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	session, ok := s.flows.Get(chi.URLParam(r, "sessionID"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}

	artifacts := session.View().Artifacts
	if artifacts == nil {
		artifacts = []workflow.ArtifactView{}
	}
	respondJSON(w, http.StatusOK, artifacts)
}

func (s *Server) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	records, err := s.archive.ListTransfers(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, records)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		s.writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	res, err := s.flows.SubmitCode(r.Context(), chi.URLParam(r, "sessionID"), req.Code)
	if err != nil {
		s.writeFlowError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, VerifyResponse{
		TransactionID:   res.TransactionID,
		TransactionCode: res.TransactionCode,
		Status:          res.Status,
	})
}

func (s *Server) handleResend(w http.ResponseWriter, r *http.Request) {
	if err := s.flows.ResendCode(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		s.writeFlowError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCloseSession closes a session. With ?purge=1 the persisted snapshot is
// removed as well; the transfer audit rows always survive.
func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.flows.CloseSession(r.Context(), sessionID); err != nil {
		s.writeFlowError(w, err)
		return
	}
	if purge, _ := strconv.ParseBool(r.URL.Query().Get("purge")); purge {
		if err := s.archive.DeleteSession(r.Context(), sessionID); err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeFlowError maps domain errors onto HTTP statuses.
func (s *Server) writeFlowError(w http.ResponseWriter, err error) {
	var (
		dupErr       *otp.DuplicateAttemptError
		initErr      *otp.InitiationError
		rejErr       *otp.RejectedError
		transportErr *remote.TransportError
		subErr       *job.SubmissionError
		dlErr        *download.Error
	)

	switch {
	case errors.Is(err, workflow.ErrSessionNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, workflow.ErrWrongPhase), errors.Is(err, workflow.ErrNoChallenge):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &dupErr), errors.Is(err, otp.ErrAlreadyVerified):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, otp.ErrChallengeExpired):
		s.writeError(w, http.StatusGone, err.Error())
	case errors.As(err, &initErr), errors.As(err, &rejErr):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &transportErr), errors.As(err, &subErr), errors.As(err, &dlErr):
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// respondJSON is a helper to write JSON responses.
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
