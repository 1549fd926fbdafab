package api

// StartFlowRequest is the JSON body for POST /v1/contracts and /v1/transfers.
type StartFlowRequest struct {
	Params map[string]any `json:"params,omitempty"`
}

// StartFlowResponse is returned when a session is created.
type StartFlowResponse struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Phase     string `json:"phase"`
}

// VerifyRequest is the JSON body for POST /v1/sessions/{sessionID}/verify.
type VerifyRequest struct {
	Code string `json:"code"`
}

// VerifyResponse is returned on successful verification.
type VerifyResponse struct {
	TransactionID   string `json:"transaction_id"`
	TransactionCode string `json:"transaction_code,omitempty"`
	Status          string `json:"status,omitempty"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status         string `json:"status"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	ActiveSessions int    `json:"active_sessions"`
}
