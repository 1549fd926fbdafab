package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

const DefaultMaxSnapshotBytes = 1 << 20 // 1 MiB

// Store persists workflow session snapshots and the transfer audit log.
type Store struct {
	db               *sql.DB
	maxSnapshotBytes int
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:               db,
		maxSnapshotBytes: DefaultMaxSnapshotBytes,
	}
}

// Snapshot returns the stored snapshot for a session, or {} if missing.
func (s *Store) Snapshot(ctx context.Context, sessionID string) (json.RawMessage, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is empty")
	}

	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT snapshot FROM workflow_session WHERE id = ?;", sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return json.RawMessage(`{}`), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session snapshot: %w", err)
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("stored snapshot is invalid JSON for session=%q", sessionID)
	}
	return json.RawMessage(raw), nil
}

// SaveSnapshot applies updates as a shallow merge (top-level keys replaced)
// and persists the merged snapshot. The merged snapshot is returned.
func (s *Store) SaveSnapshot(ctx context.Context, sessionID, kind string, updates json.RawMessage) (json.RawMessage, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is empty")
	}
	if kind == "" {
		return nil, fmt.Errorf("session kind is empty")
	}

	upd, err := decodeObjectOrEmpty(updates)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot updates: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var curRaw string
	err = tx.QueryRowContext(ctx, "SELECT snapshot FROM workflow_session WHERE id = ?;", sessionID).Scan(&curRaw)
	if errors.Is(err, sql.ErrNoRows) {
		curRaw = "{}"
	} else if err != nil {
		return nil, fmt.Errorf("read session snapshot: %w", err)
	}

	cur, err := decodeObjectOrEmpty(json.RawMessage(curRaw))
	if err != nil {
		return nil, fmt.Errorf("decode stored snapshot: %w", err)
	}

	maps.Copy(cur, upd)

	merged, err := json.Marshal(cur)
	if err != nil {
		return nil, fmt.Errorf("marshal merged snapshot: %w", err)
	}
	if len(merged) > s.maxSnapshotBytes {
		return nil, fmt.Errorf("session snapshot exceeds max size (%d bytes)", s.maxSnapshotBytes)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
INSERT INTO workflow_session(id, kind, snapshot, updated_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  kind = excluded.kind,
  snapshot = excluded.snapshot,
  updated_at = excluded.updated_at;
`, sessionID, kind, string(merged), now)
	if err != nil {
		return nil, fmt.Errorf("upsert session snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return json.RawMessage(merged), nil
}

// DeleteSession removes a session's snapshot. Transfer log rows are kept; the
// audit trail outlives the session.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id is empty")
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM workflow_session WHERE id = ?;", sessionID); err != nil {
		return fmt.Errorf("delete session snapshot: %w", err)
	}
	return nil
}

// TransferRecord is one settled or attempted transaction.
type TransferRecord struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	TransactionID   string    `json:"transaction_id"`
	TransactionCode string    `json:"transaction_code,omitempty"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

// AppendTransfer records a completed verification in the audit log.
func (s *Store) AppendTransfer(ctx context.Context, rec TransferRecord) (TransferRecord, error) {
	if rec.SessionID == "" {
		return TransferRecord{}, fmt.Errorf("session id is empty")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO transfer_log(id, session_id, transaction_id, transaction_code, status, created_at)
VALUES(?, ?, ?, ?, ?, ?);
`, rec.ID, rec.SessionID, rec.TransactionID, rec.TransactionCode, rec.Status, rec.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return TransferRecord{}, fmt.Errorf("insert transfer record: %w", err)
	}
	return rec, nil
}

// ListTransfers returns the audit rows for a session, oldest first.
func (s *Store) ListTransfers(ctx context.Context, sessionID string) ([]TransferRecord, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is empty")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, transaction_id, transaction_code, status, created_at
FROM transfer_log WHERE session_id = ? ORDER BY created_at;
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list transfer records: %w", err)
	}
	defer rows.Close()

	var out []TransferRecord
	for rows.Next() {
		var rec TransferRecord
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.TransactionID, &rec.TransactionCode, &rec.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transfer record: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse transfer timestamp: %w", err)
		}
		rec.CreatedAt = ts
		out = append(out, rec)
	}
	return out, rows.Err()
}

func decodeObjectOrEmpty(b json.RawMessage) (map[string]json.RawMessage, error) {
	if len(b) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("invalid JSON")
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]json.RawMessage{}
	}
	return m, nil
}
