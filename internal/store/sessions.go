package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"spokehub/internal/models"
)

// SessionSummary is one row of the session catalogue.
type SessionSummary struct {
	ID          string              `json:"session_id"`
	Name        string              `json:"name"`
	State       models.SessionState `json:"state"`
	Dir         string              `json:"dir"`
	CreatedAt   time.Time           `json:"created_at"`
	CompletedAt time.Time           `json:"completed_at,omitempty"`
	Devices     int                 `json:"devices"`
	Missing     int                 `json:"missing"`
	Error       string              `json:"error,omitempty"`
}

// SaveSession upserts a session snapshot together with its per-device acks
// and transfer jobs.
func (s *Store) SaveSession(ctx context.Context, sess models.Session) error {
	snapshot, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, name, state, dir, created_at, started_at, stopped_at, completed_at, error, snapshot_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name          = excluded.name,
			state         = excluded.state,
			started_at    = excluded.started_at,
			stopped_at    = excluded.stopped_at,
			completed_at  = excluded.completed_at,
			error         = excluded.error,
			snapshot_json = excluded.snapshot_json,
			updated_at    = CURRENT_TIMESTAMP`,
		sess.ID, sess.Name, string(sess.State), sess.Dir, nullTime(sess.CreatedAt), nullTime(sess.StartedAt),
		nullTime(sess.StoppedAt), nullTime(sess.CompletedAt), sess.Error, string(snapshot))
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}

	for id, acks := range sess.Acks {
		var offset, spread any
		if off, ok := sess.Offsets[id]; ok {
			offset, spread = int64(off.Offset), int64(off.Spread)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO session_devices (session_id, device_id, start_ack, stop_ack, offset_ns, spread_ns, missing)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, device_id) DO UPDATE SET
				start_ack = excluded.start_ack,
				stop_ack  = excluded.stop_ack,
				offset_ns = excluded.offset_ns,
				spread_ns = excluded.spread_ns,
				missing   = excluded.missing`,
			sess.ID, id, string(acks.Start), string(acks.Stop), offset, spread, boolToInt(slices.Contains(sess.Missing, id)))
		if err != nil {
			return fmt.Errorf("save session %s device %s: %w", sess.ID, id, err)
		}
	}

	for _, job := range sess.Transfers {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO transfer_jobs (session_id, device_id, status, attempts, expected_bytes, received_bytes, checksum, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, device_id) DO UPDATE SET
				status         = excluded.status,
				attempts       = excluded.attempts,
				expected_bytes = excluded.expected_bytes,
				received_bytes = excluded.received_bytes,
				checksum       = excluded.checksum,
				error          = excluded.error`,
			sess.ID, job.DeviceID, string(job.Status), job.Attempts, job.Expected, job.Received, job.Checksum, job.Error)
		if err != nil {
			return fmt.Errorf("save session %s transfer %s: %w", sess.ID, job.DeviceID, err)
		}
	}
	return tx.Commit()
}

// GetSession returns the last saved snapshot of a session.
func (s *Store) GetSession(ctx context.Context, id string) (models.Session, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot_json FROM sessions WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	var sess models.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return models.Session{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	return sess, nil
}

// ListSessions returns the newest sessions first. limit <= 0 means all.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.name, s.state, s.dir, s.created_at, s.completed_at, COALESCE(s.error, ''),
		       COUNT(d.device_id), COALESCE(SUM(d.missing), 0)
		FROM sessions s
		LEFT JOIN session_devices d ON d.session_id = s.id
		GROUP BY s.id
		ORDER BY s.created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var (
			sum                SessionSummary
			state              string
			created, completed sql.NullString
		)
		if err := rows.Scan(&sum.ID, &sum.Name, &state, &sum.Dir, &created, &completed, &sum.Error,
			&sum.Devices, &sum.Missing); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sum.State = models.SessionState(state)
		sum.CreatedAt = parseTime(created)
		sum.CompletedAt = parseTime(completed)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// TransferJobs returns the stored transfer outcomes of a session.
func (s *Store) TransferJobs(ctx context.Context, sessionID string) ([]models.TransferJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, status, attempts, expected_bytes, received_bytes, COALESCE(checksum, ''), COALESCE(error, '')
		FROM transfer_jobs WHERE session_id = ? ORDER BY device_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list transfers for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []models.TransferJob
	for rows.Next() {
		var (
			job    models.TransferJob
			status string
		)
		if err := rows.Scan(&job.DeviceID, &status, &job.Attempts, &job.Expected, &job.Received, &job.Checksum, &job.Error); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		job.Status = models.TransferStatus(status)
		out = append(out, job)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
