package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"spokehub/internal/models"
)

// RosterEntry is a device the hub has seen before.
type RosterEntry struct {
	models.DeviceInfo
	State    models.ConnectionState `json:"last_state"`
	Epoch    uint64                 `json:"epoch"`
	LastSeen time.Time              `json:"last_seen,omitempty"`
}

// SaveDevice records the latest known identity and state of a device. An
// empty address or capability list does not erase the stored one.
func (s *Store) SaveDevice(ctx context.Context, d models.Device) error {
	caps, err := json.Marshal(d.Capabilities)
	if err != nil {
		return err
	}
	if d.Capabilities == nil {
		caps = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO devices (id, name, address, capabilities, state, epoch, last_seen, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name         = excluded.name,
			address      = COALESCE(NULLIF(excluded.address, ''), devices.address),
			capabilities = CASE WHEN excluded.capabilities = '[]' THEN devices.capabilities ELSE excluded.capabilities END,
			state        = excluded.state,
			epoch        = excluded.epoch,
			last_seen    = COALESCE(excluded.last_seen, devices.last_seen),
			updated_at   = CURRENT_TIMESTAMP`,
		d.ID, d.Name, d.Address, string(caps), string(d.State), d.Epoch, nullTime(d.LastHeartbeat))
	if err != nil {
		return fmt.Errorf("save device %s: %w", d.ID, err)
	}
	return nil
}

// Roster lists every stored device ordered by id.
func (s *Store) Roster(ctx context.Context) ([]RosterEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(address, ''), capabilities, state, epoch, last_seen
		FROM devices ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []RosterEntry
	for rows.Next() {
		var (
			e        RosterEntry
			caps     string
			state    string
			lastSeen sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Name, &e.Address, &caps, &state, &e.Epoch, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		if err := json.Unmarshal([]byte(caps), &e.Capabilities); err != nil {
			s.log.Warn().Err(err).Str("device_id", e.ID).Msg("bad stored capabilities")
		}
		e.State = models.ConnectionState(state)
		e.LastSeen = parseTime(lastSeen)
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteDevice removes a device from the roster.
func (s *Store) DeleteDevice(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete device %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	return nil
}
