package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spokehub/internal/events"
	"spokehub/internal/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleSession(id string, created time.Time) models.Session {
	return models.Session{
		ID:        id,
		Name:      "take",
		State:     models.SessionComplete,
		Dir:       "/data/sessions/" + id,
		CreatedAt: created,
		StartedAt: created.Add(time.Second),
		Devices:   []string{"cam-1", "cam-2"},
		Acks: map[string]models.DeviceAcks{
			"cam-1": {Start: models.AckOK, Stop: models.AckOK},
			"cam-2": {Start: models.AckOK, Stop: models.AckTimeout},
		},
		Offsets: map[string]models.ClockOffset{"cam-1": {Offset: 3 * time.Millisecond, Samples: 8}},
		Transfers: []models.TransferJob{
			{DeviceID: "cam-1", Status: models.TransferVerified, Attempts: 1, Expected: 10, Received: 10, Checksum: "abc"},
			{DeviceID: "cam-2", Status: models.TransferFailed, Attempts: 2, Error: "checksum mismatch"},
		},
		Missing: []string{"cam-2"},
	}
}

func TestOpenFileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "hub.db")
	s, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening runs the migrations again without error.
	s, err = Open(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestSaveAndGetSession(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	sess := sampleSession("s-1", base)
	require.NoError(t, s.SaveSession(ctx, sess))

	got, err := s.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, sess.Devices, got.Devices)
	assert.Equal(t, models.AckTimeout, got.Acks["cam-2"].Stop)
	assert.True(t, sess.CreatedAt.Equal(got.CreatedAt))

	jobs, err := s.TransferJobs(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, models.TransferVerified, jobs[0].Status)
	assert.Equal(t, "checksum mismatch", jobs[1].Error)

	_, err = s.GetSession(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveSessionUpdatesInPlace(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	sess := sampleSession("s-1", time.Now())
	sess.State = models.SessionTransferring
	sess.Missing = nil
	require.NoError(t, s.SaveSession(ctx, sess))

	sess.State = models.SessionComplete
	sess.Missing = []string{"cam-2"}
	require.NoError(t, s.SaveSession(ctx, sess))

	list, err := s.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.SessionComplete, list[0].State)
	assert.Equal(t, 2, list[0].Devices)
	assert.Equal(t, 1, list[0].Missing)
}

func TestListSessionsNewestFirst(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.SaveSession(ctx, sampleSession(id, base.Add(time.Duration(i)*time.Hour))))
	}

	list, err := s.ListSessions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
}

func TestDeviceRoster(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	seen := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveDevice(ctx, models.Device{
		ID: "cam-2", Name: "Left", Address: "10.0.0.2:9000", Capabilities: []string{"camera"},
		State: models.StateHealthy, Epoch: 3, LastHeartbeat: seen,
	}))
	require.NoError(t, s.SaveDevice(ctx, models.Device{ID: "cam-1", Name: "cam-1", State: models.StateConnected}))
	// A later update without address or capabilities keeps the stored ones.
	require.NoError(t, s.SaveDevice(ctx, models.Device{ID: "cam-2", Name: "Left", State: models.StateOffline, Epoch: 3}))

	roster, err := s.Roster(ctx)
	require.NoError(t, err)
	require.Len(t, roster, 2)
	assert.Equal(t, "cam-1", roster[0].ID)
	assert.Empty(t, roster[0].Capabilities)

	cam2 := roster[1]
	assert.Equal(t, "10.0.0.2:9000", cam2.Address)
	assert.Equal(t, models.StateOffline, cam2.State)
	assert.Equal(t, []string{"camera"}, cam2.Capabilities)
	assert.True(t, seen.Equal(cam2.LastSeen))

	require.NoError(t, s.DeleteDevice(ctx, "cam-1"))
	assert.ErrorIs(t, s.DeleteDevice(ctx, "cam-1"), ErrNotFound)
}

func TestRecorderMirrorsEvents(t *testing.T) {
	s := setupTestStore(t)
	bus := events.NewBus(zerolog.Nop())
	rec := NewRecorder(s, bus)
	rec.Start()

	sess := sampleSession("s-9", time.Now())
	bus.Publish(events.Event{Type: events.SessionState, SessionID: sess.ID, Payload: sess})
	bus.Publish(events.Event{Type: events.DeviceState, DeviceID: "cam-1",
		Payload: models.Device{ID: "cam-1", Name: "cam-1", State: models.StateHealthy}})
	bus.Publish(events.Event{Type: events.DeviceOffset, DeviceID: "cam-1"})
	rec.Stop()

	got, err := s.GetSession(context.Background(), "s-9")
	require.NoError(t, err)
	assert.Equal(t, models.SessionComplete, got.State)

	roster, err := s.Roster(context.Background())
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, models.StateHealthy, roster[0].State)
}
