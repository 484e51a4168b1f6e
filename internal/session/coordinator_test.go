package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"spokehub/internal/events"
	"spokehub/internal/models"
	"spokehub/internal/protocol"
	"spokehub/internal/registry"
	"spokehub/internal/transfer"
)

var epoch = time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)

// fakeCommander answers requests per device: ok, silent (blocks until ctx
// ends) or failing.
type fakeCommander struct {
	mu     sync.Mutex
	silent map[string]bool
	fail   map[string]bool
	sent   []*protocol.Message
	seen   chan string
}

func newCommander() *fakeCommander {
	return &fakeCommander{silent: map[string]bool{}, fail: map[string]bool{}, seen: make(chan string, 64)}
}

func (f *fakeCommander) Request(ctx context.Context, id string, msg *protocol.Message) (*protocol.Message, error) {
	f.mu.Lock()
	m := *msg
	m.DeviceID = id
	f.sent = append(f.sent, &m)
	silent, fail := f.silent[id], f.fail[id]
	f.mu.Unlock()
	f.seen <- id + ":" + string(msg.Type)

	if silent {
		<-ctx.Done()
		return nil, models.NewDeviceError(id, models.ErrDeviceUnavailable, ctx.Err())
	}
	if fail {
		return nil, models.NewDeviceError(id, models.ErrTransport, errors.New("connection reset"))
	}
	return msg.Ack(protocol.StatusOK), nil
}

func (f *fakeCommander) messages(t protocol.Type) []*protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.Message
	for _, m := range f.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type fakeFlasher struct{ result models.FlashResult }

func (f *fakeFlasher) Flash(_ context.Context, _ string, ids []string, tol time.Duration) (models.FlashResult, error) {
	r := f.result
	r.Tolerance = tol
	return r, nil
}

// fakeFetcher verifies every device except those in fail, writing one file
// for the verified ones.
type fakeFetcher struct {
	fail  map[string]bool
	block chan struct{}
	held  map[string]chan struct{} // per-device block
}

func (f *fakeFetcher) Fetch(ctx context.Context, job transfer.Job) models.TransferJob {
	block := f.block
	if ch, ok := f.held[job.DeviceID]; ok {
		block = ch
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return models.TransferJob{DeviceID: job.DeviceID, Status: models.TransferFailed, Error: ctx.Err().Error()}
		}
	}
	if f.fail[job.DeviceID] {
		return models.TransferJob{DeviceID: job.DeviceID, Status: models.TransferFailed, Attempts: 2, Error: "checksum mismatch"}
	}
	dir := filepath.Join(job.Dir, job.DeviceID)
	_ = os.MkdirAll(dir, 0o755)
	_ = os.WriteFile(filepath.Join(dir, job.DeviceID+".log"), []byte("data"), 0o644)
	return models.TransferJob{DeviceID: job.DeviceID, Status: models.TransferVerified, Attempts: 1, Expected: 4, Received: 4}
}

type fixture struct {
	reg   *registry.Registry
	bus   *events.Bus
	cmd   *fakeCommander
	fetch *fakeFetcher
	c     *Coordinator
	dir   string
}

func newFixture(t *testing.T, cfg models.SessionConfig) *fixture {
	t.Helper()
	clk := clocktesting.NewFakeClock(epoch)
	f := &fixture{
		bus:   events.NewBus(zerolog.Nop()),
		cmd:   newCommander(),
		fetch: &fakeFetcher{fail: map[string]bool{}},
		dir:   t.TempDir(),
	}
	f.reg = registry.New(3, f.bus, clk, zerolog.Nop())
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = 200 * time.Millisecond
	}
	cfg.StartLead = 500 * time.Millisecond
	f.c = New(Options{DataDir: f.dir, Session: cfg, FlashTolerance: 5 * time.Millisecond}, f.reg, f.cmd,
		&fakeFlasher{result: models.FlashResult{EventID: "e1", Passed: true, Spread: time.Millisecond}},
		f.fetch, f.bus, clk, zerolog.Nop())
	f.c.Start()
	t.Cleanup(f.c.Stop)
	return f
}

func (f *fixture) healthy(t *testing.T, id string, offset time.Duration) {
	t.Helper()
	_, err := f.reg.Register(models.DeviceInfo{ID: id})
	require.NoError(t, err)
	require.NoError(t, f.reg.Update(id, func(d *models.Device) error {
		d.State = models.StateHealthy
		d.Epoch = 1
		d.Offset = &models.ClockOffset{Offset: offset, Spread: time.Millisecond, Samples: 5}
		return nil
	}))
}

func (f *fixture) recording(t *testing.T, ids ...string) models.Session {
	t.Helper()
	for _, id := range ids {
		f.healthy(t, id, 0)
	}
	_, err := f.c.Create(context.Background(), "take")
	require.NoError(t, err)
	s, err := f.c.StartRecording(context.Background())
	require.NoError(t, err)
	require.Equal(t, models.SessionRecording, s.State)
	return s
}

func (f *fixture) state() models.SessionState {
	s, _ := f.c.Status()
	return s.State
}

func TestCreateAndConflict(t *testing.T) {
	f := newFixture(t, models.SessionConfig{})
	s, ok := f.c.Status()
	assert.False(t, ok)
	assert.Equal(t, models.SessionIdle, s.State)

	s, err := f.c.Create(context.Background(), "Pilot run #1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionCreated, s.State)
	assert.Contains(t, s.ID, "20250601_093000_Pilotrun1_")
	assert.Equal(t, filepath.Join(f.dir, "sessions", s.ID), s.Dir)

	onDisk, err := ReadMetadata(s.Dir)
	require.NoError(t, err)
	assert.Equal(t, s.ID, onDisk.ID)
	assert.Equal(t, models.SessionCreated, onDisk.State)

	_, err = f.c.Create(context.Background(), "second")
	require.ErrorIs(t, err, models.ErrSessionConflict)
	assert.ErrorIs(t, err, models.ErrSessionState)
}

func TestStartRequiresHealthyDevices(t *testing.T) {
	f := newFixture(t, models.SessionConfig{})
	_, err := f.reg.Register(models.DeviceInfo{ID: "cam-1"})
	require.NoError(t, err)
	_, err = f.reg.UpdateState("cam-1", models.StateConnected)
	require.NoError(t, err)

	_, err = f.c.Create(context.Background(), "x")
	require.NoError(t, err)
	_, err = f.c.StartRecording(context.Background())
	require.ErrorIs(t, err, models.ErrNoHealthyDevices)
	assert.Equal(t, models.SessionCreated, f.state())
	assert.Empty(t, f.cmd.messages(protocol.TypeStartRecording), "nothing commanded")
}

func TestStartRequiresCreated(t *testing.T) {
	f := newFixture(t, models.SessionConfig{})
	_, err := f.c.StartRecording(context.Background())
	assert.ErrorIs(t, err, models.ErrSessionState)

	f.recording(t, "cam-1")
	_, err = f.c.StartRecording(context.Background())
	assert.ErrorIs(t, err, models.ErrSessionState)
}

func TestStartExcludesSilentDevice(t *testing.T) {
	f := newFixture(t, models.SessionConfig{})
	f.healthy(t, "cam-1", 12*time.Millisecond)
	f.healthy(t, "cam-2", 0)
	f.cmd.silent["cam-2"] = true
	partial, cancel := f.bus.SubscribeChan(4, events.SessionPartial)
	defer cancel()

	_, err := f.c.Create(context.Background(), "x")
	require.NoError(t, err)
	s, err := f.c.StartRecording(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.SessionRecording, s.State)
	assert.Equal(t, []string{"cam-1"}, s.Devices)
	assert.Equal(t, models.AckOK, s.Acks["cam-1"].Start)
	assert.Equal(t, models.AckTimeout, s.Acks["cam-2"].Start)
	assert.Equal(t, 12*time.Millisecond, s.Offsets["cam-1"].Offset)
	assert.Equal(t, epoch.Add(500*time.Millisecond), s.TargetStart)

	starts := f.cmd.messages(protocol.TypeStartRecording)
	require.Len(t, starts, 2)
	for _, m := range starts {
		if m.DeviceID == "cam-1" {
			assert.Equal(t, s.TargetStart.Add(12*time.Millisecond).UnixNano(), m.TargetStartLocal)
		}
	}
	select {
	case e := <-partial:
		assert.Equal(t, "cam-2", e.Metadata["excluded"])
	default:
		t.Fatal("no partial start event")
	}
}

func TestStartWithNoAcksStaysCreated(t *testing.T) {
	f := newFixture(t, models.SessionConfig{})
	f.healthy(t, "cam-1", 0)
	f.cmd.fail["cam-1"] = true

	_, err := f.c.Create(context.Background(), "x")
	require.NoError(t, err)
	_, err = f.c.StartRecording(context.Background())
	require.ErrorIs(t, err, models.ErrNoAcknowledgements)

	s, _ := f.c.Status()
	assert.Equal(t, models.SessionCreated, s.State)
	assert.Equal(t, models.AckError, s.Acks["cam-1"].Start)
}

func TestStopTransfersAndCompletes(t *testing.T) {
	f := newFixture(t, models.SessionConfig{})
	f.fetch.fail["cam-2"] = true
	states, cancel := f.bus.SubscribeChan(16, events.SessionState)
	defer cancel()
	f.recording(t, "cam-1", "cam-2")

	s, err := f.c.StopRecording(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.SessionTransferring, s.State)
	assert.Len(t, f.cmd.messages(protocol.TypeStopRecording), 2)

	var seq []models.SessionState
	for done := false; !done; {
		select {
		case e := <-states:
			st := e.Payload.(models.Session).State
			seq = append(seq, st)
			done = st == models.SessionComplete
		case <-time.After(2 * time.Second):
			t.Fatalf("session never completed, saw %v", seq)
		}
	}
	assert.Equal(t, []models.SessionState{
		models.SessionCreated, models.SessionRecording, models.SessionStopping,
		models.SessionTransferring, models.SessionComplete,
	}, seq)

	s, _ = f.c.Status()
	assert.Equal(t, []string{"cam-2"}, s.Missing)
	assert.Equal(t, []string{"cam-1.log"}, s.Files["cam-1"])
	assert.Equal(t, models.AckOK, s.Acks["cam-1"].Stop)

	onDisk, err := ReadMetadata(s.Dir)
	require.NoError(t, err)
	assert.Equal(t, models.SessionComplete, onDisk.State)
	assert.Equal(t, []string{"cam-2"}, onDisk.Missing)

	_, err = f.c.Create(context.Background(), "next")
	assert.NoError(t, err, "a new session can follow a complete one")
}

func TestStopMarksUnackedBestEffort(t *testing.T) {
	f := newFixture(t, models.SessionConfig{StopTimeout: 100 * time.Millisecond})
	f.recording(t, "cam-1", "cam-2")
	f.cmd.mu.Lock()
	f.cmd.silent["cam-2"] = true
	f.cmd.mu.Unlock()

	s, err := f.c.StopRecording(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.AckTimeout, s.Acks["cam-2"].Stop)
	assert.Equal(t, []string{"cam-1", "cam-2"}, s.Devices)
}

func TestAbortRecording(t *testing.T) {
	f := newFixture(t, models.SessionConfig{})
	rec := f.recording(t, "cam-1")

	s, err := f.c.Abort(context.Background(), "operator request")
	require.NoError(t, err)
	assert.Equal(t, models.SessionError, s.State)
	assert.Equal(t, "operator request", s.Error)
	assert.Len(t, f.cmd.messages(protocol.TypeStopRecording), 1, "best-effort stop")

	onDisk, err := ReadMetadata(rec.Dir)
	require.NoError(t, err)
	assert.Equal(t, models.SessionError, onDisk.State)
	assert.Equal(t, "operator request", onDisk.Error)

	_, err = f.c.Abort(context.Background(), "again")
	assert.ErrorIs(t, err, models.ErrSessionState)
	_, err = f.c.Create(context.Background(), "after error")
	assert.NoError(t, err)
}

func TestAbortWithoutSession(t *testing.T) {
	f := newFixture(t, models.SessionConfig{})
	_, err := f.c.Abort(context.Background(), "nothing")
	assert.ErrorIs(t, err, models.ErrSessionState)
}

func TestAbortPreemptsStart(t *testing.T) {
	f := newFixture(t, models.SessionConfig{AckTimeout: 30 * time.Second})
	f.healthy(t, "cam-1", 0)
	f.cmd.silent["cam-1"] = true
	_, err := f.c.Create(context.Background(), "x")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.c.StartRecording(context.Background())
		done <- err
	}()
	<-f.cmd.seen

	began := time.Now()
	s, err := f.c.Abort(context.Background(), "cancelled")
	require.NoError(t, err)
	assert.Equal(t, models.SessionError, s.State)
	assert.Less(t, time.Since(began), 5*time.Second)
	assert.ErrorIs(t, <-done, models.ErrSessionState)
}

func TestAbortCancelsTransfers(t *testing.T) {
	f := newFixture(t, models.SessionConfig{})
	f.fetch.block = make(chan struct{})
	f.recording(t, "cam-1")
	_, err := f.c.StopRecording(context.Background())
	require.NoError(t, err)

	s, err := f.c.Abort(context.Background(), "disk full")
	require.NoError(t, err)
	assert.Equal(t, models.SessionError, s.State)
	require.Len(t, s.Transfers, 1)
	assert.Equal(t, models.TransferFailed, s.Transfers[0].Status)
}

func TestTotalLossEndsSession(t *testing.T) {
	f := newFixture(t, models.SessionConfig{})
	f.recording(t, "cam-1", "cam-2")

	_, err := f.reg.UpdateState("cam-1", models.StateFailed)
	require.NoError(t, err)
	assert.Equal(t, models.SessionRecording, f.state(), "one device left")

	_, err = f.reg.UpdateState("cam-2", models.StateFailed)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.state() == models.SessionError }, 2*time.Second, 5*time.Millisecond)
	s, _ := f.c.Status()
	assert.Equal(t, "all session devices lost", s.Error)
}

func TestSyncLossPolicy(t *testing.T) {
	demote := func(t *testing.T, f *fixture, ids ...string) {
		for _, id := range ids {
			require.NoError(t, f.reg.Update(id, func(d *models.Device) error {
				d.State = models.StateWarning
				return nil
			}))
		}
	}

	t.Run("continue", func(t *testing.T) {
		f := newFixture(t, models.SessionConfig{SyncLossPolicy: models.SyncLossContinue})
		lost, cancel := f.bus.SubscribeChan(4, events.SessionSyncLoss)
		defer cancel()
		f.recording(t, "cam-1", "cam-2")
		demote(t, f, "cam-1", "cam-2")

		select {
		case e := <-lost:
			assert.Equal(t, "continue", e.Metadata["policy"])
		case <-time.After(time.Second):
			t.Fatal("no sync loss event")
		}
		assert.Equal(t, models.SessionRecording, f.state())
	})

	t.Run("abort", func(t *testing.T) {
		f := newFixture(t, models.SessionConfig{SyncLossPolicy: models.SyncLossAbort})
		f.recording(t, "cam-1", "cam-2")
		demote(t, f, "cam-1")
		assert.Equal(t, models.SessionRecording, f.state())
		demote(t, f, "cam-2")
		require.Eventually(t, func() bool { return f.state() == models.SessionError }, 2*time.Second, 5*time.Millisecond)
	})
}

func TestRejoinResendsStartOncePerEpoch(t *testing.T) {
	f := newFixture(t, models.SessionConfig{})
	rejoined, cancel := f.bus.SubscribeChan(4, events.SessionRejoined)
	defer cancel()
	s := f.recording(t, "cam-1")

	require.NoError(t, f.reg.Update("cam-1", func(d *models.Device) error {
		d.State = models.StateConnected
		d.Offset = nil
		d.Epoch = 2
		return nil
	}))
	f.c.Rejoin("cam-1", s.ID)
	f.c.Rejoin("cam-1", "")

	select {
	case e := <-rejoined:
		assert.Equal(t, "cam-1", e.DeviceID)
		assert.Equal(t, string(protocol.TypeStartRecording), e.Metadata["command"])
	case <-time.After(time.Second):
		t.Fatal("no rejoin event")
	}
	assert.Len(t, f.cmd.messages(protocol.TypeStartRecording), 2, "initial start plus one rejoin")

	f.c.Rejoin("cam-1", "other-session")
	f.c.Rejoin("cam-9", s.ID)
	assert.Len(t, f.cmd.messages(protocol.TypeStartRecording), 2)
}

func TestFlashSyncRecordsResult(t *testing.T) {
	f := newFixture(t, models.SessionConfig{})
	_, err := f.c.FlashSync(context.Background())
	assert.ErrorIs(t, err, models.ErrSessionState)

	f.recording(t, "cam-1")
	res, err := f.c.FlashSync(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, 5*time.Millisecond, res.Tolerance)

	s, _ := f.c.Status()
	require.Len(t, s.Flash, 1)
	assert.Equal(t, "e1", s.Flash[0].EventID)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "Pilotrun1", sanitize("Pilot run #1"))
	assert.Equal(t, "a-b_c.d", sanitize("..a-b_c.d__"))
	assert.Equal(t, "session", sanitize("../../"))
	assert.Equal(t, "session", sanitize(""))
}

func TestFilesListedAsEachTransferFinishes(t *testing.T) {
	f := newFixture(t, models.SessionConfig{})
	release := make(chan struct{})
	f.fetch.held = map[string]chan struct{}{"cam-2": release}
	f.recording(t, "cam-1", "cam-2")

	s, err := f.c.StopRecording(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		cur, _ := f.c.Status()
		for _, j := range cur.Transfers {
			if j.DeviceID == "cam-1" && j.Status == models.TransferVerified {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// cam-1 was listed when its own transfer ended, not at completion.
	require.NoError(t, os.RemoveAll(filepath.Join(s.Dir, "cam-1")))
	close(release)

	require.Eventually(t, func() bool { return f.state() == models.SessionComplete }, 2*time.Second, 10*time.Millisecond)
	final, _ := f.c.Status()
	assert.Equal(t, []string{"cam-1.log"}, final.Files["cam-1"])
	assert.Equal(t, []string{"cam-2.log"}, final.Files["cam-2"])
	assert.Empty(t, final.Missing)
}
