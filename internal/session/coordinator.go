// Package session runs the recording session state machine: create, start,
// flash sync, stop, transfer and abort, across every healthy spoke.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"spokehub/internal/events"
	"spokehub/internal/models"
	"spokehub/internal/protocol"
	"spokehub/internal/registry"
	"spokehub/internal/transfer"
)

// Commander sends a control request to one device.
type Commander interface {
	Request(ctx context.Context, deviceID string, msg *protocol.Message) (*protocol.Message, error)
}

// Flasher triggers and validates a flash sync event.
type Flasher interface {
	Flash(ctx context.Context, sessionID string, deviceIDs []string, tolerance time.Duration) (models.FlashResult, error)
}

// Fetcher retrieves one device's archive.
type Fetcher interface {
	Fetch(ctx context.Context, job transfer.Job) models.TransferJob
}

// Options holds the coordinator's settings.
type Options struct {
	DataDir        string
	Session        models.SessionConfig
	FlashTolerance time.Duration
	// TransferWorkers bounds concurrent archive retrievals; zero means one
	// per device.
	TransferWorkers int
}

// Coordinator owns the single active session. Transitions are serialized by
// opMu; reads only take mu and never wait on the network. Abort cancels the
// session context first so an in-flight transition gives up opMu promptly.
type Coordinator struct {
	opts  Options
	reg   *registry.Registry
	cmd   Commander
	flash Flasher
	fetch Fetcher
	bus   *events.Bus
	clock clock.Clock
	log   zerolog.Logger

	opMu sync.Mutex

	mu       sync.RWMutex
	cur      *models.Session
	ctx      context.Context
	cancel   context.CancelFunc
	rejoined map[string]uint64
	syncLost bool
	// transfers is closed when the session's transfer workers exit.
	transfers chan struct{}

	bg          sync.WaitGroup
	unsubscribe []func()
}

// New creates a coordinator. Call Start to follow device events.
func New(opts Options, reg *registry.Registry, cmd Commander, flash Flasher, fetch Fetcher,
	bus *events.Bus, clk clock.Clock, log zerolog.Logger) *Coordinator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if opts.Session.AckTimeout <= 0 {
		opts.Session.AckTimeout = 5 * time.Second
	}
	if opts.Session.StopTimeout <= 0 {
		opts.Session.StopTimeout = opts.Session.AckTimeout
	}
	if opts.Session.MinHealthy <= 0 {
		opts.Session.MinHealthy = 1
	}
	if opts.Session.SyncLossPolicy == "" {
		opts.Session.SyncLossPolicy = models.SyncLossContinue
	}
	return &Coordinator{
		opts:     opts,
		reg:      reg,
		cmd:      cmd,
		flash:    flash,
		fetch:    fetch,
		bus:      bus,
		clock:    clk,
		log:      log,
		rejoined: make(map[string]uint64),
	}
}

// Start subscribes to device events.
func (c *Coordinator) Start() {
	if c.bus == nil {
		return
	}
	c.unsubscribe = append(c.unsubscribe,
		c.bus.Subscribe(c.onDeviceState, events.DeviceState),
		c.bus.Subscribe(c.onReconnect, events.DeviceReconnect),
	)
}

// Stop unsubscribes and aborts a session that is still in flight.
func (c *Coordinator) Stop() {
	for _, u := range c.unsubscribe {
		u()
	}
	c.unsubscribe = nil
	if s, ok := c.Status(); ok && !s.State.Terminal() {
		if _, err := c.Abort(context.Background(), "hub shutting down"); err != nil {
			c.log.Warn().Err(err).Msg("abort on shutdown")
		}
	}
	c.bg.Wait()
}

// Status returns a snapshot of the current session. ok is false when no
// session has been created yet.
func (c *Coordinator) Status() (models.Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cur == nil {
		return models.Session{State: models.SessionIdle}, false
	}
	return c.cur.Clone(), true
}

// Create allocates a new session and its directory.
func (c *Coordinator) Create(ctx context.Context, name string) (models.Session, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.RLock()
	busy := c.cur != nil && !c.cur.State.Terminal()
	var active string
	if busy {
		active = c.cur.ID
	}
	c.mu.RUnlock()
	if busy {
		return models.Session{}, fmt.Errorf("%w (%s)", models.ErrSessionConflict, active)
	}
	if err := ctx.Err(); err != nil {
		return models.Session{}, err
	}

	now := c.clock.Now()
	id := fmt.Sprintf("%s_%s_%s", now.UTC().Format("20060102_150405"), sanitize(name), uuid.NewString()[:8])
	if name == "" {
		name = id
	}
	dir := filepath.Join(c.opts.DataDir, "sessions", id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return models.Session{}, fmt.Errorf("create session directory: %w", err)
	}

	s := &models.Session{
		ID:        id,
		Name:      name,
		State:     models.SessionCreated,
		Dir:       dir,
		CreatedAt: now,
		Acks:      make(map[string]models.DeviceAcks),
	}
	if err := writeMetadata(*s); err != nil {
		return models.Session{}, fmt.Errorf("write metadata: %w", err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cur = s
	c.ctx = sctx
	c.cancel = cancel
	c.rejoined = make(map[string]uint64)
	c.syncLost = false
	c.transfers = nil
	snap := s.Clone()
	c.mu.Unlock()

	c.log.Info().Str("session_id", id).Str("dir", dir).Msg("session created")
	c.publishState(snap, models.SessionIdle)
	return snap, nil
}

// opContext joins the caller's context with the session lifetime and a
// timeout.
func (c *Coordinator) opContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	c.mu.RLock()
	sctx := c.ctx
	c.mu.RUnlock()
	octx, cancel := context.WithTimeout(sctx, timeout)
	stop := context.AfterFunc(ctx, cancel)
	return octx, func() {
		stop()
		cancel()
	}
}

func (c *Coordinator) requireState(want models.SessionState) (models.Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cur == nil {
		return models.Session{}, fmt.Errorf("%w: no session", models.ErrSessionState)
	}
	if c.cur.State != want {
		return models.Session{}, fmt.Errorf("%w: session %s is %s, need %s",
			models.ErrSessionState, c.cur.ID, c.cur.State, want)
	}
	return c.cur.Clone(), nil
}

func (c *Coordinator) aborted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ctx != nil && c.ctx.Err() != nil
}

type ackResult struct {
	id     string
	status models.AckStatus
	err    error
}

// broadcast sends msg to every device concurrently and collects acks until
// ctx expires.
func (c *Coordinator) broadcast(ctx context.Context, ids []string, build func(id string) *protocol.Message) []ackResult {
	results := make([]ackResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			_, err := c.cmd.Request(gctx, id, build(id))
			r := ackResult{id: id, status: models.AckOK, err: err}
			switch {
			case err == nil:
			case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
				r.status = models.AckTimeout
			default:
				r.status = models.AckError
			}
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// StartRecording commands every Healthy device to start at a common target
// time. Devices that do not acknowledge within the ack timeout are left out
// of the session. With no acknowledgement at all the session stays Created.
func (c *Coordinator) StartRecording(ctx context.Context) (models.Session, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	s, err := c.requireState(models.SessionCreated)
	if err != nil {
		return models.Session{}, err
	}
	healthy := c.reg.Healthy()
	if len(healthy) < c.opts.Session.MinHealthy {
		return models.Session{}, fmt.Errorf("%w: %d healthy, need %d",
			models.ErrNoHealthyDevices, len(healthy), c.opts.Session.MinHealthy)
	}

	target := c.clock.Now().Add(c.opts.Session.StartLead)
	byID := make(map[string]models.Device, len(healthy))
	ids := make([]string, 0, len(healthy))
	for _, d := range healthy {
		byID[d.ID] = d
		ids = append(ids, d.ID)
	}

	octx, cancel := c.opContext(ctx, c.opts.Session.AckTimeout)
	results := c.broadcast(octx, ids, func(id string) *protocol.Message {
		m := &protocol.Message{
			Type:        protocol.TypeStartRecording,
			SessionID:   s.ID,
			TargetStart: target.UnixNano(),
		}
		if off := byID[id].Offset; off != nil {
			m.TargetStartLocal = off.ToLocal(target).UnixNano()
		}
		return m
	})
	cancel()
	if c.aborted() {
		return models.Session{}, fmt.Errorf("%w: session %s aborted", models.ErrSessionState, s.ID)
	}

	var included, excluded []string
	acks := make(map[string]models.DeviceAcks, len(results))
	for _, r := range results {
		acks[r.id] = models.DeviceAcks{Start: r.status}
		if r.status == models.AckOK {
			included = append(included, r.id)
		} else {
			excluded = append(excluded, r.id)
			c.log.Warn().Err(r.err).Str("session_id", s.ID).Str("device_id", r.id).Str("ack", string(r.status)).
				Msg("device did not acknowledge start")
		}
	}

	if len(included) == 0 {
		c.update(func(cur *models.Session) { cur.Acks = acks })
		return models.Session{}, fmt.Errorf("start session %s: %w", s.ID, models.ErrNoAcknowledgements)
	}

	now := c.clock.Now()
	snap := c.update(func(cur *models.Session) {
		cur.State = models.SessionRecording
		cur.Devices = included
		cur.Acks = acks
		cur.TargetStart = target
		cur.StartedAt = now
		cur.Offsets = make(map[string]models.ClockOffset, len(included))
		for _, id := range included {
			if off := byID[id].Offset; off != nil {
				cur.Offsets[id] = *off
			}
		}
	})
	c.persist(snap)
	c.log.Info().Str("session_id", s.ID).Strs("devices", included).Strs("excluded", excluded).
		Time("target_start", target).Msg("recording started")
	c.publishState(snap, models.SessionCreated)
	if len(excluded) > 0 {
		c.publish(events.Event{
			Type:      events.SessionPartial,
			Severity:  events.SeverityWarning,
			SessionID: s.ID,
			Message:   fmt.Sprintf("%d device(s) excluded from session: %s", len(excluded), strings.Join(excluded, ", ")),
			Metadata:  map[string]string{"excluded": strings.Join(excluded, ",")},
		})
	}
	return snap, nil
}

// FlashSync triggers a flash event on the session's devices and records the
// validation result.
func (c *Coordinator) FlashSync(ctx context.Context) (models.FlashResult, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	s, err := c.requireState(models.SessionRecording)
	if err != nil {
		return models.FlashResult{}, err
	}
	octx, cancel := c.opContext(ctx, c.opts.Session.AckTimeout)
	defer cancel()

	res, err := c.flash.Flash(octx, s.ID, s.Devices, c.opts.FlashTolerance)
	if c.aborted() {
		return res, fmt.Errorf("%w: session %s aborted", models.ErrSessionState, s.ID)
	}
	snap := c.update(func(cur *models.Session) { cur.Flash = append(cur.Flash, res) })
	c.persist(snap)

	sev := events.SeverityInfo
	msg := fmt.Sprintf("flash sync passed, spread %s", res.Spread)
	if !res.Passed {
		sev = events.SeverityWarning
		msg = fmt.Sprintf("flash sync failed, spread %s exceeds %s", res.Spread, res.Tolerance)
	}
	c.publish(events.Event{
		Type:      events.SessionFlash,
		Severity:  sev,
		SessionID: s.ID,
		Message:   msg,
		Payload:   res,
	})
	return res, err
}

// StopRecording stops the session's devices and starts retrieving their
// archives in the background. Devices that miss the stop acknowledgement
// are still asked for their data.
func (c *Coordinator) StopRecording(ctx context.Context) (models.Session, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	s, err := c.requireState(models.SessionRecording)
	if err != nil {
		return models.Session{}, err
	}
	snap := c.update(func(cur *models.Session) { cur.State = models.SessionStopping })
	c.publishState(snap, models.SessionRecording)

	octx, cancel := c.opContext(ctx, c.opts.Session.StopTimeout)
	results := c.broadcast(octx, s.Devices, func(string) *protocol.Message {
		return &protocol.Message{Type: protocol.TypeStopRecording, SessionID: s.ID}
	})
	cancel()
	if c.aborted() {
		return models.Session{}, fmt.Errorf("%w: session %s aborted", models.ErrSessionState, s.ID)
	}

	for _, r := range results {
		if r.status != models.AckOK {
			c.log.Warn().Err(r.err).Str("session_id", s.ID).Str("device_id", r.id).Msg("stop not acknowledged, continuing best effort")
		}
	}
	now := c.clock.Now()
	snap = c.update(func(cur *models.Session) {
		for _, r := range results {
			a := cur.Acks[r.id]
			a.Stop = r.status
			cur.Acks[r.id] = a
		}
		cur.StoppedAt = now
		cur.State = models.SessionTransferring
		cur.Transfers = make([]models.TransferJob, 0, len(cur.Devices))
		for _, id := range cur.Devices {
			cur.Transfers = append(cur.Transfers, models.TransferJob{DeviceID: id, Status: models.TransferPending})
		}
	})
	c.persist(snap)
	c.log.Info().Str("session_id", s.ID).Msg("recording stopped, retrieving data")
	c.publishState(snap, models.SessionStopping)

	done := make(chan struct{})
	c.mu.Lock()
	sctx := c.ctx
	c.transfers = done
	c.mu.Unlock()
	go c.runTransfers(sctx, snap, done)
	return snap, nil
}

// runTransfers fetches every device's archive and completes the session
// once every job is terminal. Only Abort competes with the final
// transition; both decide under mu, so whichever comes first wins.
func (c *Coordinator) runTransfers(ctx context.Context, s models.Session, done chan struct{}) {
	defer close(done)

	g := new(errgroup.Group)
	if c.opts.TransferWorkers > 0 {
		g.SetLimit(c.opts.TransferWorkers)
	}
	var filesMu sync.Mutex
	files := make(map[string][]string)
	for _, id := range s.Devices {
		g.Go(func() error {
			c.setTransfer(models.TransferJob{DeviceID: id, Status: models.TransferInProgress})
			job := c.fetch.Fetch(ctx, transfer.Job{SessionID: s.ID, DeviceID: id, Dir: s.Dir})
			if job.Status == models.TransferVerified {
				list := receivedFiles(filepath.Join(s.Dir, id))
				filesMu.Lock()
				files[id] = list
				filesMu.Unlock()
			}
			c.setTransfer(job)
			return nil
		})
	}
	_ = g.Wait()

	now := c.clock.Now()
	snap := c.update(func(cur *models.Session) {
		if cur.ID != s.ID || cur.State != models.SessionTransferring || ctx.Err() != nil {
			return
		}
		cur.Missing = nil
		cur.Files = make(map[string][]string)
		for _, j := range cur.Transfers {
			if j.Status == models.TransferVerified {
				cur.Files[j.DeviceID] = files[j.DeviceID]
			} else {
				cur.Missing = append(cur.Missing, j.DeviceID)
			}
		}
		cur.State = models.SessionComplete
		cur.CompletedAt = now
	})
	if snap.State != models.SessionComplete || snap.ID != s.ID {
		return
	}
	c.persist(snap)
	ev := c.log.Info()
	if len(snap.Missing) > 0 {
		ev = c.log.Warn()
	}
	ev.Str("session_id", s.ID).Strs("missing", snap.Missing).Msg("session complete")
	c.publishState(snap, models.SessionTransferring)
}

func (c *Coordinator) setTransfer(job models.TransferJob) {
	snap := c.update(func(cur *models.Session) {
		for i := range cur.Transfers {
			if cur.Transfers[i].DeviceID == job.DeviceID {
				cur.Transfers[i] = job
			}
		}
	})
	if job.Status.Terminal() {
		c.persist(snap)
	}
}

// Abort ends the active session in Error. In-flight commands and transfers
// are cancelled, devices that may be recording get a best-effort stop and
// everything received so far stays on disk.
func (c *Coordinator) Abort(ctx context.Context, reason string) (models.Session, error) {
	c.mu.Lock()
	if c.cur == nil || c.cur.State.Terminal() {
		c.mu.Unlock()
		return models.Session{}, fmt.Errorf("%w: no active session to abort", models.ErrSessionState)
	}
	c.cancel()
	c.mu.Unlock()

	// Any in-flight transition sees the cancelled context and returns.
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.RLock()
	done := c.transfers
	c.mu.RUnlock()
	if done != nil {
		<-done
	}

	c.mu.RLock()
	s := c.cur.Clone()
	c.mu.RUnlock()
	if s.State.Terminal() {
		return models.Session{}, fmt.Errorf("%w: session %s already %s", models.ErrSessionState, s.ID, s.State)
	}

	if s.State == models.SessionRecording || s.State == models.SessionStopping {
		bctx, bcancel := context.WithTimeout(ctx, c.opts.Session.StopTimeout)
		c.broadcast(bctx, s.Devices, func(string) *protocol.Message {
			return &protocol.Message{Type: protocol.TypeStopRecording, SessionID: s.ID}
		})
		bcancel()
	}

	if reason == "" {
		reason = "aborted"
	}
	now := c.clock.Now()
	snap := c.update(func(cur *models.Session) {
		cur.State = models.SessionError
		cur.Error = reason
		if !cur.StartedAt.IsZero() && cur.StoppedAt.IsZero() {
			cur.StoppedAt = now
		}
		cur.CompletedAt = now
		for i := range cur.Transfers {
			if !cur.Transfers[i].Status.Terminal() {
				cur.Transfers[i].Status = models.TransferFailed
				cur.Transfers[i].Error = "session aborted"
			}
		}
	})
	c.persist(snap)
	c.log.Error().Str("session_id", s.ID).Str("reason", reason).Str("was", string(s.State)).Msg("session aborted")
	c.publishState(snap, s.State)
	return snap, nil
}

// Rejoin handles a device that comes back while its session is running. A
// device still part of a recording is told to resume; one that returns
// after the stop is told to stop. Each connection epoch rejoins once.
func (c *Coordinator) Rejoin(deviceID, sessionID string) {
	d, err := c.reg.Get(deviceID)
	if err != nil {
		return
	}

	c.mu.Lock()
	if c.cur == nil || !slices.Contains(c.cur.Devices, deviceID) || (sessionID != "" && sessionID != c.cur.ID) {
		c.mu.Unlock()
		return
	}
	state := c.cur.State
	if state != models.SessionRecording && state != models.SessionStopping && state != models.SessionTransferring {
		c.mu.Unlock()
		return
	}
	if c.rejoined[deviceID] == d.Epoch {
		c.mu.Unlock()
		return
	}
	c.rejoined[deviceID] = d.Epoch
	s := c.cur.Clone()
	sctx := c.ctx
	c.mu.Unlock()

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ctx, cancel := context.WithTimeout(sctx, c.opts.Session.AckTimeout)
		defer cancel()

		msg := &protocol.Message{Type: protocol.TypeStopRecording, SessionID: s.ID}
		if state == models.SessionRecording {
			msg = &protocol.Message{Type: protocol.TypeStartRecording, SessionID: s.ID, TargetStart: s.TargetStart.UnixNano()}
			if d.Offset != nil {
				msg.TargetStartLocal = d.Offset.ToLocal(s.TargetStart).UnixNano()
			}
		}
		_, err := c.cmd.Request(ctx, deviceID, msg)
		if err != nil {
			c.log.Warn().Err(err).Str("session_id", s.ID).Str("device_id", deviceID).Msg("rejoin command failed")
			return
		}
		c.log.Info().Str("session_id", s.ID).Str("device_id", deviceID).Str("command", string(msg.Type)).Msg("device rejoined session")
		c.publish(events.Event{
			Type:      events.SessionRejoined,
			Severity:  events.SeverityInfo,
			DeviceID:  deviceID,
			SessionID: s.ID,
			Message:   fmt.Sprintf("Device %s rejoined session %s", deviceID, s.ID),
			Metadata:  map[string]string{"command": string(msg.Type)},
		})
	}()
}

func (c *Coordinator) onReconnect(e events.Event) {
	c.Rejoin(e.DeviceID, "")
}

// onDeviceState watches the session's devices: losing all of them ends the
// session, and losing sync quality on all of them applies the sync-loss
// policy.
func (c *Coordinator) onDeviceState(e events.Event) {
	c.mu.RLock()
	if c.cur == nil || c.cur.State != models.SessionRecording || !slices.Contains(c.cur.Devices, e.DeviceID) {
		c.mu.RUnlock()
		return
	}
	s := c.cur.Clone()
	c.mu.RUnlock()

	var failed, unsynced int
	for _, id := range s.Devices {
		d, err := c.reg.Get(id)
		if err != nil || d.State == models.StateFailed {
			failed++
			continue
		}
		if d.State != models.StateHealthy {
			unsynced++
		}
	}

	if failed == len(s.Devices) {
		c.bg.Add(1)
		go c.abortSession(s.ID, "all session devices lost")
		return
	}

	lost := failed+unsynced == len(s.Devices)
	c.mu.Lock()
	changed := lost != c.syncLost
	c.syncLost = lost
	c.mu.Unlock()
	if !changed || !lost {
		return
	}

	c.log.Warn().Str("session_id", s.ID).Str("policy", string(c.opts.Session.SyncLossPolicy)).Msg("clock sync lost on every session device")
	c.publish(events.Event{
		Type:      events.SessionSyncLoss,
		Severity:  events.SeverityWarning,
		SessionID: s.ID,
		Message:   "no session device currently has a usable clock offset",
		Metadata:  map[string]string{"policy": string(c.opts.Session.SyncLossPolicy)},
	})
	if c.opts.Session.SyncLossPolicy == models.SyncLossAbort {
		c.bg.Add(1)
		go c.abortSession(s.ID, "clock sync lost on all session devices")
	}
}

// abortSession aborts id if it is still the current session. It runs
// outside the event handler since Abort waits for the transfer workers.
func (c *Coordinator) abortSession(id, reason string) {
	defer c.bg.Done()
	c.mu.RLock()
	same := c.cur != nil && c.cur.ID == id
	c.mu.RUnlock()
	if !same {
		return
	}
	if _, err := c.Abort(context.Background(), reason); err != nil {
		c.log.Debug().Err(err).Str("session_id", id).Msg("automatic abort skipped")
	}
}

// update applies fn to the current session under the write lock and
// returns a snapshot.
func (c *Coordinator) update(fn func(*models.Session)) models.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.cur)
	return c.cur.Clone()
}

func (c *Coordinator) persist(s models.Session) {
	if err := writeMetadata(s); err != nil {
		c.log.Error().Err(err).Str("session_id", s.ID).Msg("write session metadata")
	}
}

func (c *Coordinator) publishState(s models.Session, from models.SessionState) {
	sev := events.SeverityInfo
	if s.State == models.SessionError {
		sev = events.SeverityCritical
	} else if s.State == models.SessionComplete && len(s.Missing) > 0 {
		sev = events.SeverityWarning
	}
	msg := fmt.Sprintf("Session %s %s", s.ID, s.State)
	if s.Error != "" {
		msg += ": " + s.Error
	}
	c.publish(events.Event{
		Type:      events.SessionState,
		Severity:  sev,
		SessionID: s.ID,
		Message:   msg,
		Metadata:  map[string]string{"from": string(from), "to": string(s.State)},
		Payload:   s,
	})
}

func (c *Coordinator) publish(e events.Event) {
	if c.bus != nil {
		c.bus.Publish(e)
	}
}
