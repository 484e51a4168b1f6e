// Package registry is the single owner of device records. Every other
// component reads value snapshots and writes through the mutators here, which
// enforce the Healthy invariant and publish state and offset changes.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"spokehub/internal/events"
	"spokehub/internal/models"
)

// ErrStaleEpoch is returned when a clock-sync result belongs to a previous
// connection of the device and is discarded.
var ErrStaleEpoch = errors.New("offset belongs to a previous connection")

type record struct {
	mu  sync.Mutex
	dev models.Device
}

// Registry is an in-memory arena keyed by device id.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*record

	minSamples int
	bus        events.Publisher
	clock      clock.PassiveClock
	log        zerolog.Logger
}

// New creates a registry. minSamples is the number of clock-sync samples an
// offset needs before its device may be Healthy.
func New(minSamples int, bus events.Publisher, clk clock.PassiveClock, log zerolog.Logger) *Registry {
	if minSamples < 1 {
		minSamples = 1
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Registry{
		records:    make(map[string]*record),
		minSamples: minSamples,
		bus:        bus,
		clock:      clk,
		log:        log,
	}
}

// MinSamples is the sample count the Healthy invariant requires.
func (r *Registry) MinSamples() int { return r.minSamples }

// Register adds a device in Discovered state, or refreshes the identity
// fields of a known one without touching its connection state.
func (r *Registry) Register(info models.DeviceInfo) (models.Device, error) {
	if info.ID == "" {
		return models.Device{}, fmt.Errorf("%w: device id is empty", models.ErrProtocol)
	}

	r.mu.Lock()
	rec, ok := r.records[info.ID]
	if !ok {
		rec = &record{dev: models.Device{
			ID:    info.ID,
			State: models.StateDiscovered,
		}}
		r.records[info.ID] = rec
	}
	r.mu.Unlock()

	var created models.Device
	err := r.Update(info.ID, func(d *models.Device) error {
		if info.Name != "" {
			d.Name = info.Name
		}
		if len(info.Capabilities) > 0 {
			d.Capabilities = append([]string(nil), info.Capabilities...)
		}
		if info.Address != "" {
			d.Address = info.Address
		}
		created = d.Clone()
		return nil
	})
	if err != nil {
		return models.Device{}, err
	}
	if !ok {
		r.log.Info().Str("device_id", info.ID).Str("name", created.Name).Msg("device registered")
		r.publish(events.Event{
			Type:     events.DeviceState,
			Severity: events.SeverityInfo,
			DeviceID: info.ID,
			Message:  fmt.Sprintf("Device %s discovered", info.ID),
			Metadata: map[string]string{"to": string(models.StateDiscovered)},
			Payload:  created,
		})
	}
	return created, nil
}

// Get returns a snapshot of one device.
func (r *Registry) Get(id string) (models.Device, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return models.Device{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.dev.Clone(), nil
}

// List returns snapshots of all devices ordered by id.
func (r *Registry) List() []models.Device {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	out := make([]models.Device, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, rec.dev.Clone())
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Healthy returns snapshots of devices currently in Healthy state.
func (r *Registry) Healthy() []models.Device {
	var out []models.Device
	for _, d := range r.List() {
		if d.State == models.StateHealthy {
			out = append(out, d)
		}
	}
	return out
}

// Remove drops a device from the arena.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return fmt.Errorf("%w: %s", models.ErrDeviceNotFound, id)
	}
	delete(r.records, id)
	return nil
}

// UpdateState moves a device to state and returns the previous state.
func (r *Registry) UpdateState(id string, state models.ConnectionState) (models.ConnectionState, error) {
	var prev models.ConnectionState
	err := r.Update(id, func(d *models.Device) error {
		prev = d.State
		d.State = state
		return nil
	})
	return prev, err
}

// UpdateOffset stores a new clock estimate if epoch still matches the
// device's current connection.
func (r *Registry) UpdateOffset(id string, epoch uint64, off models.ClockOffset) error {
	return r.Update(id, func(d *models.Device) error {
		if d.Epoch != epoch {
			return ErrStaleEpoch
		}
		o := off
		d.Offset = &o
		return nil
	})
}

// ClearOffset forgets the clock estimate. A Healthy device drops back to
// Connected since it no longer satisfies the invariant.
func (r *Registry) ClearOffset(id string) error {
	return r.Update(id, func(d *models.Device) error {
		d.Offset = nil
		if d.State == models.StateHealthy {
			d.State = models.StateConnected
		}
		return nil
	})
}

// RecordHeartbeat stamps a heartbeat and resets the missed counter.
func (r *Registry) RecordHeartbeat(id string, health models.Health) error {
	now := r.clock.Now()
	return r.Update(id, func(d *models.Device) error {
		d.LastHeartbeat = now
		d.MissedHeartbeats = 0
		d.Health = health
		return nil
	})
}

// UpdateCounters sets the missed-heartbeat and reconnect-attempt counters.
func (r *Registry) UpdateCounters(id string, missed, attempts int) error {
	return r.Update(id, func(d *models.Device) error {
		d.MissedHeartbeats = missed
		d.ReconnectAttempts = attempts
		return nil
	})
}

// Update applies fn to the device atomically. If fn fails, or leaves the
// device Healthy without a sufficient offset, the record is left unchanged.
// State and offset changes are published after the record is unlocked.
func (r *Registry) Update(id string, fn func(*models.Device) error) error {
	rec, err := r.lookup(id)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	before := rec.dev.Clone()
	work := rec.dev.Clone()
	if err := fn(&work); err != nil {
		rec.mu.Unlock()
		return err
	}
	work.ID = before.ID
	if err := r.checkInvariant(&work); err != nil {
		rec.mu.Unlock()
		return err
	}
	stateChanged := work.State != before.State
	offsetChanged := !sameOffset(before.Offset, work.Offset)
	if stateChanged || offsetChanged {
		work.UpdatedAt = r.clock.Now()
	}
	rec.dev = work
	after := work.Clone()
	rec.mu.Unlock()

	if stateChanged {
		r.log.Info().
			Str("device_id", id).
			Str("from", string(before.State)).
			Str("to", string(after.State)).
			Msg("device state changed")
		r.publish(events.Event{
			Type:     events.DeviceState,
			Severity: stateSeverity(after.State),
			DeviceID: id,
			Message:  fmt.Sprintf("Device %s is %s", id, after.State),
			Metadata: map[string]string{"from": string(before.State), "to": string(after.State)},
			Payload:  after,
		})
	}
	if offsetChanged && after.Offset != nil {
		r.publish(events.Event{
			Type:     events.DeviceOffset,
			Severity: events.SeverityInfo,
			DeviceID: id,
			Message:  fmt.Sprintf("Device %s offset %s ±%s", id, after.Offset.Offset, after.Offset.Spread),
			Payload:  *after.Offset,
		})
	}
	return nil
}

func (r *Registry) checkInvariant(d *models.Device) error {
	if d.State != models.StateHealthy {
		return nil
	}
	if d.Offset == nil {
		return fmt.Errorf("%w: %s cannot be healthy without a clock offset", models.ErrInvalidTransition, d.ID)
	}
	if d.Offset.Samples < r.minSamples {
		return fmt.Errorf("%w: %s has %d of %d clock samples", models.ErrInvalidTransition, d.ID, d.Offset.Samples, r.minSamples)
	}
	return nil
}

func (r *Registry) lookup(id string) (*record, error) {
	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrDeviceNotFound, id)
	}
	return rec, nil
}

func (r *Registry) publish(e events.Event) {
	if r.bus != nil {
		r.bus.Publish(e)
	}
}

func sameOffset(a, b *models.ClockOffset) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func stateSeverity(s models.ConnectionState) events.Severity {
	switch s {
	case models.StateFailed:
		return events.SeverityCritical
	case models.StateWarning, models.StateOffline, models.StateReconnecting:
		return events.SeverityWarning
	default:
		return events.SeverityInfo
	}
}
