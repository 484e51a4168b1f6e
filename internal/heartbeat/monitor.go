// Package heartbeat tracks spoke liveness. It owns the health transitions
// (Warning, Offline, promotion to Healthy) and drives reconnection.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"spokehub/internal/events"
	"spokehub/internal/models"
	"spokehub/internal/registry"
)

var errNoChange = errors.New("no change")

// Redialer re-establishes the control connection to a device. A nil return
// means the connection is up and MarkConnected has already been called.
type Redialer interface {
	Redial(ctx context.Context, deviceID, address string) error
}

// Backoff returns the wait before reconnection attempt n (1-based): n times
// base, capped at max.
func Backoff(n int, base, max time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := time.Duration(n) * base
	if max > 0 && d > max {
		return max
	}
	return d
}

// Monitor checks heartbeat freshness on a fixed period and reacts to
// heartbeats, offset updates and connection loss.
type Monitor struct {
	reg       *registry.Registry
	bus       *events.Bus
	dialer    Redialer
	hb        models.HeartbeatConfig
	rc        models.ReconnectConfig
	maxSpread time.Duration
	clock     clock.WithTicker
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	running      bool
	unsubscribe  func()
	reconnecting map[string]context.CancelFunc
}

// NewMonitor creates a heartbeat monitor. maxSpread is the largest clock
// offset spread a Healthy device may have; zero disables the check.
func NewMonitor(reg *registry.Registry, bus *events.Bus, hb models.HeartbeatConfig, rc models.ReconnectConfig,
	maxSpread time.Duration, clk clock.WithTicker, log zerolog.Logger) *Monitor {
	if hb.MissThreshold <= 0 {
		hb.MissThreshold = 3
	}
	if hb.CheckPeriod <= 0 || hb.CheckPeriod > hb.Interval {
		hb.CheckPeriod = hb.Interval / 3
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		reg:          reg,
		bus:          bus,
		hb:           hb,
		rc:           rc,
		maxSpread:    maxSpread,
		clock:        clk,
		log:          log,
		ctx:          ctx,
		cancel:       cancel,
		reconnecting: make(map[string]context.CancelFunc),
	}
}

// SetRedialer wires the transport used for reconnection attempts.
func (m *Monitor) SetRedialer(d Redialer) {
	m.mu.Lock()
	m.dialer = d
	m.mu.Unlock()
}

// Start begins the periodic check loop and follows offset updates.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	if m.bus != nil {
		m.unsubscribe = m.bus.Subscribe(func(e events.Event) { m.Evaluate(e.DeviceID) }, events.DeviceOffset)
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop()
	m.log.Info().
		Dur("interval", m.hb.Interval).
		Int("miss_threshold", m.hb.MissThreshold).
		Dur("check_period", m.hb.CheckPeriod).
		Msg("heartbeat monitor started")
}

// Stop halts the check loop and any reconnection attempts.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	m.running = false
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.log.Info().Msg("heartbeat monitor stopped")
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	ticker := m.clock.NewTicker(m.hb.CheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C():
			m.check()
		}
	}
}

// check updates missed-heartbeat counts for live devices and demotes the
// ones that fell behind.
func (m *Monitor) check() {
	now := m.clock.Now()
	for _, d := range m.reg.List() {
		if !d.State.Live() || d.LastHeartbeat.IsZero() {
			continue
		}

		var from, to models.ConnectionState
		var missed int
		err := m.reg.Update(d.ID, func(dev *models.Device) error {
			if !dev.State.Live() {
				return errNoChange
			}
			elapsed := now.Sub(dev.LastHeartbeat)
			missed = int(elapsed / m.hb.Interval)
			from = dev.State
			switch {
			case missed >= m.hb.MissThreshold:
				dev.State = models.StateOffline
			case missed >= 1 && elapsed > m.hb.Interval+m.hb.CheckPeriod && dev.State == models.StateHealthy:
				// A beat that is late by less than one check period is jitter.
				dev.State = models.StateWarning
			}
			if missed == dev.MissedHeartbeats && dev.State == from {
				return errNoChange
			}
			dev.MissedHeartbeats = missed
			to = dev.State
			return nil
		})
		if err != nil {
			if !errors.Is(err, errNoChange) && !errors.Is(err, models.ErrDeviceNotFound) {
				m.log.Error().Err(err).Str("device_id", d.ID).Msg("heartbeat check failed")
			}
			continue
		}

		if to == models.StateWarning && from != to {
			m.log.Warn().Str("device_id", d.ID).Int("missed", missed).Msg("device missed heartbeats")
		}
		if to == models.StateOffline && from != to {
			m.unavailable(d.ID, fmt.Errorf("missed %d heartbeats", missed))
		}
	}
}

// RecordHeartbeat stores a heartbeat. A heartbeat from a device the monitor
// had given up on counts as a successful reconnection.
func (m *Monitor) RecordHeartbeat(id string, health models.Health) error {
	if err := m.reg.RecordHeartbeat(id, health); err != nil {
		return err
	}
	d, err := m.reg.Get(id)
	if err != nil {
		return err
	}
	switch d.State {
	case models.StateOffline, models.StateReconnecting, models.StateFailed:
		m.log.Info().Str("device_id", id).Str("state", string(d.State)).Msg("heartbeat resumed")
		_, err := m.MarkConnected(id)
		return err
	}
	m.Evaluate(id)
	return nil
}

// Evaluate promotes a device to Healthy when its heartbeat is fresh and its
// clock offset is good enough, and withholds Healthy when the offset is not.
func (m *Monitor) Evaluate(id string) {
	now := m.clock.Now()
	min := m.reg.MinSamples()
	err := m.reg.Update(id, func(d *models.Device) error {
		switch d.State {
		case models.StateConnected, models.StateWarning, models.StateHealthy:
		default:
			return errNoChange
		}
		fresh := !d.LastHeartbeat.IsZero() && now.Sub(d.LastHeartbeat) < m.hb.Interval
		synced := d.Offset != nil && d.Offset.Samples >= min &&
			(m.maxSpread <= 0 || d.Offset.Spread <= m.maxSpread)

		switch {
		case fresh && synced && d.State != models.StateHealthy:
			d.State = models.StateHealthy
			d.MissedHeartbeats = 0
		case d.State == models.StateHealthy && !synced:
			d.State = models.StateWarning
		default:
			return errNoChange
		}
		return nil
	})
	if err != nil && !errors.Is(err, errNoChange) && !errors.Is(err, models.ErrDeviceNotFound) {
		m.log.Error().Err(err).Str("device_id", id).Msg("health evaluation failed")
	}
}

// ConnectionLost marks a device Offline immediately and starts reconnection.
func (m *Monitor) ConnectionLost(id string, cause error) {
	var was models.ConnectionState
	err := m.reg.Update(id, func(d *models.Device) error {
		if !d.State.Live() {
			return errNoChange
		}
		was = d.State
		d.State = models.StateOffline
		return nil
	})
	if err != nil {
		return
	}
	m.log.Warn().Err(cause).Str("device_id", id).Str("was", string(was)).Msg("connection lost")
	m.unavailable(id, cause)
}

// MarkConnected records a fresh control connection: counters reset, epoch
// incremented, offset cleared. Any reconnection loop for the device stops.
func (m *Monitor) MarkConnected(id string) (models.Device, error) {
	m.mu.Lock()
	if cancel, ok := m.reconnecting[id]; ok {
		cancel()
		delete(m.reconnecting, id)
	}
	m.mu.Unlock()

	now := m.clock.Now()
	var was models.ConnectionState
	var out models.Device
	err := m.reg.Update(id, func(d *models.Device) error {
		was = d.State
		d.State = models.StateConnected
		d.Epoch++
		d.Offset = nil
		d.MissedHeartbeats = 0
		d.ReconnectAttempts = 0
		d.LastHeartbeat = now
		out = d.Clone()
		return nil
	})
	if err != nil {
		return models.Device{}, err
	}

	switch was {
	case models.StateOffline, models.StateReconnecting, models.StateFailed:
		m.log.Info().Str("device_id", id).Uint64("epoch", out.Epoch).Msg("device reconnected")
		m.publish(events.Event{
			Type:     events.DeviceReconnect,
			Severity: events.SeverityInfo,
			DeviceID: id,
			Message:  fmt.Sprintf("Device %s reconnected", id),
			Metadata: map[string]string{"was": string(was)},
			Payload:  out,
		})
	}
	return out, nil
}

// Reconnecting reports whether a reconnection loop is active for id.
func (m *Monitor) Reconnecting(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.reconnecting[id]
	return ok
}

func (m *Monitor) unavailable(id string, cause error) {
	err := models.NewDeviceError(id, models.ErrDeviceUnavailable, cause)
	m.publish(events.Event{
		Type:     events.DeviceUnavailable,
		Severity: events.SeverityWarning,
		DeviceID: id,
		Message:  err.Error(),
	})
	m.startReconnect(id)
}

func (m *Monitor) startReconnect(id string) {
	m.mu.Lock()
	if _, ok := m.reconnecting[id]; ok {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.reconnecting[id] = cancel
	dialer := m.dialer
	m.mu.Unlock()

	m.wg.Add(1)
	go m.reconnect(ctx, id, dialer)
}

func (m *Monitor) reconnect(ctx context.Context, id string, dialer Redialer) {
	defer m.wg.Done()
	defer m.finishReconnect(ctx, id)

	for attempt := 1; attempt <= m.rc.MaxAttempts; attempt++ {
		wait := Backoff(attempt, m.rc.BaseDelay, m.rc.MaxDelay)
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(wait):
		}

		var address string
		err := m.reg.Update(id, func(d *models.Device) error {
			if d.State != models.StateOffline && d.State != models.StateReconnecting {
				return errNoChange
			}
			d.State = models.StateReconnecting
			d.ReconnectAttempts = attempt
			address = d.Address
			return nil
		})
		if err != nil {
			// Recovered on its own or removed.
			return
		}

		m.log.Info().Str("device_id", id).Int("attempt", attempt).Dur("after", wait).Msg("reconnection attempt")
		if dialer == nil || address == "" {
			continue
		}
		if err := dialer.Redial(ctx, id, address); err != nil {
			m.log.Warn().Err(err).Str("device_id", id).Int("attempt", attempt).Msg("reconnection attempt failed")
			continue
		}
		return
	}

	if ctx.Err() != nil {
		return
	}
	err := m.reg.Update(id, func(d *models.Device) error {
		if d.State.Live() {
			return errNoChange
		}
		d.State = models.StateFailed
		return nil
	})
	if err != nil {
		return
	}
	m.log.Error().Str("device_id", id).Int("attempts", m.rc.MaxAttempts).Msg("reconnection abandoned")
	m.publish(events.Event{
		Type:     events.DeviceUnavailable,
		Severity: events.SeverityCritical,
		DeviceID: id,
		Message:  fmt.Sprintf("Device %s failed after %d reconnection attempts", id, m.rc.MaxAttempts),
		Metadata: map[string]string{"state": string(models.StateFailed)},
	})
}

func (m *Monitor) finishReconnect(ctx context.Context, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.reconnecting[id]; ok && ctx.Err() == nil {
		cancel()
		delete(m.reconnecting, id)
	}
}

func (m *Monitor) publish(e events.Event) {
	if m.bus != nil {
		m.bus.Publish(e)
	}
}
