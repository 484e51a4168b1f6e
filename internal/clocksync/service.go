package clocksync

import (
	"context"
	"errors"
	"fmt"
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
)

// Requester sends a control message to a device and waits for its reply.
type Requester interface {
	Request(ctx context.Context, deviceID string, msg *protocol.Message) (*protocol.Message, error)
}

type sampler struct {
	epoch    uint64
	est      *Estimator
	cancel   context.CancelFunc
	done     chan struct{}
	drifting bool
}

// Service runs one sampler goroutine per connected device. Samplers start
// when a device enters a live state with a new connection epoch and stop
// when it leaves one; they keep running for the whole life of a session.
type Service struct {
	cfg   models.SyncConfig
	reg   *registry.Registry
	req   Requester
	bus   *events.Bus
	clock clock.Clock
	log   zerolog.Logger

	mu          sync.Mutex
	ctx         context.Context
	samplers    map[string]*sampler
	unsubscribe func()
}

// New creates a clock sync service.
func New(cfg models.SyncConfig, reg *registry.Registry, req Requester, bus *events.Bus, clk clock.Clock, log zerolog.Logger) *Service {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Service{
		cfg:      cfg,
		reg:      reg,
		req:      req,
		bus:      bus,
		clock:    clk,
		log:      log,
		samplers: make(map[string]*sampler),
	}
}

// Start begins tracking devices. Devices already live are picked up
// immediately; later ones are followed through device.state events.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if s.bus != nil {
		s.unsubscribe = s.bus.Subscribe(s.onDeviceState, events.DeviceState)
	}
	for _, d := range s.reg.List() {
		if d.State.Live() {
			s.Track(d.ID, d.Epoch)
		}
	}
	s.log.Info().Dur("interval", s.cfg.Interval).Int("window", s.cfg.Window).Msg("clock sync started")
}

// Stop halts every sampler and waits for them to exit.
func (s *Service) Stop() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.mu.Lock()
	all := s.samplers
	s.samplers = make(map[string]*sampler)
	s.mu.Unlock()

	for _, sp := range all {
		sp.cancel()
		<-sp.done
	}
	s.log.Info().Msg("clock sync stopped")
}

func (s *Service) onDeviceState(e events.Event) {
	d, ok := e.Payload.(models.Device)
	if !ok {
		return
	}
	if d.State.Live() {
		s.Track(d.ID, d.Epoch)
	} else {
		s.Untrack(d.ID)
	}
}

// Track ensures a sampler runs for the device's current connection epoch. A
// sampler for an older epoch is replaced with a fresh estimator.
func (s *Service) Track(id string, epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return
	}
	if sp, ok := s.samplers[id]; ok {
		if sp.epoch == epoch {
			return
		}
		sp.cancel()
	}

	ctx, cancel := context.WithCancel(s.ctx)
	sp := &sampler{
		epoch:  epoch,
		est:    NewEstimator(s.cfg.Window, s.cfg.OutlierFactor),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.samplers[id] = sp
	go s.run(ctx, id, sp)
	s.log.Debug().Str("device_id", id).Uint64("epoch", epoch).Msg("sampler started")
}

// Untrack stops the device's sampler, if any.
func (s *Service) Untrack(id string) {
	s.mu.Lock()
	sp, ok := s.samplers[id]
	if ok {
		delete(s.samplers, id)
	}
	s.mu.Unlock()
	if ok {
		sp.cancel()
		s.log.Debug().Str("device_id", id).Msg("sampler stopped")
	}
}

// retire removes sp if it is still the device's current sampler.
func (s *Service) retire(id string, sp *sampler) {
	s.mu.Lock()
	if cur, ok := s.samplers[id]; ok && cur == sp {
		delete(s.samplers, id)
	}
	s.mu.Unlock()
	sp.cancel()
}

// Tracking reports whether a sampler is running for id.
func (s *Service) Tracking(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.samplers[id]
	return ok
}

func (s *Service) run(ctx context.Context, id string, sp *sampler) {
	defer close(sp.done)
	for {
		samples, err := s.step(ctx, id, sp)
		if errors.Is(err, registry.ErrStaleEpoch) || errors.Is(err, models.ErrDeviceNotFound) {
			s.retire(id, sp)
			return
		}
		if err != nil && ctx.Err() == nil {
			s.log.Debug().Err(err).Str("device_id", id).Msg("time sync exchange failed")
		}

		wait := s.cfg.Interval
		if samples < s.cfg.MinSamples && s.cfg.BurstInterval > 0 {
			wait = s.cfg.BurstInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(wait):
		}
	}
}

// step performs one exchange and publishes the updated estimate. It returns
// the number of samples backing the current estimate.
func (s *Service) step(ctx context.Context, id string, sp *sampler) (int, error) {
	sample, err := s.Exchange(ctx, id)
	if err != nil {
		off, _ := sp.est.Estimate()
		return off.Samples, err
	}
	sp.est.Add(sample)
	off, ok := sp.est.Estimate()
	if !ok {
		return 0, nil
	}
	if err := s.reg.UpdateOffset(id, sp.epoch, off); err != nil {
		return off.Samples, err
	}
	s.checkDrift(id, sp, off)
	return off.Samples, nil
}

// Exchange performs one four-timestamp round trip with the device.
func (s *Service) Exchange(ctx context.Context, id string) (Sample, error) {
	timeout := s.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t0 := s.clock.Now().UnixNano()
	resp, err := s.req.Request(rctx, id, &protocol.Message{
		Type:     protocol.TypeTimeSyncRequest,
		DeviceID: id,
		T0:       t0,
	})
	t3 := s.clock.Now().UnixNano()
	if err != nil {
		return Sample{}, models.NewDeviceError(id, models.ErrTransport, err)
	}
	if resp.Type != protocol.TypeTimeSyncResponse {
		return Sample{}, models.NewDeviceError(id, models.ErrProtocol,
			fmt.Errorf("expected %s, got %s", protocol.TypeTimeSyncResponse, resp.Type))
	}

	sample := Compute(t0, resp.T1, resp.T2, t3)
	sample.At = time.Unix(0, t3)
	return sample, nil
}

func (s *Service) checkDrift(id string, sp *sampler, off models.ClockOffset) {
	if s.cfg.MaxSpread <= 0 || s.bus == nil {
		return
	}
	drifting := off.Samples >= s.cfg.MinSamples && off.Spread > s.cfg.MaxSpread
	if drifting == sp.drifting {
		return
	}
	sp.drifting = drifting
	if !drifting {
		s.log.Info().Str("device_id", id).Dur("spread", off.Spread).Msg("clock offset back within bound")
		return
	}

	err := models.NewDeviceError(id, models.ErrSyncDrift,
		fmt.Errorf("spread %s exceeds %s", off.Spread, s.cfg.MaxSpread))
	s.log.Warn().Err(err).Str("device_id", id).Msg("clock sync drift")
	s.bus.Publish(events.Event{
		Type:     events.DeviceSyncDrift,
		Severity: events.SeverityWarning,
		DeviceID: id,
		Message:  err.Error(),
		Metadata: map[string]string{"spread": off.Spread.String(), "max_spread": s.cfg.MaxSpread.String()},
		Payload:  off,
	})
}

// Flash triggers a flash sync event on the given devices and validates the
// reported local timestamps against each device's current offset. Devices
// that do not answer within ctx are excluded. An error is returned only when
// no device answered at all.
func (s *Service) Flash(ctx context.Context, sessionID string, deviceIDs []string, tolerance time.Duration) (models.FlashResult, error) {
	eventID := uuid.NewString()
	triggered := s.clock.Now()

	var (
		mu    sync.Mutex
		local = make(map[string]time.Time, len(deviceIDs))
		lost  []string
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range deviceIDs {
		g.Go(func() error {
			resp, err := s.req.Request(gctx, id, &protocol.Message{
				Type:      protocol.TypeFlashSync,
				DeviceID:  id,
				SessionID: sessionID,
				EventID:   eventID,
				Timestamp: triggered.UnixNano(),
			})
			if err == nil && resp.Type != protocol.TypeFlashSyncEvent {
				err = resp.Err()
				if err == nil {
					err = fmt.Errorf("%w: unexpected %s", models.ErrProtocol, resp.Type)
				}
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.log.Warn().Err(err).Str("device_id", id).Str("event_id", eventID).Msg("flash sync not acknowledged")
				lost = append(lost, id)
				return nil
			}
			local[id] = time.Unix(0, resp.LocalTime)
			return nil
		})
	}
	_ = g.Wait()

	offsets := make(map[string]*models.ClockOffset, len(local))
	for id := range local {
		if d, err := s.reg.Get(id); err == nil {
			offsets[id] = d.Offset
		}
	}

	res := Validate(eventID, local, offsets, tolerance)
	res.Triggered = triggered
	res.Excluded = append(res.Excluded, lost...)

	s.log.Info().
		Str("event_id", eventID).
		Dur("spread", res.Spread).
		Bool("passed", res.Passed).
		Strs("excluded", res.Excluded).
		Msg("flash sync validated")

	if len(local) == 0 {
		return res, fmt.Errorf("flash sync %s: %w", eventID, models.ErrNoAcknowledgements)
	}
	return res, nil
}
