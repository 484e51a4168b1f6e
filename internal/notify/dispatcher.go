// Package notify forwards operator-relevant hub events (failed devices,
// failed transfers, aborted sessions) to Shoutrrr destinations.
package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"spokehub/internal/events"
	"spokehub/internal/models"
)

// Sender abstracts message dispatch so the dispatcher can be tested
// without hitting real services.
type Sender interface {
	Send(url, message string) error
}

// ShoutrrrSender dispatches via the Shoutrrr library.
type ShoutrrrSender struct{}

func (ShoutrrrSender) Send(url, message string) error {
	return shoutrrr.Send(url, message)
}

// alerting lists the warning-level events worth a notification; every
// critical event is sent.
var alerting = map[events.EventType]bool{
	events.SessionPartial:  true,
	events.SessionSyncLoss: true,
	events.DeviceSyncDrift: true,
}

// Dispatcher subscribes to the event bus, applies a per-subject cooldown and
// sends to every configured URL.
type Dispatcher struct {
	urls     []string
	cooldown time.Duration
	bus      *events.Bus
	sender   Sender
	clock    clock.PassiveClock
	log      zerolog.Logger

	// cooldowns tracks the last dispatch per (event type, device, session).
	mu        sync.Mutex
	cooldowns map[string]time.Time

	cancel func()
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher for cfg. A nil sender uses Shoutrrr.
func NewDispatcher(cfg models.NotifyConfig, bus *events.Bus, sender Sender, clk clock.PassiveClock, log zerolog.Logger) *Dispatcher {
	if sender == nil {
		sender = ShoutrrrSender{}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Dispatcher{
		urls:      cfg.URLs,
		cooldown:  cfg.Cooldown,
		bus:       bus,
		sender:    sender,
		clock:     clk,
		log:       log,
		cooldowns: make(map[string]time.Time),
		stopCh:    make(chan struct{}),
	}
}

// Start subscribes to all events and begins dispatching. Without URLs it
// does nothing.
func (d *Dispatcher) Start() {
	if len(d.urls) == 0 {
		d.log.Debug().Msg("no notification urls configured")
		return
	}
	ch, cancel := d.bus.SubscribeChan(256)
	d.cancel = cancel

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case e, ok := <-ch:
				if !ok {
					return
				}
				d.handle(e)
			case <-d.stopCh:
				// Drain remaining events
				for {
					select {
					case e, ok := <-ch:
						if !ok {
							return
						}
						d.handle(e)
					default:
						return
					}
				}
			}
		}
	}()
	d.log.Info().Int("destinations", len(d.urls)).Dur("cooldown", d.cooldown).Msg("notifications enabled")
}

// Stop signals the dispatcher goroutine to finish and waits for it.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Dispatcher) handle(e events.Event) {
	if !Alerting(e) || !d.cooledDown(e) {
		return
	}
	msg := formatMessage(e)
	for _, url := range d.urls {
		if err := d.sender.Send(url, msg); err != nil {
			d.log.Warn().Err(err).Str("event", string(e.Type)).Msg("notification send failed")
		}
	}
}

// Alerting reports whether e warrants an operator notification.
func Alerting(e events.Event) bool {
	return e.Severity == events.SeverityCritical || (e.Severity == events.SeverityWarning && alerting[e.Type])
}

func (d *Dispatcher) cooledDown(e events.Event) bool {
	if d.cooldown <= 0 {
		return true
	}
	key := fmt.Sprintf("%s:%s:%s", e.Type, e.DeviceID, e.SessionID)
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.cooldowns[key]; ok && now.Sub(last) < d.cooldown {
		return false
	}
	d.cooldowns[key] = now
	return true
}

// formatMessage builds a human-readable notification string.
func formatMessage(e events.Event) string {
	msg := fmt.Sprintf("[%s] %s", e.Severity, e.Message)
	switch {
	case e.DeviceID != "" && e.SessionID != "":
		msg = fmt.Sprintf("[%s] [%s/%s] %s", e.Severity, e.SessionID, e.DeviceID, e.Message)
	case e.DeviceID != "":
		msg = fmt.Sprintf("[%s] [%s] %s", e.Severity, e.DeviceID, e.Message)
	case e.SessionID != "":
		msg = fmt.Sprintf("[%s] [%s] %s", e.Severity, e.SessionID, e.Message)
	}
	return msg
}
