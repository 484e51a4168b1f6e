package store

import (
	"context"
	"sync"
	"time"

	"spokehub/internal/events"
	"spokehub/internal/models"
)

// Recorder follows the event bus and mirrors session snapshots and device
// states into the catalogue. Writes happen on its own goroutine so
// publishers never wait on the database.
type Recorder struct {
	store *Store
	bus   *events.Bus

	cancel func()
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRecorder creates a recorder for bus.
func NewRecorder(s *Store, bus *events.Bus) *Recorder {
	return &Recorder{store: s, bus: bus, stopCh: make(chan struct{})}
}

// Start subscribes and begins writing.
func (r *Recorder) Start() {
	ch, cancel := r.bus.SubscribeChan(256, events.SessionState, events.DeviceState)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case e, ok := <-ch:
				if !ok {
					return
				}
				r.handle(e)
			case <-r.stopCh:
				// Drain what was already queued.
				for {
					select {
					case e, ok := <-ch:
						if !ok {
							return
						}
						r.handle(e)
					default:
						return
					}
				}
			}
		}
	}()
}

// Stop flushes queued events and waits for the writer.
func (r *Recorder) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Recorder) handle(e events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch p := e.Payload.(type) {
	case models.Session:
		if err := r.store.SaveSession(ctx, p); err != nil {
			r.store.log.Error().Err(err).Str("session_id", p.ID).Msg("record session")
		}
	case models.Device:
		if err := r.store.SaveDevice(ctx, p); err != nil {
			r.store.log.Error().Err(err).Str("device_id", p.ID).Msg("record device")
		}
	}
}
