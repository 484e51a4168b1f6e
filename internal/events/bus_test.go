package events

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus() *Bus {
	return NewBus(zerolog.Nop())
}

func TestPublishCallsMatchingSubscriber(t *testing.T) {
	bus := newTestBus()
	var called atomic.Bool

	bus.Subscribe(func(e Event) {
		assert.Equal(t, DeviceState, e.Type)
		called.Store(true)
	}, DeviceState)

	bus.Publish(Event{Type: DeviceState, DeviceID: "cam-1", Message: "test"})

	assert.True(t, called.Load(), "subscriber was not called")
}

func TestSubscriberIgnoresUnmatchedTypes(t *testing.T) {
	bus := newTestBus()
	var called atomic.Bool

	bus.Subscribe(func(e Event) { called.Store(true) }, DeviceState)
	bus.Publish(Event{Type: TransferProgress, Message: "progress"})

	assert.False(t, called.Load())
}

func TestWildcardSubscriberReceivesAll(t *testing.T) {
	bus := newTestBus()
	var count atomic.Int32

	bus.Subscribe(func(e Event) { count.Add(1) })

	bus.Publish(Event{Type: DeviceState})
	bus.Publish(Event{Type: SessionState})
	bus.Publish(Event{Type: TransferFailed})

	assert.EqualValues(t, 3, count.Load())
}

func TestPublishSetsTimestamp(t *testing.T) {
	bus := newTestBus()
	var got time.Time
	bus.Subscribe(func(e Event) { got = e.Timestamp })

	bus.Publish(Event{Type: DeviceOffset})

	assert.False(t, got.IsZero())
}

func TestPublishPreservesExplicitTimestamp(t *testing.T) {
	bus := newTestBus()
	explicit := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var got time.Time
	bus.Subscribe(func(e Event) { got = e.Timestamp })

	bus.Publish(Event{Type: DeviceOffset, Timestamp: explicit})

	assert.Equal(t, explicit, got)
}

func TestPanickingSubscriberDoesNotBreakOthers(t *testing.T) {
	bus := newTestBus()
	var called atomic.Bool

	bus.Subscribe(func(e Event) { panic("boom") })
	bus.Subscribe(func(e Event) { called.Store(true) })

	require.NotPanics(t, func() { bus.Publish(Event{Type: SessionState}) })
	assert.True(t, called.Load())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := newTestBus()
	var count atomic.Int32

	unsubscribe := bus.Subscribe(func(e Event) { count.Add(1) })
	bus.Publish(Event{Type: DeviceState})
	unsubscribe()
	bus.Publish(Event{Type: DeviceState})

	assert.EqualValues(t, 1, count.Load())
}

func TestSubscribeChanDeliversAndCloses(t *testing.T) {
	bus := newTestBus()
	ch, cancel := bus.SubscribeChan(4, SessionState)

	bus.Publish(Event{Type: DeviceState})
	bus.Publish(Event{Type: SessionState, SessionID: "s1"})

	select {
	case e := <-ch:
		assert.Equal(t, "s1", e.SessionID)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after cancel")

	assert.NotPanics(t, func() { bus.Publish(Event{Type: SessionState}) })
}

func TestSubscribeChanDropsWhenFull(t *testing.T) {
	bus := newTestBus()
	ch, cancel := bus.SubscribeChan(1)
	defer cancel()

	bus.Publish(Event{Type: DeviceState, Message: "first"})
	bus.Publish(Event{Type: DeviceState, Message: "second"})

	e := <-ch
	assert.Equal(t, "first", e.Message)
	assert.Empty(t, ch)
}

func TestConcurrentPublish(t *testing.T) {
	bus := newTestBus()
	var count atomic.Int32
	bus.Subscribe(func(e Event) { count.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(Event{Type: DeviceState})
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 50, count.Load())
}

func TestSeverityMarshalText(t *testing.T) {
	b, err := SeverityCritical.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "critical", string(b))
	assert.Equal(t, "unknown", Severity(9).String())
}
