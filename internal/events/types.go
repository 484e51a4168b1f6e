package events

import "time"

// EventType identifies the kind of event being published.
type EventType string

const (
	// Device events
	DeviceState       EventType = "device.state"
	DeviceOffset      EventType = "device.offset"
	DeviceSyncDrift   EventType = "device.sync_drift"
	DeviceUnavailable EventType = "device.unavailable"
	DeviceReconnect   EventType = "device.reconnect"
	DeviceFault       EventType = "device.fault"

	// Session events
	SessionState    EventType = "session.state"
	SessionPartial  EventType = "session.partial_start"
	SessionFlash    EventType = "session.flash_sync"
	SessionRejoined EventType = "session.rejoin"
	SessionSyncLoss EventType = "session.sync_loss"

	// Transfer events
	TransferProgress EventType = "transfer.progress"
	TransferFailed   EventType = "transfer.failed"
	TransferVerified EventType = "transfer.verified"
)

// Severity indicates the urgency of an event.
type Severity int

const (
	SeverityInfo     Severity = 0
	SeverityWarning  Severity = 1
	SeverityCritical Severity = 2
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText renders the severity by name in JSON.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Event is the payload published through the bus. Payload carries the typed
// state behind the event (a models.Device snapshot, a session snapshot,
// transfer progress) for subscribers that want more than Metadata.
type Event struct {
	Type      EventType         `json:"type"`
	Severity  Severity          `json:"severity"`
	DeviceID  string            `json:"device_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Payload   any               `json:"payload,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// TransferProgressPayload is attached to TransferProgress events.
type TransferProgressPayload struct {
	DeviceID string `json:"device_id"`
	Received int64  `json:"received_bytes"`
	Expected int64  `json:"expected_bytes"`
	Attempt  int    `json:"attempt"`
}
