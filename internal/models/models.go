package models

import (
	"slices"
	"time"
)

// ConnectionState is the connection/health state of a spoke as seen by the hub.
type ConnectionState string

const (
	StateDiscovered   ConnectionState = "discovered"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateHealthy      ConnectionState = "healthy"
	StateWarning      ConnectionState = "warning"
	StateReconnecting ConnectionState = "reconnecting"
	StateOffline      ConnectionState = "offline"
	StateFailed       ConnectionState = "failed"
)

// Live reports whether the device has an established control connection.
func (s ConnectionState) Live() bool {
	switch s {
	case StateConnected, StateHealthy, StateWarning:
		return true
	}
	return false
}

// ClockOffset is the current best estimate of (spoke clock - hub clock).
type ClockOffset struct {
	Offset    time.Duration `json:"offset_ns"`
	Spread    time.Duration `json:"spread_ns"`
	Delay     time.Duration `json:"delay_ns"`
	Samples   int           `json:"samples"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// ToHub converts a spoke-local timestamp to hub time.
func (o ClockOffset) ToHub(local time.Time) time.Time {
	return local.Add(-o.Offset)
}

// ToLocal converts a hub timestamp to the spoke's local clock.
func (o ClockOffset) ToLocal(hub time.Time) time.Time {
	return hub.Add(o.Offset)
}

// Health is the liveness payload a spoke attaches to each heartbeat.
type Health struct {
	Battery     float64 `json:"battery,omitempty"`
	FreeStorage int64   `json:"free_storage,omitempty"`
	Recording   bool    `json:"recording"`
}

// Device is one registered spoke. Values handed out by the registry are
// copies; mutate through registry operations only.
type Device struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Capabilities      []string        `json:"capabilities"`
	Address           string          `json:"address,omitempty"`
	State             ConnectionState `json:"state"`
	Offset            *ClockOffset    `json:"offset,omitempty"`
	MissedHeartbeats  int             `json:"missed_heartbeats"`
	ReconnectAttempts int             `json:"reconnect_attempts"`
	LastHeartbeat     time.Time       `json:"last_heartbeat"`
	Health            Health          `json:"health"`
	Epoch             uint64          `json:"epoch"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Clone returns a deep copy of d.
func (d Device) Clone() Device {
	out := d
	out.Capabilities = slices.Clone(d.Capabilities)
	if d.Offset != nil {
		o := *d.Offset
		out.Offset = &o
	}
	return out
}

// HasCapability reports whether the device advertised capability c.
func (d Device) HasCapability(c string) bool {
	return slices.Contains(d.Capabilities, c)
}

// DeviceInfo is what a spoke announces about itself.
type DeviceInfo struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	Address      string   `json:"address,omitempty"`
}
