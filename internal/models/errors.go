package models

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every component.
var (
	ErrTransport          = errors.New("transport error")
	ErrProtocol           = errors.New("protocol error")
	ErrSyncDrift          = errors.New("clock offset uncertainty exceeds bound")
	ErrDeviceUnavailable  = errors.New("device unavailable")
	ErrSessionState       = errors.New("operation invalid for session state")
	ErrTransferIntegrity  = errors.New("transfer integrity check failed")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrInvalidTransition  = errors.New("invalid connection state transition")
	ErrSessionConflict    = fmt.Errorf("%w: a session is already active", ErrSessionState)
	ErrNoHealthyDevices   = fmt.Errorf("%w: not enough healthy devices", ErrSessionState)
	ErrNoAcknowledgements = errors.New("no device acknowledged the command")
)

// DeviceError is a fault scoped to one device. errors.Is matches both the
// taxonomy kind and the underlying cause.
type DeviceError struct {
	DeviceID string
	Kind     error
	Err      error
}

// NewDeviceError wraps err as a device-scoped fault of the given kind.
func NewDeviceError(deviceID string, kind, err error) *DeviceError {
	return &DeviceError{DeviceID: deviceID, Kind: kind, Err: err}
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("device %s: %v", e.DeviceID, e.Kind)
	}
	return fmt.Sprintf("device %s: %v: %v", e.DeviceID, e.Kind, e.Err)
}

func (e *DeviceError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
