// Package protocol defines the control-channel message envelope and the
// length-prefixed framing shared by the hub and its spokes.
package protocol

import (
	"fmt"

	"spokehub/internal/models"
)

// Type names a control message.
type Type string

const (
	TypeAnnounce          Type = "announce"
	TypeAnnounceAck       Type = "announce_ack"
	TypeHeartbeat         Type = "heartbeat"
	TypeHeartbeatAck      Type = "heartbeat_ack"
	TypeTimeSyncRequest   Type = "time_sync_request"
	TypeTimeSyncResponse  Type = "time_sync_response"
	TypeStartRecording    Type = "start_recording"
	TypeStopRecording     Type = "stop_recording"
	TypeCommandAck        Type = "command_ack"
	TypeFlashSync         Type = "flash_sync"
	TypeFlashSyncEvent    Type = "flash_sync_event"
	TypeTransferRequest   Type = "transfer_request"
	TypeTransferStart     Type = "transfer_start"
	TypeTransferChunk     Type = "transfer_chunk"
	TypeTransferComplete  Type = "transfer_complete"
	TypeTransferResult    Type = "transfer_result"
	TypeRejoinSession     Type = "rejoin_session"
	TypeQueryCapabilities Type = "query_capabilities"
	TypeError             Type = "error"
)

var knownTypes = map[Type]struct{}{
	TypeAnnounce: {}, TypeAnnounceAck: {}, TypeHeartbeat: {}, TypeHeartbeatAck: {},
	TypeTimeSyncRequest: {}, TypeTimeSyncResponse: {}, TypeStartRecording: {},
	TypeStopRecording: {}, TypeCommandAck: {}, TypeFlashSync: {}, TypeFlashSyncEvent: {},
	TypeTransferRequest: {}, TypeTransferStart: {}, TypeTransferChunk: {},
	TypeTransferComplete: {}, TypeTransferResult: {}, TypeRejoinSession: {},
	TypeQueryCapabilities: {}, TypeError: {},
}

// Known reports whether t is a message type this protocol version defines.
func (t Type) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// Ack statuses carried in Message.Status.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Health is the device health block carried by heartbeats.
type Health struct {
	Battery     float64 `cbor:"battery"      json:"battery"`
	FreeStorage int64   `cbor:"free_storage" json:"free_storage"`
	Recording   bool    `cbor:"recording"    json:"recording"`
}

// Message is the envelope for every control and transfer frame. Only the
// fields relevant to Type are populated; the rest are omitted on the wire.
// All timestamps are nanoseconds since the Unix epoch on the sender's clock
// unless the field name says otherwise.
type Message struct {
	Type      Type   `cbor:"type"                json:"type"`
	ID        string `cbor:"id,omitempty"        json:"id,omitempty"`
	ReplyTo   string `cbor:"reply_to,omitempty"  json:"reply_to,omitempty"`
	DeviceID  string `cbor:"device_id,omitempty" json:"device_id,omitempty"`
	Timestamp int64  `cbor:"timestamp,omitempty" json:"timestamp,omitempty"`

	// announce
	Name         string   `cbor:"name,omitempty"         json:"name,omitempty"`
	Capabilities []string `cbor:"capabilities,omitempty" json:"capabilities,omitempty"`
	Address      string   `cbor:"address,omitempty"      json:"address,omitempty"`

	// heartbeat
	Health *Health `cbor:"health,omitempty" json:"health,omitempty"`

	// time sync: T0 hub send, T1 spoke receive, T2 spoke send
	T0 int64 `cbor:"t0,omitempty" json:"t0,omitempty"`
	T1 int64 `cbor:"t1,omitempty" json:"t1,omitempty"`
	T2 int64 `cbor:"t2,omitempty" json:"t2,omitempty"`

	// recording commands
	SessionID        string `cbor:"session_id,omitempty"         json:"session_id,omitempty"`
	TargetStart      int64  `cbor:"target_start,omitempty"       json:"target_start,omitempty"`
	TargetStartLocal int64  `cbor:"target_start_local,omitempty" json:"target_start_local,omitempty"`

	// acks and errors
	Status string `cbor:"status,omitempty" json:"status,omitempty"`
	Code   string `cbor:"code,omitempty"   json:"code,omitempty"`
	Error  string `cbor:"error,omitempty"  json:"error,omitempty"`

	// flash sync
	EventID   string `cbor:"event_id,omitempty"   json:"event_id,omitempty"`
	LocalTime int64  `cbor:"local_time,omitempty" json:"local_time,omitempty"`

	// transfer
	Port         int    `cbor:"port,omitempty"          json:"port,omitempty"`
	Token        string `cbor:"token,omitempty"         json:"token,omitempty"`
	Filename     string `cbor:"filename,omitempty"      json:"filename,omitempty"`
	Size         int64  `cbor:"size,omitempty"          json:"size,omitempty"`
	Format       string `cbor:"format,omitempty"        json:"format,omitempty"`
	ChecksumAlgo string `cbor:"checksum_algo,omitempty" json:"checksum_algo,omitempty"`
	Checksum     string `cbor:"checksum,omitempty"      json:"checksum,omitempty"`
	Seq          int64  `cbor:"seq,omitempty"           json:"seq,omitempty"`
	Data         []byte `cbor:"data,omitempty"          json:"data,omitempty"`
}

// Validate rejects envelopes that must not reach a handler.
func (m *Message) Validate() error {
	if m.Type == "" {
		return fmt.Errorf("%w: message has no type", models.ErrProtocol)
	}
	if !m.Type.Known() {
		return fmt.Errorf("%w: unknown message type %q", models.ErrProtocol, m.Type)
	}
	return nil
}

// Reply builds a response addressed to m.
func (m *Message) Reply(t Type) *Message {
	return &Message{Type: t, ReplyTo: m.ID, DeviceID: m.DeviceID, SessionID: m.SessionID}
}

// Ack builds a command_ack for m.
func (m *Message) Ack(status string) *Message {
	r := m.Reply(TypeCommandAck)
	r.Status = status
	return r
}

// Failed reports whether the message is an error reply or a non-ok ack.
func (m *Message) Failed() bool {
	if m.Type == TypeError {
		return true
	}
	return m.Status != "" && m.Status != StatusOK
}

// Err converts a failed reply into an error.
func (m *Message) Err() error {
	if !m.Failed() {
		return nil
	}
	msg := m.Error
	if msg == "" {
		msg = m.Status
	}
	if m.Code != "" {
		return fmt.Errorf("%w: %s: %s", models.ErrProtocol, m.Code, msg)
	}
	return fmt.Errorf("%w: %s", models.ErrProtocol, msg)
}
