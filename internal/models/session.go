package models

import "time"

// SessionState is the lifecycle phase of a recording session.
type SessionState string

const (
	SessionIdle         SessionState = "idle"
	SessionCreated      SessionState = "created"
	SessionRecording    SessionState = "recording"
	SessionStopping     SessionState = "stopping"
	SessionTransferring SessionState = "transferring"
	SessionComplete     SessionState = "complete"
	SessionError        SessionState = "error"
)

// Terminal reports whether a new session may be created from s.
func (s SessionState) Terminal() bool {
	return s == SessionIdle || s == SessionComplete || s == SessionError
}

// AckStatus records how a device answered a start or stop command.
type AckStatus string

const (
	AckPending AckStatus = "pending"
	AckOK      AckStatus = "ok"
	AckTimeout AckStatus = "timeout"
	AckError   AckStatus = "error"
)

// DeviceAcks holds the per-device command acknowledgments for a session.
type DeviceAcks struct {
	Start AckStatus `json:"start"`
	Stop  AckStatus `json:"stop"`
}

// TransferStatus is the state of one device's archive retrieval.
type TransferStatus string

const (
	TransferPending    TransferStatus = "pending"
	TransferInProgress TransferStatus = "in_progress"
	TransferVerified   TransferStatus = "verified"
	TransferFailed     TransferStatus = "failed"
)

// Terminal reports whether the job will not change again.
func (s TransferStatus) Terminal() bool {
	return s == TransferVerified || s == TransferFailed
}

// TransferJob tracks the retrieval of one device's session archive.
type TransferJob struct {
	DeviceID string         `json:"device_id"`
	Filename string         `json:"filename,omitempty"`
	Expected int64          `json:"expected_bytes"`
	Received int64          `json:"received_bytes"`
	Checksum string         `json:"checksum,omitempty"`
	Status   TransferStatus `json:"status"`
	Attempts int            `json:"attempts"`
	Error    string         `json:"error,omitempty"`
}

// FlashResult is the outcome of one flash-sync validation.
type FlashResult struct {
	EventID   string                   `json:"event_id"`
	Triggered time.Time                `json:"triggered_at"`
	HubTimes  map[string]time.Time     `json:"hub_times"`
	Offsets   map[string]time.Duration `json:"offsets_ns"`
	Excluded  []string                 `json:"excluded,omitempty"`
	Spread    time.Duration            `json:"spread_ns"`
	Tolerance time.Duration            `json:"tolerance_ns"`
	Passed    bool                     `json:"passed"`
}

// Session is one recording run. It references devices by ID only.
type Session struct {
	ID          string                 `json:"session_id"`
	Name        string                 `json:"name"`
	State       SessionState           `json:"state"`
	Dir         string                 `json:"dir"`
	CreatedAt   time.Time              `json:"created_at"`
	TargetStart time.Time              `json:"target_start,omitempty"`
	StartedAt   time.Time              `json:"started_at,omitempty"`
	StoppedAt   time.Time              `json:"stopped_at,omitempty"`
	CompletedAt time.Time              `json:"completed_at,omitempty"`
	Devices     []string               `json:"devices"`
	Acks        map[string]DeviceAcks  `json:"acks"`
	Offsets     map[string]ClockOffset `json:"offsets_at_start,omitempty"`
	Flash       []FlashResult          `json:"flash_sync,omitempty"`
	Transfers   []TransferJob          `json:"transfers,omitempty"`
	Missing     []string               `json:"missing_devices,omitempty"`
	Files       map[string][]string    `json:"received_files,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	out := s
	out.Devices = append([]string(nil), s.Devices...)
	out.Acks = make(map[string]DeviceAcks, len(s.Acks))
	for k, v := range s.Acks {
		out.Acks[k] = v
	}
	if s.Offsets != nil {
		out.Offsets = make(map[string]ClockOffset, len(s.Offsets))
		for k, v := range s.Offsets {
			out.Offsets[k] = v
		}
	}
	out.Flash = append([]FlashResult(nil), s.Flash...)
	out.Transfers = append([]TransferJob(nil), s.Transfers...)
	out.Missing = append([]string(nil), s.Missing...)
	if s.Files != nil {
		out.Files = make(map[string][]string, len(s.Files))
		for k, v := range s.Files {
			out.Files[k] = append([]string(nil), v...)
		}
	}
	return out
}
