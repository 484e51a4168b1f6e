package models

import "time"

// VerifyMode controls how peer certificates are checked.
type VerifyMode string

const (
	VerifyRequired VerifyMode = "required"
	VerifyOptional VerifyMode = "optional"
	VerifyNone     VerifyMode = "none"
)

// SyncLossPolicy decides what happens when every recording device loses
// clock-sync quality at once.
type SyncLossPolicy string

const (
	SyncLossContinue SyncLossPolicy = "continue"
	SyncLossAbort    SyncLossPolicy = "abort"
)

// Config holds hub configuration.
type Config struct {
	DataDir string `mapstructure:"data_dir" toml:"data_dir"`
	DBPath  string `mapstructure:"db_path" toml:"db_path"`

	Log       LogConfig       `mapstructure:"log" toml:"log"`
	Control   ControlConfig   `mapstructure:"control" toml:"control"`
	Transfer  TransferConfig  `mapstructure:"transfer" toml:"transfer"`
	TLS       TLSConfig       `mapstructure:"tls" toml:"tls"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat" toml:"heartbeat"`
	Reconnect ReconnectConfig `mapstructure:"reconnect" toml:"reconnect"`
	Sync      SyncConfig      `mapstructure:"sync" toml:"sync"`
	Flash     FlashConfig     `mapstructure:"flash" toml:"flash"`
	Session   SessionConfig   `mapstructure:"session" toml:"session"`
	API       APIConfig       `mapstructure:"api" toml:"api"`
	Notify    NotifyConfig    `mapstructure:"notify" toml:"notify"`
	Devices   []DeviceEntry   `mapstructure:"devices" toml:"devices"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" toml:"level"`
	Format string `mapstructure:"format" toml:"format"` // json or console
}

type ControlConfig struct {
	Listen           string        `mapstructure:"listen" toml:"listen"`
	Codec            string        `mapstructure:"codec" toml:"codec"` // json or cbor
	MaxMessageSize   int           `mapstructure:"max_message_size" toml:"max_message_size"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" toml:"handshake_timeout"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout" toml:"request_timeout"`
	MaxViolations    int           `mapstructure:"max_violations" toml:"max_violations"`
}

type TransferConfig struct {
	Listen         string        `mapstructure:"listen" toml:"listen"`
	AdvertiseHost  string        `mapstructure:"advertise_host" toml:"advertise_host"`
	ChunkTimeout   time.Duration `mapstructure:"chunk_timeout" toml:"chunk_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" toml:"connect_timeout"`
	Attempts       int           `mapstructure:"attempts" toml:"attempts"`
	MaxArchiveSize int64         `mapstructure:"max_archive_size" toml:"max_archive_size"`
}

type TLSConfig struct {
	CertFile   string     `mapstructure:"cert_file" toml:"cert_file"`
	KeyFile    string     `mapstructure:"key_file" toml:"key_file"`
	CAFile     string     `mapstructure:"ca_file" toml:"ca_file"`
	VerifyMode VerifyMode `mapstructure:"verify_mode" toml:"verify_mode"`
}

type HeartbeatConfig struct {
	Interval      time.Duration `mapstructure:"interval" toml:"interval"`
	MissThreshold int           `mapstructure:"miss_threshold" toml:"miss_threshold"`
	CheckPeriod   time.Duration `mapstructure:"check_period" toml:"check_period"`
}

type ReconnectConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay" toml:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay" toml:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts" toml:"max_attempts"`
}

type SyncConfig struct {
	Interval       time.Duration `mapstructure:"interval" toml:"interval"`
	BurstInterval  time.Duration `mapstructure:"burst_interval" toml:"burst_interval"`
	Window         int           `mapstructure:"window" toml:"window"`
	MinSamples     int           `mapstructure:"min_samples" toml:"min_samples"`
	OutlierFactor  float64       `mapstructure:"outlier_factor" toml:"outlier_factor"`
	MaxSpread      time.Duration `mapstructure:"max_spread" toml:"max_spread"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" toml:"request_timeout"`
}

type FlashConfig struct {
	Tolerance time.Duration `mapstructure:"tolerance" toml:"tolerance"`
}

type SessionConfig struct {
	MinHealthy     int            `mapstructure:"min_healthy" toml:"min_healthy"`
	AckTimeout     time.Duration  `mapstructure:"ack_timeout" toml:"ack_timeout"`
	StopTimeout    time.Duration  `mapstructure:"stop_timeout" toml:"stop_timeout"`
	StartLead      time.Duration  `mapstructure:"start_lead" toml:"start_lead"`
	SyncLossPolicy SyncLossPolicy `mapstructure:"sync_loss_policy" toml:"sync_loss_policy"`
}

type APIConfig struct {
	Listen    string `mapstructure:"listen" toml:"listen"`
	TokenHash string `mapstructure:"token_hash" toml:"token_hash"` // bcrypt; empty disables auth
}

type NotifyConfig struct {
	URLs     []string      `mapstructure:"urls" toml:"urls"`
	Cooldown time.Duration `mapstructure:"cooldown" toml:"cooldown"`
}

// DeviceEntry is a statically configured spoke the hub dials on startup.
type DeviceEntry struct {
	ID      string `mapstructure:"id" toml:"id"`
	Address string `mapstructure:"address" toml:"address"`
}
