package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"spokehub/internal/models"
)

const envPrefix = "SPOKEHUB"

// Defaults returns the built-in configuration.
func Defaults() models.Config {
	return models.Config{
		DataDir: "spokehub-data",
		DBPath:  "spokehub-data/spokehub.db",
		Log:     models.LogConfig{Level: "info", Format: "json"},
		Control: models.ControlConfig{
			Listen:           ":7400",
			Codec:            "json",
			MaxMessageSize:   1 << 20,
			HandshakeTimeout: 10 * time.Second,
			RequestTimeout:   5 * time.Second,
			MaxViolations:    5,
		},
		Transfer: models.TransferConfig{
			Listen:         ":7401",
			ChunkTimeout:   10 * time.Second,
			ConnectTimeout: 15 * time.Second,
			Attempts:       2,
			MaxArchiveSize: 64 << 30,
		},
		TLS: models.TLSConfig{
			CertFile:   "spokehub-data/pki/hub.pem",
			KeyFile:    "spokehub-data/pki/hub-key.pem",
			CAFile:     "spokehub-data/pki/ca.pem",
			VerifyMode: models.VerifyRequired,
		},
		Heartbeat: models.HeartbeatConfig{
			Interval:      3 * time.Second,
			MissThreshold: 3,
			CheckPeriod:   time.Second,
		},
		Reconnect: models.ReconnectConfig{
			BaseDelay:   2 * time.Second,
			MaxDelay:    30 * time.Second,
			MaxAttempts: 5,
		},
		Sync: models.SyncConfig{
			Interval:       2 * time.Second,
			BurstInterval:  200 * time.Millisecond,
			Window:         10,
			MinSamples:     5,
			OutlierFactor:  2.0,
			MaxSpread:      5 * time.Millisecond,
			RequestTimeout: time.Second,
		},
		Flash: models.FlashConfig{Tolerance: 5 * time.Millisecond},
		Session: models.SessionConfig{
			MinHealthy:     1,
			AckTimeout:     5 * time.Second,
			StopTimeout:    10 * time.Second,
			StartLead:      500 * time.Millisecond,
			SyncLossPolicy: models.SyncLossContinue,
		},
		API:    models.APIConfig{Listen: "127.0.0.1:7480"},
		Notify: models.NotifyConfig{Cooldown: 5 * time.Minute},
	}
}

// New returns a viper instance seeded with defaults and bound to the
// SPOKEHUB_* environment.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v, Defaults())
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags maps command-line flags onto config keys. Keys without a
// matching flag are skipped.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	for key, name := range keys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads configuration from defaults, the optional config file, the
// environment, and any bound flags, in increasing precedence.
func Load(v *viper.Viper, path string) (models.Config, error) {
	if v == nil {
		v = New()
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return models.Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("spokehub")
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(userConfigDir(), "spokehub"))
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return models.Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg models.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return models.Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return models.Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the hub cannot run with.
func Validate(cfg models.Config) error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	check(cfg.Heartbeat.Interval > 0, "heartbeat.interval must be positive")
	check(cfg.Heartbeat.MissThreshold >= 1, "heartbeat.miss_threshold must be at least 1")
	check(cfg.Heartbeat.CheckPeriod > 0 && cfg.Heartbeat.CheckPeriod <= cfg.Heartbeat.Interval,
		"heartbeat.check_period must be positive and no longer than heartbeat.interval")
	check(cfg.Reconnect.BaseDelay > 0, "reconnect.base_delay must be positive")
	check(cfg.Reconnect.MaxDelay >= cfg.Reconnect.BaseDelay, "reconnect.max_delay must be >= reconnect.base_delay")
	check(cfg.Reconnect.MaxAttempts >= 1, "reconnect.max_attempts must be at least 1")
	check(cfg.Sync.Interval > 0, "sync.interval must be positive")
	check(cfg.Sync.Window >= 1, "sync.window must be at least 1")
	check(cfg.Sync.MinSamples >= 1 && cfg.Sync.MinSamples <= cfg.Sync.Window,
		"sync.min_samples must be between 1 and sync.window")
	check(cfg.Sync.OutlierFactor >= 1, "sync.outlier_factor must be >= 1")
	check(cfg.Sync.MaxSpread > 0, "sync.max_spread must be positive")
	check(cfg.Flash.Tolerance > 0, "flash.tolerance must be positive")
	check(cfg.Session.MinHealthy >= 1, "session.min_healthy must be at least 1")
	check(cfg.Session.AckTimeout > 0, "session.ack_timeout must be positive")
	check(cfg.Session.StopTimeout > 0, "session.stop_timeout must be positive")
	check(cfg.Control.MaxMessageSize > 0, "control.max_message_size must be positive")
	check(cfg.Control.Codec == "json" || cfg.Control.Codec == "cbor", "control.codec must be json or cbor")
	check(cfg.Transfer.Attempts >= 1, "transfer.attempts must be at least 1")
	check(cfg.Transfer.ChunkTimeout > 0, "transfer.chunk_timeout must be positive")

	switch cfg.TLS.VerifyMode {
	case models.VerifyRequired, models.VerifyOptional, models.VerifyNone:
	default:
		errs = append(errs, fmt.Errorf("tls.verify_mode %q must be required, optional or none", cfg.TLS.VerifyMode))
	}
	switch cfg.Session.SyncLossPolicy {
	case models.SyncLossContinue, models.SyncLossAbort:
	default:
		errs = append(errs, fmt.Errorf("session.sync_loss_policy %q must be continue or abort", cfg.Session.SyncLossPolicy))
	}

	for i, d := range cfg.Devices {
		if d.ID == "" || d.Address == "" {
			errs = append(errs, fmt.Errorf("devices[%d]: id and address are required", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// WriteDefault writes the default configuration as TOML to path. It refuses
// to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	data, err := toml.Marshal(Defaults())
	if err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o644)
}

func setDefaults(v *viper.Viper, d models.Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("control.listen", d.Control.Listen)
	v.SetDefault("control.codec", d.Control.Codec)
	v.SetDefault("control.max_message_size", d.Control.MaxMessageSize)
	v.SetDefault("control.handshake_timeout", d.Control.HandshakeTimeout)
	v.SetDefault("control.request_timeout", d.Control.RequestTimeout)
	v.SetDefault("control.max_violations", d.Control.MaxViolations)
	v.SetDefault("transfer.listen", d.Transfer.Listen)
	v.SetDefault("transfer.advertise_host", d.Transfer.AdvertiseHost)
	v.SetDefault("transfer.chunk_timeout", d.Transfer.ChunkTimeout)
	v.SetDefault("transfer.connect_timeout", d.Transfer.ConnectTimeout)
	v.SetDefault("transfer.attempts", d.Transfer.Attempts)
	v.SetDefault("transfer.max_archive_size", d.Transfer.MaxArchiveSize)
	v.SetDefault("tls.cert_file", d.TLS.CertFile)
	v.SetDefault("tls.key_file", d.TLS.KeyFile)
	v.SetDefault("tls.ca_file", d.TLS.CAFile)
	v.SetDefault("tls.verify_mode", string(d.TLS.VerifyMode))
	v.SetDefault("heartbeat.interval", d.Heartbeat.Interval)
	v.SetDefault("heartbeat.miss_threshold", d.Heartbeat.MissThreshold)
	v.SetDefault("heartbeat.check_period", d.Heartbeat.CheckPeriod)
	v.SetDefault("reconnect.base_delay", d.Reconnect.BaseDelay)
	v.SetDefault("reconnect.max_delay", d.Reconnect.MaxDelay)
	v.SetDefault("reconnect.max_attempts", d.Reconnect.MaxAttempts)
	v.SetDefault("sync.interval", d.Sync.Interval)
	v.SetDefault("sync.burst_interval", d.Sync.BurstInterval)
	v.SetDefault("sync.window", d.Sync.Window)
	v.SetDefault("sync.min_samples", d.Sync.MinSamples)
	v.SetDefault("sync.outlier_factor", d.Sync.OutlierFactor)
	v.SetDefault("sync.max_spread", d.Sync.MaxSpread)
	v.SetDefault("sync.request_timeout", d.Sync.RequestTimeout)
	v.SetDefault("flash.tolerance", d.Flash.Tolerance)
	v.SetDefault("session.min_healthy", d.Session.MinHealthy)
	v.SetDefault("session.ack_timeout", d.Session.AckTimeout)
	v.SetDefault("session.stop_timeout", d.Session.StopTimeout)
	v.SetDefault("session.start_lead", d.Session.StartLead)
	v.SetDefault("session.sync_loss_policy", string(d.Session.SyncLossPolicy))
	v.SetDefault("api.listen", d.API.Listen)
	v.SetDefault("api.token_hash", d.API.TokenHash)
	v.SetDefault("notify.urls", d.Notify.URLs)
	v.SetDefault("notify.cooldown", d.Notify.Cooldown)
}

func userConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	return "."
}
