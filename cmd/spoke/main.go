// Command spoke runs the reference recording device against a hub.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"spokehub/internal/logging"
	"spokehub/internal/models"
	"spokehub/internal/spoke"
	"spokehub/internal/transfer"
	"spokehub/internal/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "spoke:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("spoke", pflag.ContinueOnError)
	var (
		cfg       spoke.Config
		hubAddr   string
		listen    string
		retry     time.Duration
		logLevel  string
		logFormat string
		showVer   bool
	)
	fs.StringVar(&cfg.ID, "id", "", "device id (required)")
	fs.StringVar(&cfg.Name, "name", "", "display name (default: id)")
	fs.StringSliceVar(&cfg.Capabilities, "capability", []string{"camera"}, "advertised capabilities")
	fs.StringVar(&cfg.Address, "advertise", "", "address the hub can dial back to")
	fs.StringVar(&cfg.TLS.CertFile, "cert", "", "device certificate (PEM)")
	fs.StringVar(&cfg.TLS.KeyFile, "key", "", "device private key (PEM)")
	fs.StringVar(&cfg.TLS.CAFile, "ca", "", "lab CA certificate (PEM)")
	verify := fs.String("verify", string(models.VerifyRequired), "peer verification: required, optional or none")
	fs.StringVar(&cfg.Codec, "codec", "json", "control codec: json or cbor")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat", 3*time.Second, "heartbeat interval")
	fs.DurationVar(&cfg.Skew, "skew", 0, "artificial clock skew")
	fs.StringVar(&cfg.DataDir, "data-dir", "", "recording directory")
	fs.StringVar(&cfg.Format, "format", transfer.FormatTarGz, "archive format: "+strings.Join(transfer.Formats(), ", "))
	fs.StringVar(&cfg.ChecksumAlgo, "checksum", transfer.AlgoBLAKE3, "archive checksum algorithm")
	fs.StringVar(&hubAddr, "hub", "", "hub control address to dial")
	fs.StringVar(&listen, "listen", "", "accept hub connections on this address instead of dialing")
	fs.DurationVar(&retry, "retry", 2*time.Second, "delay between connection attempts")
	fs.StringVar(&logLevel, "log-level", "info", "log level")
	fs.StringVar(&logFormat, "log-format", "console", "log format: json or console")
	fs.BoolVar(&showVer, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVer {
		fmt.Println(version.Get())
		return nil
	}
	if hubAddr == "" && listen == "" {
		return errors.New("one of --hub or --listen is required")
	}
	if !transfer.SupportedFormat(cfg.Format) {
		return fmt.Errorf("unsupported archive format %q", cfg.Format)
	}
	cfg.TLS.VerifyMode = models.VerifyMode(*verify)

	log, err := logging.Init(logging.Config{Level: logLevel, Format: logFormat, Output: "stderr"})
	if err != nil {
		return err
	}
	sp, err := spoke.New(cfg, logging.Component(log, "spoke"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("device_id", cfg.ID).Str("version", version.Get().Version).Msg("spoke starting")
	if listen != "" {
		addr, err := sp.Listen(ctx, listen)
		if err != nil {
			return err
		}
		log.Info().Str("addr", addr.String()).Msg("waiting for hub")
		<-ctx.Done()
		sp.Close()
		return nil
	}
	if err := sp.Run(ctx, hubAddr, retry); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
