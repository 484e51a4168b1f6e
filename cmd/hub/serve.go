package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"spokehub/internal/api"
	"spokehub/internal/clocksync"
	"spokehub/internal/config"
	"spokehub/internal/control"
	"spokehub/internal/events"
	"spokehub/internal/heartbeat"
	"spokehub/internal/logging"
	"spokehub/internal/models"
	"spokehub/internal/notify"
	"spokehub/internal/protocol"
	"spokehub/internal/registry"
	"spokehub/internal/session"
	"spokehub/internal/store"
	"spokehub/internal/transfer"
	"spokehub/internal/transport"
	"spokehub/internal/version"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the hub",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			log, err := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
			if err != nil {
				return fmt.Errorf("init logging: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}

	f := cmd.Flags()
	f.String("listen", "", "control channel listen address")
	f.String("transfer-listen", "", "file transfer listen address")
	f.String("api-listen", "", "operator API listen address")
	f.String("db", "", "SQLite database path (empty disables the session catalogue)")
	if err := config.BindFlags(opts.v, f, map[string]string{
		"control.listen":  "listen",
		"transfer.listen": "transfer-listen",
		"api.listen":      "api-listen",
		"db_path":         "db",
	}); err != nil {
		cmd.RunE = func(*cobra.Command, []string) error { return err }
	}
	return cmd
}

// sessionOptions maps the config onto the coordinator, which keeps session
// directories under <data_dir>/sessions.
func sessionOptions(cfg models.Config) session.Options {
	return session.Options{
		DataDir:        cfg.DataDir,
		Session:        cfg.Session,
		FlashTolerance: cfg.Flash.Tolerance,
	}
}

func serve(ctx context.Context, cfg models.Config, log zerolog.Logger) error {
	log.Info().Str("version", version.Get().String()).Str("data_dir", cfg.DataDir).Msg("starting hub")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	serverTLS, err := transport.ServerConfig(cfg.TLS)
	if err != nil {
		return fmt.Errorf("server TLS: %w", err)
	}
	clientTLS, err := transport.ClientConfig(cfg.TLS, "")
	if err != nil {
		return fmt.Errorf("client TLS: %w", err)
	}
	codec, err := protocol.CodecByName(cfg.Control.Codec)
	if err != nil {
		return err
	}

	clk := clock.RealClock{}
	bus := events.NewBus(logging.Component(log, "events"))
	reg := registry.New(cfg.Sync.MinSamples, bus, clk, logging.Component(log, "registry"))
	mon := heartbeat.NewMonitor(reg, bus, cfg.Heartbeat, cfg.Reconnect, cfg.Sync.MaxSpread, clk,
		logging.Component(log, "heartbeat"))
	hub, err := control.NewHub(cfg.Control, serverTLS, clientTLS, reg, mon, bus, logging.Component(log, "control"))
	if err != nil {
		return err
	}
	syncer := clocksync.New(cfg.Sync, reg, hub, bus, clk, logging.Component(log, "clocksync"))
	xfer := transfer.NewServer(cfg.Transfer, serverTLS, transport.Options{Codec: codec, MaxMessageSize: cfg.Control.MaxMessageSize},
		hub, bus, logging.Component(log, "transfer"))
	coord := session.New(sessionOptions(cfg), reg, hub, syncer, xfer, bus, clk, logging.Component(log, "session"))
	hub.SetRejoinHandler(coord.Rejoin)

	var catalog api.Catalogue
	if cfg.DBPath != "" {
		st, err := store.Open(cfg.DBPath, logging.Component(log, "store"))
		if err != nil {
			return err
		}
		defer st.Close()
		if err := preloadRoster(ctx, st, reg, log); err != nil {
			return err
		}
		rec := store.NewRecorder(st, bus)
		rec.Start()
		defer rec.Stop()
		catalog = st
	}

	disp := notify.NewDispatcher(cfg.Notify, bus, notify.ShoutrrrSender{}, clk, logging.Component(log, "notify"))
	disp.Start()
	defer disp.Stop()

	mon.Start()
	defer mon.Stop()
	syncer.Start(ctx)
	defer syncer.Stop()
	coord.Start()
	defer coord.Stop()

	if _, err := xfer.Start(ctx); err != nil {
		return fmt.Errorf("start transfer server: %w", err)
	}
	defer xfer.Close()
	if _, err := hub.Listen(ctx, cfg.Control.Listen); err != nil {
		return fmt.Errorf("start control listener: %w", err)
	}
	defer hub.Close()

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range cfg.Devices {
		g.Go(func() error {
			dialStatic(gctx, hub, d, cfg.Reconnect, log)
			return nil
		})
	}
	srv := api.New(cfg.API, reg, coord, catalog, bus, logging.Component(log, "api"))
	g.Go(func() error { return srv.Serve(gctx) })

	err = g.Wait()
	log.Info().Msg("hub stopped")
	return err
}

// preloadRoster registers devices remembered from earlier runs so the
// operator sees them before they reconnect.
func preloadRoster(ctx context.Context, st *store.Store, reg *registry.Registry, log zerolog.Logger) error {
	roster, err := st.Roster(ctx)
	if err != nil {
		return fmt.Errorf("load device roster: %w", err)
	}
	for _, e := range roster {
		if _, err := reg.Register(e.DeviceInfo); err != nil {
			log.Warn().Err(err).Str("device_id", e.ID).Msg("skip roster entry")
		}
	}
	if len(roster) > 0 {
		log.Info().Int("devices", len(roster)).Msg("device roster loaded")
	}
	return nil
}

// dialStatic connects to a configured spoke, retrying with backoff until the
// first connection succeeds. After that the heartbeat monitor owns
// reconnection.
func dialStatic(ctx context.Context, hub *control.Hub, d models.DeviceEntry, rc models.ReconnectConfig, log zerolog.Logger) {
	for n := 1; ; n++ {
		_, err := hub.DialDevice(ctx, d.ID, d.Address)
		if err == nil || errors.Is(err, models.ErrInvalidTransition) {
			return
		}
		wait := heartbeat.Backoff(n, rc.BaseDelay, rc.MaxDelay)
		log.Debug().Err(err).Str("device_id", d.ID).Dur("retry_in", wait).Msg("static device not reachable")
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}
