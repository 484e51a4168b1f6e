package session_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"spokehub/internal/clocksync"
	"spokehub/internal/control"
	"spokehub/internal/events"
	"spokehub/internal/heartbeat"
	"spokehub/internal/models"
	"spokehub/internal/pki/pkitest"
	"spokehub/internal/registry"
	"spokehub/internal/session"
	"spokehub/internal/spoke"
	"spokehub/internal/transfer"
	"spokehub/internal/transport"
)

type rig struct {
	lab  *pkitest.Lab
	reg  *registry.Registry
	bus  *events.Bus
	hub  *control.Hub
	c    *session.Coordinator
	addr string
	dir  string
}

func newRig(t *testing.T) *rig {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	r := &rig{lab: pkitest.New(t), bus: events.NewBus(zerolog.Nop()), dir: t.TempDir()}
	hubTLS := r.lab.Identity(t, "hub", models.VerifyRequired)
	serverTLS, err := transport.ServerConfig(hubTLS)
	require.NoError(t, err)
	clientTLS, err := transport.ClientConfig(hubTLS, "")
	require.NoError(t, err)

	clk := clock.RealClock{}
	r.reg = registry.New(3, r.bus, clk, zerolog.Nop())
	mon := heartbeat.NewMonitor(r.reg, r.bus,
		models.HeartbeatConfig{Interval: 100 * time.Millisecond, MissThreshold: 3},
		models.ReconnectConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: 200 * time.Millisecond, MaxAttempts: 30},
		100*time.Millisecond, clk, zerolog.Nop())
	r.hub, err = control.NewHub(models.ControlConfig{RequestTimeout: 2 * time.Second},
		serverTLS, clientTLS, r.reg, mon, r.bus, zerolog.Nop())
	require.NoError(t, err)

	sync := clocksync.New(models.SyncConfig{
		Interval:       100 * time.Millisecond,
		BurstInterval:  10 * time.Millisecond,
		Window:         8,
		MinSamples:     3,
		OutlierFactor:  3,
		MaxSpread:      100 * time.Millisecond,
		RequestTimeout: time.Second,
	}, r.reg, r.hub, r.bus, clk, zerolog.Nop())

	xfer := transfer.NewServer(models.TransferConfig{Listen: "127.0.0.1:0", Attempts: 2},
		serverTLS, transport.Options{}, r.hub, r.bus, zerolog.Nop())
	_, err = xfer.Start(ctx)
	require.NoError(t, err)

	r.c = session.New(session.Options{
		DataDir:        r.dir,
		Session:        models.SessionConfig{AckTimeout: 2 * time.Second, StartLead: 200 * time.Millisecond},
		FlashTolerance: 100 * time.Millisecond,
	}, r.reg, r.hub, sync, xfer, r.bus, clk, zerolog.Nop())
	r.hub.SetRejoinHandler(r.c.Rejoin)

	mon.Start()
	sync.Start(ctx)
	r.c.Start()
	addr, err := r.hub.Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	r.addr = addr.String()

	t.Cleanup(func() {
		r.c.Stop()
		sync.Stop()
		r.hub.Close()
		xfer.Close()
		mon.Stop()
	})
	return r
}

func (r *rig) spoke(t *testing.T, id string, skew time.Duration) *spoke.Spoke {
	t.Helper()
	sp, err := spoke.New(spoke.Config{
		ID:                id,
		Capabilities:      []string{"camera"},
		TLS:               r.lab.Identity(t, id, models.VerifyRequired),
		HeartbeatInterval: 50 * time.Millisecond,
		Skew:              skew,
		DataDir:           t.TempDir(),
		Format:            transfer.FormatTarZst,
		ChunkSize:         4 << 10,
	}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sp.Run(ctx, r.addr, 50*time.Millisecond)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return sp
}

func (r *rig) waitState(t *testing.T, id string, want models.ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		d, err := r.reg.Get(id)
		return err == nil && d.State == want
	}, 10*time.Second, 10*time.Millisecond, "%s never reached %s", id, want)
}

func TestSessionAcrossReconnectAndCorruptTransfer(t *testing.T) {
	r := newRig(t)
	cam1 := r.spoke(t, "cam-1", 0)
	cam2 := r.spoke(t, "cam-2", 250*time.Millisecond)
	r.waitState(t, "cam-1", models.StateHealthy)
	r.waitState(t, "cam-2", models.StateHealthy)

	d2, err := r.reg.Get("cam-2")
	require.NoError(t, err)
	assert.InDelta(t, float64(250*time.Millisecond), float64(d2.Offset.Offset), float64(50*time.Millisecond))

	ctx := context.Background()
	s, err := r.c.Create(ctx, "e2e")
	require.NoError(t, err)
	s, err = r.c.StartRecording(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"cam-1", "cam-2"}, s.Devices)
	assert.Equal(t, s.ID, cam1.Recording())

	flash, err := r.c.FlashSync(ctx)
	require.NoError(t, err)
	assert.True(t, flash.Passed, "spread %s", flash.Spread)

	// cam-2 drops mid-session and is told to resume when it comes back.
	cam2.Drop()
	require.Eventually(t, func() bool { return cam2.Starts(s.ID) >= 2 }, 10*time.Second, 10*time.Millisecond)
	r.waitState(t, "cam-2", models.StateHealthy)
	d2, err = r.reg.Get("cam-2")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, d2.Epoch, uint64(2))

	cam1.CorruptTransfers(2)
	_, err = r.c.StopRecording(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		cur, _ := r.c.Status()
		return cur.State == models.SessionComplete
	}, 15*time.Second, 20*time.Millisecond)

	final, _ := r.c.Status()
	assert.Equal(t, []string{"cam-1"}, final.Missing)
	assert.Contains(t, final.Files["cam-2"], "cam-2.log")
	assert.Empty(t, cam2.Recording())

	log, err := os.ReadFile(filepath.Join(final.Dir, "cam-2", "cam-2.log"))
	require.NoError(t, err)
	assert.Contains(t, string(log), "flash ")

	onDisk, err := session.ReadMetadata(final.Dir)
	require.NoError(t, err)
	assert.Equal(t, models.SessionComplete, onDisk.State)
	require.Len(t, onDisk.Flash, 1)
}

func TestTotalLossAbortsSession(t *testing.T) {
	r := newRig(t)
	r.spoke(t, "cam-1", 0)
	r.waitState(t, "cam-1", models.StateHealthy)

	ctx := context.Background()
	_, err := r.c.Create(ctx, "lost")
	require.NoError(t, err)
	_, err = r.c.StartRecording(ctx)
	require.NoError(t, err)

	// Forcing Failed stands in for an exhausted reconnection loop.
	_, err = r.reg.UpdateState("cam-1", models.StateFailed)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		cur, _ := r.c.Status()
		return cur.State == models.SessionError
	}, 5*time.Second, 10*time.Millisecond)
}
