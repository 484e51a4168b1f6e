package transfer

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spokehub/internal/events"
	"spokehub/internal/models"
	"spokehub/internal/pki/pkitest"
	"spokehub/internal/protocol"
	"spokehub/internal/transport"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return dir
}

func TestPackUnpackFormats(t *testing.T) {
	src := writeTree(t, map[string]string{
		"cam-1.log":         "frames\n",
		"video/chunk-0.bin": string(bytes.Repeat([]byte{7}, 4096)),
	})
	for _, format := range Formats() {
		t.Run(format, func(t *testing.T) {
			archive := filepath.Join(t.TempDir(), "out."+format)
			f, err := os.Create(archive)
			require.NoError(t, err)
			require.NoError(t, Pack(f, src, format))
			require.NoError(t, f.Close())

			dest := t.TempDir()
			n, err := Unpack(archive, format, dest, 0)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			got, err := os.ReadFile(filepath.Join(dest, "video", "chunk-0.bin"))
			require.NoError(t, err)
			assert.Len(t, got, 4096)
		})
	}
}

func TestUnpackRejectsTraversal(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../escape.txt", Mode: 0o644, Size: 2, Typeflag: tar.TypeReg}))
	_, err := tw.Write([]byte("hi"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	archive := filepath.Join(t.TempDir(), "evil.tar")
	require.NoError(t, os.WriteFile(archive, buf.Bytes(), 0o644))

	root := t.TempDir()
	_, err = Unpack(archive, FormatTar, filepath.Join(root, "dest"), 0)
	require.ErrorIs(t, err, ErrUnsafePath)
	_, statErr := os.Stat(filepath.Join(root, "escape.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestUnpackEnforcesSizeLimit(t *testing.T) {
	src := writeTree(t, map[string]string{"big.bin": string(bytes.Repeat([]byte{1}, 2048))})
	archive := filepath.Join(t.TempDir(), "a.tar")
	f, err := os.Create(archive)
	require.NoError(t, err)
	require.NoError(t, Pack(f, src, FormatTar))
	require.NoError(t, f.Close())

	_, err = Unpack(archive, FormatTar, t.TempDir(), 1024)
	assert.Error(t, err)
}

func TestNewHash(t *testing.T) {
	for _, algo := range []string{"", "blake3", "BLAKE3", "sha256"} {
		_, err := NewHash(algo)
		assert.NoError(t, err, algo)
	}
	_, err := NewHash("md5")
	assert.Error(t, err)
}

// uploader plays the spoke side of a transfer in response to
// transfer_request.
type uploader struct {
	t       *testing.T
	tls     *tls.Config
	src     string
	format  string
	corrupt int // number of attempts to corrupt
	short   bool
	silent  bool

	mu       sync.Mutex
	requests int
}

func (u *uploader) Request(ctx context.Context, deviceID string, msg *protocol.Message) (*protocol.Message, error) {
	if msg.Type != protocol.TypeTransferRequest {
		return nil, errors.New("unexpected request")
	}
	u.mu.Lock()
	u.requests++
	corrupt := u.requests <= u.corrupt
	u.mu.Unlock()
	if !u.silent {
		go u.upload(deviceID, msg, corrupt)
	}
	return msg.Ack(protocol.StatusOK), nil
}

func (u *uploader) upload(deviceID string, req *protocol.Message, corrupt bool) {
	var buf bytes.Buffer
	if err := Pack(&buf, u.src, u.format); err != nil {
		u.t.Error(err)
		return
	}
	h, _ := NewHash(AlgoBLAKE3)
	h.Write(buf.Bytes())
	sum := h.Sum(nil)

	conn, err := transport.Dial(context.Background(), "127.0.0.1:"+strconv.Itoa(req.Port), u.tls, transport.Options{})
	if err != nil {
		u.t.Error(err)
		return
	}
	defer conn.Close()

	data := buf.Bytes()
	_ = conn.Send(&protocol.Message{
		Type: protocol.TypeTransferStart, DeviceID: deviceID, SessionID: req.SessionID, Token: req.Token,
		Filename: deviceID + "." + u.format, Size: int64(len(data)), Format: u.format, ChecksumAlgo: AlgoBLAKE3,
	})
	payload := append([]byte(nil), data...)
	if corrupt {
		payload[len(payload)/2] ^= 0x10
	}
	if u.short {
		payload = payload[:len(payload)-1]
	}
	for seq, off := int64(0), 0; off < len(payload); seq++ {
		end := min(off+1024, len(payload))
		_ = conn.Send(&protocol.Message{Type: protocol.TypeTransferChunk, Seq: seq, Data: payload[off:end]})
		off = end
	}
	_ = conn.Send(&protocol.Message{Type: protocol.TypeTransferComplete, Checksum: hex.EncodeToString(sum)})
	_, _ = conn.Receive()
}

type fixture struct {
	srv *Server
	bus *events.Bus
	up  *uploader
	dir string
}

func newFixture(t *testing.T, format string, cfg models.TransferConfig) *fixture {
	t.Helper()
	lab := pkitest.New(t)
	serverTLS, err := transport.ServerConfig(lab.Identity(t, "hub", models.VerifyRequired))
	require.NoError(t, err)
	clientTLS, err := transport.ClientConfig(lab.Identity(t, "cam-1", models.VerifyRequired), "")
	require.NoError(t, err)

	f := &fixture{
		bus: events.NewBus(zerolog.Nop()),
		dir: t.TempDir(),
		up: &uploader{
			t:      t,
			tls:    clientTLS,
			format: format,
			src:    writeTree(t, map[string]string{"cam-1.log": "recording\n", "frames/0001.raw": string(bytes.Repeat([]byte("x"), 5000))}),
		},
	}
	cfg.Listen = "127.0.0.1:0"
	f.srv = NewServer(cfg, serverTLS, transport.Options{}, f.up, f.bus, zerolog.Nop())
	_, err = f.srv.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) fetch() models.TransferJob {
	return f.srv.Fetch(context.Background(), Job{SessionID: "s-1", DeviceID: "cam-1", Dir: f.dir})
}

func TestFetchVerifiesAndUnpacks(t *testing.T) {
	f := newFixture(t, FormatTarZst, models.TransferConfig{})
	progress, cancel := f.bus.SubscribeChan(64, events.TransferProgress)
	defer cancel()

	job := f.fetch()
	require.Equal(t, models.TransferVerified, job.Status, job.Error)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, job.Expected, job.Received)
	assert.Len(t, job.Checksum, 64)

	body, err := os.ReadFile(filepath.Join(f.dir, "cam-1", "cam-1.log"))
	require.NoError(t, err)
	assert.Equal(t, "recording\n", string(body))
	_, err = os.Stat(filepath.Join(f.dir, "cam-1."+FormatTarZst+".part"))
	assert.True(t, os.IsNotExist(err), "temporary archive is removed")

	var last events.TransferProgressPayload
	for len(progress) > 0 {
		last = (<-progress).Payload.(events.TransferProgressPayload)
	}
	assert.Equal(t, job.Expected, last.Received)
}

func TestBitFlipFailsAfterRetry(t *testing.T) {
	f := newFixture(t, FormatTarGz, models.TransferConfig{Attempts: 2})
	f.up.corrupt = 2
	failed, cancel := f.bus.SubscribeChan(4, events.TransferFailed)
	defer cancel()

	job := f.fetch()
	assert.Equal(t, models.TransferFailed, job.Status)
	assert.Equal(t, 2, job.Attempts)
	assert.Contains(t, job.Error, "checksum mismatch")
	assert.Equal(t, 2, f.up.requests)

	select {
	case e := <-failed:
		assert.Equal(t, "cam-1", e.DeviceID)
		assert.Equal(t, events.SeverityCritical, e.Severity)
	case <-time.After(time.Second):
		t.Fatal("no transfer.failed event")
	}
	_, err := os.Stat(filepath.Join(f.dir, "cam-1"))
	assert.True(t, os.IsNotExist(err), "nothing unpacked from a corrupt archive")
}

func TestBitFlipRecoversOnSecondAttempt(t *testing.T) {
	f := newFixture(t, FormatTarLz4, models.TransferConfig{Attempts: 2})
	f.up.corrupt = 1

	job := f.fetch()
	assert.Equal(t, models.TransferVerified, job.Status)
	assert.Equal(t, 2, job.Attempts)
	assert.Empty(t, job.Error)
}

func TestShortStreamFails(t *testing.T) {
	f := newFixture(t, FormatZip, models.TransferConfig{Attempts: 1})
	f.up.short = true

	job := f.fetch()
	assert.Equal(t, models.TransferFailed, job.Status)
	assert.Contains(t, job.Error, "short stream")
}

func TestConnectTimeout(t *testing.T) {
	f := newFixture(t, FormatTar, models.TransferConfig{Attempts: 2, ConnectTimeout: 50 * time.Millisecond})
	f.up.silent = true

	job := f.fetch()
	assert.Equal(t, models.TransferFailed, job.Status)
	assert.Equal(t, 2, job.Attempts)
	assert.Contains(t, job.Error, "did not connect")
}

func TestUnknownTokenIsRefused(t *testing.T) {
	f := newFixture(t, FormatTar, models.TransferConfig{})
	conn, err := transport.Dial(context.Background(), "127.0.0.1:"+strconv.Itoa(f.srv.Port()), f.up.tls, transport.Options{})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send(&protocol.Message{Type: protocol.TypeTransferStart, ID: "x", DeviceID: "cam-1", Token: "forged"}))
	res, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeTransferResult, res.Type)
	assert.True(t, res.Failed())
}

func TestArrivalAfterAttemptEndedIsRefused(t *testing.T) {
	f := newFixture(t, FormatTar, models.TransferConfig{})
	token, tk, err := f.srv.issue(Job{SessionID: "s-1", DeviceID: "cam-1", Dir: f.dir})
	require.NoError(t, err)
	// The attempt stops waiting while the token is still routable.
	tk.close()

	conn, err := transport.Dial(context.Background(), "127.0.0.1:"+strconv.Itoa(f.srv.Port()), f.up.tls, transport.Options{})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send(&protocol.Message{Type: protocol.TypeTransferStart, ID: "x", DeviceID: "cam-1", Token: token}))
	res, err := conn.Receive()
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.Contains(t, res.Error, "attempt ended")

	_, err = conn.Receive()
	assert.Error(t, err, "server closes the connection")
	assert.Empty(t, tk.ch)
}
