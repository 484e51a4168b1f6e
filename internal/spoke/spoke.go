// Package spoke is a reference recording device. It speaks the hub's control
// and transfer protocols, writes placeholder recordings and exposes hooks for
// simulating faults: paused heartbeats, muted replies, dropped connections
// and corrupted transfers.
package spoke

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"spokehub/internal/models"
	"spokehub/internal/protocol"
	"spokehub/internal/transfer"
	"spokehub/internal/transport"
)

// Config describes one spoke.
type Config struct {
	ID                string
	Name              string
	Capabilities      []string
	Address           string // dial-back address advertised in announce
	TLS               models.TLSConfig
	Codec             string
	HeartbeatInterval time.Duration
	Skew              time.Duration // added to the local clock
	DataDir           string
	Format            string
	ChecksumAlgo      string
	ChunkSize         int
}

// Spoke is a running device simulator.
type Spoke struct {
	cfg       Config
	opts      transport.Options
	clientTLS *tls.Config
	log       zerolog.Logger

	mu        sync.Mutex
	conn      *transport.Conn
	connDone  chan struct{}
	hubHost   string
	ln        *transport.Listener
	recording string
	starts    map[string]int
	wg        sync.WaitGroup

	paused  atomic.Bool
	muted   atomic.Bool
	corrupt atomic.Int32
}

// New validates cfg and prepares TLS material.
func New(cfg Config, log zerolog.Logger) (*Spoke, error) {
	if cfg.ID == "" {
		return nil, errors.New("spoke id is required")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 3 * time.Second
	}
	if cfg.Format == "" {
		cfg.Format = transfer.FormatTarGz
	}
	if cfg.ChecksumAlgo == "" {
		cfg.ChecksumAlgo = transfer.AlgoBLAKE3
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 256 << 10
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(os.TempDir(), "spoke-"+cfg.ID)
	}
	codec, err := protocol.CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	clientTLS, err := transport.ClientConfig(cfg.TLS, "")
	if err != nil {
		return nil, err
	}
	s := &Spoke{
		cfg:       cfg,
		opts:      transport.Options{Codec: codec},
		clientTLS: clientTLS,
		log:       log.With().Str("device_id", cfg.ID).Logger(),
		starts:    make(map[string]int),
	}
	return s, nil
}

// ID returns the device id.
func (s *Spoke) ID() string { return s.cfg.ID }

// Now is the spoke's local clock, including its configured skew.
func (s *Spoke) Now() time.Time { return time.Now().Add(s.cfg.Skew) }

// Connect dials the hub's control port and announces.
func (s *Spoke) Connect(ctx context.Context, hubAddr string) error {
	conn, err := transport.Dial(ctx, hubAddr, s.clientTLS, s.opts)
	if err != nil {
		return err
	}
	if host, _, err := net.SplitHostPort(hubAddr); err == nil {
		s.mu.Lock()
		s.hubHost = host
		s.mu.Unlock()
	}
	return s.attach(conn)
}

// Run keeps a control connection to the hub open, redialing after retry
// whenever it drops, until ctx is done.
func (s *Spoke) Run(ctx context.Context, hubAddr string, retry time.Duration) error {
	for {
		if err := s.Connect(ctx, hubAddr); err != nil {
			s.log.Warn().Err(err).Str("hub", hubAddr).Msg("connect failed")
		} else {
			s.mu.Lock()
			done := s.connDone
			s.mu.Unlock()
			select {
			case <-done:
				s.log.Warn().Msg("control connection lost")
			case <-ctx.Done():
			}
		}
		select {
		case <-ctx.Done():
			s.Close()
			return ctx.Err()
		case <-time.After(retry):
		}
	}
}

// Listen accepts control connections dialed by the hub.
func (s *Spoke) Listen(ctx context.Context, addr string) (net.Addr, error) {
	serverTLS, err := transport.ServerConfig(s.cfg.TLS)
	if err != nil {
		return nil, err
	}
	ln, err := transport.Listen(addr, serverTLS, s.opts)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if err != nil {
				s.log.Warn().Err(err).Msg("accept failed")
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if err := conn.Handshake(ctx); err != nil {
					s.log.Warn().Err(err).Msg("hub connection rejected")
					return
				}
				if host, _, err := net.SplitHostPort(conn.RemoteAddr()); err == nil {
					s.mu.Lock()
					s.hubHost = host
					s.mu.Unlock()
				}
				if err := s.attach(conn); err != nil {
					s.log.Warn().Err(err).Msg("announce to hub failed")
				}
			}()
		}
	}()
	return ln.Addr(), nil
}

// attach announces on conn, waits for the hub's acknowledgement and starts
// the read and heartbeat loops. A previous connection is closed.
func (s *Spoke) attach(conn *transport.Conn) error {
	announce := &protocol.Message{
		Type:         protocol.TypeAnnounce,
		ID:           "announce",
		DeviceID:     s.cfg.ID,
		Name:         s.cfg.Name,
		Capabilities: s.cfg.Capabilities,
		Address:      s.cfg.Address,
		Timestamp:    s.Now().UnixNano(),
	}
	if err := conn.Send(announce); err != nil {
		_ = conn.Close()
		return err
	}
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	ack, err := conn.Receive()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if ack.Type != protocol.TypeAnnounceAck {
		_ = conn.Close()
		return fmt.Errorf("%w: hub answered announce with %s", models.ErrProtocol, ack.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	done := make(chan struct{})
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = conn
	s.connDone = done
	rejoin := s.recording
	s.mu.Unlock()

	s.wg.Add(2)
	go s.readLoop(conn, done)
	go s.heartbeatLoop(conn, done)

	if rejoin != "" {
		_ = conn.Send(&protocol.Message{Type: protocol.TypeRejoinSession, DeviceID: s.cfg.ID, SessionID: rejoin})
	}
	s.log.Info().Str("remote", conn.RemoteAddr()).Msg("connected to hub")
	return nil
}

func (s *Spoke) readLoop(conn *transport.Conn, done chan struct{}) {
	defer s.wg.Done()
	defer close(done)
	for {
		m, err := conn.Receive()
		if err != nil {
			if errors.Is(err, models.ErrProtocol) {
				s.log.Warn().Err(err).Msg("malformed frame from hub")
				continue
			}
			_ = conn.Close()
			return
		}
		s.handle(conn, m)
	}
}

func (s *Spoke) handle(conn *transport.Conn, m *protocol.Message) {
	switch m.Type {
	case protocol.TypeAnnounceAck, protocol.TypeHeartbeatAck, protocol.TypeCommandAck:
		return
	case protocol.TypeError:
		s.log.Warn().Str("code", m.Code).Str("error", m.Error).Msg("hub reported error")
		return
	}
	if s.muted.Load() {
		return
	}

	switch m.Type {
	case protocol.TypeTimeSyncRequest:
		t1 := s.Now().UnixNano()
		resp := m.Reply(protocol.TypeTimeSyncResponse)
		resp.T0 = m.T0
		resp.T1 = t1
		resp.T2 = s.Now().UnixNano()
		_ = conn.Send(resp)

	case protocol.TypeStartRecording:
		if err := s.startRecording(m); err != nil {
			_ = conn.Send(failure(m, "start_failed", err))
			return
		}
		_ = conn.Send(m.Ack(protocol.StatusOK))

	case protocol.TypeStopRecording:
		s.stopRecording(m.SessionID)
		_ = conn.Send(m.Ack(protocol.StatusOK))

	case protocol.TypeFlashSync:
		resp := m.Reply(protocol.TypeFlashSyncEvent)
		resp.EventID = m.EventID
		resp.LocalTime = s.Now().UnixNano()
		s.appendLog(m.SessionID, "flash "+m.EventID)
		_ = conn.Send(resp)

	case protocol.TypeTransferRequest:
		_ = conn.Send(m.Ack(protocol.StatusOK))
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.upload(m); err != nil {
				s.log.Warn().Err(err).Str("session_id", m.SessionID).Msg("upload failed")
			}
		}()

	case protocol.TypeQueryCapabilities:
		resp := m.Reply(protocol.TypeCommandAck)
		resp.Status = protocol.StatusOK
		resp.Capabilities = s.cfg.Capabilities
		_ = conn.Send(resp)

	default:
		_ = conn.Send(failure(m, "unsupported", fmt.Errorf("cannot handle %s", m.Type)))
	}
}

func failure(m *protocol.Message, code string, err error) *protocol.Message {
	r := m.Reply(protocol.TypeError)
	r.Status = protocol.StatusError
	r.Code = code
	r.Error = err.Error()
	return r
}

func (s *Spoke) startRecording(m *protocol.Message) error {
	if m.SessionID == "" {
		return errors.New("session id missing")
	}
	s.mu.Lock()
	if s.recording != "" && s.recording != m.SessionID {
		cur := s.recording
		s.mu.Unlock()
		return fmt.Errorf("already recording %s", cur)
	}
	s.recording = m.SessionID
	s.starts[m.SessionID]++
	s.mu.Unlock()

	if err := os.MkdirAll(s.sessionDir(m.SessionID), 0o755); err != nil {
		return err
	}
	s.appendLog(m.SessionID, "start target_local="+strconv.FormatInt(m.TargetStartLocal, 10))
	s.log.Info().Str("session_id", m.SessionID).Msg("recording started")
	return nil
}

func (s *Spoke) stopRecording(sessionID string) {
	s.mu.Lock()
	if s.recording == sessionID {
		s.recording = ""
	}
	s.mu.Unlock()
	s.appendLog(sessionID, "stop")
	s.log.Info().Str("session_id", sessionID).Msg("recording stopped")
}

func (s *Spoke) sessionDir(sessionID string) string {
	return filepath.Join(s.cfg.DataDir, sessionID)
}

// appendLog writes a timestamped line into the session's placeholder
// recording.
func (s *Spoke) appendLog(sessionID, line string) {
	if sessionID == "" {
		return
	}
	dir := s.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(dir, s.cfg.ID+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%d %s\n", s.Now().UnixNano(), line)
}

// upload packs the session directory and streams it to the hub's transfer
// port.
func (s *Spoke) upload(req *protocol.Message) error {
	s.mu.Lock()
	host := s.hubHost
	s.mu.Unlock()
	if req.Address != "" {
		host = req.Address
	}
	addr := net.JoinHostPort(host, strconv.Itoa(req.Port))

	dir := s.sessionDir(req.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	archive, err := os.CreateTemp("", "spoke-"+s.cfg.ID+"-*."+s.cfg.Format)
	if err != nil {
		return err
	}
	defer os.Remove(archive.Name())
	defer archive.Close()
	if err := transfer.Pack(archive, dir, s.cfg.Format); err != nil {
		return fmt.Errorf("pack: %w", err)
	}
	size, err := archive.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	sum, err := transfer.FileChecksum(archive.Name(), s.cfg.ChecksumAlgo)
	if err != nil {
		return err
	}
	if _, err := archive.Seek(0, io.SeekStart); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	conn, err := transport.Dial(ctx, addr, s.clientTLS, s.opts)
	if err != nil {
		return err
	}
	defer conn.Close()

	err = conn.Send(&protocol.Message{
		Type:         protocol.TypeTransferStart,
		DeviceID:     s.cfg.ID,
		SessionID:    req.SessionID,
		Token:        req.Token,
		Filename:     s.cfg.ID + "." + s.cfg.Format,
		Size:         size,
		Format:       s.cfg.Format,
		ChecksumAlgo: s.cfg.ChecksumAlgo,
	})
	if err != nil {
		return err
	}

	corrupt := s.takeCorruption()
	buf := make([]byte, s.cfg.ChunkSize)
	var seq int64
	for {
		n, rerr := archive.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if corrupt {
				data[0] ^= 0x01
				corrupt = false
			}
			if err := conn.Send(&protocol.Message{Type: protocol.TypeTransferChunk, Seq: seq, Data: data}); err != nil {
				return err
			}
			seq++
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	if err := conn.Send(&protocol.Message{Type: protocol.TypeTransferComplete, Checksum: sum}); err != nil {
		return err
	}

	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	res, err := conn.Receive()
	if err != nil {
		return err
	}
	if res.Failed() {
		return res.Err()
	}
	s.log.Info().Str("session_id", req.SessionID).Int64("bytes", size).Str("checksum", shortHex(sum)).Msg("upload verified by hub")
	return nil
}

func (s *Spoke) takeCorruption() bool {
	for {
		n := s.corrupt.Load()
		if n <= 0 {
			return false
		}
		if s.corrupt.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

func shortHex(sum string) string {
	if b, err := hex.DecodeString(sum); err == nil && len(b) > 8 {
		return hex.EncodeToString(b[:8])
	}
	return sum
}

func (s *Spoke) heartbeatLoop(conn *transport.Conn, done chan struct{}) {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if s.paused.Load() {
				continue
			}
			s.mu.Lock()
			recording := s.recording != ""
			s.mu.Unlock()
			err := conn.Send(&protocol.Message{
				Type:      protocol.TypeHeartbeat,
				DeviceID:  s.cfg.ID,
				Timestamp: s.Now().UnixNano(),
				Health:    &protocol.Health{Battery: 100, Recording: recording},
			})
			if err != nil {
				return
			}
		}
	}
}

// PauseHeartbeats stops or resumes heartbeat emission without closing the
// connection.
func (s *Spoke) PauseHeartbeats(paused bool) { s.paused.Store(paused) }

// Mute makes the spoke ignore every command while muted.
func (s *Spoke) Mute(muted bool) { s.muted.Store(muted) }

// CorruptTransfers flips a bit in the next n uploads.
func (s *Spoke) CorruptTransfers(n int) { s.corrupt.Store(int32(n)) }

// Recording returns the session being recorded, if any.
func (s *Spoke) Recording() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

// Starts counts start_recording commands received for sessionID.
func (s *Spoke) Starts(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts[sessionID]
}

// Connected reports whether a control connection is open.
func (s *Spoke) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connDone == nil {
		return false
	}
	select {
	case <-s.connDone:
		return false
	default:
		return true
	}
}

// Drop closes the control connection.
func (s *Spoke) Drop() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Close drops all connections and waits for background work.
func (s *Spoke) Close() {
	s.mu.Lock()
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.mu.Unlock()
	s.Drop()
	s.wg.Wait()
}
