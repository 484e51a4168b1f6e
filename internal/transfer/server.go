// Package transfer retrieves session archives from spokes over a dedicated
// TLS port, verifies them and unpacks them into the session directory.
package transfer

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spokehub/internal/events"
	"spokehub/internal/models"
	"spokehub/internal/protocol"
	"spokehub/internal/transport"
)

// Commander delivers control-channel requests to a device.
type Commander interface {
	Request(ctx context.Context, deviceID string, msg *protocol.Message) (*protocol.Message, error)
}

// Job identifies one device archive to retrieve.
type Job struct {
	SessionID string
	DeviceID  string
	Dir       string // session directory
}

// arrival is an authenticated transfer connection with its opening frame.
type arrival struct {
	conn  *transport.Conn
	start *protocol.Message
}

type ticket struct {
	job Job
	ch  chan arrival

	mu     sync.Mutex
	closed bool
}

// deliver hands conn to the waiting attempt. It reports false, leaving conn
// to the caller, when the attempt has already finished.
func (t *ticket) deliver(a arrival) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.ch <- a
	return true
}

// close marks the attempt finished and closes a connection that arrived
// after it stopped waiting.
func (t *ticket) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	select {
	case late := <-t.ch:
		_ = late.conn.Close()
	default:
	}
}

// Server accepts transfer connections and matches them to pending jobs by
// one-time token.
type Server struct {
	cfg  models.TransferConfig
	tls  *tls.Config
	opts transport.Options
	cmd  Commander
	bus  events.Publisher
	log  zerolog.Logger

	mu      sync.Mutex
	ln      *transport.Listener
	tickets map[string]*ticket
	wg      sync.WaitGroup
}

// NewServer creates a transfer server. Call Start before fetching.
func NewServer(cfg models.TransferConfig, tlsCfg *tls.Config, opts transport.Options, cmd Commander,
	bus events.Publisher, log zerolog.Logger) *Server {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 2
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = 10 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	return &Server{
		cfg:     cfg,
		tls:     tlsCfg,
		opts:    opts,
		cmd:     cmd,
		bus:     bus,
		log:     log,
		tickets: make(map[string]*ticket),
	}
}

// Start opens the transfer listener.
func (s *Server) Start(ctx context.Context) (net.Addr, error) {
	ln, err := transport.Listen(s.cfg.Listen, s.tls, s.opts)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)
	s.log.Info().Str("addr", ln.Addr().String()).Msg("transfer listener started")
	return ln.Addr(), nil
}

// Port is the listening port advertised to spokes.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return 0
	}
	return s.ln.Port()
}

// Close stops the listener and waits for connection handlers.
func (s *Server) Close() {
	s.mu.Lock()
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context, ln *transport.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			s.log.Warn().Err(err).Msg("transfer accept failed")
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := conn.Handshake(ctx); err != nil {
				s.log.Warn().Err(err).Msg("transfer connection rejected")
				return
			}
			s.route(conn)
		}()
	}
}

// route reads transfer_start and hands the connection to the job that
// issued its token. Unknown or reused tokens are refused.
func (s *Server) route(conn *transport.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ChunkTimeout))
	m, err := conn.Receive()
	if err != nil {
		s.log.Debug().Err(err).Str("remote", conn.RemoteAddr()).Msg("transfer start not received")
		_ = conn.Close()
		return
	}
	if m.Type != protocol.TypeTransferStart {
		refuse(conn, m, "expected transfer_start")
		return
	}

	s.mu.Lock()
	t, ok := s.tickets[m.Token]
	if ok {
		delete(s.tickets, m.Token)
	}
	s.mu.Unlock()
	if !ok {
		s.log.Warn().Str("device_id", m.DeviceID).Str("remote", conn.RemoteAddr()).Msg("transfer with unknown token")
		refuse(conn, m, "unknown or expired token")
		return
	}
	if !t.deliver(arrival{conn: conn, start: m}) {
		s.log.Debug().Str("device_id", m.DeviceID).Msg("transfer arrived after its attempt ended")
		refuse(conn, m, "transfer attempt ended")
	}
}

func refuse(conn *transport.Conn, m *protocol.Message, reason string) {
	res := m.Reply(protocol.TypeTransferResult)
	res.Status = protocol.StatusError
	res.Error = reason
	_ = conn.Send(res)
	_ = conn.Close()
}

func (s *Server) issue(job Job) (string, *ticket, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, err
	}
	token := hex.EncodeToString(buf)
	t := &ticket{job: job, ch: make(chan arrival, 1)}
	s.mu.Lock()
	s.tickets[token] = t
	s.mu.Unlock()
	return token, t, nil
}

func (s *Server) revoke(token string) {
	s.mu.Lock()
	delete(s.tickets, token)
	s.mu.Unlock()
}

// Fetch retrieves one device's archive, retrying a failed transfer up to the
// configured number of attempts. The returned job is always terminal.
func (s *Server) Fetch(ctx context.Context, job Job) models.TransferJob {
	tj := models.TransferJob{DeviceID: job.DeviceID, Status: models.TransferPending}
	log := s.log.With().Str("session_id", job.SessionID).Str("device_id", job.DeviceID).Logger()

	for tj.Attempts < s.cfg.Attempts {
		tj.Attempts++
		tj.Status = models.TransferInProgress
		tj.Received = 0
		err := s.attempt(ctx, job, &tj)
		if err == nil {
			tj.Status = models.TransferVerified
			tj.Error = ""
			log.Info().Int64("bytes", tj.Received).Str("checksum", tj.Checksum).Int("attempt", tj.Attempts).Msg("transfer verified")
			s.publish(events.Event{
				Type:      events.TransferVerified,
				Severity:  events.SeverityInfo,
				DeviceID:  job.DeviceID,
				SessionID: job.SessionID,
				Message:   "archive verified",
				Payload:   tj,
			})
			return tj
		}
		tj.Error = err.Error()
		log.Warn().Err(err).Int("attempt", tj.Attempts).Int("max_attempts", s.cfg.Attempts).Msg("transfer attempt failed")
		if ctx.Err() != nil {
			break
		}
	}

	tj.Status = models.TransferFailed
	s.publish(events.Event{
		Type:      events.TransferFailed,
		Severity:  events.SeverityCritical,
		DeviceID:  job.DeviceID,
		SessionID: job.SessionID,
		Message:   tj.Error,
		Payload:   tj,
	})
	return tj
}

func (s *Server) attempt(ctx context.Context, job Job, tj *models.TransferJob) error {
	port := s.Port()
	if port == 0 {
		return fmt.Errorf("%w: transfer listener not started", models.ErrTransport)
	}
	token, t, err := s.issue(job)
	if err != nil {
		return err
	}
	defer func() {
		s.revoke(token)
		t.close()
	}()

	req := &protocol.Message{
		Type:      protocol.TypeTransferRequest,
		SessionID: job.SessionID,
		Port:      port,
		Token:     token,
		Address:   s.cfg.AdvertiseHost,
	}
	if _, err := s.cmd.Request(ctx, job.DeviceID, req); err != nil {
		return err
	}

	timer := time.NewTimer(s.cfg.ConnectTimeout)
	defer timer.Stop()
	var a arrival
	select {
	case a = <-t.ch:
	case <-timer.C:
		return models.NewDeviceError(job.DeviceID, models.ErrTransport, errors.New("spoke did not connect for transfer"))
	case <-ctx.Done():
		return ctx.Err()
	}
	defer a.conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = a.conn.Close() })
	defer stop()
	return s.receive(a, job, tj)
}

// receive streams the archive to a .part file, verifies its checksum and
// unpacks it.
func (s *Server) receive(a arrival, job Job, tj *models.TransferJob) (err error) {
	start := a.start
	reply := func(status, msg string) {
		res := start.Reply(protocol.TypeTransferResult)
		res.Status = status
		res.Error = msg
		_ = a.conn.Send(res)
	}
	defer func() {
		if err != nil {
			reply(protocol.StatusError, err.Error())
		}
	}()

	if start.DeviceID != job.DeviceID || start.SessionID != job.SessionID {
		return models.NewDeviceError(job.DeviceID, models.ErrProtocol,
			fmt.Errorf("transfer_start for %s/%s", start.DeviceID, start.SessionID))
	}
	format := start.Format
	if format == "" {
		format = FormatTarGz
	}
	if !SupportedFormat(format) {
		return models.NewDeviceError(job.DeviceID, models.ErrProtocol, fmt.Errorf("unsupported format %q", format))
	}
	if s.cfg.MaxArchiveSize > 0 && start.Size > s.cfg.MaxArchiveSize {
		return models.NewDeviceError(job.DeviceID, models.ErrProtocol,
			fmt.Errorf("archive of %d bytes exceeds limit %d", start.Size, s.cfg.MaxArchiveSize))
	}
	h, err := NewHash(start.ChecksumAlgo)
	if err != nil {
		return models.NewDeviceError(job.DeviceID, models.ErrProtocol, err)
	}

	tj.Filename = start.Filename
	tj.Expected = start.Size
	part := filepath.Join(job.Dir, job.DeviceID+"."+format+".part")
	f, err := os.Create(part)
	if err != nil {
		return err
	}
	defer func() {
		f.Close()
		_ = os.Remove(part)
	}()

	var next int64
	for {
		_ = a.conn.SetReadDeadline(time.Now().Add(s.cfg.ChunkTimeout))
		m, err := a.conn.Receive()
		if err != nil {
			return models.NewDeviceError(job.DeviceID, models.ErrTransport,
				fmt.Errorf("stream ended after %d of %d bytes: %w", tj.Received, tj.Expected, err))
		}

		switch m.Type {
		case protocol.TypeTransferChunk:
			if m.Seq != next {
				return models.NewDeviceError(job.DeviceID, models.ErrProtocol,
					fmt.Errorf("chunk %d out of order, want %d", m.Seq, next))
			}
			next++
			if tj.Received+int64(len(m.Data)) > tj.Expected {
				return models.NewDeviceError(job.DeviceID, models.ErrTransferIntegrity,
					fmt.Errorf("received more than the announced %d bytes", tj.Expected))
			}
			if _, err := f.Write(m.Data); err != nil {
				return err
			}
			_, _ = h.Write(m.Data)
			tj.Received += int64(len(m.Data))
			s.progress(job, tj)

		case protocol.TypeTransferComplete:
			if tj.Received != tj.Expected {
				return models.NewDeviceError(job.DeviceID, models.ErrTransferIntegrity,
					fmt.Errorf("short stream: %d of %d bytes", tj.Received, tj.Expected))
			}
			sum := hex.EncodeToString(h.Sum(nil))
			if !strings.EqualFold(sum, m.Checksum) {
				return models.NewDeviceError(job.DeviceID, models.ErrTransferIntegrity,
					fmt.Errorf("checksum mismatch: got %s, spoke sent %s", sum, m.Checksum))
			}
			if err := f.Close(); err != nil {
				return err
			}
			n, err := Unpack(part, format, filepath.Join(job.Dir, job.DeviceID), s.cfg.MaxArchiveSize)
			if err != nil {
				return models.NewDeviceError(job.DeviceID, models.ErrTransferIntegrity, fmt.Errorf("unpack: %w", err))
			}
			tj.Checksum = sum
			reply(protocol.StatusOK, "")
			s.log.Debug().Str("device_id", job.DeviceID).Int("files", n).Msg("archive unpacked")
			return nil

		default:
			return models.NewDeviceError(job.DeviceID, models.ErrProtocol,
				fmt.Errorf("unexpected %s during transfer", m.Type))
		}
	}
}

func (s *Server) progress(job Job, tj *models.TransferJob) {
	s.publish(events.Event{
		Type:      events.TransferProgress,
		Severity:  events.SeverityInfo,
		DeviceID:  job.DeviceID,
		SessionID: job.SessionID,
		Message:   strconv.FormatInt(tj.Received, 10) + "/" + strconv.FormatInt(tj.Expected, 10),
		Payload: events.TransferProgressPayload{
			DeviceID: job.DeviceID,
			Received: tj.Received,
			Expected: tj.Expected,
			Attempt:  tj.Attempts,
		},
	})
}

func (s *Server) publish(e events.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}
