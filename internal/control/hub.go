// Package control manages the per-device control connections: accepting and
// dialing spokes, the announce handshake, read loops, request/response
// correlation and protocol-violation accounting.
package control

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"spokehub/internal/events"
	"spokehub/internal/heartbeat"
	"spokehub/internal/models"
	"spokehub/internal/protocol"
	"spokehub/internal/registry"
	"spokehub/internal/transport"
)

// RejoinHandler is told when a spoke reports that it was part of a session.
type RejoinHandler func(deviceID, sessionID string)

// deviceConn wraps a control connection with its pending requests.
type deviceConn struct {
	id   string
	conn *transport.Conn
	done chan struct{}
	once sync.Once

	mu         sync.Mutex
	pending    map[string]chan *protocol.Message
	violations int
}

func (dc *deviceConn) close() {
	dc.once.Do(func() {
		close(dc.done)
		_ = dc.conn.Close()
	})
}

// Hub owns every control connection, keyed by device id.
type Hub struct {
	cfg       models.ControlConfig
	serverTLS *tls.Config
	clientTLS *tls.Config
	opts      transport.Options
	pinIDs    bool // announced ids must match the peer certificate
	reg       *registry.Registry
	mon       *heartbeat.Monitor
	bus       *events.Bus
	log       zerolog.Logger

	nextID atomic.Uint64
	wg     sync.WaitGroup

	mu     sync.Mutex
	conns  map[string]*deviceConn
	ln     *transport.Listener
	rejoin RejoinHandler
}

// NewHub creates a control hub. serverTLS is used for inbound connections
// and clientTLS for dialing spokes; either may be nil if that direction is
// unused.
func NewHub(cfg models.ControlConfig, serverTLS, clientTLS *tls.Config, reg *registry.Registry,
	mon *heartbeat.Monitor, bus *events.Bus, log zerolog.Logger) (*Hub, error) {
	codec, err := protocol.CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	if cfg.MaxViolations <= 0 {
		cfg.MaxViolations = 5
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	h := &Hub{
		cfg:       cfg,
		serverTLS: serverTLS,
		clientTLS: clientTLS,
		opts: transport.Options{
			Codec:            codec,
			MaxMessageSize:   cfg.MaxMessageSize,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		pinIDs: requiresVerifiedPeer(serverTLS, clientTLS),
		reg:    reg,
		mon:    mon,
		bus:    bus,
		log:    log,
		conns:  make(map[string]*deviceConn),
	}
	mon.SetRedialer(h)
	return h, nil
}

// requiresVerifiedPeer reports whether the TLS settings are those of
// verify_mode=required, where every peer holds a CA-verified certificate.
func requiresVerifiedPeer(serverTLS, clientTLS *tls.Config) bool {
	if serverTLS != nil {
		return serverTLS.ClientAuth == tls.RequireAndVerifyClientCert
	}
	return clientTLS != nil && !clientTLS.InsecureSkipVerify
}

// SetRejoinHandler installs the callback for rejoin_session messages.
func (h *Hub) SetRejoinHandler(fn RejoinHandler) {
	h.mu.Lock()
	h.rejoin = fn
	h.mu.Unlock()
}

// Listen starts accepting inbound spoke connections on addr.
func (h *Hub) Listen(ctx context.Context, addr string) (net.Addr, error) {
	if h.serverTLS == nil {
		return nil, fmt.Errorf("%w: no server TLS configuration", models.ErrTransport)
	}
	ln, err := transport.Listen(addr, h.serverTLS, h.opts)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.ln = ln
	h.mu.Unlock()

	h.wg.Add(1)
	go h.acceptLoop(ctx, ln)
	h.log.Info().Str("addr", ln.Addr().String()).Str("codec", h.opts.Codec.Name()).Msg("control listener started")
	return ln.Addr(), nil
}

func (h *Hub) acceptLoop(ctx context.Context, ln *transport.Listener) {
	defer h.wg.Done()
	for {
		conn, err := ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			h.log.Warn().Err(err).Msg("accept failed")
			continue
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			if err := conn.Handshake(ctx); err != nil {
				h.log.Warn().Err(err).Msg("inbound connection rejected")
				return
			}
			if _, err := h.handshake(conn, ""); err != nil {
				h.log.Warn().Err(err).Str("remote", conn.RemoteAddr()).Msg("inbound announce failed")
			}
		}()
	}
}

// DialDevice connects to a known spoke at addr. The device passes through
// Connecting; if the attempt fails it returns to the state it was in.
func (h *Hub) DialDevice(ctx context.Context, id, addr string) (models.Device, error) {
	if _, err := h.reg.Register(models.DeviceInfo{ID: id, Address: addr}); err != nil {
		return models.Device{}, err
	}

	var prev models.ConnectionState
	err := h.reg.Update(id, func(d *models.Device) error {
		if d.State.Live() {
			return fmt.Errorf("%w: %s is already connected", models.ErrInvalidTransition, id)
		}
		prev = d.State
		d.State = models.StateConnecting
		return nil
	})
	if err != nil {
		return models.Device{}, err
	}

	d, err := h.connect(ctx, id, addr)
	if err != nil {
		_ = h.reg.Update(id, func(d *models.Device) error {
			if d.State != models.StateConnecting {
				return errors.New("state moved on")
			}
			d.State = prev
			return nil
		})
		h.log.Warn().Err(err).Str("device_id", id).Str("addr", addr).Msg("dial failed")
		return models.Device{}, err
	}
	return d, nil
}

// Redial re-establishes the control connection during reconnection.
func (h *Hub) Redial(ctx context.Context, id, addr string) error {
	_, err := h.connect(ctx, id, addr)
	return err
}

func (h *Hub) connect(ctx context.Context, id, addr string) (models.Device, error) {
	if h.clientTLS == nil {
		return models.Device{}, fmt.Errorf("%w: no client TLS configuration", models.ErrTransport)
	}
	conn, err := transport.Dial(ctx, addr, h.clientTLS, h.opts)
	if err != nil {
		return models.Device{}, models.NewDeviceError(id, models.ErrTransport, err)
	}
	return h.handshake(conn, id)
}

// handshake waits for the spoke's announce, registers it and starts its read
// loop. When expectID is set the announced id must match.
func (h *Hub) handshake(conn *transport.Conn, expectID string) (models.Device, error) {
	timeout := h.opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	m, err := conn.Receive()
	if err != nil {
		_ = conn.Close()
		return models.Device{}, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	if m.Type != protocol.TypeAnnounce || m.DeviceID == "" {
		_ = conn.Send(&protocol.Message{Type: protocol.TypeError, ReplyTo: m.ID, Code: "announce_required",
			Error: "first message must be announce"})
		_ = conn.Close()
		return models.Device{}, fmt.Errorf("%w: expected announce, got %s", models.ErrProtocol, m.Type)
	}
	if expectID != "" && m.DeviceID != expectID {
		_ = conn.Close()
		return models.Device{}, models.NewDeviceError(expectID, models.ErrProtocol,
			fmt.Errorf("peer announced as %q", m.DeviceID))
	}

	if h.pinIDs && m.DeviceID != conn.PeerName() {
		_ = conn.Send(&protocol.Message{Type: protocol.TypeError, ReplyTo: m.ID, Code: "identity_mismatch",
			Error: "announced device id does not match certificate"})
		_ = conn.Close()
		return models.Device{}, models.NewDeviceError(m.DeviceID, models.ErrProtocol,
			fmt.Errorf("certificate belongs to %q", conn.PeerName()))
	}

	info := models.DeviceInfo{
		ID:           m.DeviceID,
		Name:         m.Name,
		Capabilities: m.Capabilities,
		Address:      m.Address,
	}
	if info.Address == "" && expectID != "" {
		info.Address = conn.RemoteAddr()
	}
	if _, err := h.reg.Register(info); err != nil {
		_ = conn.Close()
		return models.Device{}, err
	}

	dc := &deviceConn{
		id:      info.ID,
		conn:    conn,
		done:    make(chan struct{}),
		pending: make(map[string]chan *protocol.Message),
	}
	h.mu.Lock()
	if prev, ok := h.conns[info.ID]; ok {
		prev.close()
	}
	h.conns[info.ID] = dc
	h.mu.Unlock()

	// The ack must be the first frame the spoke sees; samplers start
	// talking as soon as the device is marked connected.
	ack := m.Reply(protocol.TypeAnnounceAck)
	ack.Timestamp = time.Now().UnixNano()
	if err := conn.Send(ack); err != nil {
		h.drop(dc)
		return models.Device{}, models.NewDeviceError(info.ID, models.ErrTransport, err)
	}

	d, err := h.mon.MarkConnected(info.ID)
	if err != nil {
		h.drop(dc)
		return models.Device{}, err
	}

	h.log.Info().
		Str("device_id", info.ID).
		Str("peer", conn.PeerName()).
		Str("remote", conn.RemoteAddr()).
		Uint64("epoch", d.Epoch).
		Strs("capabilities", info.Capabilities).
		Msg("device connected")

	h.wg.Add(1)
	go h.readLoop(dc)

	if len(info.Capabilities) == 0 {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.queryCapabilities(info.ID)
		}()
	}
	return d, nil
}

// readLoop reads frames from one device and dispatches them until the
// connection closes.
func (h *Hub) readLoop(dc *deviceConn) {
	defer h.wg.Done()
	for {
		m, err := dc.conn.Receive()
		if err != nil {
			if errors.Is(err, models.ErrProtocol) {
				if h.violation(dc, err) {
					return
				}
				continue
			}
			if h.drop(dc) {
				h.mon.ConnectionLost(dc.id, err)
			}
			return
		}
		if m.DeviceID != "" && m.DeviceID != dc.id {
			if h.violation(dc, fmt.Errorf("%w: frame for %q on %q's connection", models.ErrProtocol, m.DeviceID, dc.id)) {
				return
			}
			continue
		}
		h.handleFrame(dc, m)
	}
}

// handleFrame routes a decoded message.
func (h *Hub) handleFrame(dc *deviceConn, m *protocol.Message) {
	if m.ReplyTo != "" {
		dc.mu.Lock()
		ch, ok := dc.pending[m.ReplyTo]
		delete(dc.pending, m.ReplyTo)
		dc.mu.Unlock()
		if ok {
			ch <- m
		} else {
			h.log.Debug().Str("device_id", dc.id).Str("reply_to", m.ReplyTo).Msg("late or unknown reply")
		}
		return
	}

	switch m.Type {
	case protocol.TypeHeartbeat:
		var health models.Health
		if m.Health != nil {
			health = models.Health{Battery: m.Health.Battery, FreeStorage: m.Health.FreeStorage, Recording: m.Health.Recording}
		}
		if err := h.mon.RecordHeartbeat(dc.id, health); err != nil {
			h.log.Error().Err(err).Str("device_id", dc.id).Msg("record heartbeat")
		}
		ack := m.Reply(protocol.TypeHeartbeatAck)
		ack.Timestamp = time.Now().UnixNano()
		_ = dc.conn.Send(ack)

	case protocol.TypeAnnounce:
		_, _ = h.reg.Register(models.DeviceInfo{ID: dc.id, Name: m.Name, Capabilities: m.Capabilities, Address: m.Address})
		_ = dc.conn.Send(m.Reply(protocol.TypeAnnounceAck))

	case protocol.TypeRejoinSession:
		h.mu.Lock()
		fn := h.rejoin
		h.mu.Unlock()
		h.log.Info().Str("device_id", dc.id).Str("session_id", m.SessionID).Msg("device asks to rejoin session")
		if fn != nil {
			fn(dc.id, m.SessionID)
		}
		_ = dc.conn.Send(m.Ack(protocol.StatusOK))

	case protocol.TypeError:
		h.log.Warn().Str("device_id", dc.id).Str("code", m.Code).Str("error", m.Error).Msg("device reported error")
		h.publish(events.Event{
			Type:     events.DeviceFault,
			Severity: events.SeverityWarning,
			DeviceID: dc.id,
			Message:  m.Error,
			Metadata: map[string]string{"code": m.Code},
		})

	default:
		h.log.Debug().Str("device_id", dc.id).Str("type", string(m.Type)).Msg("ignoring unsolicited message")
	}
}

// violation counts a malformed frame and reports whether the connection was
// dropped because of it.
func (h *Hub) violation(dc *deviceConn, err error) bool {
	dc.mu.Lock()
	dc.violations++
	n := dc.violations
	dc.mu.Unlock()

	h.log.Warn().Err(err).Str("device_id", dc.id).Int("violations", n).Msg("protocol violation")
	_ = dc.conn.Send(&protocol.Message{Type: protocol.TypeError, Code: "protocol_violation", Error: err.Error()})
	if n < h.cfg.MaxViolations {
		return false
	}

	derr := models.NewDeviceError(dc.id, models.ErrProtocol, fmt.Errorf("%d protocol violations", n))
	h.publish(events.Event{
		Type:     events.DeviceFault,
		Severity: events.SeverityWarning,
		DeviceID: dc.id,
		Message:  derr.Error(),
	})
	if h.drop(dc) {
		h.mon.ConnectionLost(dc.id, derr)
	}
	return true
}

// drop closes dc and forgets it if it is still the device's current
// connection. It reports whether it was.
func (h *Hub) drop(dc *deviceConn) bool {
	dc.close()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[dc.id] == dc {
		delete(h.conns, dc.id)
		return true
	}
	return false
}

func (h *Hub) current(id string) (*deviceConn, error) {
	h.mu.Lock()
	dc, ok := h.conns[id]
	h.mu.Unlock()
	if !ok {
		return nil, models.NewDeviceError(id, models.ErrDeviceUnavailable, errors.New("no control connection"))
	}
	return dc, nil
}

// Send writes msg to the device without waiting for a reply.
func (h *Hub) Send(id string, msg *protocol.Message) error {
	dc, err := h.current(id)
	if err != nil {
		return err
	}
	msg.DeviceID = id
	if err := dc.conn.Send(msg); err != nil {
		return models.NewDeviceError(id, models.ErrTransport, err)
	}
	return nil
}

// Request sends msg and waits for the reply correlated by id. Without a
// deadline on ctx the configured request timeout applies. A reply that
// reports failure is returned together with an error.
func (h *Hub) Request(ctx context.Context, id string, msg *protocol.Message) (*protocol.Message, error) {
	dc, err := h.current(id)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.RequestTimeout)
		defer cancel()
	}

	reqID := strconv.FormatUint(h.nextID.Add(1), 10)
	msg.ID = reqID
	msg.DeviceID = id
	ch := make(chan *protocol.Message, 1)

	dc.mu.Lock()
	dc.pending[reqID] = ch
	dc.mu.Unlock()
	defer func() {
		dc.mu.Lock()
		delete(dc.pending, reqID)
		dc.mu.Unlock()
	}()

	if err := dc.conn.Send(msg); err != nil {
		return nil, models.NewDeviceError(id, models.ErrTransport, err)
	}

	select {
	case resp := <-ch:
		if resp.Failed() {
			return resp, models.NewDeviceError(id, models.ErrProtocol, resp.Err())
		}
		return resp, nil
	case <-dc.done:
		return nil, models.NewDeviceError(id, models.ErrDeviceUnavailable, errors.New("connection closed"))
	case <-ctx.Done():
		return nil, models.NewDeviceError(id, models.ErrDeviceUnavailable, ctx.Err())
	}
}

func (h *Hub) queryCapabilities(id string) {
	resp, err := h.Request(context.Background(), id, &protocol.Message{Type: protocol.TypeQueryCapabilities})
	if err != nil {
		h.log.Debug().Err(err).Str("device_id", id).Msg("capability query failed")
		return
	}
	if len(resp.Capabilities) > 0 {
		_, _ = h.reg.Register(models.DeviceInfo{ID: id, Capabilities: resp.Capabilities})
	}
}

// Connected returns the ids of devices with an open control connection.
func (h *Hub) Connected() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	return ids
}

// Disconnect closes the device's control connection. The read loop reports
// the loss to the heartbeat monitor.
func (h *Hub) Disconnect(id string) {
	h.mu.Lock()
	dc, ok := h.conns[id]
	h.mu.Unlock()
	if ok {
		dc.close()
	}
}

// Close stops the listener, terminates all connections and waits for their
// goroutines.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.ln != nil {
		_ = h.ln.Close()
	}
	conns := h.conns
	h.conns = make(map[string]*deviceConn)
	h.mu.Unlock()

	for _, dc := range conns {
		dc.close()
	}
	h.wg.Wait()
	h.log.Info().Msg("control hub closed")
}

func (h *Hub) publish(e events.Event) {
	if h.bus != nil {
		h.bus.Publish(e)
	}
}
