package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"spokehub/internal/models"
	"spokehub/internal/protocol"
)

// ErrHandshake marks a failed TLS handshake, typically a rejected
// certificate. It is fatal for that connection attempt only.
var ErrHandshake = fmt.Errorf("%w: tls handshake failed", models.ErrTransport)

// Error records the operation and peer a transport failure happened on.
// It matches models.ErrTransport as well as the underlying cause.
type Error struct {
	Op   string
	Addr string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{models.ErrTransport, e.Err}
}

// Options tune framing and timeouts for a connection.
type Options struct {
	Codec            protocol.Codec
	MaxMessageSize   int
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func (o Options) withDefaults() Options {
	if o.Codec == nil {
		o.Codec = protocol.JSON
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = protocol.DefaultMaxMessageSize
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

// Conn is an authenticated, framed message connection.
type Conn struct {
	raw  *tls.Conn
	r    *protocol.Reader
	w    *protocol.Writer
	opts Options
	peer string
}

func newConn(raw *tls.Conn, opts Options) *Conn {
	return &Conn{
		raw:  raw,
		r:    protocol.NewReader(raw, opts.Codec, opts.MaxMessageSize),
		w:    protocol.NewWriter(raw, opts.Codec, opts.MaxMessageSize),
		opts: opts,
	}
}

// Handshake completes the TLS handshake within the handshake timeout. The
// connection is closed if it fails.
func (c *Conn) Handshake(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()
	return c.handshake(hctx, c.RemoteAddr())
}

func (c *Conn) handshake(ctx context.Context, addr string) error {
	if err := c.raw.HandshakeContext(ctx); err != nil {
		_ = c.raw.Close()
		return &Error{Op: "handshake", Addr: addr, Err: fmt.Errorf("%w: %w", ErrHandshake, err)}
	}
	if certs := c.raw.ConnectionState().PeerCertificates; len(certs) > 0 {
		c.peer = certs[0].Subject.CommonName
	}
	return nil
}

// Send writes one message, bounded by the write timeout.
func (c *Conn) Send(m *protocol.Message) error {
	_ = c.raw.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.w.Write(m); err != nil {
		return &Error{Op: "send", Addr: c.RemoteAddr(), Err: err}
	}
	return nil
}

// Receive blocks for the next message. Decode failures wrap
// models.ErrProtocol and leave the connection usable; anything else means
// the connection is gone.
func (c *Conn) Receive() (*protocol.Message, error) {
	m, err := c.r.Read()
	if err != nil {
		if errors.Is(err, models.ErrProtocol) {
			return nil, err
		}
		return nil, &Error{Op: "receive", Addr: c.RemoteAddr(), Err: err}
	}
	return m, nil
}

// SetReadDeadline bounds the next Receive.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.raw.SetReadDeadline(t)
}

// PeerName is the common name of the verified peer certificate, or empty
// when the peer presented none.
func (c *Conn) PeerName() string { return c.peer }

// RemoteAddr returns the peer network address.
func (c *Conn) RemoteAddr() string { return c.raw.RemoteAddr().String() }

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.raw.Close() }

// Listener accepts TLS connections.
type Listener struct {
	ln   net.Listener
	tls  *tls.Config
	opts Options
}

// Listen opens a TCP listener that will speak TLS with tlsCfg.
func Listen(addr string, tlsCfg *tls.Config, opts Options) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &Error{Op: "listen", Addr: addr, Err: err}
	}
	return &Listener{ln: ln, tls: tlsCfg, opts: opts.withDefaults()}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Port returns the bound TCP port.
func (l *Listener) Port() int {
	if a, ok := l.ln.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// Close stops accepting.
func (l *Listener) Close() error { return l.ln.Close() }

// Accept waits for the next TCP connection. The TLS handshake has not run
// yet: callers complete it with Handshake on the connection's own goroutine
// so a peer that never speaks TLS holds up nobody else. net.ErrClosed is
// returned once the listener closes.
func (l *Listener) Accept() (*Conn, error) {
	raw, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, net.ErrClosed
		}
		return nil, &Error{Op: "accept", Addr: l.ln.Addr().String(), Err: err}
	}
	return newConn(tls.Server(raw, l.tls), l.opts), nil
}

// Dial connects to addr and completes the TLS handshake within the
// handshake timeout.
func Dial(ctx context.Context, addr string, tlsCfg *tls.Config, opts Options) (*Conn, error) {
	opts = opts.withDefaults()
	hctx, cancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	defer cancel()

	var d net.Dialer
	raw, err := d.DialContext(hctx, "tcp", addr)
	if err != nil {
		return nil, &Error{Op: "dial", Addr: addr, Err: err}
	}

	cfg := tlsCfg.Clone()
	if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			cfg.ServerName = host
		}
	}

	c := newConn(tls.Client(raw, cfg), opts)
	if err := c.handshake(hctx, addr); err != nil {
		return nil, err
	}
	return c, nil
}
