package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"spokehub/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 90 * time.Second
	pingPeriod = 30 * time.Second
)

// EventStream pushes bus events to dashboard WebSocket clients as JSON
// text frames.
type EventStream struct {
	bus      *events.Bus
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	nextID uint64
	conns  map[uint64]*wsConn
}

// wsConn wraps a WebSocket connection with its subscription.
type wsConn struct {
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

func (c *wsConn) close() {
	c.once.Do(func() { close(c.done) })
}

// NewEventStream creates a stream fed from bus.
func NewEventStream(bus *events.Bus, log zerolog.Logger) *EventStream {
	return &EventStream{
		bus: bus,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[uint64]*wsConn),
	}
}

// HandleConnection upgrades to WebSocket and streams events until the
// client goes away.
//
// Query parameters:
//   - types: optional comma-separated event types, e.g. device.state,session.state
func (s *EventStream) HandleConnection(w http.ResponseWriter, r *http.Request) {
	var types []events.EventType
	if v := r.URL.Query().Get("types"); v != "" {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, events.EventType(t))
			}
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	wc := &wsConn{conn: conn, done: make(chan struct{})}
	ch, cancel := s.bus.SubscribeChan(256, types...)

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.conns[id] = wc
	s.mu.Unlock()

	s.log.Debug().Str("remote", r.RemoteAddr).Int("types", len(types)).Msg("event stream client connected")

	go s.readLoop(wc)
	s.writeLoop(wc, ch)

	cancel()
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
	s.log.Debug().Str("remote", r.RemoteAddr).Msg("event stream client disconnected")
}

// readLoop discards client frames; it exists to process pongs and notice
// the close.
func (s *EventStream) readLoop(wc *wsConn) {
	defer wc.close()
	wc.conn.SetReadLimit(4096)
	wc.conn.SetReadDeadline(time.Now().Add(pongWait))
	wc.conn.SetPongHandler(func(string) error {
		wc.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := wc.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Msg("event stream read error")
			}
			return
		}
	}
}

func (s *EventStream) writeLoop(wc *wsConn, ch <-chan events.Event) {
	defer wc.conn.Close()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-wc.done:
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wc.conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			if err := wc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// ActiveConnections returns the number of connected clients.
func (s *EventStream) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// CloseAll terminates every client connection.
func (s *EventStream) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, wc := range s.conns {
		wc.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(time.Second),
		)
		wc.close()
	}
}
