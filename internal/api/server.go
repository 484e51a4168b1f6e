// Package api exposes the hub to operators: read-only device and session
// views, session control, and a live event stream over WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"spokehub/internal/events"
	"spokehub/internal/models"
	"spokehub/internal/store"
	"spokehub/internal/version"
)

// Devices is the read side of the device registry.
type Devices interface {
	List() []models.Device
	Get(id string) (models.Device, error)
}

// Sessions drives the active recording session.
type Sessions interface {
	Status() (models.Session, bool)
	Create(ctx context.Context, name string) (models.Session, error)
	StartRecording(ctx context.Context) (models.Session, error)
	StopRecording(ctx context.Context) (models.Session, error)
	Abort(ctx context.Context, reason string) (models.Session, error)
	FlashSync(ctx context.Context) (models.FlashResult, error)
}

// Catalogue is the history of past sessions.
type Catalogue interface {
	ListSessions(ctx context.Context, limit int) ([]store.SessionSummary, error)
	GetSession(ctx context.Context, id string) (models.Session, error)
}

// Server serves the operator API.
type Server struct {
	cfg      models.APIConfig
	devices  Devices
	sessions Sessions
	catalog  Catalogue
	stream   *EventStream
	log      zerolog.Logger
	handler  http.Handler

	srv *http.Server
}

// New builds the API. catalog may be nil when no database is configured.
func New(cfg models.APIConfig, devices Devices, sessions Sessions, catalog Catalogue, bus *events.Bus, log zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		devices:  devices,
		sessions: sessions,
		catalog:  catalog,
		stream:   NewEventStream(bus, log),
		log:      log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Get().Version})
	})

	auth := newAuthenticator(cfg.TokenHash)
	protect := func(h http.HandlerFunc) http.Handler { return auth.Middleware(h) }

	mux.Handle("GET /api/devices", protect(s.listDevices))
	mux.Handle("GET /api/devices/{id}", protect(s.getDevice))
	mux.Handle("GET /api/session", protect(s.getSession))
	mux.Handle("POST /api/session", protect(s.createSession))
	mux.Handle("POST /api/session/start", protect(s.startSession))
	mux.Handle("POST /api/session/stop", protect(s.stopSession))
	mux.Handle("POST /api/session/abort", protect(s.abortSession))
	mux.Handle("POST /api/session/flash", protect(s.flashSync))
	mux.Handle("GET /api/sessions", protect(s.listSessions))
	mux.Handle("GET /api/sessions/{id}", protect(s.getPastSession))
	mux.Handle("GET /ws/events", protect(s.stream.HandleConnection))

	s.handler = CORS(Logging(log, mux))
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Serve listens on cfg.Listen until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	s.srv = &http.Server{Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}
	s.log.Info().Str("addr", ln.Addr().String()).Bool("auth", s.cfg.TokenHash != "").Msg("api listening")

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.stream.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.devices.List())
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.devices.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, _ := s.sessions.Status()
	writeJSON(w, http.StatusOK, sess)
}

type createRequest struct {
	Name string `json:"name"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeOptional(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}
	sess, err := s.sessions.Create(r.Context(), req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.sessions.StartRecording)
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.sessions.StopRecording)
}

type abortRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) abortSession(w http.ResponseWriter, r *http.Request) {
	var req abortRequest
	if err := decodeOptional(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}
	if req.Reason == "" {
		req.Reason = "aborted by operator"
	}
	s.transition(w, r, func(ctx context.Context) (models.Session, error) {
		return s.sessions.Abort(ctx, req.Reason)
	})
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context) (models.Session, error)) {
	sess, err := fn(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) flashSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.sessions.FlashSync(r.Context())
	if err != nil && res.EventID == "" {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeJSON(w, http.StatusOK, []store.SessionSummary{})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	list, err := s.catalog.ListSessions(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []store.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getPastSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if cur, ok := s.sessions.Status(); ok && cur.ID == id {
		writeJSON(w, http.StatusOK, cur)
		return
	}
	if s.catalog == nil {
		writeError(w, store.ErrNotFound)
		return
	}
	sess, err := s.catalog.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// decodeOptional decodes a JSON body if one was sent.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 64<<10)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
