package api

import (
	"bufio"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"spokehub/internal/models"
	"spokehub/internal/store"
)

// CORS adds CORS headers to responses (reflects request origin instead of wildcard)
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code. It stays hijackable so the
// event stream can upgrade through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer cannot be hijacked")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Logging logs request details
func Logging(log zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		ev := log.Debug()
		if rec.status >= http.StatusInternalServerError {
			ev = log.Warn()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start).Round(time.Millisecond)).
			Msg("http request")
	})
}

// authenticator checks a bearer token against a bcrypt hash. An empty hash
// disables authentication.
type authenticator struct {
	hash []byte

	// verified remembers digests of tokens that already matched, so bcrypt
	// runs once per token rather than once per request.
	mu       sync.Mutex
	verified map[[sha256.Size]byte]bool
}

func newAuthenticator(hash string) *authenticator {
	a := &authenticator{verified: make(map[[sha256.Size]byte]bool)}
	if hash != "" {
		a.hash = []byte(hash)
	}
	return a
}

// Middleware checks for valid authentication before calling next. The token
// comes from the Authorization header, or the token query parameter for
// WebSocket clients that cannot set headers.
func (a *authenticator) Middleware(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.hash == nil {
			next(w, r)
			return
		}
		token := r.URL.Query().Get("token")
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
		if token == "" || !a.valid(token) {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		next(w, r)
	})
}

func (a *authenticator) valid(token string) bool {
	sum := sha256.Sum256([]byte(token))
	a.mu.Lock()
	ok := a.verified[sum]
	a.mu.Unlock()
	if ok {
		return true
	}
	if bcrypt.CompareHashAndPassword(a.hash, []byte(token)) != nil {
		return false
	}
	a.mu.Lock()
	a.verified[sum] = true
	a.mu.Unlock()
	return true
}

// HashToken returns the bcrypt hash to configure as api.token_hash.
func HashToken(token string) (string, error) {
	if len(token) < 12 {
		return "", fmt.Errorf("token must be at least 12 characters")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

type errorBody struct {
	Error string `json:"error"`
}

// writeJSON sends a JSON response
func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNoHealthyDevices):
		return http.StatusPreconditionFailed
	case errors.Is(err, models.ErrSessionState):
		return http.StatusConflict
	case errors.Is(err, models.ErrNoAcknowledgements):
		return http.StatusGatewayTimeout
	case errors.Is(err, models.ErrDeviceNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
