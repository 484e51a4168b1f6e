package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spokehub/internal/models"
)

func executeCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	stdout := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(&bytes.Buffer{})
	root.SetIn(strings.NewReader(""))
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), err
}

func TestConfigInitThenShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "spokehub.toml")

	out, err := executeCLI(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[heartbeat]")
	assert.Contains(t, string(data), "sync_loss_policy = 'continue'")

	_, err = executeCLI(t, "config", "init", path)
	assert.ErrorContains(t, err, "already exists")

	out, err = executeCLI(t, "--config", path, "--log-level", "debug", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "level = 'debug'")
	assert.Contains(t, out, "listen = ':7400'")
}

func TestCertsInit(t *testing.T) {
	dir := t.TempDir()
	out, err := executeCLI(t, "certs", "init", "--dir", dir, "--device", "cam-1", "--device", "cam-2")
	require.NoError(t, err)
	assert.Contains(t, out, "cam-2")

	for _, f := range []string{"ca.pem", "ca-key.pem", "hub.pem", "hub-key.pem", "cam-1.pem", "cam-1-key.pem", "cam-2.pem"} {
		assert.FileExists(t, filepath.Join(dir, f))
	}

	// Rerunning keeps the same CA.
	caBefore, err := os.ReadFile(filepath.Join(dir, "ca.pem"))
	require.NoError(t, err)
	_, err = executeCLI(t, "certs", "init", "--dir", dir)
	require.NoError(t, err)
	caAfter, err := os.ReadFile(filepath.Join(dir, "ca.pem"))
	require.NoError(t, err)
	assert.Equal(t, caBefore, caAfter)
}

func TestNotifyURL(t *testing.T) {
	out, err := executeCLI(t, "notify", "url", "gotify", "server_url=https://push.lab", "app_token=abc")
	require.NoError(t, err)
	assert.Equal(t, "gotify://push.lab/abc\n", out)

	out, err = executeCLI(t, "notify", "url", "telegram")
	require.NoError(t, err)
	assert.Contains(t, out, "bot_token, chat_id")

	_, err = executeCLI(t, "notify", "url", "gotify", "server_url=https://push.lab")
	assert.ErrorContains(t, err, "app_token")
}

func TestTokenHash(t *testing.T) {
	out, err := executeCLI(t, "token", "hash", "operator-token-123")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "$2a$"), out)

	_, err = executeCLI(t, "token", "hash", "short")
	assert.Error(t, err)
}

func TestSessionCommandsUseAPI(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/api/session":
			if r.Method == http.MethodPost {
				var body map[string]string
				_ = json.NewDecoder(r.Body).Decode(&body)
				gotBody = body["name"]
			}
			_ = json.NewEncoder(w).Encode(models.Session{
				ID:      "20250601_093000_Pilot_ab12cd34",
				State:   models.SessionCreated,
				Devices: []string{"cam-1", "cam-2"},
			})
		case "/api/session/start":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusPreconditionFailed)
			_, _ = w.Write([]byte(`{"error":"not enough healthy devices"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	out, err := executeCLI(t, "--api", srv.URL, "--token", "operator-token-123", "session", "create", "Pilot")
	require.NoError(t, err)
	assert.Equal(t, "Pilot", gotBody)
	assert.Equal(t, "Bearer operator-token-123", gotAuth)
	assert.Contains(t, out, "20250601_093000_Pilot_ab12cd34  created")
	assert.Contains(t, out, "devices: cam-1, cam-2")

	_, err = executeCLI(t, "--api", srv.URL, "session", "start")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "412")
	assert.Contains(t, err.Error(), "not enough healthy devices")

	out, err = executeCLI(t, "--api", srv.URL, "--json", "session", "status")
	require.NoError(t, err)
	assert.True(t, json.Valid([]byte(out)))
}

func TestVersion(t *testing.T) {
	out, err := executeCLI(t, "version")
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(out))
}
