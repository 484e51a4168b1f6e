// Package pkitest issues throwaway certificates for tests that need real
// mutual TLS on loopback.
package pkitest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"spokehub/internal/models"
	"spokehub/internal/pki"
)

var loopback = []string{"localhost", "127.0.0.1", "::1"}

// Lab is a CA plus the directory its files live in.
type Lab struct {
	Dir string
	CA  *pki.Authority
}

// New creates a fresh CA in a temporary directory.
func New(t testing.TB) *Lab {
	t.Helper()
	dir := t.TempDir()
	ca, err := pki.LoadOrGenerateCA(dir)
	require.NoError(t, err)
	return &Lab{Dir: dir, CA: ca}
}

// Identity issues a loopback certificate for name and returns a TLS config
// that trusts this lab's CA.
func (l *Lab) Identity(t testing.TB, name string, mode models.VerifyMode) models.TLSConfig {
	t.Helper()
	p, err := l.CA.IssueFiles(l.Dir, name, name, loopback)
	require.NoError(t, err)
	return models.TLSConfig{
		CertFile:   p.Cert,
		KeyFile:    p.Key,
		CAFile:     filepath.Join(l.Dir, "ca.pem"),
		VerifyMode: mode,
	}
}
