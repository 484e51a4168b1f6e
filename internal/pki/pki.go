// Package pki generates and loads the Ed25519 certificate authority and
// the leaf certificates used for mutual TLS between the hub and spokes.
package pki

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	caCertFile = "ca.pem"
	caKeyFile  = "ca-key.pem"

	certPEMType = "CERTIFICATE"
	keyPEMType  = "PRIVATE KEY"

	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 2 * 365 * 24 * time.Hour
)

// Authority is the lab CA that signs hub and spoke certificates.
type Authority struct {
	Cert    *x509.Certificate
	Key     ed25519.PrivateKey
	CertPEM []byte
}

// Paths names the files written for one identity.
type Paths struct {
	Cert string
	Key  string
}

// LoadOrGenerateCA loads the CA from dir, or generates and saves a new one if
// none exists.
func LoadOrGenerateCA(dir string) (*Authority, error) {
	certPath := filepath.Join(dir, caCertFile)
	if _, err := os.Stat(certPath); err == nil {
		return loadCA(certPath, filepath.Join(dir, caKeyFile))
	}
	return generateCA(dir, certPath)
}

// CAPath returns where LoadOrGenerateCA keeps the CA certificate.
func CAPath(dir string) string {
	return filepath.Join(dir, caCertFile)
}

// Issue signs a leaf certificate for name, valid for both server and client
// authentication, and returns it PEM encoded together with its key.
// hosts may contain DNS names and IP addresses.
func (a *Authority) Issue(name string, hosts []string) (certPEM, keyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key pair: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: name, Organization: []string{"spokehub"}},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else if h != "" {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.Cert, pub, a.Key)
	if err != nil {
		return nil, nil, fmt.Errorf("sign certificate for %s: %w", name, err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("encode key for %s: %w", name, err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: certPEMType, Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: keyPEMType, Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// IssueFiles signs a leaf certificate and writes <dir>/<base>.pem and
// <dir>/<base>-key.pem.
func (a *Authority) IssueFiles(dir, base, name string, hosts []string) (Paths, error) {
	certPEM, keyPEM, err := a.Issue(name, hosts)
	if err != nil {
		return Paths{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Paths{}, fmt.Errorf("create pki dir: %w", err)
	}

	p := Paths{
		Cert: filepath.Join(dir, base+".pem"),
		Key:  filepath.Join(dir, base+"-key.pem"),
	}
	// Private key, readable only by owner
	if err := os.WriteFile(p.Key, keyPEM, 0o600); err != nil {
		return Paths{}, fmt.Errorf("write key: %w", err)
	}
	if err := os.WriteFile(p.Cert, certPEM, 0o644); err != nil {
		return Paths{}, fmt.Errorf("write certificate: %w", err)
	}
	return p, nil
}

// Fingerprint returns the hex SHA-256 of a DER certificate, for logs.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// ─── private helpers ─────────────────────────────────────────────────────────

func loadCA(certPath, keyPath string) (*Authority, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != certPEMType {
		return nil, errors.New("invalid CA certificate PEM format")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}

	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read CA key: %w", err)
	}
	kb, _ := pem.Decode(keyData)
	if kb == nil || kb.Type != keyPEMType {
		return nil, errors.New("invalid CA key PEM format")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(kb.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA key: %w", err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unexpected CA key type %T", parsed)
	}

	return &Authority{Cert: cert, Key: key, CertPEM: certPEM}, nil
}

func generateCA(dir, certPath string) (*Authority, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create pki dir: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate CA key pair: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "spokehub lab CA", Organization: []string{"spokehub"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("self-sign CA: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("encode CA key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: certPEMType, Bytes: der})
	if err := os.WriteFile(filepath.Join(dir, caKeyFile), pem.EncodeToMemory(&pem.Block{Type: keyPEMType, Bytes: keyDER}), 0o600); err != nil {
		return nil, fmt.Errorf("write CA key: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("write CA certificate: %w", err)
	}

	return &Authority{Cert: cert, Key: priv, CertPEM: certPEM}, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}
