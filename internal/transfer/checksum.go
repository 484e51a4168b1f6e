package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// Checksum algorithms accepted in transfer_start.
const (
	AlgoBLAKE3 = "blake3"
	AlgoSHA256 = "sha256"
)

// NewHash returns a running hash for algo. An empty algo means BLAKE3.
func NewHash(algo string) (hash.Hash, error) {
	switch strings.ToLower(algo) {
	case "", AlgoBLAKE3:
		return blake3.New(), nil
	case AlgoSHA256, "sha-256":
		return sha256.New(), nil
	}
	return nil, fmt.Errorf("unsupported checksum algorithm %q", algo)
}

// FileChecksum hashes the file at path with algo and returns the hex digest.
func FileChecksum(path, algo string) (string, error) {
	h, err := NewHash(algo)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
