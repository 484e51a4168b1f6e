package session

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"spokehub/internal/models"
)

// MetadataFile is the per-session record written into the session directory.
const MetadataFile = "metadata.json"

type metadata struct {
	Version int `json:"version"`
	models.Session
	DurationNS int64 `json:"duration_ns,omitempty"`
}

// writeMetadata replaces <dir>/metadata.json atomically.
func writeMetadata(s models.Session) error {
	m := metadata{Version: 1, Session: s}
	if !s.StartedAt.IsZero() && !s.StoppedAt.IsZero() {
		m.DurationNS = int64(s.StoppedAt.Sub(s.StartedAt) / time.Nanosecond)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.Dir, ".metadata-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(s.Dir, MetadataFile))
}

// ReadMetadata loads a session record from its directory.
func ReadMetadata(dir string) (models.Session, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return models.Session{}, err
	}
	var m metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return models.Session{}, err
	}
	return m.Session, nil
}

// receivedFiles lists the files unpacked for one device, relative to its
// directory.
func receivedFiles(dir string) []string {
	var out []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if rel, err := filepath.Rel(dir, path); err == nil {
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	sort.Strings(out)
	return out
}

// sanitize keeps the characters of name that are safe in a directory name.
func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), "._-")
	if len(out) > 48 {
		out = out[:48]
	}
	if out == "" {
		return "session"
	}
	return out
}
