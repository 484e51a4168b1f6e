package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"spokehub/internal/config"
	"spokehub/internal/registry"
	"spokehub/internal/session"
)

func TestSessionDirectoriesLiveUnderDataDir(t *testing.T) {
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()

	reg := registry.New(cfg.Sync.MinSamples, nil, clock.RealClock{}, zerolog.Nop())
	coord := session.New(sessionOptions(cfg), reg, nil, nil, nil, nil, clock.RealClock{}, zerolog.Nop())

	s, err := coord.Create(context.Background(), "Pilot")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.DataDir, "sessions", s.ID), s.Dir)
	assert.DirExists(t, s.Dir)
}
