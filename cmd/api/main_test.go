package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourusername/pdf-manager/internal/jobs"
	"github.com/yourusername/pdf-manager/internal/storage"
)

func TestSweepWorkspacesUsesRegistryRetention(t *testing.T) {
	local, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	a := &app{
		logger:   zap.NewNop(),
		storage:  local,
		registry: jobs.NewRegistry(jobs.RegistryOptions{Retention: time.Hour}),
	}

	now := time.Now()
	old := filepath.Join(local.Root(), "leftover")
	recent := filepath.Join(local.Root(), "recent")
	require.NoError(t, os.MkdirAll(old, 0o750))
	require.NoError(t, os.MkdirAll(recent, 0o750))
	require.NoError(t, os.Chtimes(old, now.Add(-2*time.Hour), now.Add(-2*time.Hour)))
	require.NoError(t, os.Chtimes(recent, now.Add(-30*time.Minute), now.Add(-30*time.Minute)))

	require.NoError(t, a.sweepWorkspaces(context.Background(), now))

	assert.NoDirExists(t, old)
	assert.DirExists(t, recent)
}
