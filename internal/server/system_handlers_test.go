package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradelib/internal/config"
)

func TestGetDirSize(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.bin"), make([]byte, 1024*1024), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.bin"), make([]byte, 512*1024), 0o644))

	h := NewSystemHandlers(zerolog.Nop(), &config.Config{DataDir: dir}, nil, nil)

	size := h.getDirSize(dir)
	assert.InDelta(t, 1.5, size, 0.01)
}

func TestGetDirSize_MissingDirIsZero(t *testing.T) {
	h := NewSystemHandlers(zerolog.Nop(), &config.Config{}, nil, nil)

	assert.Equal(t, 0.0, h.getDirSize(filepath.Join(t.TempDir(), "nope")))
}

func TestGetSystemStats(t *testing.T) {
	h := NewSystemHandlers(zerolog.Nop(), &config.Config{}, nil, nil)

	cpuPercent, ramPercent := h.getSystemStats()
	assert.GreaterOrEqual(t, cpuPercent, 0.0)
	assert.LessOrEqual(t, cpuPercent, 100.0)
	assert.Greater(t, ramPercent, 0.0)
	assert.LessOrEqual(t, ramPercent, 100.0)
}
