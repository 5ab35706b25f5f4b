package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "guestmem.yml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, Size(512<<20), cfg.Memory.Size)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
memory:
  size: 1 GiB
  backing_path: /dev/shm
  mergeable: true
  phys_bits: 39
log:
  level: debug
  format: json
trace:
  path: /tmp/guestmem.trace
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, Size(1<<30), cfg.Memory.Size)
	assert.Equal(t, "/dev/shm", cfg.Memory.BackingPath)
	assert.True(t, cfg.Memory.Mergeable)
	assert.Equal(t, uint8(39), cfg.Memory.PhysBits)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "/tmp/guestmem.trace", cfg.Trace.Path)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "memory:\n  size: 1GiB\n")

	t.Setenv("GUESTMEM_MEMORY_SIZE", "256MiB")
	t.Setenv("GUESTMEM_MEMORY_MERGEABLE", "true")
	t.Setenv("GUESTMEM_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, Size(256<<20), cfg.Memory.Size)
	assert.True(t, cfg.Memory.Mergeable)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "auto", cfg.Log.Format)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "memory:\n  size: lots\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "memory:\n  size: 0\n"))
	assert.ErrorContains(t, err, "memory.size")

	_, err = Load(writeConfig(t, "log:\n  level: loud\n"))
	assert.ErrorContains(t, err, "log.level")

	_, err = Load(writeConfig(t, "log:\n  format: xml\n"))
	assert.ErrorContains(t, err, "log.format")
}

func TestSize(t *testing.T) {
	var s Size
	require.NoError(t, s.UnmarshalText([]byte("4096")))
	assert.Equal(t, Size(4096), s)

	require.NoError(t, s.UnmarshalText([]byte(" 2 MiB ")))
	assert.Equal(t, Size(2<<20), s)
	assert.Equal(t, "2.0 MiB", s.String())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	log, err := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)
	log.Info("hidden")
	log.Warn("shown", "k", "v")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	log, err = LogConfig{Format: "text"}.NewLogger(&buf)
	require.NoError(t, err)
	log.Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")

	// A buffer is not a terminal, so auto selects JSON.
	buf.Reset()
	log, err = LogConfig{}.NewLogger(&buf)
	require.NoError(t, err)
	assert.True(t, log.Enabled(t.Context(), slog.LevelInfo))
	assert.False(t, log.Enabled(t.Context(), slog.LevelDebug))
	log.Info("auto")
	assert.Contains(t, buf.String(), `"msg":"auto"`)
}
