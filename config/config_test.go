package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/netplay/config"
)

func TestDefaults(t *testing.T) {
	s := config.ServerDefault()
	assert.Equal(t, "127.0.0.1", s.ServerAddr)
	assert.Equal(t, 9333, s.Port)
	assert.Equal(t, 4, s.ReactorThreads)
	assert.Equal(t, 5, s.ListenBacklog)
	assert.Equal(t, 10, s.MaxMessagesPerRead)
	assert.Equal(t, 10*time.Millisecond, s.PositionUpdateInterval())

	c := config.ClientDefault()
	assert.Equal(t, 3, c.ReactorThreads)
	assert.Equal(t, s.Port, c.Port)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	got, err := config.Load(filepath.Join(t.TempDir(), "absent.yml"), config.ServerDefault())
	require.NoError(t, err)
	assert.Equal(t, config.ServerDefault(), got)
}

func TestLoadOverridesPresentKeysOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netplay.yml")
	require.NoError(t, os.WriteFile(path, []byte("port: 4000\nreactor_threads: 2\n"), 0o644))

	got, err := config.Load(path, config.ServerDefault())
	require.NoError(t, err)
	assert.Equal(t, 4000, got.Port)
	assert.Equal(t, 2, got.ReactorThreads)
	// untouched keys keep their defaults
	assert.Equal(t, "127.0.0.1", got.ServerAddr)
	assert.Equal(t, 10, got.PositionUpdateIntervalMs)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netplay.yml")
	require.NoError(t, os.WriteFile(path, []byte("port: [not a scalar"), 0o644))
	_, err := config.Load(path, config.ServerDefault())
	require.Error(t, err)
}
