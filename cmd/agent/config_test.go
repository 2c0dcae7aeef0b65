package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Conclave/internal/courier"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := parseConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.DataPath)
	assert.Equal(t, ":3901", cfg.HTTPAddress)
	assert.Equal(t, ":5631", cfg.QUICAddress)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, courier.DefaultPolicy(), cfg.Delivery)
	assert.Zero(t, cfg.OperationTimeout)
	assert.Empty(t, cfg.Peers)
	assert.False(t, cfg.Witness)
}

func TestParseConfigFlags(t *testing.T) {
	cfg, err := parseConfig([]string{
		"--memory",
		"--http", ":9999",
		"--peer", "EBob=127.0.0.1:5632",
		"--peer", "ECarol=127.0.0.1:5633",
		"--retries", "2",
		"--op-timeout", "90s",
		"--witness",
	})
	require.NoError(t, err)

	assert.True(t, cfg.InMemory)
	assert.Equal(t, ":9999", cfg.HTTPAddress)
	assert.Equal(t, map[string]string{"EBob": "127.0.0.1:5632", "ECarol": "127.0.0.1:5633"}, cfg.Peers)
	assert.Equal(t, uint64(2), cfg.Delivery.MaxRetries)
	assert.Equal(t, 90*time.Second, cfg.OperationTimeout)
	assert.True(t, cfg.Witness)
}

func TestParseConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http: ":7000"
log-level: debug
peer:
  - EBob=10.0.0.2:5631
contact:
  - EBob=bob
`), 0600))

	t.Setenv("CONCLAVE_QUIC", ":6000")

	cfg, err := parseConfig([]string{"--config", path, "--log-level", "warn"})
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.HTTPAddress)
	assert.Equal(t, ":6000", cfg.QUICAddress)
	assert.Equal(t, "warn", cfg.LogLevel, "command line wins over the file")
	assert.Equal(t, "10.0.0.2:5631", cfg.Peers["EBob"])
	assert.Equal(t, "bob", cfg.Contacts["EBob"])
}

func TestParseConfigRejects(t *testing.T) {
	_, err := parseConfig([]string{"--peer", "EBob"})
	assert.Error(t, err)

	_, err = parseConfig([]string{"--workers", "0"})
	assert.Error(t, err)

	_, err = parseConfig([]string{"--op-timeout", "1m", "--sweep-interval", "0s"})
	assert.Error(t, err)

	_, err = parseConfig([]string{"--config", "/nonexistent/agent.yaml"})
	assert.Error(t, err)
}

func TestLoadOrGenerateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.key")

	first, err := loadOrGenerateKey(path)
	require.NoError(t, err)

	second, err := loadOrGenerateKey(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	prefix, err := witnessPrefix(first)
	require.NoError(t, err)
	assert.Equal(t, byte('B'), prefix[0])
}
