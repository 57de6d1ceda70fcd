package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telmach/ftpd/server"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, uint16(server.DefaultPort), cfg.Port)
	assert.Equal(t, server.DefaultMaxClients, cfg.MaxClients)
	assert.Equal(t, server.DefaultDataBufferBytes, cfg.DataBufferBytes)
	assert.Equal(t, server.DefaultControlBufferBytes, cfg.ControlBufferBytes)
	assert.Equal(t, server.DefaultDataTimeout, cfg.DataTimeout)
	assert.Equal(t, server.DefaultControlIdleTimeout, cfg.ControlIdleTimeout)
	assert.True(t, cfg.AnonymousOK)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 2222
root: `+dir+`
read_only: true
max_clients: 3
data_timeout: 10s
passive_port_min: 40000
passive_port_max: 40100
mounts:
  /vol: `+dir+`
logging:
  level: debug
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, uint16(2222), cfg.Port)
	assert.True(t, cfg.ReadOnly)
	assert.Equal(t, 3, cfg.MaxClients)
	assert.Equal(t, 10*time.Second, cfg.DataTimeout)
	assert.Equal(t, uint16(40000), cfg.PassivePortMin)
	assert.Equal(t, "debug", cfg.Logging.Level)
	require.NoError(t, cfg.Validate())

	mounts := cfg.MountTable()
	assert.Equal(t, dir, mounts["/"])
	assert.Equal(t, dir, mounts["/vol"])
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("FTPD_PORT", "2323")
	t.Setenv("FTPD_MAX_CLIENTS", "5")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, uint16(2323), cfg.Port)
	assert.Equal(t, 5, cfg.MaxClients)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := &Config{
		BindAddress:    "not-an-ip",
		PassivePortMin: 5000,
		PassivePortMax: 4000,
		PasswordHash:   "plainly-not-bcrypt",
	}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "bind_address")
	assert.Contains(t, msg, "passive port range")
	assert.Contains(t, msg, "password_hash")
	assert.Contains(t, msg, "root or at least one mount")
}

func TestServerConfig(t *testing.T) {
	cfg := &Config{
		BindAddress: "127.0.0.1",
		Port:        2121,
		MaxClients:  4,
	}
	sc := cfg.ServerConfig()
	assert.Equal(t, "127.0.0.1", sc.BindAddress.String())
	assert.Equal(t, uint16(2121), sc.Port)
	assert.Equal(t, 4, sc.MaxClients)
}
