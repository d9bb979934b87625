package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyDefaults_FillsZeroValues(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	assert.Equal(t, "8080", cfg.Server.HTTPPort)
	assert.Equal(t, "9090", cfg.Server.GRPCPort)
	assert.Equal(t, "development", cfg.Server.Env)
	assert.Equal(t, 256, cfg.Engine.StreamCapacity)
	assert.Equal(t, 1024, cfg.Engine.TLSSessionCapacity)
	assert.Equal(t, 4096, cfg.Engine.RingBufferDepth)
	assert.Equal(t, "mcptapd", cfg.Telemetry.ServiceName)
	assert.Equal(t, "mcptap:events", cfg.Sink.RedisChannel)
	assert.NotEmpty(t, cfg.Probe.LibSSLPaths)
}

func TestApplyDefaults_DoesNotOverrideSetValues(t *testing.T) {
	cfg := &Config{}
	cfg.Server.HTTPPort = "9999"
	cfg.Engine.StreamCapacity = 42
	cfg.applyDefaults()

	assert.Equal(t, "9999", cfg.Server.HTTPPort)
	assert.Equal(t, 42, cfg.Engine.StreamCapacity)
}

func TestApplyEnvOverrides_ReadsEnvironment(t *testing.T) {
	os.Setenv("MCPTAP_HTTP_PORT", "7000")
	os.Setenv("MCPTAP_STREAM_CAPACITY", "99")
	os.Setenv("MCPTAP_ENABLE_SOCKET_IO", "true")
	defer os.Unsetenv("MCPTAP_HTTP_PORT")
	defer os.Unsetenv("MCPTAP_STREAM_CAPACITY")
	defer os.Unsetenv("MCPTAP_ENABLE_SOCKET_IO")

	cfg := &Config{}
	cfg.applyEnvOverrides()

	assert.Equal(t, "7000", cfg.Server.HTTPPort)
	assert.Equal(t, 99, cfg.Engine.StreamCapacity)
	assert.True(t, cfg.Server.EnableSocketIO)
}

func TestSplitCSV_TrimsAndDropsEmpty(t *testing.T) {
	got := splitCSV(" /a/b.so , , /c/d.so")
	assert.Equal(t, []string{"/a/b.so", "/c/d.so"}, got)
}

func TestIsProduction(t *testing.T) {
	cfg := &Config{}
	cfg.Server.Env = "production"
	assert.True(t, cfg.IsProduction())

	cfg.Server.Env = "staging"
	assert.False(t, cfg.IsProduction())
}
