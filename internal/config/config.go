// Package config loads mcptapd's configuration: a YAML file overridden
// by environment variables, the same layering the rest of the pack
// uses.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is mcptapd's full configuration tree.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Sink      SinkConfig      `yaml:"sink"`
	Transport TransportConfig `yaml:"transport"`
	Probe     ProbeConfig     `yaml:"probe"`
}

// ServerConfig controls mcptapd's own network surfaces.
type ServerConfig struct {
	HTTPPort        string `yaml:"http_port"`         // /healthz, /metrics, /streams
	GRPCPort        string `yaml:"grpc_port"`         // consumerapi EventStream
	Env             string `yaml:"env"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	ShutdownTimeout int    `yaml:"shutdown_timeout_sec"`
	EnableSocketIO  bool   `yaml:"enable_socket_io"` // live dashboard broadcast
}

// EngineConfig sizes the stream/session tables and worker pool.
type EngineConfig struct {
	StreamCapacity     int `yaml:"stream_capacity"`      // bounded stream LRU
	TLSSessionCapacity int `yaml:"tls_session_capacity"`  // bounded TLS session LRU
	RingBufferDepth    int `yaml:"ring_buffer_depth"`     // MemRingBuffer size (the kernel ring is fixed in bpf/types.h)
	WorkerCount        int `yaml:"worker_count"`          // identity-enrichment + forwarding pool
	WorkerQueueDepth   int `yaml:"worker_queue_depth"`    // backpressure drop threshold
}

// TelemetryConfig controls OTel export in addition to the always-on
// Prometheus registry.
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"` // empty: stdout exporter
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// SinkConfig selects where decoded events are forwarded.
type SinkConfig struct {
	RedisAddr    string `yaml:"redis_addr"` // empty: log-only
	RedisChannel string `yaml:"redis_channel"`
}

// TransportConfig controls the consumer-facing gRPC API's mTLS.
type TransportConfig struct {
	SPIFFESocketPath string `yaml:"spiffe_socket_path"` // empty: mTLS disabled
	TrustDomain      string `yaml:"trust_domain"`
}

// ProbeConfig names the libssl path(s) to attach TLS uprobes to; the
// kernel-resident path (spec §4.4) needs this, the Go-reference
// ingestion path does not.
type ProbeConfig struct {
	LibSSLPaths []string `yaml:"libssl_paths"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton config, loading it on first
// use from CONFIG_PATH (default config.yaml) plus environment overrides.
func Get() *Config {
	once.Do(func() {
		if err := godotenv.Load(); err != nil {
			slog.Debug("config: no .env file found")
		}

		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.HTTPPort = getEnv("MCPTAP_HTTP_PORT", c.Server.HTTPPort)
	c.Server.GRPCPort = getEnv("MCPTAP_GRPC_PORT", c.Server.GRPCPort)
	c.Server.Env = getEnv("MCPTAP_ENV", c.Server.Env)
	c.Server.EnableSocketIO = getEnvBool("MCPTAP_ENABLE_SOCKET_IO", c.Server.EnableSocketIO)
	if v := getEnvInt("MCPTAP_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("MCPTAP_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if v := getEnvInt("MCPTAP_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeout = v
	}

	if v := getEnvInt("MCPTAP_STREAM_CAPACITY", 0); v > 0 {
		c.Engine.StreamCapacity = v
	}
	if v := getEnvInt("MCPTAP_TLS_SESSION_CAPACITY", 0); v > 0 {
		c.Engine.TLSSessionCapacity = v
	}
	if v := getEnvInt("MCPTAP_RING_BUFFER_DEPTH", 0); v > 0 {
		c.Engine.RingBufferDepth = v
	}
	if v := getEnvInt("MCPTAP_WORKER_COUNT", 0); v > 0 {
		c.Engine.WorkerCount = v
	}
	if v := getEnvInt("MCPTAP_WORKER_QUEUE_DEPTH", 0); v > 0 {
		c.Engine.WorkerQueueDepth = v
	}

	c.Telemetry.ServiceName = getEnv("MCPTAP_SERVICE_NAME", c.Telemetry.ServiceName)
	c.Telemetry.OTLPEndpoint = getEnv("MCPTAP_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)
	c.Telemetry.OTLPInsecure = getEnvBool("MCPTAP_OTLP_INSECURE", c.Telemetry.OTLPInsecure)

	c.Sink.RedisAddr = getEnv("MCPTAP_REDIS_ADDR", c.Sink.RedisAddr)
	c.Sink.RedisChannel = getEnv("MCPTAP_REDIS_CHANNEL", c.Sink.RedisChannel)

	c.Transport.SPIFFESocketPath = getEnv("MCPTAP_SPIFFE_SOCKET_PATH", c.Transport.SPIFFESocketPath)
	c.Transport.TrustDomain = getEnv("MCPTAP_TRUST_DOMAIN", c.Transport.TrustDomain)

	if paths := getEnv("MCPTAP_LIBSSL_PATHS", ""); paths != "" {
		c.Probe.LibSSLPaths = splitCSV(paths)
	}

	c.applyDefaults()
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPPort == "" {
		c.Server.HTTPPort = "8080"
	}
	if c.Server.GRPCPort == "" {
		c.Server.GRPCPort = "9090"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}

	if c.Engine.StreamCapacity == 0 {
		c.Engine.StreamCapacity = 256
	}
	if c.Engine.TLSSessionCapacity == 0 {
		c.Engine.TLSSessionCapacity = 1024
	}
	if c.Engine.RingBufferDepth == 0 {
		c.Engine.RingBufferDepth = 4096
	}
	if c.Engine.WorkerCount == 0 {
		c.Engine.WorkerCount = 4
	}
	if c.Engine.WorkerQueueDepth == 0 {
		c.Engine.WorkerQueueDepth = 1024
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "mcptapd"
	}

	if c.Sink.RedisChannel == "" {
		c.Sink.RedisChannel = "mcptap:events"
	}

	if c.Transport.TrustDomain == "" {
		c.Transport.TrustDomain = "spiffe://mcptap.local"
	}

	if len(c.Probe.LibSSLPaths) == 0 {
		c.Probe.LibSSLPaths = []string{"/usr/lib/x86_64-linux-gnu/libssl.so.3"}
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// IsProduction reports whether Server.Env is "production".
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}
