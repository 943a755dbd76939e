package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	kdl "github.com/sblinch/kdl-go"
)

// ConfigFileName is the agent configuration file name.
const ConfigFileName = "agent.kdl"

// KDLConfig mirrors agent.kdl for unmarshaling.
type KDLConfig struct {
	Server      string              `kdl:"server"`
	EnrollToken string              `kdl:"enroll-token"`
	TempDir     string              `kdl:"temp-dir"`
	Reconnect   KDLReconnect        `kdl:"reconnect"`
	Heartbeat   KDLHeartbeat        `kdl:"heartbeat"`
	Upload      KDLUpload           `kdl:"upload"`
	Log         KDLLog              `kdl:"log"`
	Metrics     KDLMetrics          `kdl:"metrics"`
	Identity    KDLIdentity         `kdl:"identity"`
	Roots       map[string]*KDLRoot `kdl:"roots"`
}

// KDLReconnect holds reconnect settings (seconds).
type KDLReconnect struct {
	Delay            int `kdl:"delay"`
	MaxAttempts      int `kdl:"max-attempts"`
	HandshakeTimeout int `kdl:"handshake-timeout"`
}

// KDLHeartbeat holds heartbeat settings (seconds).
type KDLHeartbeat struct {
	Interval int `kdl:"interval"`
}

// KDLUpload holds upload settings.
type KDLUpload struct {
	FallbackLimit int64 `kdl:"fallback-limit"`
	Timeout       int   `kdl:"timeout"`
	ChunkSize     int   `kdl:"chunk-size"`
}

// KDLLog holds logging settings.
type KDLLog struct {
	Level  string `kdl:"level"`
	Format string `kdl:"format"`
	File   string `kdl:"file"`
}

// KDLMetrics holds the metrics listener settings.
type KDLMetrics struct {
	Addr string `kdl:"addr"`
}

// KDLIdentity holds the identity store settings.
type KDLIdentity struct {
	File string `kdl:"file"`
}

// KDLRoot is one allowed directory, keyed by root id.
type KDLRoot struct {
	Name string `kdl:"name"`
	Path string `kdl:"path"`
}

// DefaultPath returns $XDG_CONFIG_HOME/fileagent/agent.kdl.
func DefaultPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ConfigFileName
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "fileagent", ConfigFileName)
}

// Load reads path, applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Read is Load without validation. A missing file yields the defaults
// plus environment overrides.
func Read(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		cfg, err = ParseKDLConfig(string(data))
		if err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("reading config: %w", err)
	}

	ApplyEnv(cfg, os.LookupEnv)
	return cfg, nil
}

// ParseKDLConfig parses agent.kdl data without validating it.
func ParseKDLConfig(data string) (*Config, error) {
	defaults := DefaultConfig()
	kdlCfg := KDLConfig{
		Reconnect: KDLReconnect{
			Delay:       int(defaults.ReconnectDelay / time.Second),
			MaxAttempts:      defaults.MaxReconnectAttempts,
			HandshakeTimeout: int(defaults.HandshakeTimeout / time.Second),
		},
		Heartbeat: KDLHeartbeat{Interval: int(defaults.HeartbeatInterval / time.Second)},
		Upload: KDLUpload{
			FallbackLimit: defaults.Upload.FallbackLimit,
			ChunkSize:     defaults.Upload.ChunkSize,
		},
		Log: KDLLog{Level: defaults.Log.Level, Format: defaults.Log.Format},
	}
	if err := kdl.Unmarshal([]byte(data), &kdlCfg); err != nil {
		return nil, err
	}
	return kdlConfigToConfig(&kdlCfg), nil
}

// kdlConfigToConfig converts KDL config to our Config type.
func kdlConfigToConfig(k *KDLConfig) *Config {
	cfg := DefaultConfig()

	cfg.Server = k.Server
	cfg.EnrollToken = k.EnrollToken
	cfg.TempDir = k.TempDir
	cfg.ReconnectDelay = time.Duration(k.Reconnect.Delay) * time.Second
	cfg.MaxReconnectAttempts = k.Reconnect.MaxAttempts
	cfg.HandshakeTimeout = time.Duration(k.Reconnect.HandshakeTimeout) * time.Second
	cfg.HeartbeatInterval = time.Duration(k.Heartbeat.Interval) * time.Second
	cfg.Upload = UploadConfig{
		FallbackLimit: k.Upload.FallbackLimit,
		Timeout:       time.Duration(k.Upload.Timeout) * time.Second,
		ChunkSize:     k.Upload.ChunkSize,
	}
	cfg.Log.Level = k.Log.Level
	cfg.Log.Format = k.Log.Format
	cfg.Log.OutputPath = k.Log.File
	cfg.MetricsAddr = k.Metrics.Addr
	cfg.IdentityFile = k.Identity.File

	for id, root := range k.Roots {
		if root == nil {
			continue
		}
		name := root.Name
		if name == "" {
			name = id
		}
		cfg.Roots = append(cfg.Roots, Root{ID: id, Name: name, Path: root.Path})
	}
	sortRoots(cfg.Roots)

	return cfg
}

// Environment variables overriding the file.
const (
	EnvServer      = "FILEAGENT_SERVER"
	EnvEnrollToken = "FILEAGENT_ENROLL_TOKEN"
	EnvLogLevel    = "FILEAGENT_LOG_LEVEL"
	EnvMetricsAddr = "FILEAGENT_METRICS_ADDR"
)

// ApplyEnv overrides cfg from the environment via lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	envOr := func(key string, current string) string {
		if v, ok := lookup(key); ok && v != "" {
			return v
		}
		return current
	}
	cfg.Server = envOr(EnvServer, cfg.Server)
	cfg.EnrollToken = envOr(EnvEnrollToken, cfg.EnrollToken)
	cfg.Log.Level = envOr(EnvLogLevel, cfg.Log.Level)
	cfg.MetricsAddr = envOr(EnvMetricsAddr, cfg.MetricsAddr)
}

// WriteDefaultConfig writes a documented default config file. It refuses
// to overwrite an existing file.
func WriteDefaultConfig(path string) error {
	defaultKDL := `// fileagent configuration

// Control server WebSocket endpoint (ws:// or wss://)
server "wss://control.example.com/agent/ws"

// Enrollment token issued by the server (or set FILEAGENT_ENROLL_TOKEN)
enroll-token ""

reconnect {
    delay 5           // Seconds between attempts
    max-attempts -1   // -1 retries forever
    handshake-timeout 30 // Seconds to wait for the server to acknowledge
}

heartbeat {
    interval 30       // Seconds between heartbeats
}

upload {
    fallback-limit 10485760   // Largest file sent inline over the socket
    timeout 0                 // HTTP upload timeout in seconds (0 = none)
    chunk-size 65536          // Read size while streaming
}

log {
    level "info"      // debug, info, warn, error
    format "auto"     // auto, console, json
    file ""           // Empty logs to stderr
}

metrics {
    addr ""           // e.g. "127.0.0.1:9464" to expose /metrics
}

// Directories the server may access, keyed by root id
roots {
    // logs {
    //     name "Application logs"
    //     path "/var/log/app"
    // }
}
`
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	// Create directory if needed
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, []byte(defaultKDL), 0600)
}
