// Package config contains the agent configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/standardbeagle/fileagent/internal/logging"
	"github.com/standardbeagle/fileagent/internal/protocol"
)

// Config holds the complete agent configuration.
type Config struct {
	// Server is the ws:// or wss:// URL of the control server.
	Server string `json:"server"`
	// EnrollToken authenticates the device during the handshake.
	EnrollToken string `json:"enroll_token"`

	// ReconnectDelay is the fixed delay between reconnect attempts.
	ReconnectDelay time.Duration `json:"reconnect_delay"`
	// MaxReconnectAttempts bounds consecutive reconnects (-1 = unlimited).
	MaxReconnectAttempts int `json:"max_reconnect_attempts"`
	// HandshakeTimeout bounds the wait for the server's hello acknowledgment.
	HandshakeTimeout time.Duration `json:"handshake_timeout"`

	// HeartbeatInterval is the time between heartbeats.
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`

	Upload UploadConfig `json:"upload"`

	Log logging.Config `json:"log"`

	// MetricsAddr enables the /metrics listener when set.
	MetricsAddr string `json:"metrics_addr,omitempty"`

	// IdentityFile overrides the identity store location.
	IdentityFile string `json:"identity_file,omitempty"`

	// TempDir is where temporary archives are created (default os.TempDir).
	TempDir string `json:"temp_dir,omitempty"`

	// Roots is the directory whitelist, sorted by ID.
	Roots []Root `json:"roots"`
}

// UploadConfig tunes the upload path.
type UploadConfig struct {
	// FallbackLimit is the largest file sent inline over the socket.
	FallbackLimit int64 `json:"fallback_limit"`
	// Timeout bounds an HTTP upload (0 = none).
	Timeout time.Duration `json:"timeout"`
	// ChunkSize bounds each file read while streaming.
	ChunkSize int `json:"chunk_size"`
}

// Root is an allowed directory.
type Root struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		ReconnectDelay:       5 * time.Second,
		MaxReconnectAttempts: -1,
		HandshakeTimeout:     30 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		Upload: UploadConfig{
			FallbackLimit: 10 * 1024 * 1024,
			ChunkSize:     64 * 1024,
		},
		Log: logging.Config{
			Level:  "info",
			Format: "auto",
		},
	}
}

// AllowedRoots converts the whitelist to its handshake form.
func (c *Config) AllowedRoots() []protocol.AllowedRoot {
	roots := make([]protocol.AllowedRoot, 0, len(c.Roots))
	for _, r := range c.Roots {
		roots = append(roots, protocol.AllowedRoot{RootID: r.ID, Name: r.Name, AbsPath: r.Path})
	}
	return roots
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	cp := *c
	cp.Roots = append([]Root(nil), c.Roots...)
	if cp.EnrollToken != "" {
		cp.EnrollToken = "********"
	}
	return &cp
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server == "" {
		errs = append(errs, errors.New("server is required"))
	} else if u, err := url.Parse(c.Server); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("server: scheme must be ws or wss, got %q", u.Scheme))
	}

	if c.MaxReconnectAttempts < -1 {
		errs = append(errs, fmt.Errorf("reconnect max-attempts must be -1 or greater, got %d", c.MaxReconnectAttempts))
	}

	if len(c.Roots) == 0 {
		errs = append(errs, errors.New("at least one root is required"))
	}
	seen := make(map[string]bool, len(c.Roots))
	for _, r := range c.Roots {
		if seen[r.ID] {
			errs = append(errs, fmt.Errorf("root %q: duplicate id", r.ID))
		}
		seen[r.ID] = true
		if r.Path == "" {
			errs = append(errs, fmt.Errorf("root %q: path is required", r.ID))
		} else if !filepath.IsAbs(r.Path) {
			errs = append(errs, fmt.Errorf("root %q: path must be absolute, got %q", r.ID, r.Path))
		}
	}

	// Basic normalization
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.Upload.FallbackLimit <= 0 {
		c.Upload.FallbackLimit = 10 * 1024 * 1024
	}
	if c.Upload.ChunkSize <= 0 {
		c.Upload.ChunkSize = 64 * 1024
	}

	return errors.Join(errs...)
}

func sortRoots(roots []Root) {
	sort.Slice(roots, func(i, j int) bool {
		return strings.ToLower(roots[i].ID) < strings.ToLower(roots[j].ID)
	})
}
