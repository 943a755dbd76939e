// Package identity stores the device id and display name announced in the
// handshake.
package identity

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// FileName is the identity file name inside the config directory.
const FileName = "identity.toml"

// ErrEmptyName is returned when renaming to a blank name.
var ErrEmptyName = errors.New("device name must not be empty")

// Provider supplies a stable device id and the current display name.
type Provider interface {
	DeviceID() string
	DeviceName() string
}

// Static is a fixed Provider.
type Static struct {
	ID   string
	Name string
}

func (s Static) DeviceID() string   { return s.ID }
func (s Static) DeviceName() string { return s.Name }

// Identity is the persisted record.
type Identity struct {
	DeviceID   string `toml:"device_id"`
	DeviceName string `toml:"device_name"`
}

// FileStore is a Provider backed by a TOML file.
type FileStore struct {
	path string

	mu    sync.RWMutex
	ident Identity
}

// DefaultPath returns $XDG_CONFIG_HOME/fileagent/identity.toml.
func DefaultPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return FileName
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "fileagent", FileName)
}

// Open loads the identity at path. A missing file, or a file without a
// device id, gets a freshly generated id (and the hostname as the name)
// which is written back immediately so the id stays stable.
func Open(path string) (*FileStore, error) {
	s := &FileStore{path: path}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &s.ident); err != nil {
			return nil, fmt.Errorf("parsing identity %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("reading identity: %w", err)
	}

	dirty := false
	if s.ident.DeviceID == "" {
		s.ident.DeviceID = uuid.NewString()
		dirty = true
	}
	if strings.TrimSpace(s.ident.DeviceName) == "" {
		s.ident.DeviceName = defaultName()
		dirty = true
	}
	if dirty {
		if err := save(path, s.ident); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// DeviceID implements Provider.
func (s *FileStore) DeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ident.DeviceID
}

// DeviceName implements Provider.
func (s *FileStore) DeviceName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ident.DeviceName
}

// SetDeviceName persists a new display name.
func (s *FileStore) SetDeviceName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.ident
	next.DeviceName = name
	if err := save(s.path, next); err != nil {
		return err
	}
	s.ident = next
	return nil
}

func defaultName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "fileagent"
	}
	return host
}

// save writes ident to path atomically.
func save(path string, ident Identity) error {
	var payload bytes.Buffer
	if err := toml.NewEncoder(&payload).Encode(ident); err != nil {
		return fmt.Errorf("encoding identity: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating identity directory %s: %w", dir, err)
	}

	tmpFile, err := os.CreateTemp(dir, ".identity.toml.tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp identity file: %w", err)
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(payload.Bytes()); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("writing temp identity file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("syncing temp identity file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp identity file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replacing identity file: %w", err)
	}
	cleanup = false
	return nil
}
