// Package fileops is a stateless facade over the local filesystem used by
// the command router. Every operation is independently fallible and never
// retries.
package fileops

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/standardbeagle/fileagent/internal/protocol"
)

// TempMarker tags every temporary directory created by Compress.
const TempMarker = "fileagent-compress-"

var (
	// ErrNotTempArtifact is returned when CleanupTemp is asked to delete a
	// path outside the temporary archive namespace.
	ErrNotTempArtifact = errors.New("path is not a temporary archive")
	// ErrIsDirectory is returned by operations that require a regular file.
	ErrIsDirectory = errors.New("path is a directory")
)

// Service implements the file operations. The zero value uses os.TempDir
// for temporary archives.
type Service struct {
	// TempDir is the parent directory for temporary archive directories.
	TempDir string
}

// New creates a service rooted at tempDir ("" means os.TempDir()).
func New(tempDir string) *Service {
	return &Service{TempDir: tempDir}
}

func (s *Service) tempRoot() string {
	if s.TempDir != "" {
		return normalize(s.TempDir)
	}
	return normalize(os.TempDir())
}

// List returns the entries of dir sorted directories first, then by
// case-insensitive name. A missing directory yields an empty list.
func (s *Service) List(dir string) ([]protocol.FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []protocol.FileInfo{}, nil
		}
		return nil, fmt.Errorf("read directory %s: %w", dir, err)
	}

	result := make([]protocol.FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			// Unreadable or vanished children are skipped.
			continue
		}
		fi := protocol.FileInfo{
			Name:         entry.Name(),
			Path:         filepath.Join(dir, entry.Name()),
			IsDir:        info.IsDir(),
			ModifiedTime: info.ModTime().Unix(),
		}
		if !fi.IsDir {
			fi.Size = info.Size()
		}
		result = append(result, fi)
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].IsDir != result[j].IsDir {
			return result[i].IsDir
		}
		return strings.ToLower(result[i].Name) < strings.ToLower(result[j].Name)
	})
	return result, nil
}

// ContainsTraversal reports whether the raw path has a parent-directory
// segment under either separator convention. It must run before
// normalization, which would otherwise resolve the segment away.
func ContainsTraversal(path string) bool {
	if strings.Contains(path, "../") || strings.Contains(path, `..\`) {
		return true
	}
	for _, seg := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}

// IsAllowed reports whether path is inside one of roots, or inside a
// temporary archive directory created by this service.
func (s *Service) IsAllowed(path string, roots []string) bool {
	target := normalize(path)
	for _, root := range roots {
		if root == "" {
			continue
		}
		if within(target, normalize(root)) {
			return true
		}
	}
	return s.isTempArtifact(target)
}

// isTempArtifact reports whether path lies inside a marker directory that
// is a direct child of the temp root.
func (s *Service) isTempArtifact(path string) bool {
	root := s.tempRoot()
	if !within(path, root) || path == root {
		return false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	first := strings.SplitN(rel, string(filepath.Separator), 2)
	return len(first) == 2 && strings.Contains(first[0], TempMarker)
}

// Delete removes path (recursively for directories) and reports whether
// anything was deleted. A missing path is not an error.
func (s *Service) Delete(path string) bool {
	info, err := os.Lstat(path)
	if err != nil {
		return false
	}
	if info.IsDir() {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	return err == nil
}

// Hash returns the hex SHA-256 of the full file content.
func (s *Service) Hash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Probe reports existence and basic metadata without reading content.
func (s *Service) Probe(path string) (protocol.ProbeResult, error) {
	result := protocol.ProbeResult{
		Name: filepath.Base(path),
		Path: path,
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return result, nil
		}
		return result, err
	}
	result.Exists = true
	result.IsDir = info.IsDir()
	result.ModifiedTime = info.ModTime().Unix()
	if !info.IsDir() {
		result.Size = info.Size()
	}
	return result, nil
}

// Metadata returns full file metadata including the content hash.
func (s *Service) Metadata(path string) (protocol.FileMetadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return protocol.FileMetadata{}, err
	}
	if info.IsDir() {
		return protocol.FileMetadata{}, fmt.Errorf("%s: %w", path, ErrIsDirectory)
	}
	sum, err := s.Hash(path)
	if err != nil {
		return protocol.FileMetadata{}, err
	}
	return protocol.FileMetadata{
		Name:         info.Name(),
		Path:         path,
		Size:         info.Size(),
		ModifiedTime: info.ModTime().Unix(),
		SHA256:       sum,
	}, nil
}

// Open opens path for streaming reads.
func (s *Service) Open(path string) (*os.File, error) {
	return os.Open(path)
}

// ReadAll returns the full file content.
func (s *Service) ReadAll(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// CleanupTemp deletes a temporary archive and then makes a best-effort
// attempt to remove its parent directory. Paths outside the temporary
// archive namespace are refused.
func (s *Service) CleanupTemp(path string) error {
	target := normalize(path)
	if !s.isTempArtifact(target) {
		return fmt.Errorf("%s: %w", path, ErrNotTempArtifact)
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	// The directory may be non-empty or already gone.
	_ = os.Remove(filepath.Dir(target))
	return nil
}

func normalize(path string) string {
	p := filepath.Clean(filepath.FromSlash(path))
	if runtime.GOOS == "windows" {
		p = strings.ToLower(p)
	}
	return p
}

// within reports whether target equals root or is below it.
func within(target, root string) bool {
	if target == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(target, prefix)
}
