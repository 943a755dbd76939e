package fileops

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/standardbeagle/fileagent/internal/protocol"
)

// Compress archives path (a directory recursively, or a single file) into a
// zip inside a fresh marker-tagged temporary directory. The caller owns the
// archive and must request CleanupTemp when done.
func (s *Service) Compress(path string) (protocol.CompressResult, error) {
	src := filepath.Clean(path)
	info, err := os.Stat(src)
	if err != nil {
		return protocol.CompressResult{}, err
	}

	tempDir, err := os.MkdirTemp(s.tempRoot(), TempMarker+"*")
	if err != nil {
		return protocol.CompressResult{}, fmt.Errorf("create temp directory: %w", err)
	}

	base := filepath.Base(src)
	zipName := strings.TrimSuffix(base, filepath.Ext(base)) + ".zip"
	if info.IsDir() {
		zipName = base + ".zip"
	}
	zipPath := filepath.Join(tempDir, zipName)

	if err := s.writeArchive(src, zipPath, info); err != nil {
		_ = os.RemoveAll(tempDir)
		return protocol.CompressResult{}, err
	}

	out, err := os.Stat(zipPath)
	if err != nil {
		_ = os.RemoveAll(tempDir)
		return protocol.CompressResult{}, err
	}

	return protocol.CompressResult{
		ZipPath:      zipPath,
		ZipName:      zipName,
		Size:         out.Size(),
		OriginalPath: path,
	}, nil
}

func (s *Service) writeArchive(src, dest string, info fs.FileInfo) (err error) {
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close archive: %w", cerr)
		}
	}()

	zw := zip.NewWriter(f)
	if info.IsDir() {
		err = s.addDirectory(zw, src)
	} else {
		err = addFile(zw, src, filepath.Base(src), info)
	}
	if err != nil {
		_ = zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	return nil
}

// addDirectory stores entries relative to the parent of dir so the archive
// unpacks into a single top-level folder. Temporary archive directories are
// skipped, including the one being written when the temp root lies inside
// dir.
func (s *Service) addDirectory(zw *zip.Writer, dir string) error {
	parent := filepath.Dir(dir)
	tempRoot := s.tempRoot()
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() && isTempArchiveDir(p, tempRoot) {
			return filepath.SkipDir
		}
		rel, err := filepath.Rel(parent, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			hdr, err := zip.FileInfoHeader(info)
			if err != nil {
				return err
			}
			hdr.Name = name + "/"
			_, err = zw.CreateHeader(hdr)
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return addFile(zw, p, name, info)
	})
}

// isTempArchiveDir reports whether dir is a marker directory directly below
// tempRoot.
func isTempArchiveDir(dir, tempRoot string) bool {
	p := normalize(dir)
	return filepath.Dir(p) == tempRoot && strings.HasPrefix(filepath.Base(p), TempMarker)
}

func addFile(zw *zip.Writer, path, name string, info fs.FileInfo) error {
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("compress %s: %w", name, err)
	}
	return nil
}
