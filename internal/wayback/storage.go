package wayback

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotArchived is returned when a logical path has no stored content.
var ErrNotArchived = errors.New("not archived")

// Storage abstracts the archive's file layout. Logical paths are
// forward-slash relative paths as returned by URLToLocalPath
// (e.g. "page/index.html").
type Storage interface {
	// Exists reports whether the logical path already has content.
	Exists(path string) bool
	// Open streams the content of path. A missing path yields an error
	// wrapping ErrNotArchived.
	Open(path string) (io.ReadCloser, error)
	// Put writes the content of r to path. No partial file is ever visible
	// to concurrent readers.
	Put(path string, r io.Reader) error
	// PutBytes writes data to path.
	PutBytes(path string, data []byte) error
	// Walk calls fn for every stored logical path in lexical order.
	Walk(fn func(path string) error) error
}

// LocalStorage mirrors the logical layout into a root directory on the OS
// filesystem.
type LocalStorage struct {
	rootDir string
}

// NewLocalStorage returns a LocalStorage rooted at dir.
// The root directory is created lazily by Put/PutBytes.
func NewLocalStorage(dir string) *LocalStorage {
	return &LocalStorage{rootDir: dir}
}

// Root returns the directory the storage is rooted at.
func (s *LocalStorage) Root() string {
	return s.rootDir
}

func (s *LocalStorage) abs(path string) string {
	return filepath.Join(s.rootDir, filepath.FromSlash(path))
}

// Exists reports whether path exists and is a regular file.
func (s *LocalStorage) Exists(path string) bool {
	fi, err := os.Stat(s.abs(path))
	return err == nil && fi.Mode().IsRegular()
}

// Open opens path for reading.
func (s *LocalStorage) Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(s.abs(path)) //nolint:gosec // G304: path is mapped by URLToLocalPath
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &fs.PathError{Op: "open", Path: path, Err: ErrNotArchived}
	}
	if err != nil {
		return nil, err
	}
	if fi, err := f.Stat(); err == nil && fi.IsDir() {
		_ = f.Close()
		return nil, &fs.PathError{Op: "open", Path: path, Err: ErrNotArchived}
	}
	return f, nil
}

// Put streams r into path atomically via a temp file + rename.
func (s *LocalStorage) Put(path string, r io.Reader) error {
	fullPath := s.abs(path)
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}
	tmpFile, err := os.CreateTemp(dir, ".wbrp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	defer func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpName) // no-op once renamed
	}()
	if _, err := io.Copy(tmpFile, r); err != nil {
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, fullPath) //nolint:gosec // G703: fullPath is sanitized by URLToLocalPath
}

// PutBytes writes data to path, creating parent directories as needed.
func (s *LocalStorage) PutBytes(path string, data []byte) error {
	fullPath := s.abs(path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0750); err != nil {
		return err
	}
	return os.WriteFile(fullPath, data, 0600)
}

// Walk visits every regular file below the root, skipping dot files such as
// in-flight temp files.
func (s *LocalStorage) Walk(fn func(path string) error) error {
	return filepath.WalkDir(s.rootDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && p != s.rootDir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(s.rootDir, p)
		if err != nil {
			return err
		}
		return fn(ToPosix(rel))
	})
}
