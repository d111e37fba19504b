// Package store keeps the synchronized directory on local disk.
package store

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/satishbabariya/meshsync/internal/protocol"
	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidPath is returned for paths that escape the data directory.
	ErrInvalidPath = errors.New("invalid path")
	// ErrNotFound is returned when the requested content is not available.
	ErrNotFound = errors.New("not found")
)

// Config describes where files live.
type Config struct {
	DataDir           string
	TempDir           string
	ChecksumAlgorithm string // "sha256", "md5"
	ExcludePatterns   []string
}

type cachedHash struct {
	size    int64
	modTime time.Time
	sum     string
}

// FileStore reads local files and assembles downloads in staging files
// before moving them into place.
type FileStore struct {
	dataDir   string
	tempDir   string
	algorithm string
	exclude   []string
	logger    *logrus.Entry

	mu      sync.Mutex
	staging map[string]*os.File
	hashes  map[string]cachedHash
}

// NewFileStore creates the data and staging directories if needed.
func NewFileStore(config Config, logger *logrus.Entry) (*FileStore, error) {
	dataDir, err := filepath.Abs(config.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data dir: %w", err)
	}
	tempDir := config.TempDir
	if tempDir == "" {
		tempDir = filepath.Join(dataDir, ".meshsync")
	}
	if tempDir, err = filepath.Abs(tempDir); err != nil {
		return nil, fmt.Errorf("failed to resolve temp dir: %w", err)
	}

	for _, dir := range []string{dataDir, tempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	algorithm := config.ChecksumAlgorithm
	if algorithm == "" {
		algorithm = "sha256"
	}
	if algorithm != "sha256" && algorithm != "md5" {
		return nil, fmt.Errorf("unsupported checksum algorithm: %s", algorithm)
	}

	return &FileStore{
		dataDir:   dataDir,
		tempDir:   tempDir,
		algorithm: algorithm,
		exclude:   config.ExcludePatterns,
		logger:    logger,
		staging:   make(map[string]*os.File),
		hashes:    make(map[string]cachedHash),
	}, nil
}

func (s *FileStore) DataDir() string { return s.dataDir }

func (s *FileStore) newHash() hash.Hash {
	if s.algorithm == "md5" {
		return md5.New()
	}
	return sha256.New()
}

// resolve maps a slash-separated relative path into the data directory.
func (s *FileStore) resolve(rel string) (string, error) {
	local := filepath.FromSlash(rel)
	if !filepath.IsLocal(local) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	abs := filepath.Join(s.dataDir, local)
	if s.inTempDir(abs) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	return abs, nil
}

func (s *FileStore) inTempDir(abs string) bool {
	return abs == s.tempDir || strings.HasPrefix(abs, s.tempDir+string(filepath.Separator))
}

// Ignored reports whether abs should never be synchronized: hidden
// entries, staging files and excluded patterns.
func (s *FileStore) Ignored(abs string) bool {
	if s.inTempDir(abs) {
		return true
	}
	rel, err := filepath.Rel(s.dataDir, abs)
	if err != nil || !filepath.IsLocal(rel) {
		return true
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	name := filepath.Base(abs)
	for _, pattern := range s.exclude {
		if matched, _ := filepath.Match(pattern, name); matched {
			return true
		}
	}
	return false
}

// Describe builds the descriptor of a local file.
func (s *FileStore) Describe(rel string) (protocol.FileDescriptor, error) {
	abs, err := s.resolve(rel)
	if err != nil {
		return protocol.FileDescriptor{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return protocol.FileDescriptor{}, fmt.Errorf("%w: %s", ErrNotFound, rel)
		}
		return protocol.FileDescriptor{}, err
	}
	if !info.Mode().IsRegular() {
		return protocol.FileDescriptor{}, fmt.Errorf("%w: %s is not a regular file", ErrNotFound, rel)
	}

	sum, err := s.checksum(abs, info)
	if err != nil {
		return protocol.FileDescriptor{}, err
	}
	return protocol.FileDescriptor{
		Path:         filepath.ToSlash(filepath.Clean(filepath.FromSlash(rel))),
		ContentHash:  sum,
		Size:         info.Size(),
		LastModified: info.ModTime().UnixMilli(),
	}, nil
}

func (s *FileStore) checksum(abs string, info fs.FileInfo) (string, error) {
	s.mu.Lock()
	cached, ok := s.hashes[abs]
	s.mu.Unlock()
	if ok && cached.size == info.Size() && cached.modTime.Equal(info.ModTime()) {
		return cached.sum, nil
	}

	f, err := os.Open(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := s.newHash()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", abs, err)
	}
	sum := hex.EncodeToString(h.Sum(nil))

	s.mu.Lock()
	s.hashes[abs] = cachedHash{size: info.Size(), modTime: info.ModTime(), sum: sum}
	s.mu.Unlock()
	return sum, nil
}

// List describes every synchronized file under the data directory.
func (s *FileStore) List() ([]protocol.FileDescriptor, error) {
	var files []protocol.FileDescriptor
	err := filepath.WalkDir(s.dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == s.dataDir {
			return nil
		}
		if s.Ignored(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(s.dataDir, path)
		if err != nil {
			return err
		}
		fd, err := s.Describe(filepath.ToSlash(rel))
		if err != nil {
			s.logger.WithError(err).WithField("path", rel).Debug("Skipping file")
			return nil
		}
		files = append(files, fd)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", s.dataDir, err)
	}
	return files, nil
}

// Wants reports whether file should be downloaded: the local copy is
// missing, or differs and is older.
func (s *FileStore) Wants(file protocol.FileDescriptor) bool {
	local, err := s.Describe(file.Path)
	switch {
	case errors.Is(err, ErrNotFound):
		return true
	case err != nil:
		return false
	case local.ContentHash == file.ContentHash:
		return false
	default:
		return local.LastModified < file.LastModified
	}
}

func (s *FileStore) stagingPath(file protocol.FileDescriptor) (string, error) {
	for _, r := range file.ContentHash {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return "", fmt.Errorf("%w: content hash %q", ErrInvalidPath, file.ContentHash)
		}
	}
	return filepath.Join(s.tempDir, file.ContentHash+".part"), nil
}

// Prepare creates a staging file of the final size.
func (s *FileStore) Prepare(file protocol.FileDescriptor) error {
	if _, err := s.resolve(file.Path); err != nil {
		return err
	}
	path, err := s.stagingPath(file)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.staging[file.ContentHash]; ok {
		return nil
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create staging file: %w", err)
	}
	if err := f.Truncate(file.Size); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to size staging file: %w", err)
	}
	s.staging[file.ContentHash] = f
	return nil
}

func (s *FileStore) stagingFile(file protocol.FileDescriptor) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.staging[file.ContentHash]
	if !ok {
		return nil, fmt.Errorf("%w: no download for %s", ErrNotFound, file.ContentHash)
	}
	return f, nil
}

// WriteBlock writes data at offset in the staging file.
func (s *FileStore) WriteBlock(file protocol.FileDescriptor, offset int64, data []byte) error {
	if offset < 0 || offset+int64(len(data)) > file.Size {
		return fmt.Errorf("block at %d of %d bytes exceeds size %d", offset, len(data), file.Size)
	}
	f, err := s.stagingFile(file)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(data, offset); err != nil {
		return fmt.Errorf("failed to write block at %d: %w", offset, err)
	}
	return nil
}

// Verify hashes the staging file and, when it matches, moves it to its
// final path with the advertised modification time.
func (s *FileStore) Verify(file protocol.FileDescriptor) (bool, error) {
	f, err := s.stagingFile(file)
	if err != nil {
		return false, err
	}

	h := s.newHash()
	if _, err := io.Copy(h, io.NewSectionReader(f, 0, file.Size)); err != nil {
		return false, fmt.Errorf("failed to hash staging file: %w", err)
	}
	if hex.EncodeToString(h.Sum(nil)) != file.ContentHash {
		return false, nil
	}

	dest, err := s.resolve(file.Path)
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return false, fmt.Errorf("failed to create parent directory: %w", err)
	}

	s.mu.Lock()
	delete(s.staging, file.ContentHash)
	s.mu.Unlock()

	if err := f.Close(); err != nil {
		return false, fmt.Errorf("failed to close staging file: %w", err)
	}
	if err := os.Rename(f.Name(), dest); err != nil {
		os.Remove(f.Name())
		return false, fmt.Errorf("failed to commit %s: %w", file.Path, err)
	}

	mtime := time.UnixMilli(file.LastModified)
	if file.LastModified > 0 {
		if err := os.Chtimes(dest, mtime, mtime); err != nil {
			s.logger.WithError(err).WithField("path", file.Path).Warn("Failed to set modification time")
		}
	}
	if info, err := os.Stat(dest); err == nil {
		s.mu.Lock()
		s.hashes[dest] = cachedHash{size: info.Size(), modTime: info.ModTime(), sum: file.ContentHash}
		s.mu.Unlock()
	}

	s.logger.WithFields(logrus.Fields{
		"path": file.Path,
		"size": file.Size,
	}).Info("File committed")
	return true, nil
}

// Cancel removes the staging file of file, if any.
func (s *FileStore) Cancel(file protocol.FileDescriptor) error {
	s.mu.Lock()
	f, ok := s.staging[file.ContentHash]
	delete(s.staging, file.ContentHash)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	f.Close()
	if err := os.Remove(f.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove staging file: %w", err)
	}
	return nil
}

// ReadBlock returns the bytes of r from the local copy of file. The local
// content must still match file.ContentHash.
func (s *FileStore) ReadBlock(file protocol.FileDescriptor, r protocol.BlockRange) ([]byte, error) {
	local, err := s.Describe(file.Path)
	if err != nil {
		return nil, err
	}
	if local.ContentHash != file.ContentHash {
		return nil, fmt.Errorf("%w: %s changed", ErrNotFound, file.Path)
	}
	if !r.Within(local.Size) {
		return nil, fmt.Errorf("range %s outside %s", r, file.Path)
	}

	abs, _ := s.resolve(file.Path)
	f, err := os.Open(abs)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, r.Length)
	if _, err := io.ReadFull(io.NewSectionReader(f, r.Offset, r.Length), buf); err != nil {
		return nil, fmt.Errorf("failed to read %s at %d: %w", file.Path, r.Offset, err)
	}
	return buf, nil
}

// Close discards every unfinished download.
func (s *FileStore) Close() error {
	s.mu.Lock()
	hashes := make([]string, 0, len(s.staging))
	for h := range s.staging {
		hashes = append(hashes, h)
	}
	s.mu.Unlock()

	var errs []error
	for _, h := range hashes {
		if err := s.Cancel(protocol.FileDescriptor{ContentHash: h}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
