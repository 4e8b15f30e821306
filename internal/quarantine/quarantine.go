// Package quarantine implements the content-addressed, write-once
// file store for attacker-uploaded artifacts.
package quarantine

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"trapline/internal/capture"
)

// ErrTooLarge is returned by Store when the artifact exceeds the
// configured size cap.
var ErrTooLarge = errors.New("quarantine: artifact exceeds size limit")

// Store is a write-once, content-addressed directory of captured
// files. Every write streams through sha256 so the final path is
// known only once the full artifact has been read; concurrent writes
// of the same content are a no-op, matching the bounded-accumulation
// guard the teacher uses per session in its capture buffer, widened
// here to a per-hash guard across the whole store.
type Store struct {
	dir     string
	maxSize int64

	mu      sync.Mutex
	writing map[string]chan struct{} // sha256 -> done signal for in-flight writes
}

// New creates a Store rooted at dir (created if absent). maxSize
// bounds a single artifact; a write exceeding it is aborted and the
// partial file removed.
func New(dir string, maxSize int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating quarantine directory: %w", err)
	}
	return &Store{dir: dir, maxSize: maxSize, writing: make(map[string]chan struct{})}, nil
}

// Store streams r into the quarantine directory, computing its
// sha256 as it goes, and returns the resulting FileCapture. If an
// artifact with the same content already exists (or is concurrently
// being written), the existing file is reused and no duplicate write
// occurs.
func (s *Store) Store(originalFilename, contentType string, r io.Reader) (capture.FileCapture, error) {
	tmp, err := os.CreateTemp(s.dir, "upload-*.tmp")
	if err != nil {
		return capture.FileCapture{}, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	hasher := sha256.New()
	written, err := io.Copy(tmp, io.TeeReader(io.LimitReader(r, s.maxSize+1), hasher))
	closeErr := tmp.Close()
	if err != nil {
		return capture.FileCapture{}, fmt.Errorf("writing upload: %w", err)
	}
	if closeErr != nil {
		return capture.FileCapture{}, fmt.Errorf("closing temp file: %w", closeErr)
	}
	if written > s.maxSize {
		return capture.FileCapture{}, ErrTooLarge
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	finalPath := s.pathFor(sum, extFor(originalFilename))

	if err := s.claim(sum); err != nil {
		return capture.FileCapture{}, err
	}
	defer s.release(sum)

	if existing, err := s.lookup(sum); err == nil {
		// Identical content already quarantined; the new temp file is
		// discarded by the deferred Remove above.
		return s.describe(existing, sum, originalFilename, contentType, written)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return capture.FileCapture{}, fmt.Errorf("finalizing quarantine file: %w", err)
	}
	if err := os.Chmod(finalPath, 0o444); err != nil {
		return capture.FileCapture{}, fmt.Errorf("marking quarantine file read-only: %w", err)
	}

	return s.describe(finalPath, sum, originalFilename, contentType, written)
}

// extFor derives the stored file's extension from the uploader's
// claimed filename, defaulting to .bin when it has none or carries a
// path separator (never trusted for anything but the suffix).
func extFor(originalFilename string) string {
	ext := filepath.Ext(filepath.Base(originalFilename))
	if ext == "" || strings.ContainsAny(ext, `/\`) {
		return ".bin"
	}
	return ext
}

// claim serializes concurrent writers of the same hash so only one
// performs the rename; the rest wait and then observe the finished
// file.
func (s *Store) claim(sum string) error {
	s.mu.Lock()
	if ch, inFlight := s.writing[sum]; inFlight {
		s.mu.Unlock()
		<-ch
		return nil
	}
	s.writing[sum] = make(chan struct{})
	s.mu.Unlock()
	return nil
}

func (s *Store) release(sum string) {
	s.mu.Lock()
	if ch, ok := s.writing[sum]; ok {
		close(ch)
		delete(s.writing, sum)
	}
	s.mu.Unlock()
}

// pathFor builds the on-disk path for a hash/extension pair, per the
// {QUARANTINE_DIR}/<sha256>.<ext> layout.
func (s *Store) pathFor(sum, ext string) string {
	return filepath.Join(s.dir, sum+ext)
}

// lookup resolves a sha256 to its stored path regardless of which
// extension it was written under, since a caller that only has the
// hash (the Query API's download route) doesn't know the extension.
func (s *Store) lookup(sum string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, sum+".*"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", os.ErrNotExist
	}
	return matches[0], nil
}

func (s *Store) describe(path, sum, originalFilename, contentType string, size int64) (capture.FileCapture, error) {
	info, err := os.Stat(path)
	if err != nil {
		return capture.FileCapture{}, fmt.Errorf("stat quarantine file: %w", err)
	}
	return capture.FileCapture{
		SHA256:           sum,
		OriginalFilename: originalFilename,
		Size:             info.Size(),
		ContentType:      contentType,
		StoredPath:       path,
		StoredAt:         time.Now(),
	}, nil
}

// Open returns a reader for a previously stored artifact by its
// sha256, regardless of the extension it was quarantined under.
func (s *Store) Open(sum string) (*os.File, error) {
	path, err := s.lookup(sum)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}
