// Package atomicstore implements the atomic persistence primitives (C1):
// per-path locking, temp-file+fsync+rename writes, and corrupt-file
// quarantine, shared by every JSON state file the orchestrator keeps
// under its private root directory.
package atomicstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/orchestratord/internal/errs"
)

// Store serializes reads and writes to JSON files under Root. One Store
// is shared by every component; no two components write the same path.
type Store struct {
	root   string
	logger *slog.Logger

	mu        sync.Mutex // guards fileLocks/opLocks maps
	fileLocks map[string]*sync.Mutex
	opLocks   map[string]*sync.Mutex
}

// New creates a Store rooted at root, creating the directory if needed.
func New(root string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		root:      root,
		logger:    logger,
		fileLocks: make(map[string]*sync.Mutex),
		opLocks:   make(map[string]*sync.Mutex),
	}
	if err := s.EnsureDir(root); err != nil {
		return nil, err
	}
	return s, nil
}

// Path joins rel onto the store's private root.
func (s *Store) Path(rel string) string {
	return filepath.Join(s.root, rel)
}

// EnsureDir creates dir (and parents) if it does not already exist.
func (s *Store) EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return errs.Internal("ensure dir "+dir, err)
	}
	return nil
}

func (s *Store) fileLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.fileLocks[path]
	if !ok {
		m = &sync.Mutex{}
		s.fileLocks[path] = m
	}
	return m
}

func (s *Store) opLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.opLocks[key]
	if !ok {
		m = &sync.Mutex{}
		s.opLocks[key] = m
	}
	return m
}

// WithFileLock serializes op against concurrent callers using the same path.
func (s *Store) WithFileLock(path string, op func() error) error {
	lock := s.fileLock(path)
	lock.Lock()
	defer lock.Unlock()
	return op()
}

// WithOperationLock serializes op against concurrent callers using the
// same key. This is a distinct lock space from WithFileLock so a
// read-modify-write cycle (ModifyJSON) that calls both does not deadlock
// against itself.
func (s *Store) WithOperationLock(key string, op func() error) error {
	lock := s.opLock(key)
	lock.Lock()
	defer lock.Unlock()
	return op()
}

// AtomicWrite writes data to path via <path>.tmp.<unique>, fsync, rename.
// On any error the temp file is removed and never left visible at path.
func (s *Store) AtomicWrite(path string, data []byte) error {
	return s.WithFileLock(path, func() error {
		return atomicWriteLocked(path, data)
	})
}

func atomicWriteLocked(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return errs.Internal("ensure dir for "+path, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return errs.Internal("create temp file for "+path, err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.Internal("write temp file for "+path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.Internal("fsync temp file for "+path, err)
	}
	if err := tmp.Close(); err != nil {
		return errs.Internal("close temp file for "+path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errs.Internal("rename temp file onto "+path, err)
	}
	committed = true
	return nil
}

// AtomicWriteJSON marshals value and writes it atomically to path.
func (s *Store) AtomicWriteJSON(path string, value interface{}) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errs.Internal("marshal json for "+path, err)
	}
	return s.AtomicWrite(path, data)
}

// SafeReadJSON reads path into out. A missing file is not an error: out is
// left as the caller's provided default (the zero value dest already
// holds) and nil is returned. A file that fails to parse is quarantined by
// copy-aside to "<path>.corrupt.<unix-nano>" and the default is likewise
// preserved; parse failure is also never surfaced as an error (spec.md §7
// "Corrupt" is never returned as an error).
func (s *Store) SafeReadJSON(path string, out interface{}) error {
	var readErr error
	err := s.WithFileLock(path, func() error {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			readErr = errs.Internal("read "+path, err)
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			s.quarantine(path, data, err)
			return nil
		}
		return nil
	})
	if err != nil {
		return err
	}
	return readErr
}

func (s *Store) quarantine(path string, data []byte, parseErr error) {
	quarantinePath := fmt.Sprintf("%s.corrupt.%d", path, time.Now().UnixNano())
	if err := os.WriteFile(quarantinePath, data, 0o640); err != nil {
		s.logger.Error("failed to quarantine corrupt file",
			"path", path, "quarantine_path", quarantinePath, "error", err)
		return
	}
	s.logger.Warn("quarantined corrupt json file",
		"path", path, "quarantine_path", quarantinePath, "parse_error", parseErr)
}

// ModifyJSON performs a read-modify-write cycle under the operation lock
// keyed by path: it reads the current value via SafeReadJSON into current,
// calls mutate, and writes back whatever mutate returns (or, if mutate
// returns nil, current as mutate left it).
func (s *Store) ModifyJSON(path string, current interface{}, mutate func() (interface{}, error)) error {
	return s.WithOperationLock(path, func() error {
		if err := s.SafeReadJSON(path, current); err != nil {
			return err
		}
		result, err := mutate()
		if err != nil {
			return err
		}
		if result == nil {
			result = current
		}
		return s.AtomicWriteJSON(path, result)
	})
}
