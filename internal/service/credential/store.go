package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// TokenKey is the fixed key the session token is stored under.
const TokenKey = "access_token"

// Store holds the session token shared by the navigation guard, the auth
// client and realtime sessions. An absent token means unauthenticated.
type Store interface {
	Get() (string, bool)
	Set(token string) error
	Clear() error
}

// MemoryStore keeps the token in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	token string
}

// NewMemoryStore returns a store preloaded with token; pass "" for an empty store.
func NewMemoryStore(token string) *MemoryStore {
	return &MemoryStore{token: token}
}

func (s *MemoryStore) Get() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.token != ""
}

func (s *MemoryStore) Set(token string) error {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Clear() error {
	return s.Set("")
}

// FileStore persists key/value pairs in a JSON file, the way a browser keeps
// local storage per origin. Only TokenKey is managed through Store; other
// keys written by other tools are preserved.
type FileStore struct {
	mu    sync.RWMutex
	path  string
	items map[string]string
}

// OpenFileStore loads path, treating a missing file as empty storage.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, items: make(map[string]string)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credential file: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.items); err != nil {
		return nil, fmt.Errorf("decode credential file %s: %w", path, err)
	}
	return s, nil
}

func (s *FileStore) Get() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.items[TokenKey]
	return token, ok && token != ""
}

func (s *FileStore) Set(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.items[TokenKey]
	s.items[TokenKey] = token
	if err := s.flushLocked(); err != nil {
		if had {
			s.items[TokenKey] = prev
		} else {
			delete(s.items, TokenKey)
		}
		return err
	}
	return nil
}

func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[TokenKey]; !ok {
		return nil
	}
	delete(s.items, TokenKey)
	return s.flushLocked()
}

// flushLocked writes through a temp file and rename so a crash never leaves
// a truncated file behind.
func (s *FileStore) flushLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}

	data, err := json.MarshalIndent(s.items, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".storage-*.json")
	if err != nil {
		return fmt.Errorf("create temp credential file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write credential file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close credential file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace credential file: %w", err)
	}
	return nil
}
