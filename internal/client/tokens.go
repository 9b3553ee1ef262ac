package client

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"promptgate/internal/session"
)

// TokenStore persists the current session.
type TokenStore interface {
	Load() (*session.Session, error)
	Save(*session.Session) error
	Clear() error
}

// FileTokens keeps the session as JSON in a user-only file.
type FileTokens struct {
	path string
	mu   sync.Mutex
}

func NewFileTokens(path string) *FileTokens {
	return &FileTokens{path: path}
}

func (f *FileTokens) Load() (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sess session.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (f *FileTokens) Save(sess *session.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileTokens) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// MemoryTokens is a TokenStore for tests and one-shot commands.
type MemoryTokens struct {
	mu   sync.Mutex
	sess *session.Session
}

func (m *MemoryTokens) Load() (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return nil, nil
	}
	c := *m.sess
	return &c, nil
}

func (m *MemoryTokens) Save(sess *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *sess
	m.sess = &c
	return nil
}

func (m *MemoryTokens) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sess = nil
	return nil
}
