package sseclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var (
	ErrNoUserId     = errors.New("no user id in credential store")
	ErrNotConnected = errors.New("client is not connected")
)

type Credentials struct {
	UserId string `json:"userId"`
	Token  string `json:"token,omitempty"`
}

// CredentialStore holds the identity the client connects as. A store with
// nothing saved returns zero Credentials and no error.
type CredentialStore interface {
	Load() (Credentials, error)
	Save(Credentials) error
}

type MemoryStore struct {
	mu    sync.Mutex
	creds Credentials
}

func NewMemoryStore(creds Credentials) *MemoryStore {
	return &MemoryStore{creds: creds}
}

func (m *MemoryStore) Load() (Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds, nil
}

func (m *MemoryStore) Save(creds Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = creds
	return nil
}

// FileStore keeps credentials as JSON in a single file.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Load() (Credentials, error) {
	var creds Credentials

	b, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return creds, nil
		}
		return creds, fmt.Errorf("read credentials: %w", err)
	}

	if err := json.Unmarshal(b, &creds); err != nil {
		return creds, fmt.Errorf("decode credentials: %w", err)
	}

	return creds, nil
}

func (f *FileStore) Save(creds Credentials) error {
	b, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}

	if err := os.WriteFile(f.path, b, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}

	return nil
}
