package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/juanfont/impersonate/types"
	"github.com/rs/zerolog/log"
)

// Credentials is the transient access token for acting as the impersonated
// identity. It must not outlive ExpiresAt.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	SessionID    string    `json:"session_id"`
	TargetUserID string    `json:"target_user_id"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// CredentialsFromStart extracts the credential from a start response.
func CredentialsFromStart(resp *types.StartSessionResponse) *Credentials {
	return &Credentials{
		AccessToken:  resp.AccessToken,
		SessionID:    resp.SessionID,
		TargetUserID: resp.TargetUser.ID,
		ExpiresAt:    resp.ExpiresAt,
	}
}

// Valid reports whether the credential may still be used at now.
func (c *Credentials) Valid(now time.Time) bool {
	return c != nil && c.AccessToken != "" && now.Before(c.ExpiresAt)
}

// CredentialStore holds at most one impersonation credential.
type CredentialStore interface {
	// Load returns the stored credential, or nil if none is stored or it expired.
	Load() (*Credentials, error)
	Save(*Credentials) error
	// Discard removes the credential. Discarding an empty store is not an error.
	Discard() error
}

// MemoryCredentialStore keeps the credential in process memory.
type MemoryCredentialStore struct {
	mu    sync.Mutex
	creds *Credentials
	now   func() time.Time
}

// NewMemoryCredentialStore creates an empty in-memory store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{now: time.Now}
}

func (s *MemoryCredentialStore) Load() (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.creds != nil && !s.creds.Valid(s.now()) {
		s.creds = nil
	}
	if s.creds == nil {
		return nil, nil
	}
	cp := *s.creds
	return &cp, nil
}

func (s *MemoryCredentialStore) Save(c *Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.creds = &cp
	return nil
}

func (s *MemoryCredentialStore) Discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = nil
	return nil
}

// FileCredentialStore persists the credential as a 0600 JSON file so separate
// CLI invocations can share one session.
type FileCredentialStore struct {
	path string
	now  func() time.Time
}

// NewFileCredentialStore creates a store backed by path.
func NewFileCredentialStore(path string) *FileCredentialStore {
	return &FileCredentialStore{path: path, now: time.Now}
}

// Path returns the backing file path.
func (s *FileCredentialStore) Path() string {
	return s.path
}

func (s *FileCredentialStore) Load() (*Credentials, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading credentials: %w", err)
	}

	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decoding credentials: %w", err)
	}

	if !c.Valid(s.now()) {
		log.Debug().
			Str("session_id", c.SessionID).
			Time("expires_at", c.ExpiresAt).
			Msg("Discarding expired impersonation credentials")
		return nil, s.Discard()
	}
	return &c, nil
}

func (s *FileCredentialStore) Save(c *Credentials) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating credentials directory: %w", err)
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("writing credentials: %w", err)
	}
	return nil
}

func (s *FileCredentialStore) Discard() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing credentials: %w", err)
	}
	return nil
}
