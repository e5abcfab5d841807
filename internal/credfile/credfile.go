// Package credfile handles reading and writing per-drive credential files.
// A credential file stores either a bearer token (with refresh handle) or an
// opaque session cookie, depending on the drive kind. This is a leaf package
// imported by both upstream/ and pool/ to avoid import cycles.
package credfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// FilePerms restricts credential files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the credentials directory.
const DirPerms = 0o700

// Drive kinds. The kind selects how the credential is attached to upstream
// requests: "open" drives carry a bearer token, "web" drives carry a cookie.
const (
	KindOpen = "open"
	KindWeb  = "web"
)

// Credential is the on-disk format for credential files. Exactly one of
// Token or Cookie is set, matching Kind.
type Credential struct {
	Kind    string        `json:"kind"`
	Token   *oauth2.Token `json:"token,omitempty"`
	Cookie  string        `json:"cookie,omitempty"`
	SavedAt time.Time     `json:"saved_at"`
}

// Expired reports whether the credential is known to be past its expiry.
// Cookie credentials have no client-visible expiry and always return false;
// the upstream's unauthenticated response is the authoritative signal.
func (c *Credential) Expired() bool {
	if c.Token != nil && !c.Token.Expiry.IsZero() {
		return c.Token.Expiry.Before(time.Now())
	}

	return false
}

// Authorize attaches the credential to an outgoing upstream request.
func (c *Credential) Authorize(req *http.Request) {
	switch {
	case c.Token != nil:
		req.Header.Set("Authorization", "Bearer "+c.Token.AccessToken)
	case c.Cookie != "":
		req.Header.Set("Cookie", c.Cookie)
	}
}

// Store persists one credential file per drive under dir. Concurrent calls
// on the same drive are serialised; invalidation is atomic from a reader's
// perspective (the file is either fully present or absent).
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a Store rooted at dir. The directory is created lazily
// on the first Save.
func NewStore(dir string) *Store {
	return &Store{dir: dir, locks: make(map[string]*sync.Mutex)}
}

// Path returns the deterministic credential file path for a drive.
func (s *Store) Path(driveID string) string {
	return filepath.Join(s.dir, driveID+".json")
}

// driveLock returns the per-drive mutex, creating it on first use.
func (s *Store) driveLock(driveID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[driveID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[driveID] = l
	}

	return l
}

// Load reads the credential for a drive. Returns (nil, nil) if no
// credential file exists.
func (s *Store) Load(driveID string) (*Credential, error) {
	l := s.driveLock(driveID)
	l.Lock()
	defer l.Unlock()

	path := s.Path(driveID)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("credfile: reading %s: %w", path, err)
	}

	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("credfile: decoding %s: %w", path, err)
	}

	if cred.Token == nil && cred.Cookie == "" {
		return nil, fmt.Errorf("credfile: %s has neither token nor cookie (re-login required)", path)
	}

	return &cred, nil
}

// Save writes the credential for a drive atomically (write-to-temp + rename)
// with 0600 permissions. Never logs credential values.
func (s *Store) Save(driveID string, cred *Credential) error {
	l := s.driveLock(driveID)
	l.Lock()
	defer l.Unlock()

	cred.SavedAt = time.Now().UTC()

	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("credfile: encoding: %w", err)
	}

	if mkErr := os.MkdirAll(s.dir, DirPerms); mkErr != nil {
		return fmt.Errorf("credfile: creating directory %s: %w", s.dir, mkErr)
	}

	// Atomic write: temp file in the same directory, then rename.
	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(s.dir, ".cred-*.tmp")
	if err != nil {
		return fmt.Errorf("credfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("credfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("credfile: writing: %w", err)
	}

	// Flush to stable storage before rename so a power loss between close
	// and rename cannot leave an empty or partial credential file.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("credfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("credfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, s.Path(driveID)); err != nil {
		return fmt.Errorf("credfile: renaming: %w", err)
	}

	success = true

	return nil
}

// Invalidate removes the credential file for a drive. Returns nil if the
// file does not exist (already invalidated).
func (s *Store) Invalidate(driveID string) error {
	l := s.driveLock(driveID)
	l.Lock()
	defer l.Unlock()

	err := os.Remove(s.Path(driveID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("credfile: removing %s: %w", s.Path(driveID), err)
	}

	return nil
}

// Present reports whether a credential file exists for the drive.
func (s *Store) Present(driveID string) bool {
	l := s.driveLock(driveID)
	l.Lock()
	defer l.Unlock()

	_, err := os.Stat(s.Path(driveID))

	return err == nil
}
