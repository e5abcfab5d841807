// Package pool owns the per-drive upstream clients and their credentials.
// Entries are created on demand, shared by all callers, and evicted when
// the upstream reports the credential invalid.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/strmgate/strmgate/internal/credfile"
	"github.com/strmgate/strmgate/internal/upstream"
)

// ErrNoCredential is returned by Acquire when the drive has no persisted
// credential. The caller should direct the user to log in.
var ErrNoCredential = errors.New("pool: drive has no credential")

// Entry is one live drive binding: a client plus the credential it uses.
// Entries are shared; callers must not mutate the credential.
type Entry struct {
	DriveID     string
	Client      *upstream.Client
	Credential  *credfile.Credential
	LastChecked time.Time
}

// ClientFactory builds an upstream client for a drive kind. Injected so
// tests can point entries at a fake server.
type ClientFactory func(driveID, kind string) *upstream.Client

// Pool maps drive ids to entries. Reads take a shared lock; creation is
// deduplicated through a singleflight group so concurrent first acquires
// load the credential once.
type Pool struct {
	creds   *credfile.Store
	factory ClientFactory
	logger  *slog.Logger

	mu      sync.RWMutex
	entries map[string]*Entry
	group   singleflight.Group
}

// New creates an empty pool.
func New(creds *credfile.Store, factory ClientFactory, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		creds:   creds,
		factory: factory,
		logger:  logger,
		entries: make(map[string]*Entry),
	}
}

// Acquire returns the entry for a drive, creating it if absent. Creation
// loads the persisted credential and instantiates a client; a missing
// credential fails with ErrNoCredential.
func (p *Pool) Acquire(ctx context.Context, driveID, kind string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("pool: acquire canceled: %w", err)
	}

	if e := p.lookup(driveID); e != nil {
		return p.ensureFresh(ctx, e)
	}

	v, err, _ := p.group.Do(driveID, func() (any, error) {
		if e := p.lookup(driveID); e != nil {
			return e, nil
		}

		cred, err := p.creds.Load(driveID)
		if err != nil {
			return nil, fmt.Errorf("pool: loading credential for %s: %w", driveID, err)
		}

		if cred == nil {
			return nil, fmt.Errorf("pool: drive %s: %w", driveID, ErrNoCredential)
		}

		entry := &Entry{
			DriveID:     driveID,
			Client:      p.factory(driveID, kind),
			Credential:  cred,
			LastChecked: time.Now(),
		}

		p.mu.Lock()
		p.entries[driveID] = entry
		p.mu.Unlock()

		p.logger.Info("added drive to provider pool",
			slog.String("drive_id", driveID),
			slog.String("kind", kind),
		)

		return entry, nil
	})
	if err != nil {
		return nil, err
	}

	entry, ok := v.(*Entry)
	if !ok {
		return nil, fmt.Errorf("pool: unexpected entry type %T", v)
	}

	return p.ensureFresh(ctx, entry)
}

// ensureFresh refreshes a bearer credential past its expiry before handing
// the entry out. Concurrent refreshes of the same drive collapse into one
// upstream call, and the new credential is persisted so a restart does not
// replay the stale one. Cookie credentials never report expired and pass
// straight through.
func (p *Pool) ensureFresh(ctx context.Context, entry *Entry) (*Entry, error) {
	if !entry.Credential.Expired() {
		return entry, nil
	}

	_, err, _ := p.group.Do("refresh/"+entry.DriveID, func() (any, error) {
		if !entry.Credential.Expired() {
			return nil, nil
		}

		next, err := entry.Client.RefreshCredential(ctx, entry.Credential)
		if err != nil {
			return nil, fmt.Errorf("pool: refreshing credential for %s: %w", entry.DriveID, err)
		}

		if err := p.creds.Save(entry.DriveID, next); err != nil {
			return nil, fmt.Errorf("pool: saving refreshed credential for %s: %w", entry.DriveID, err)
		}

		p.mu.Lock()
		entry.Credential = next
		entry.LastChecked = time.Now()
		p.mu.Unlock()

		p.logger.Info("refreshed drive credential", slog.String("drive_id", entry.DriveID))

		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}

// Invalidate evicts the entry for a drive and removes its persisted
// credential. Called by anyone who receives an unauthenticated error from
// the upstream; safe to call repeatedly.
func (p *Pool) Invalidate(driveID string) error {
	p.mu.Lock()
	_, had := p.entries[driveID]
	delete(p.entries, driveID)
	p.mu.Unlock()

	if had {
		p.logger.Warn("evicted drive from provider pool",
			slog.String("drive_id", driveID),
		)
	}

	if err := p.creds.Invalidate(driveID); err != nil {
		return fmt.Errorf("pool: invalidating credential for %s: %w", driveID, err)
	}

	return nil
}

// Evict removes the in-memory entry without touching the credential file.
// Used on drive deletion after the caller has removed the credential.
func (p *Pool) Evict(driveID string) {
	p.mu.Lock()
	delete(p.entries, driveID)
	p.mu.Unlock()
}

// Refresh replaces the credential of a live entry after a re-login. If the
// drive is not in the pool this is a no-op; the next Acquire loads the
// fresh credential from disk.
func (p *Pool) Refresh(driveID string, cred *credfile.Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[driveID]; ok {
		e.Credential = cred
		e.LastChecked = time.Now()
	}
}

// HandleUnauth invalidates the drive if err is an unauthenticated error
// and returns whether it did. Callers use it as a one-line catch at every
// upstream call site.
func (p *Pool) HandleUnauth(driveID string, err error) bool {
	if !errors.Is(err, upstream.ErrUnauthorized) {
		return false
	}

	if invErr := p.Invalidate(driveID); invErr != nil {
		p.logger.Error("failed to invalidate drive after unauth",
			slog.String("drive_id", driveID),
			slog.String("error", invErr.Error()),
		)
	}

	return true
}

func (p *Pool) lookup(driveID string) *Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.entries[driveID]
}
