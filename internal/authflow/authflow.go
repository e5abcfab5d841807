// Package authflow drives the upstream's device-grant login. Each login
// attempt is an in-memory session advanced by begin, poll, and exchange;
// a successful exchange persists the credential for its target drive.
package authflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strmgate/strmgate/internal/credfile"
	"github.com/strmgate/strmgate/internal/pool"
	"github.com/strmgate/strmgate/internal/store"
	"github.com/strmgate/strmgate/internal/upstream"
)

// Session states. Confirmed is the signal for callers to stop polling and
// call Exchange.
const (
	StateAwaitingScan    = "awaiting_scan"
	StateAwaitingConfirm = "awaiting_confirm"
	StateConfirmed       = "confirmed"
	StateExchanging      = "exchanging"
	StateDone            = "done"
	StateFailed          = "failed"
)

// ErrSessionNotFound is returned for unknown or garbage-collected sessions.
var ErrSessionNotFound = errors.New("authflow: session not found")

// ErrSessionExpired is returned when the QR window has closed.
var ErrSessionExpired = errors.New("authflow: session expired")

// ErrNotConfirmed is returned when exchange is called before the user
// confirmed the scan.
var ErrNotConfirmed = errors.New("authflow: session not yet confirmed")

// ErrNoDrive is returned when exchange has no drive to bind the credential
// to: none was named and no current drive exists.
var ErrNoDrive = errors.New("authflow: no drive to bind credential, create one first")

// gcPeriod is how often expired sessions are collected.
const gcPeriod = time.Minute

// Session is the caller-visible view of one login attempt. The PKCE
// verifier stays inside the flow and never appears here.
type Session struct {
	ID        string
	Kind      string
	QRPayload string
	State     string
	DriveID   string
	Message   string
	ExpiresAt time.Time
}

type session struct {
	Session

	uid      string
	verifier string
}

// Flow owns the session table and the exchange side effects.
type Flow struct {
	store  *store.Store
	creds  *credfile.Store
	pool   *pool.Pool
	client *upstream.Client
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a flow. The client is used unauthenticated for the QR
// endpoints only.
func New(st *store.Store, creds *credfile.Store, p *pool.Pool, client *upstream.Client, logger *slog.Logger) *Flow {
	if logger == nil {
		logger = slog.Default()
	}

	return &Flow{
		store:    st,
		creds:    creds,
		pool:     p,
		client:   client,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// Begin opens a device-grant session for the given credential kind and
// returns it in awaiting_scan state.
func (f *Flow) Begin(ctx context.Context, kind string) (*Session, error) {
	if kind == "" {
		kind = credfile.KindOpen
	}

	qr, err := f.client.QRStart(ctx)
	if err != nil {
		return nil, fmt.Errorf("authflow: starting QR session: %w", err)
	}

	s := &session{
		Session: Session{
			ID:        uuid.NewString(),
			Kind:      kind,
			QRPayload: qr.QRPayload,
			State:     StateAwaitingScan,
			ExpiresAt: qr.ExpiresAt,
		},
		uid:      qr.UID,
		verifier: qr.Verifier,
	}

	f.mu.Lock()
	f.sessions[s.ID] = s
	f.mu.Unlock()

	f.logger.Info("opened login session",
		slog.String("session_id", s.ID),
		slog.String("kind", kind),
		slog.Time("expires_at", s.ExpiresAt),
	)

	view := s.Session

	return &view, nil
}

// Poll asks the upstream for the scan status and advances the session.
func (f *Flow) Poll(ctx context.Context, sessionID string) (*Session, error) {
	s, err := f.get(sessionID)
	if err != nil {
		return nil, err
	}

	if s.State == StateDone || s.State == StateFailed {
		view := *s
		return &view.Session, nil
	}

	if f.now().After(s.ExpiresAt) {
		f.fail(sessionID, ErrSessionExpired.Error())
		return nil, ErrSessionExpired
	}

	status, err := f.client.QRStatus(ctx, s.uid)
	if err != nil {
		return nil, fmt.Errorf("authflow: polling session %s: %w", sessionID, err)
	}

	f.mu.Lock()

	if live, ok := f.sessions[sessionID]; ok {
		switch status {
		case upstream.QRScanned:
			if live.State == StateAwaitingScan {
				live.State = StateAwaitingConfirm
			}
		case upstream.QRConfirmed:
			if live.State == StateAwaitingScan || live.State == StateAwaitingConfirm {
				live.State = StateConfirmed
			}
		case upstream.QRExpired:
			live.State = StateFailed
		}

		s = live
	}

	view := s.Session
	f.mu.Unlock()

	if status == upstream.QRExpired {
		return nil, ErrSessionExpired
	}

	return &view, nil
}

// Exchange trades a confirmed session for a credential and binds it to a
// drive: the named one, else the current drive. With no drive at all the
// caller must create one first.
func (f *Flow) Exchange(ctx context.Context, sessionID, driveID string) (string, error) {
	s, err := f.get(sessionID)
	if err != nil {
		return "", err
	}

	if f.now().After(s.ExpiresAt) {
		f.fail(sessionID, ErrSessionExpired.Error())
		return "", ErrSessionExpired
	}

	drive, err := f.resolveDrive(ctx, driveID, s.Kind)
	if err != nil {
		return "", err
	}

	status, err := f.client.QRStatus(ctx, s.uid)
	if err != nil {
		return "", fmt.Errorf("authflow: checking session %s: %w", sessionID, err)
	}

	if status != upstream.QRConfirmed {
		if status == upstream.QRExpired {
			f.fail(sessionID, ErrSessionExpired.Error())
			return "", ErrSessionExpired
		}

		return "", ErrNotConfirmed
	}

	f.setState(sessionID, StateExchanging, drive.DriveID)

	cred, err := f.client.QRExchange(ctx, s.uid, s.verifier, s.Kind)
	if err != nil {
		f.fail(sessionID, err.Error())
		return "", fmt.Errorf("authflow: exchanging session %s: %w", sessionID, err)
	}

	if err := f.creds.Save(drive.DriveID, cred); err != nil {
		f.fail(sessionID, err.Error())
		return "", fmt.Errorf("authflow: saving credential for %s: %w", drive.DriveID, err)
	}

	f.pool.Refresh(drive.DriveID, cred)

	if err := f.store.TouchDrive(ctx, drive.DriveID); err != nil {
		f.logger.Warn("failed to touch drive after login",
			slog.String("drive_id", drive.DriveID),
			slog.String("error", err.Error()),
		)
	}

	f.setState(sessionID, StateDone, drive.DriveID)

	f.logger.Info("login complete",
		slog.String("session_id", sessionID),
		slog.String("drive_id", drive.DriveID),
		slog.String("kind", s.Kind),
	)

	return drive.DriveID, nil
}

// Get returns the current view of a session.
func (f *Flow) Get(sessionID string) (*Session, error) {
	s, err := f.get(sessionID)
	if err != nil {
		return nil, err
	}

	view := s.Session

	return &view, nil
}

// RunGC collects expired sessions until ctx is canceled.
func (f *Flow) RunGC(ctx context.Context) {
	ticker := time.NewTicker(gcPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := f.collect(); n > 0 {
				f.logger.Debug("collected expired login sessions", slog.Int("count", n))
			}
		}
	}
}

// collect removes sessions past their expiry plus terminal ones older
// than the QR window, returning how many were dropped.
func (f *Flow) collect() int {
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	var dropped int

	for id, s := range f.sessions {
		if now.After(s.ExpiresAt) {
			delete(f.sessions, id)
			dropped++
		}
	}

	return dropped
}

// resolveDrive picks the credential's target drive. Named or current, the
// drive's kind must match the session's so a web cookie never lands on an
// open drive.
func (f *Flow) resolveDrive(ctx context.Context, driveID, kind string) (*store.Drive, error) {
	var (
		drive *store.Drive
		err   error
	)

	if driveID != "" {
		drive, err = f.store.GetDrive(ctx, driveID)
		if err != nil {
			return nil, fmt.Errorf("authflow: resolving drive %s: %w", driveID, err)
		}
	} else {
		drive, err = f.store.CurrentDrive(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoDrive
		}

		if err != nil {
			return nil, fmt.Errorf("authflow: resolving current drive: %w", err)
		}
	}

	if drive.Kind != kind {
		return nil, fmt.Errorf("authflow: drive %s is kind %q, session is %q",
			drive.DriveID, drive.Kind, kind)
	}

	return drive, nil
}

func (f *Flow) get(sessionID string) (*session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	copied := *s

	return &copied, nil
}

func (f *Flow) setState(sessionID, state, driveID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if s, ok := f.sessions[sessionID]; ok {
		s.State = state

		if driveID != "" {
			s.DriveID = driveID
		}
	}
}

func (f *Flow) fail(sessionID, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if s, ok := f.sessions[sessionID]; ok {
		s.State = StateFailed
		s.Message = message
	}
}
