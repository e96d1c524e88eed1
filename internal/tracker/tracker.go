// Package tracker ties the on-device pieces together: it follows the driver's
// session lifecycle, arms the sampler only while the session is active, and
// runs the sync engine.
package tracker

import (
	"context"
	"sync"

	"cdr.dev/slog/v3"
	"golang.org/x/xerrors"

	"backend-drivertrack/internal/location"
	"backend-drivertrack/internal/syncer"
)

var ErrNoSession = xerrors.New("no tracking session")

type SessionAPI interface {
	StartSession(ctx context.Context, token string) (location.Session, error)
	PauseSession(ctx context.Context, token, sessionID string) (location.Session, error)
	ResumeSession(ctx context.Context, token, sessionID string) (location.Session, error)
	StopSession(ctx context.Context, token, sessionID string) (location.Session, error)
	CurrentSession(ctx context.Context, token string) (*location.Session, error)
}

type SessionCache interface {
	ActiveSession(ctx context.Context) (*location.Session, error)
	SaveActiveSession(ctx context.Context, session location.Session) error
	ClearActiveSession(ctx context.Context) error
}

type Sampler interface {
	Arm(sessionID string)
	Disarm()
	Active() bool
	SetMode(mode location.TrackingMode)
	Handle(ctx context.Context, pos location.Position) (location.Point, bool)
}

type Syncer interface {
	Start(ctx context.Context)
	Stop()
	SyncNow(ctx context.Context) (syncer.Result, error)
}

type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Supervisor maps session status onto the sampler.
type Supervisor struct {
	sampler Sampler
}

func NewSupervisor(s Sampler) *Supervisor {
	return &Supervisor{sampler: s}
}

// Apply arms the sampler iff the session is active.
func (s *Supervisor) Apply(session *location.Session) {
	if session != nil && session.Status == location.SessionActive {
		s.sampler.Arm(session.ID)
		return
	}
	s.sampler.Disarm()
}

type Deps struct {
	API     SessionAPI
	Cache   SessionCache
	Tokens  TokenSource
	Sampler Sampler
	Syncer  Syncer
	Modes   location.Modes
}

type Tracker struct {
	deps       Deps
	supervisor *Supervisor
	log        slog.Logger

	mu      sync.Mutex
	session *location.Session
}

func New(deps Deps, log slog.Logger) *Tracker {
	if deps.Modes == nil {
		deps.Modes = location.DefaultModes()
	}
	return &Tracker{
		deps:       deps,
		supervisor: NewSupervisor(deps.Sampler),
		log:        log.Named("tracker"),
	}
}

func (t *Tracker) Session() *location.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return nil
	}
	s := *t.session
	return &s
}

func (t *Tracker) token(ctx context.Context) (string, error) {
	token, err := t.deps.Tokens.Token(ctx)
	if err != nil {
		return "", xerrors.Errorf("credential: %w", err)
	}
	if token == "" {
		return "", xerrors.New("credential: not logged in")
	}
	return token, nil
}

// apply caches the session locally and updates the sampler. Must hold t.mu.
func (t *Tracker) applyLocked(ctx context.Context, session location.Session) error {
	if err := t.deps.Cache.SaveActiveSession(ctx, session); err != nil {
		return xerrors.Errorf("cache session: %w", err)
	}
	t.session = &session
	t.supervisor.Apply(&session)
	t.log.Info(ctx, "session updated",
		slog.F("session_id", session.ID),
		slog.F("status", session.Status),
	)
	return nil
}

func (t *Tracker) Start(ctx context.Context) (location.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	token, err := t.token(ctx)
	if err != nil {
		return location.Session{}, err
	}
	session, err := t.deps.API.StartSession(ctx, token)
	if err != nil {
		return location.Session{}, err
	}
	if err := t.applyLocked(ctx, session); err != nil {
		return location.Session{}, err
	}
	t.deps.Syncer.Start(ctx)
	return session, nil
}

func (t *Tracker) Pause(ctx context.Context) (location.Session, error) {
	return t.transition(ctx, t.deps.API.PauseSession)
}

func (t *Tracker) Resume(ctx context.Context) (location.Session, error) {
	return t.transition(ctx, t.deps.API.ResumeSession)
}

func (t *Tracker) transition(ctx context.Context, call func(context.Context, string, string) (location.Session, error)) (location.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session == nil {
		return location.Session{}, ErrNoSession
	}
	token, err := t.token(ctx)
	if err != nil {
		return location.Session{}, err
	}
	session, err := call(ctx, token, t.session.ID)
	if err != nil {
		return location.Session{}, err
	}
	if err := t.applyLocked(ctx, session); err != nil {
		return location.Session{}, err
	}
	return session, nil
}

// Stop disarms the sampler, flushes the queue once, completes the session on
// the server and stops the sync engine.
func (t *Tracker) Stop(ctx context.Context) (location.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session == nil {
		return location.Session{}, ErrNoSession
	}
	t.deps.Sampler.Disarm()

	res, err := t.deps.Syncer.SyncNow(ctx)
	if err != nil {
		t.log.Warn(ctx, "final sync before stop failed", slog.Error(err))
	} else {
		t.log.Info(ctx, "final sync before stop",
			slog.F("outcome", res.Outcome),
			slog.F("remaining", res.Remaining),
		)
	}

	token, err := t.token(ctx)
	if err != nil {
		return location.Session{}, err
	}
	session, err := t.deps.API.StopSession(ctx, token, t.session.ID)
	if err != nil {
		return location.Session{}, err
	}
	if err := t.deps.Cache.ClearActiveSession(ctx); err != nil {
		return location.Session{}, xerrors.Errorf("clear cached session: %w", err)
	}
	t.session = nil
	t.deps.Syncer.Stop()
	t.log.Info(ctx, "session stopped", slog.F("session_id", session.ID))
	return session, nil
}

// Restore resumes a session cached by a previous run. The server's view wins
// when it can be reached.
func (t *Tracker) Restore(ctx context.Context) (*location.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cached, err := t.deps.Cache.ActiveSession(ctx)
	if err != nil {
		return nil, xerrors.Errorf("read cached session: %w", err)
	}

	session := cached
	if token, err := t.token(ctx); err == nil {
		current, err := t.deps.API.CurrentSession(ctx, token)
		switch {
		case err != nil:
			t.log.Warn(ctx, "could not reach server, using cached session", slog.Error(err))
		case current == nil || current.Status == location.SessionCompleted:
			session = nil
		default:
			session = current
		}
	}

	// Points left over from an earlier run still need draining.
	t.deps.Syncer.Start(ctx)

	if session == nil {
		if cached != nil {
			if err := t.deps.Cache.ClearActiveSession(ctx); err != nil {
				return nil, xerrors.Errorf("clear cached session: %w", err)
			}
		}
		t.session = nil
		t.supervisor.Apply(nil)
		return nil, nil
	}
	if err := t.applyLocked(ctx, *session); err != nil {
		return nil, err
	}
	out := *session
	return &out, nil
}

func (t *Tracker) SetMode(name string) (location.TrackingMode, error) {
	mode, err := t.deps.Modes.Lookup(name)
	if err != nil {
		return location.TrackingMode{}, err
	}
	t.deps.Sampler.SetMode(mode)
	return mode, nil
}

func (t *Tracker) HandlePosition(ctx context.Context, pos location.Position) (location.Point, bool) {
	return t.deps.Sampler.Handle(ctx, pos)
}

// Flush runs one sync attempt in the caller's goroutine.
func (t *Tracker) Flush(ctx context.Context) (syncer.Result, error) {
	return t.deps.Syncer.SyncNow(ctx)
}

// Close stops background syncing without touching the session.
func (t *Tracker) Close() {
	t.deps.Syncer.Stop()
}
