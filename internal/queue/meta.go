package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/xerrors"

	"backend-drivertrack/internal/location"
)

// SyncMeta returns the persisted sync state, or the zero value when none was
// saved yet.
func (s *Store) SyncMeta(ctx context.Context) (location.SyncMeta, error) {
	var meta location.SyncMeta
	ok, err := s.getJSON(ctx, keySyncMeta, &meta)
	if err != nil || !ok {
		return location.SyncMeta{}, err
	}
	return meta, nil
}

func (s *Store) SaveSyncMeta(ctx context.Context, meta location.SyncMeta) error {
	if meta.FailCount < 0 {
		meta.FailCount = 0
	}
	return s.putJSON(ctx, keySyncMeta, meta)
}

// ResetSyncMeta records a successful attempt at the given time.
func (s *Store) ResetSyncMeta(ctx context.Context, at time.Time) error {
	return s.putJSON(ctx, keySyncMeta, location.SyncMeta{LastSyncAttempt: at.UTC()})
}

// Token returns the cached bearer credential, or "" when absent.
func (s *Store) Token(ctx context.Context) (string, error) {
	v, ok, err := s.get(ctx, keyAuthToken)
	if err != nil || !ok {
		return "", err
	}
	return v, nil
}

func (s *Store) SaveToken(ctx context.Context, token string) error {
	return s.put(ctx, keyAuthToken, token)
}

func (s *Store) ClearToken(ctx context.Context) error {
	return s.delete(ctx, keyAuthToken)
}

// ActiveSession returns the cached session, or nil.
func (s *Store) ActiveSession(ctx context.Context) (*location.Session, error) {
	var session location.Session
	ok, err := s.getJSON(ctx, keyActiveSession, &session)
	if err != nil || !ok {
		return nil, err
	}
	return &session, nil
}

func (s *Store) SaveActiveSession(ctx context.Context, session location.Session) error {
	return s.putJSON(ctx, keyActiveSession, session)
}

func (s *Store) ClearActiveSession(ctx context.Context) error {
	return s.delete(ctx, keyActiveSession)
}

func (s *Store) get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, xerrors.Errorf("read %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) put(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return xerrors.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *Store) delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return xerrors.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) getJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok, err := s.get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, xerrors.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return xerrors.Errorf("encode %s: %w", key, err)
	}
	return s.put(ctx, key, string(data))
}
