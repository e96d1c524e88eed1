// Package queue is the tracker's durable local state: the ordered queue of
// points awaiting upload plus sync metadata, the cached bearer credential and
// the cached active session. Everything lives in one SQLite database.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/xerrors"

	"backend-drivertrack/internal/location"

	_ "modernc.org/sqlite"
)

const (
	keySyncMeta      = "sync_meta"
	keyAuthToken     = "auth_token"
	keyActiveSession = "active_session"
)

type Option func(*Store)

func WithClock(clock quartz.Clock) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

type Store struct {
	db    *sql.DB
	clock quartz.Clock
	mu    sync.Mutex
}

// Open opens (or creates) the SQLite database at path. ":memory:" is allowed.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, xerrors.Errorf("open sqlite %q: %w", path, err)
	}
	// A single connection keeps an in-memory database alive and serializes writers.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("ping sqlite: %w", err)
	}
	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, xerrors.Errorf("%s: %w", pragma, err)
		}
	}
	s, err := New(db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func New(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("queue: db is nil")
	}
	s := &Store{db: db, clock: quartz.NewReal()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(context.Background()); err != nil {
		return nil, xerrors.Errorf("migrate queue schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS queued_points (
		point_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		ts_ns INTEGER NOT NULL,
		lat REAL NOT NULL,
		lng REAL NOT NULL,
		accuracy REAL,
		speed REAL,
		heading REAL,
		provider TEXT NOT NULL DEFAULT '',
		queued_at_ns INTEGER NOT NULL,
		rejections INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS queued_points_ts_idx ON queued_points (ts_ns);
	CREATE TABLE IF NOT EXISTS dead_letters (
		point_id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		reason TEXT NOT NULL,
		rejections INTEGER NOT NULL,
		quarantined_at_ns INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// Enqueue stores p. A point with the same id is overwritten in place.
func (s *Store) Enqueue(ctx context.Context, p location.Point) error {
	if p.PointID == "" {
		return errors.New("queue: point id is empty")
	}
	if p.QueuedAt.IsZero() {
		p.QueuedAt = s.clock.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queued_points (point_id, session_id, ts_ns, lat, lng, accuracy, speed, heading, provider, queued_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (point_id) DO UPDATE SET
			session_id = excluded.session_id,
			ts_ns = excluded.ts_ns,
			lat = excluded.lat,
			lng = excluded.lng,
			accuracy = excluded.accuracy,
			speed = excluded.speed,
			heading = excluded.heading,
			provider = excluded.provider,
			queued_at_ns = excluded.queued_at_ns`,
		p.PointID, p.SessionID, p.Timestamp.UnixNano(), p.Lat, p.Lng,
		p.Accuracy, p.Speed, p.Heading, p.Provider, p.QueuedAt.UnixNano(),
	)
	if err != nil {
		return xerrors.Errorf("enqueue point %s: %w", p.PointID, err)
	}
	return nil
}

// DequeueBatch returns up to limit points ordered by capture time. Points are
// not removed.
func (s *Store) DequeueBatch(ctx context.Context, limit int) ([]location.Point, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT point_id, session_id, ts_ns, lat, lng, accuracy, speed, heading, provider, queued_at_ns
		FROM queued_points
		ORDER BY ts_ns ASC, rowid ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Errorf("dequeue batch: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []location.Point
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, xerrors.Errorf("scan queued point: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Errorf("dequeue batch: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPoint(row scanner) (location.Point, error) {
	var (
		p                      location.Point
		tsNs, queuedNs         int64
		accuracy, speed, heads sql.NullFloat64
	)
	if err := row.Scan(&p.PointID, &p.SessionID, &tsNs, &p.Lat, &p.Lng, &accuracy, &speed, &heads, &p.Provider, &queuedNs); err != nil {
		return location.Point{}, err
	}
	p.Timestamp = time.Unix(0, tsNs).UTC()
	p.QueuedAt = time.Unix(0, queuedNs).UTC()
	p.Accuracy = nullable(accuracy)
	p.Speed = nullable(speed)
	p.Heading = nullable(heads)
	return p, nil
}

func nullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// Remove deletes every listed id that is present. Unknown ids are ignored.
func (s *Store) Remove(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("begin remove: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM queued_points WHERE point_id = ?`)
	if err != nil {
		return xerrors.Errorf("prepare remove: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return xerrors.Errorf("remove point %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Errorf("commit remove: %w", err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queued_points`).Scan(&n); err != nil {
		return 0, xerrors.Errorf("count queued points: %w", err)
	}
	return n, nil
}

// MarkRejected records one more server rejection for each listed point. When
// maxRejections is positive, points that reach it move to the dead-letter
// table and are returned.
func (s *Store) MarkRejected(ctx context.Context, rejections []location.Rejection, maxRejections int) ([]location.DeadLetter, error) {
	if len(rejections) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Errorf("begin mark rejected: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var quarantined []location.DeadLetter
	now := s.clock.Now().UTC()
	for _, r := range rejections {
		if _, err := tx.ExecContext(ctx, `UPDATE queued_points SET rejections = rejections + 1 WHERE point_id = ?`, r.PointID); err != nil {
			return nil, xerrors.Errorf("count rejection for %s: %w", r.PointID, err)
		}
		if maxRejections <= 0 {
			continue
		}

		var count int
		err := tx.QueryRowContext(ctx, `SELECT rejections FROM queued_points WHERE point_id = ?`, r.PointID).Scan(&count)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, xerrors.Errorf("load rejection count %s: %w", r.PointID, err)
		}
		if count < maxRejections {
			continue
		}
		p, err := scanPoint(tx.QueryRowContext(ctx, `
			SELECT point_id, session_id, ts_ns, lat, lng, accuracy, speed, heading, provider, queued_at_ns
			FROM queued_points WHERE point_id = ?`, r.PointID))
		if err != nil {
			return nil, xerrors.Errorf("load rejected point %s: %w", r.PointID, err)
		}

		payload, err := json.Marshal(p)
		if err != nil {
			return nil, xerrors.Errorf("encode dead letter: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dead_letters (point_id, payload, reason, rejections, quarantined_at_ns)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (point_id) DO UPDATE SET
				payload = excluded.payload,
				reason = excluded.reason,
				rejections = excluded.rejections,
				quarantined_at_ns = excluded.quarantined_at_ns`,
			p.PointID, string(payload), r.Reason, count, now.UnixNano()); err != nil {
			return nil, xerrors.Errorf("insert dead letter %s: %w", r.PointID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM queued_points WHERE point_id = ?`, r.PointID); err != nil {
			return nil, xerrors.Errorf("dequeue dead letter %s: %w", r.PointID, err)
		}
		quarantined = append(quarantined, location.DeadLetter{Point: p, Reason: r.Reason, Rejections: count, QuarantinedAt: now})
	}

	if err := tx.Commit(); err != nil {
		return nil, xerrors.Errorf("commit mark rejected: %w", err)
	}
	return quarantined, nil
}

func (s *Store) DeadLetters(ctx context.Context) ([]location.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT payload, reason, rejections, quarantined_at_ns
		FROM dead_letters
		ORDER BY quarantined_at_ns ASC, rowid ASC`)
	if err != nil {
		return nil, xerrors.Errorf("list dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []location.DeadLetter
	for rows.Next() {
		var (
			d       location.DeadLetter
			payload string
			atNs    int64
		)
		if err := rows.Scan(&payload, &d.Reason, &d.Rejections, &atNs); err != nil {
			return nil, xerrors.Errorf("scan dead letter: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &d.Point); err != nil {
			return nil, xerrors.Errorf("decode dead letter: %w", err)
		}
		d.QuarantinedAt = time.Unix(0, atNs).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}
