package session

import (
	"context"
	"errors"
	"time"

	"backend-drivertrack/internal/db"
	"backend-drivertrack/internal/location"
	"backend-drivertrack/internal/shared/geo"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// uniqueViolation is the Postgres SQLSTATE raised by driver_sessions_one_open_idx.
const uniqueViolation = "23505"

var (
	ErrSessionOpen       = errors.New("driver already has an open session")
	ErrInvalidTransition = errors.New("session not found or transition not allowed")
)

const sessionColumns = `id, driver_id, status, start_time_utc, end_time_utc`

type Service struct {
	db db.Querier
}

func NewService(q db.Querier) *Service {
	return &Service{db: q}
}

// Start opens a new active session. A driver may hold at most one active or
// paused session.
func (s *Service) Start(ctx context.Context, driverID string) (location.Session, error) {
	var existing string
	err := s.db.QueryRow(ctx, `
		SELECT id FROM driver_sessions
		WHERE driver_id = $1 AND status IN ('active', 'paused')
		LIMIT 1
	`, driverID).Scan(&existing)
	switch {
	case err == nil:
		return location.Session{}, ErrSessionOpen
	case !errors.Is(err, pgx.ErrNoRows):
		return location.Session{}, err
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO driver_sessions (id, driver_id, status, start_time_utc)
		VALUES ($1,$2,$3,$4)
		RETURNING `+sessionColumns,
		uuid.NewString(), driverID, string(location.SessionActive), time.Now().UTC())
	sess, err := scanSession(row)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return location.Session{}, ErrSessionOpen
	}
	return sess, err
}

func (s *Service) Pause(ctx context.Context, driverID, sessionID string) (location.Session, error) {
	return s.transition(ctx, driverID, sessionID, location.SessionPaused, location.SessionActive)
}

func (s *Service) Resume(ctx context.Context, driverID, sessionID string) (location.Session, error) {
	return s.transition(ctx, driverID, sessionID, location.SessionActive, location.SessionPaused)
}

func (s *Service) Stop(ctx context.Context, driverID, sessionID string) (location.Session, error) {
	return s.transition(ctx, driverID, sessionID, location.SessionCompleted, location.SessionActive, location.SessionPaused)
}

func (s *Service) transition(ctx context.Context, driverID, sessionID string, to location.SessionStatus, from ...location.SessionStatus) (location.Session, error) {
	allowed := make([]string, len(from))
	for i, st := range from {
		allowed[i] = string(st)
	}

	var end *time.Time
	if to == location.SessionCompleted {
		now := time.Now().UTC()
		end = &now
	}

	row := s.db.QueryRow(ctx, `
		UPDATE driver_sessions
		SET status = $3, end_time_utc = COALESCE($4, end_time_utc)
		WHERE id = $1 AND driver_id = $2 AND status = ANY($5)
		RETURNING `+sessionColumns,
		sessionID, driverID, string(to), end, allowed)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return location.Session{}, ErrInvalidTransition
	}
	if err != nil {
		return location.Session{}, err
	}

	if _, err := s.db.Exec(ctx, `
		UPDATE driver_last_seen SET status = $2, updated_at = now()
		WHERE driver_id = $1
	`, driverID, string(to)); err != nil {
		return location.Session{}, err
	}
	return sess, nil
}

// Current returns the driver's open session with its stored point count, or
// nil when there is none.
func (s *Service) Current(ctx context.Context, driverID string) (*location.Session, error) {
	row := s.db.QueryRow(ctx, `
		SELECT s.id, s.driver_id, s.status, s.start_time_utc, s.end_time_utc,
		       (SELECT COUNT(*) FROM location_points p WHERE p.session_id = s.id)
		FROM driver_sessions s
		WHERE s.driver_id = $1 AND s.status IN ('active', 'paused')
		ORDER BY s.start_time_utc DESC
		LIMIT 1
	`, driverID)

	var sess location.Session
	var status string
	err := row.Scan(&sess.ID, &sess.DriverID, &status, &sess.StartTime, &sess.EndTime, &sess.PointCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.Status = location.SessionStatus(status)
	return &sess, nil
}

// Points lists the stored points of one of the driver's sessions in time order.
func (s *Service) Points(ctx context.Context, driverID, sessionID string) ([]location.Point, error) {
	rows, err := s.db.Query(ctx, `
		SELECT p.point_id, p.session_id, p.ts_utc, p.lat, p.lng, p.accuracy, p.speed, p.heading, COALESCE(p.provider, '')
		FROM location_points p
		JOIN driver_sessions s ON s.id = p.session_id
		WHERE p.session_id = $1 AND s.driver_id = $2
		ORDER BY p.ts_utc, p.point_id
	`, sessionID, driverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	points := []location.Point{}
	for rows.Next() {
		var p location.Point
		if err := rows.Scan(&p.PointID, &p.SessionID, &p.Timestamp, &p.Lat, &p.Lng, &p.Accuracy, &p.Speed, &p.Heading, &p.Provider); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// Summary totals the path of a session from its stored points.
func (s *Service) Summary(ctx context.Context, driverID, sessionID string) (Summary, error) {
	points, err := s.Points(ctx, driverID, sessionID)
	if err != nil {
		return Summary{}, err
	}

	out := Summary{SessionID: sessionID, PointCount: len(points)}
	for i := 1; i < len(points); i++ {
		prev, cur := points[i-1], points[i]
		out.DistanceM += geo.HaversineMeters(prev.Lat, prev.Lng, cur.Lat, cur.Lng)
	}
	if len(points) > 1 {
		duration := points[len(points)-1].Timestamp.Sub(points[0].Timestamp)
		out.DurationSec = int64(duration.Seconds())
		if duration > 0 {
			out.AverageSpeedMps = out.DistanceM / duration.Seconds()
		}
	}
	return out, nil
}

func scanSession(row pgx.Row) (location.Session, error) {
	var sess location.Session
	var status string
	if err := row.Scan(&sess.ID, &sess.DriverID, &status, &sess.StartTime, &sess.EndTime); err != nil {
		return location.Session{}, err
	}
	sess.Status = location.SessionStatus(status)
	return sess, nil
}
