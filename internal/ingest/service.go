package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"backend-drivertrack/internal/db"
	"backend-drivertrack/internal/location"

	"cdr.dev/slog/v3"
	"github.com/jackc/pgx/v5"
)

// Publisher receives a driver's projection after it has been committed.
type Publisher interface {
	Publish(ctx context.Context, ls location.LastSeen) error
}

type Service struct {
	db        db.Querier
	publisher Publisher
	metrics   *Metrics
	log       slog.Logger
}

func NewService(q db.Querier, publisher Publisher, metrics *Metrics, log slog.Logger) *Service {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Service{db: q, publisher: publisher, metrics: metrics, log: log.Named("ingest")}
}

// Ingest stores a driver's batch. A point whose id is already stored, or
// appeared earlier in the batch, is acknowledged without being written again.
// Points for sessions the driver does not own are rejected. The response lists
// every point exactly once.
func (s *Service) Ingest(ctx context.Context, driverID string, points []location.Point) (location.BatchResponse, error) {
	resp, err := s.ingest(ctx, driverID, points)
	if err != nil {
		s.metrics.batchesTotal.WithLabelValues("error").Inc()
		return location.BatchResponse{}, err
	}
	s.metrics.batchesTotal.WithLabelValues("ok").Inc()
	s.metrics.acceptedTotal.Add(float64(resp.Stats.Accepted))
	s.metrics.rejectedTotal.Add(float64(resp.Stats.Rejected))
	return resp, nil
}

func (s *Service) ingest(ctx context.Context, driverID string, points []location.Point) (location.BatchResponse, error) {
	ids := make([]string, 0, len(points))
	sessionIDs := make([]string, 0, len(points))
	seenSession := map[string]struct{}{}
	for _, p := range points {
		ids = append(ids, p.PointID)
		if _, ok := seenSession[p.SessionID]; !ok {
			seenSession[p.SessionID] = struct{}{}
			sessionIDs = append(sessionIDs, p.SessionID)
		}
	}

	stored, err := s.existingPoints(ctx, ids)
	if err != nil {
		return location.BatchResponse{}, fmt.Errorf("lookup points: %w", err)
	}
	owned, err := s.ownedSessions(ctx, driverID, sessionIDs)
	if err != nil {
		return location.BatchResponse{}, fmt.Errorf("lookup sessions: %w", err)
	}

	resp := location.BatchResponse{
		Accepted: []string{},
		Rejected: []location.Rejection{},
	}
	var candidates []location.Point
	for _, p := range points {
		if _, ok := stored[p.PointID]; ok {
			resp.Accepted = append(resp.Accepted, p.PointID)
			continue
		}
		if _, ok := owned[p.SessionID]; !ok {
			resp.Rejected = append(resp.Rejected, location.Rejection{PointID: p.PointID, Reason: location.ReasonInvalidSession})
			continue
		}
		stored[p.PointID] = struct{}{}
		candidates = append(candidates, p)
		resp.Accepted = append(resp.Accepted, p.PointID)
	}

	if len(candidates) > 0 {
		latest, err := s.insert(ctx, driverID, candidates, owned)
		if err != nil {
			return location.BatchResponse{}, err
		}
		if latest != nil && s.publisher != nil {
			if err := s.publisher.Publish(ctx, *latest); err != nil {
				s.log.Warn(ctx, "publish last seen", slog.F("driver_id", driverID), slog.Error(err))
			}
		}
	}

	resp.Success = true
	resp.Stats = location.BatchStats{
		Total:    len(points),
		Accepted: len(resp.Accepted),
		Rejected: len(resp.Rejected),
	}
	s.log.Debug(ctx, "batch ingested",
		slog.F("driver_id", driverID),
		slog.F("total", resp.Stats.Total),
		slog.F("accepted", resp.Stats.Accepted),
		slog.F("rejected", resp.Stats.Rejected),
		slog.F("inserted", len(candidates)),
	)
	return resp, nil
}

func (s *Service) existingPoints(ctx context.Context, ids []string) (map[string]struct{}, error) {
	rows, err := s.db.Query(ctx, `SELECT point_id::text FROM location_points WHERE point_id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]struct{}{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// ownedSessions maps the driver's sessions among ids to their status.
// Session status is not checked; late points for a completed session are kept.
func (s *Service) ownedSessions(ctx context.Context, driverID string, ids []string) (map[string]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id::text, status FROM driver_sessions
		WHERE driver_id = $1 AND id = ANY($2)
	`, driverID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		out[id] = status
	}
	return out, rows.Err()
}

const insertPoints = `
	INSERT INTO location_points (point_id, session_id, driver_id, ts_utc, lat, lng, accuracy, speed, heading, provider)
	SELECT u.point_id, u.session_id, $3, u.ts_utc, u.lat, u.lng, u.accuracy, u.speed, u.heading, NULLIF(u.provider, '')
	FROM unnest($1::uuid[], $2::uuid[], $4::timestamptz[], $5::float8[], $6::float8[], $7::float8[], $8::float8[], $9::float8[], $10::text[])
		AS u(point_id, session_id, ts_utc, lat, lng, accuracy, speed, heading, provider)
	ON CONFLICT (point_id) DO NOTHING
	RETURNING point_id::text
`

const upsertLastSeen = `
	INSERT INTO driver_last_seen (driver_id, session_id, last_ts_utc, last_lat, last_lng, last_accuracy, status, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7, now())
	ON CONFLICT (driver_id) DO UPDATE SET
		session_id = EXCLUDED.session_id,
		last_ts_utc = EXCLUDED.last_ts_utc,
		last_lat = EXCLUDED.last_lat,
		last_lng = EXCLUDED.last_lng,
		last_accuracy = EXCLUDED.last_accuracy,
		status = EXCLUDED.status,
		updated_at = now()
`

// insert writes candidates in one statement and refreshes the driver's
// projection from the newest row this call actually inserted.
func (s *Service) insert(ctx context.Context, driverID string, candidates []location.Point, sessions map[string]string) (*location.LastSeen, error) {
	n := len(candidates)
	var (
		ids       = make([]string, n)
		sessIDs   = make([]string, n)
		ts        = make([]time.Time, n)
		lats      = make([]float64, n)
		lngs      = make([]float64, n)
		accuracy  = make([]*float64, n)
		speed     = make([]*float64, n)
		heading   = make([]*float64, n)
		providers = make([]string, n)
	)
	for i, p := range candidates {
		ids[i] = p.PointID
		sessIDs[i] = p.SessionID
		ts[i] = p.Timestamp.UTC()
		lats[i] = p.Lat
		lngs[i] = p.Lng
		accuracy[i] = p.Accuracy
		speed[i] = p.Speed
		heading[i] = p.Heading
		providers[i] = p.Provider
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}

	inserted, err := insertedIDs(ctx, tx, ids, sessIDs, driverID, ts, lats, lngs, accuracy, speed, heading, providers)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("insert points: %w", err)
	}

	var latest *location.Point
	for i := range candidates {
		if _, ok := inserted[candidates[i].PointID]; !ok {
			continue
		}
		if latest == nil || candidates[i].Timestamp.After(latest.Timestamp) {
			latest = &candidates[i]
		}
	}

	var ls *location.LastSeen
	if latest != nil {
		ls = &location.LastSeen{
			DriverID:  driverID,
			SessionID: latest.SessionID,
			Timestamp: latest.Timestamp.UTC(),
			Lat:       latest.Lat,
			Lng:       latest.Lng,
			Accuracy:  latest.Accuracy,
			Status:    sessions[latest.SessionID],
		}
		if _, err := tx.Exec(ctx, upsertLastSeen,
			ls.DriverID, ls.SessionID, ls.Timestamp, ls.Lat, ls.Lng, ls.Accuracy, ls.Status); err != nil {
			_ = tx.Rollback(ctx)
			return nil, fmt.Errorf("upsert last seen: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	s.metrics.insertedTotal.Add(float64(len(inserted)))
	return ls, nil
}

func insertedIDs(ctx context.Context, tx pgx.Tx, ids, sessIDs []string, driverID string, ts []time.Time, lats, lngs []float64, accuracy, speed, heading []*float64, providers []string) (map[string]struct{}, error) {
	rows, err := tx.Query(ctx, insertPoints, ids, sessIDs, driverID, ts, lats, lngs, accuracy, speed, heading, providers)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]struct{}{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// LastSeen returns the driver's projection, or nil if nothing was ingested yet.
func (s *Service) LastSeen(ctx context.Context, driverID string) (*location.LastSeen, error) {
	row := s.db.QueryRow(ctx, `
		SELECT driver_id::text, COALESCE(session_id::text, ''), last_ts_utc, last_lat, last_lng, last_accuracy, status
		FROM driver_last_seen WHERE driver_id = $1
	`, driverID)
	var ls location.LastSeen
	err := row.Scan(&ls.DriverID, &ls.SessionID, &ls.Timestamp, &ls.Lat, &ls.Lng, &ls.Accuracy, &ls.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ls, nil
}
