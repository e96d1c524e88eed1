package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"backend-drivertrack/internal/location"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	prom_testutil "github.com/prometheus/client_golang/prometheus/testutil"
)

var (
	driverID  = uuid.NewString()
	sessionID = uuid.NewString()
	errDB     = errors.New("db error")
	baseTime  = time.Date(2026, 5, 4, 7, 30, 0, 0, time.UTC)
)

type fakePublisher struct {
	published []location.LastSeen
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, ls location.LastSeen) error {
	f.published = append(f.published, ls)
	return f.err
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock
}

func newService(t *testing.T, mock pgxmock.PgxPoolIface, pub Publisher) *Service {
	log := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}).Leveled(slog.LevelDebug)
	return NewService(mock, pub, NewMetrics(), log)
}

func makePoint(session string, offset time.Duration, lat float64) location.Point {
	acc := 5.0
	return location.Point{
		PointID:   uuid.NewString(),
		SessionID: session,
		Timestamp: baseTime.Add(offset),
		Lat:       lat,
		Lng:       106.8,
		Accuracy:  &acc,
		Provider:  location.DefaultProvider,
	}
}

func ids(points ...location.Point) []string {
	out := make([]string, len(points))
	for i, p := range points {
		out[i] = p.PointID
	}
	return out
}

func idRows(idList ...string) *pgxmock.Rows {
	rows := pgxmock.NewRows([]string{"point_id"})
	for _, id := range idList {
		rows.AddRow(id)
	}
	return rows
}

func expectInsert(mock pgxmock.PgxPoolIface, candidates []location.Point, inserted []string) {
	sess := make([]string, len(candidates))
	for i, p := range candidates {
		sess[i] = p.SessionID
	}
	mock.ExpectQuery(`INSERT INTO location_points`).
		WithArgs(ids(candidates...), sess, driverID,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(idRows(inserted...))
}

func TestIngestMixedBatch(t *testing.T) {
	mock := newMock(t)
	pub := &fakePublisher{}
	svc := newService(t, mock, pub)

	foreign := uuid.NewString()
	p1 := makePoint(sessionID, time.Second, -6.20)
	p2 := makePoint(foreign, 2*time.Second, -6.21)
	p3 := makePoint(sessionID, 3*time.Second, -6.22)
	p4 := makePoint(sessionID, 4*time.Second, -6.23)
	stored := p4 // uploaded by an earlier attempt

	mock.ExpectQuery(`SELECT point_id::text FROM location_points`).
		WithArgs(ids(p1, p2, p3, p4)).
		WillReturnRows(idRows(stored.PointID))
	mock.ExpectQuery(`FROM driver_sessions`).
		WithArgs(driverID, []string{sessionID, foreign}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "status"}).AddRow(sessionID, "active"))
	mock.ExpectBegin()
	expectInsert(mock, []location.Point{p1, p3}, ids(p1, p3))
	mock.ExpectExec(`INSERT INTO driver_last_seen`).
		WithArgs(driverID, sessionID, p3.Timestamp, p3.Lat, p3.Lng, p3.Accuracy, "active").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	resp, err := svc.Ingest(context.Background(), driverID, []location.Point{p1, p2, p3, p4})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !resp.Success || resp.Stats != (location.BatchStats{Total: 4, Accepted: 3, Rejected: 1}) {
		t.Fatalf("unexpected stats: %+v", resp)
	}
	want := []string{p1.PointID, p3.PointID, p4.PointID}
	for i, id := range want {
		if resp.Accepted[i] != id {
			t.Fatalf("accepted[%d] = %s, want %s", i, resp.Accepted[i], id)
		}
	}
	if len(resp.Rejected) != 1 || resp.Rejected[0].PointID != p2.PointID || resp.Rejected[0].Reason != location.ReasonInvalidSession {
		t.Fatalf("unexpected rejections: %+v", resp.Rejected)
	}
	if len(pub.published) != 1 || pub.published[0].Lat != p3.Lat || pub.published[0].Status != "active" {
		t.Fatalf("unexpected publish: %+v", pub.published)
	}
	if got := prom_testutil.ToFloat64(svc.metrics.acceptedTotal); got != 3 {
		t.Fatalf("accepted counter = %v", got)
	}
	if got := prom_testutil.ToFloat64(svc.metrics.rejectedTotal); got != 1 {
		t.Fatalf("rejected counter = %v", got)
	}
	if got := prom_testutil.ToFloat64(svc.metrics.insertedTotal); got != 2 {
		t.Fatalf("inserted counter = %v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIngestResubmissionIsIdempotent(t *testing.T) {
	mock := newMock(t)
	pub := &fakePublisher{}
	svc := newService(t, mock, pub)

	batch := []location.Point{
		makePoint(sessionID, time.Second, 1),
		makePoint(sessionID, 2*time.Second, 2),
	}

	// first attempt: stored, but the response was lost
	mock.ExpectQuery(`SELECT point_id::text FROM location_points`).
		WithArgs(ids(batch...)).
		WillReturnRows(idRows())
	mock.ExpectQuery(`FROM driver_sessions`).
		WithArgs(driverID, []string{sessionID}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "status"}).AddRow(sessionID, "active"))
	mock.ExpectBegin()
	expectInsert(mock, batch, ids(batch...))
	mock.ExpectExec(`INSERT INTO driver_last_seen`).
		WithArgs(driverID, sessionID, batch[1].Timestamp, 2.0, 106.8, batch[1].Accuracy, "active").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	// retry of the same batch
	mock.ExpectQuery(`SELECT point_id::text FROM location_points`).
		WithArgs(ids(batch...)).
		WillReturnRows(idRows(ids(batch...)...))
	mock.ExpectQuery(`FROM driver_sessions`).
		WithArgs(driverID, []string{sessionID}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "status"}).AddRow(sessionID, "active"))

	first, err := svc.Ingest(context.Background(), driverID, batch)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	second, err := svc.Ingest(context.Background(), driverID, batch)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if first.Stats != second.Stats || second.Stats.Accepted != 2 {
		t.Fatalf("responses differ: %+v vs %+v", first.Stats, second.Stats)
	}
	if len(pub.published) != 1 {
		t.Fatalf("retry must not republish, got %d", len(pub.published))
	}
	if got := prom_testutil.ToFloat64(svc.metrics.insertedTotal); got != 2 {
		t.Fatalf("inserted counter = %v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIngestDuplicateWithinBatch(t *testing.T) {
	mock := newMock(t)
	svc := newService(t, mock, nil)

	p := makePoint(sessionID, time.Second, 1)

	mock.ExpectQuery(`SELECT point_id::text FROM location_points`).
		WithArgs(ids(p, p)).
		WillReturnRows(idRows())
	mock.ExpectQuery(`FROM driver_sessions`).
		WithArgs(driverID, []string{sessionID}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "status"}).AddRow(sessionID, "completed"))
	mock.ExpectBegin()
	expectInsert(mock, []location.Point{p}, ids(p))
	mock.ExpectExec(`INSERT INTO driver_last_seen`).
		WithArgs(driverID, sessionID, p.Timestamp, p.Lat, p.Lng, p.Accuracy, "completed").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	resp, err := svc.Ingest(context.Background(), driverID, []location.Point{p, p})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if resp.Stats != (location.BatchStats{Total: 2, Accepted: 2}) {
		t.Fatalf("unexpected stats: %+v", resp.Stats)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIngestConcurrentRetryConflict(t *testing.T) {
	mock := newMock(t)
	pub := &fakePublisher{}
	svc := newService(t, mock, pub)

	older := makePoint(sessionID, time.Second, 1)
	newer := makePoint(sessionID, 2*time.Second, 2)

	mock.ExpectQuery(`SELECT point_id::text FROM location_points`).
		WithArgs(ids(older, newer)).
		WillReturnRows(idRows())
	mock.ExpectQuery(`FROM driver_sessions`).
		WithArgs(driverID, []string{sessionID}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "status"}).AddRow(sessionID, "active"))
	mock.ExpectBegin()
	// newer was written by a concurrent request between lookup and insert
	expectInsert(mock, []location.Point{older, newer}, ids(older))
	mock.ExpectExec(`INSERT INTO driver_last_seen`).
		WithArgs(driverID, sessionID, older.Timestamp, older.Lat, older.Lng, older.Accuracy, "active").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	resp, err := svc.Ingest(context.Background(), driverID, []location.Point{older, newer})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if resp.Stats.Accepted != 2 {
		t.Fatalf("unexpected stats: %+v", resp.Stats)
	}
	if len(pub.published) != 1 || pub.published[0].Lat != older.Lat {
		t.Fatalf("unexpected publish: %+v", pub.published)
	}
}

func TestIngestAllRejectedSkipsWrite(t *testing.T) {
	mock := newMock(t)
	svc := newService(t, mock, nil)

	p := makePoint(uuid.NewString(), time.Second, 1)
	mock.ExpectQuery(`SELECT point_id::text FROM location_points`).
		WithArgs(ids(p)).
		WillReturnRows(idRows())
	mock.ExpectQuery(`FROM driver_sessions`).
		WithArgs(driverID, []string{p.SessionID}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "status"}))

	resp, err := svc.Ingest(context.Background(), driverID, []location.Point{p})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !resp.Success || resp.Stats.Rejected != 1 || len(resp.Accepted) != 0 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIngestErrors(t *testing.T) {
	p := makePoint(sessionID, time.Second, 1)

	tests := []struct {
		name   string
		expect func(pgxmock.PgxPoolIface)
	}{
		{
			name: "lookup points",
			expect: func(m pgxmock.PgxPoolIface) {
				m.ExpectQuery(`SELECT point_id::text FROM location_points`).WillReturnError(errDB)
			},
		},
		{
			name: "lookup sessions",
			expect: func(m pgxmock.PgxPoolIface) {
				m.ExpectQuery(`SELECT point_id::text FROM location_points`).WillReturnRows(idRows())
				m.ExpectQuery(`FROM driver_sessions`).WillReturnError(errDB)
			},
		},
		{
			name: "begin",
			expect: func(m pgxmock.PgxPoolIface) {
				m.ExpectQuery(`SELECT point_id::text FROM location_points`).WillReturnRows(idRows())
				m.ExpectQuery(`FROM driver_sessions`).WillReturnRows(pgxmock.NewRows([]string{"id", "status"}).AddRow(sessionID, "active"))
				m.ExpectBegin().WillReturnError(errDB)
			},
		},
		{
			name: "insert",
			expect: func(m pgxmock.PgxPoolIface) {
				m.ExpectQuery(`SELECT point_id::text FROM location_points`).WillReturnRows(idRows())
				m.ExpectQuery(`FROM driver_sessions`).WillReturnRows(pgxmock.NewRows([]string{"id", "status"}).AddRow(sessionID, "active"))
				m.ExpectBegin()
				m.ExpectQuery(`INSERT INTO location_points`).WillReturnError(errDB)
				m.ExpectRollback()
			},
		},
		{
			name: "last seen",
			expect: func(m pgxmock.PgxPoolIface) {
				m.ExpectQuery(`SELECT point_id::text FROM location_points`).WillReturnRows(idRows())
				m.ExpectQuery(`FROM driver_sessions`).WillReturnRows(pgxmock.NewRows([]string{"id", "status"}).AddRow(sessionID, "active"))
				m.ExpectBegin()
				m.ExpectQuery(`INSERT INTO location_points`).WillReturnRows(idRows(p.PointID))
				m.ExpectExec(`INSERT INTO driver_last_seen`).WillReturnError(errDB)
				m.ExpectRollback()
			},
		},
		{
			name: "commit",
			expect: func(m pgxmock.PgxPoolIface) {
				m.ExpectQuery(`SELECT point_id::text FROM location_points`).WillReturnRows(idRows())
				m.ExpectQuery(`FROM driver_sessions`).WillReturnRows(pgxmock.NewRows([]string{"id", "status"}).AddRow(sessionID, "active"))
				m.ExpectBegin()
				m.ExpectQuery(`INSERT INTO location_points`).WillReturnRows(idRows(p.PointID))
				m.ExpectExec(`INSERT INTO driver_last_seen`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
				m.ExpectCommit().WillReturnError(errDB)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMock(t)
			pub := &fakePublisher{}
			svc := newService(t, mock, pub)
			tt.expect(mock)

			_, err := svc.Ingest(context.Background(), driverID, []location.Point{p})
			if !errors.Is(err, errDB) {
				t.Fatalf("expected db error, got %v", err)
			}
			if len(pub.published) != 0 {
				t.Fatalf("nothing may be published on failure")
			}
			if got := prom_testutil.ToFloat64(svc.metrics.batchesTotal.WithLabelValues("error")); got != 1 {
				t.Fatalf("error counter = %v", got)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("unmet expectations: %v", err)
			}
		})
	}
}

func TestIngestPublishErrorIsNotFatal(t *testing.T) {
	mock := newMock(t)
	svc := newService(t, mock, &fakePublisher{err: errors.New("redis down")})

	p := makePoint(sessionID, time.Second, 1)
	mock.ExpectQuery(`SELECT point_id::text FROM location_points`).WillReturnRows(idRows())
	mock.ExpectQuery(`FROM driver_sessions`).WillReturnRows(pgxmock.NewRows([]string{"id", "status"}).AddRow(sessionID, "active"))
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO location_points`).WillReturnRows(idRows(p.PointID))
	mock.ExpectExec(`INSERT INTO driver_last_seen`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	resp, err := svc.Ingest(context.Background(), driverID, []location.Point{p})
	if err != nil || resp.Stats.Accepted != 1 {
		t.Fatalf("expected success, got %+v %v", resp, err)
	}
}

func TestLastSeen(t *testing.T) {
	mock := newMock(t)
	svc := newService(t, mock, nil)

	acc := 3.5
	mock.ExpectQuery(`FROM driver_last_seen`).
		WithArgs(driverID).
		WillReturnRows(pgxmock.NewRows([]string{"driver_id", "session_id", "last_ts_utc", "last_lat", "last_lng", "last_accuracy", "status"}).
			AddRow(driverID, sessionID, baseTime, -6.2, 106.8, &acc, "paused"))
	mock.ExpectQuery(`FROM driver_last_seen`).
		WithArgs("nobody").
		WillReturnRows(pgxmock.NewRows([]string{"driver_id", "session_id", "last_ts_utc", "last_lat", "last_lng", "last_accuracy", "status"}))

	ls, err := svc.LastSeen(context.Background(), driverID)
	if err != nil {
		t.Fatalf("last seen: %v", err)
	}
	if ls == nil || ls.Status != "paused" || ls.Accuracy == nil || *ls.Accuracy != acc {
		t.Fatalf("unexpected projection: %+v", ls)
	}

	ls, err = svc.LastSeen(context.Background(), "nobody")
	if err != nil || ls != nil {
		t.Fatalf("expected nil projection, got %+v %v", ls, err)
	}
}
