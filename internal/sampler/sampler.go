// Package sampler turns raw device positions into admitted location points.
// A position is admitted when no point has been admitted since the sampler
// was armed, or when enough time has passed or distance been covered since
// the last admitted position under the active tracking mode.
package sampler

import (
	"context"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/google/uuid"

	"backend-drivertrack/internal/location"
	"backend-drivertrack/internal/observer"
	"backend-drivertrack/internal/shared/geo"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, p location.Point) error
}

type Option func(*Sampler)

func WithLogger(log slog.Logger) Option {
	return func(s *Sampler) {
		s.log = log
	}
}

func WithClock(clock quartz.Clock) Option {
	return func(s *Sampler) {
		s.clock = clock
	}
}

func WithMode(mode location.TrackingMode) Option {
	return func(s *Sampler) {
		s.mode = mode
	}
}

func WithProvider(provider string) Option {
	return func(s *Sampler) {
		s.provider = provider
	}
}

// WithIDGenerator replaces the UUIDv4 point id source.
func WithIDGenerator(fn func() string) Option {
	return func(s *Sampler) {
		s.newID = fn
	}
}

type Sampler struct {
	queue    Enqueuer
	log      slog.Logger
	clock    quartz.Clock
	provider string
	newID    func() string

	positions observer.Broadcaster[location.Position]

	mu        sync.Mutex
	mode      location.TrackingMode
	sessionID string
	armed     bool
	last      *location.Position
}

func New(queue Enqueuer, opts ...Option) *Sampler {
	s := &Sampler{
		queue:    queue,
		log:      slog.Make(),
		clock:    quartz.NewReal(),
		provider: location.DefaultProvider,
		newID:    func() string { return uuid.NewString() },
		mode:     location.ModeNormal,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("sampler")
	return s
}

// Arm starts admitting positions for sessionID. The first position after
// arming is always admitted.
func (s *Sampler) Arm(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed && s.sessionID == sessionID {
		return
	}
	s.armed = true
	s.sessionID = sessionID
	s.last = nil
	s.log.Info(context.Background(), "sampler armed", slog.F("session_id", sessionID))
}

func (s *Sampler) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.armed {
		return
	}
	s.armed = false
	s.sessionID = ""
	s.last = nil
	s.log.Info(context.Background(), "sampler disarmed")
}

func (s *Sampler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

func (s *Sampler) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Sampler) SetMode(mode location.TrackingMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
	s.log.Info(context.Background(), "tracking mode changed",
		slog.F("mode", mode.Name),
		slog.F("interval_seconds", mode.IntervalSeconds),
		slog.F("distance_meters", mode.DistanceMeters),
	)
}

func (s *Sampler) Mode() location.TrackingMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SubscribePositions observes every raw position, admitted or not.
func (s *Sampler) SubscribePositions(fn func(location.Position)) func() {
	return s.positions.Subscribe(fn)
}

// Handle processes one raw position. It returns the admitted point and true
// when the position was admitted and enqueued.
func (s *Sampler) Handle(ctx context.Context, pos location.Position) (location.Point, bool) {
	if pos.Timestamp.IsZero() {
		pos.Timestamp = s.clock.Now()
	}
	s.positions.Publish(pos)

	if err := pos.Validate(); err != nil {
		s.log.Warn(ctx, "dropping invalid position",
			slog.F("lat", pos.Lat),
			slog.F("lng", pos.Lng),
			slog.Error(err),
		)
		return location.Point{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.armed {
		return location.Point{}, false
	}
	if !Admit(s.last, pos, s.mode) {
		return location.Point{}, false
	}

	acc := pos.Accuracy
	point := location.Point{
		PointID:   s.newID(),
		SessionID: s.sessionID,
		Timestamp: pos.Timestamp.UTC(),
		Lat:       pos.Lat,
		Lng:       pos.Lng,
		Accuracy:  &acc,
		Speed:     pos.Speed,
		Heading:   pos.Heading,
		Provider:  s.provider,
		QueuedAt:  s.clock.Now(),
	}
	if err := s.queue.Enqueue(ctx, point); err != nil {
		s.log.Error(ctx, "failed to enqueue point",
			slog.F("point_id", point.PointID),
			slog.Error(err),
		)
		return location.Point{}, false
	}

	admitted := pos
	s.last = &admitted
	s.log.Debug(ctx, "point admitted",
		slog.F("point_id", point.PointID),
		slog.F("session_id", point.SessionID),
	)
	return point, true
}

// Admit reports whether pos passes the mode thresholds against the last
// admitted position. A nil last always admits.
func Admit(last *location.Position, pos location.Position, mode location.TrackingMode) bool {
	if last == nil {
		return true
	}
	if pos.Timestamp.Sub(last.Timestamp) >= time.Duration(mode.IntervalSeconds)*time.Second {
		return true
	}
	return geo.HaversineMeters(last.Lat, last.Lng, pos.Lat, pos.Lng) >= mode.DistanceMeters
}
