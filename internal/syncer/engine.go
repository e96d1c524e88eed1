// Package syncer drains the local point queue to the ingestion server.
//
// The engine runs at most one upload attempt at a time. Attempts are
// triggered by Start, a periodic ticker, connectivity coming back, SyncNow,
// a short re-trigger after a successful partial drain, and the backoff timer
// after a failed upload. A trigger that arrives while an attempt is in
// flight is dropped.
package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/xerrors"

	"backend-drivertrack/internal/location"
	"backend-drivertrack/internal/observer"
)

const (
	defaultBatchSize      = 50
	defaultInterval       = 30 * time.Second
	defaultRetriggerDelay = 500 * time.Millisecond
	defaultUploadTimeout  = 30 * time.Second

	// MaxBatchSize is the largest batch the ingestion server accepts.
	MaxBatchSize = 100
)

// ErrInFlight is returned by SyncNow when another attempt is running.
var ErrInFlight = xerrors.New("sync already in progress")

type Queue interface {
	Count(ctx context.Context) (int, error)
	DequeueBatch(ctx context.Context, limit int) ([]location.Point, error)
	Remove(ctx context.Context, ids []string) error
	MarkRejected(ctx context.Context, rejections []location.Rejection, maxRejections int) ([]location.DeadLetter, error)
}

type MetaStore interface {
	SyncMeta(ctx context.Context) (location.SyncMeta, error)
	SaveSyncMeta(ctx context.Context, meta location.SyncMeta) error
	ResetSyncMeta(ctx context.Context, at time.Time) error
}

// Credentials supplies the bearer token. An empty token defers the attempt.
type Credentials interface {
	Token(ctx context.Context) (string, error)
}

type Uploader interface {
	UploadBatch(ctx context.Context, token string, points []location.Point) (location.BatchResponse, error)
}

type Connectivity interface {
	Online() bool
	Subscribe(fn func(online bool)) (cancel func())
}

type Deps struct {
	Queue        Queue
	Meta         MetaStore
	Credentials  Credentials
	Uploader     Uploader
	Connectivity Connectivity
}

type State int

const (
	StateIdle State = iota
	StateSyncing
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateSyncing:
		return "syncing"
	case StateBackoff:
		return "backoff"
	default:
		return "idle"
	}
}

type Outcome string

const (
	OutcomeSynced       Outcome = "synced"
	OutcomeDeferred     Outcome = "deferred"
	OutcomeFailed       Outcome = "failed"
	OutcomeCoalesced    Outcome = "coalesced"
	OutcomeStorageError Outcome = "storage_error"
)

const (
	ReasonQueueEmpty   = "queue empty"
	ReasonOffline      = "offline"
	ReasonNoCredential = "no credential"
)

// Result describes one attempt.
type Result struct {
	Trigger   string
	Outcome   Outcome
	Reason    string
	Submitted int
	Accepted  int
	Rejected  int
	Remaining int
	FailCount int
	// Delay is the scheduled backoff, zero when no retry was scheduled.
	Delay time.Duration
	Err   error
}

type Option func(*Engine)

func WithLogger(log slog.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

func WithClock(clock quartz.Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithBatchSize sets the upload batch size, capped at MaxBatchSize.
func WithBatchSize(size int) Option {
	return func(e *Engine) {
		e.batchSize = size
	}
}

func WithInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.interval = d
	}
}

// WithUploadTimeout bounds a single batch upload. An upload that exceeds it
// counts as a transport failure.
func WithUploadTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.uploadTimeout = d
	}
}

func WithRetriggerDelay(d time.Duration) Option {
	return func(e *Engine) {
		e.retriggerDelay = d
	}
}

// WithMaxRejections quarantines points after n rejections. Zero keeps them
// queued forever.
func WithMaxRejections(n int) Option {
	return func(e *Engine) {
		e.maxRejections = n
	}
}

func WithJitter(fn func() time.Duration) Option {
	return func(e *Engine) {
		e.jitter = fn
	}
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) {
		e.reg = reg
	}
}

type Engine struct {
	deps Deps
	log  slog.Logger

	clock          quartz.Clock
	batchSize      int
	interval       time.Duration
	retriggerDelay time.Duration
	uploadTimeout  time.Duration
	maxRejections  int
	jitter         func() time.Duration
	reg            prometheus.Registerer
	metrics        *Metrics

	inFlight atomic.Bool

	depthSubs  observer.Broadcaster[int]
	resultSubs observer.Broadcaster[Result]

	// runMu serializes Start and Stop.
	runMu sync.Mutex

	mu          sync.Mutex
	state       State
	active      bool
	ctx         context.Context
	cancel      context.CancelFunc
	timer       *quartz.Timer
	timerGen    uint64
	backoff     bool
	unsubscribe func()
	ticker      quartz.Waiter
	wg          sync.WaitGroup
}

func New(deps Deps, opts ...Option) *Engine {
	e := &Engine{
		deps:    deps,
		metrics: NewMetrics(),
	}
	e.log = slog.Make()
	e.clock = quartz.NewReal()
	e.jitter = defaultJitter

	for _, opt := range opts {
		opt(e)
	}

	e.metrics.register(e.reg)
	e.log = e.log.Named("syncer")

	switch {
	case e.batchSize <= 0:
		e.batchSize = defaultBatchSize
	case e.batchSize > MaxBatchSize:
		e.batchSize = MaxBatchSize
	}
	if e.uploadTimeout <= 0 {
		e.uploadTimeout = defaultUploadTimeout
	}
	if e.interval <= 0 {
		e.interval = defaultInterval
	}
	if e.retriggerDelay <= 0 {
		e.retriggerDelay = defaultRetriggerDelay
	}
	return e
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SubscribeQueueDepth is notified with the queue length after every attempt
// that could read it.
func (e *Engine) SubscribeQueueDepth(fn func(int)) func() {
	return e.depthSubs.Subscribe(fn)
}

func (e *Engine) SubscribeResults(fn func(Result)) func() {
	return e.resultSubs.Subscribe(fn)
}

// Start begins periodic and connectivity-driven syncing and fires one
// attempt immediately. Calling Start on a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	e.mu.Lock()
	if e.active {
		e.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.ctx = runCtx
	e.cancel = cancel
	e.active = true
	e.state = StateIdle
	e.mu.Unlock()

	unsubscribe := e.deps.Connectivity.Subscribe(func(online bool) {
		if online {
			e.trigger("connectivity")
		}
	})
	ticker := e.clock.TickerFunc(runCtx, e.interval, func() error {
		e.run(runCtx, "interval")
		return nil
	}, "syncer", "interval")

	e.mu.Lock()
	e.unsubscribe = unsubscribe
	e.ticker = ticker
	e.mu.Unlock()

	e.log.Info(ctx, "sync engine started",
		slog.F("interval", e.interval),
		slog.F("batch_size", e.batchSize),
	)
	e.trigger("start")
}

// Stop cancels the ticker, the connectivity subscription and any pending
// retry, then waits for in-flight work. Attempts finishing after Stop never
// schedule anything.
func (e *Engine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}
	e.active = false
	e.cancel()
	e.stopTimerLocked()
	unsubscribe, ticker := e.unsubscribe, e.ticker
	e.unsubscribe, e.ticker = nil, nil
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if ticker != nil {
		_ = ticker.Wait()
	}
	e.wg.Wait()

	e.mu.Lock()
	e.state = StateIdle
	e.mu.Unlock()
	e.log.Info(context.Background(), "sync engine stopped")
}

// SyncNow runs one attempt in the caller's goroutine.
func (e *Engine) SyncNow(ctx context.Context) (Result, error) {
	res := e.run(ctx, "manual")
	switch res.Outcome {
	case OutcomeCoalesced:
		return res, ErrInFlight
	case OutcomeFailed, OutcomeStorageError:
		return res, res.Err
	}
	return res, nil
}

// trigger runs an attempt asynchronously while the engine is active.
func (e *Engine) trigger(name string) {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}
	ctx := e.ctx
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		e.run(ctx, name)
	}()
}

// scheduleLocked arms the single pending timer. Must hold e.mu.
func (e *Engine) scheduleLocked(d time.Duration, name string) {
	e.stopTimerLocked()
	ctx := e.ctx
	e.timerGen++
	gen := e.timerGen
	e.backoff = name == "backoff"
	e.wg.Add(1)
	e.timer = e.clock.AfterFunc(d, func() {
		defer e.wg.Done()
		e.mu.Lock()
		if e.timerGen != gen || !e.active {
			e.mu.Unlock()
			return
		}
		e.timer = nil
		e.backoff = false
		e.mu.Unlock()
		e.run(ctx, name)
	}, "syncer", name)
}

func (e *Engine) stopTimerLocked() {
	e.backoff = false
	if e.timer == nil {
		return
	}
	if e.timer.Stop() {
		e.wg.Done()
	}
	e.timer = nil
}

func (e *Engine) run(ctx context.Context, name string) Result {
	if !e.inFlight.CompareAndSwap(false, true) {
		e.log.Debug(ctx, "sync trigger coalesced", slog.F("trigger", name))
		return Result{Trigger: name, Outcome: OutcomeCoalesced}
	}

	e.mu.Lock()
	e.state = StateSyncing
	e.mu.Unlock()

	res := e.attempt(ctx)
	res.Trigger = name

	e.mu.Lock()
	e.state = StateIdle
	e.inFlight.Store(false)
	if e.active && ctx.Err() == nil {
		switch {
		case res.Outcome == OutcomeFailed && res.Delay > 0:
			e.state = StateBackoff
			e.scheduleLocked(res.Delay, "backoff")
		case res.Outcome == OutcomeSynced && res.Remaining > 0:
			e.scheduleLocked(e.retriggerDelay, "retrigger")
		case res.Outcome == OutcomeSynced:
			e.stopTimerLocked()
		case e.backoff:
			e.state = StateBackoff
		}
	}
	e.mu.Unlock()

	e.observe(ctx, res)
	return res
}

func (e *Engine) observe(ctx context.Context, res Result) {
	e.metrics.cyclesTotal.WithLabelValues(string(res.Outcome)).Inc()
	fields := []slog.Field{
		slog.F("trigger", res.Trigger),
		slog.F("outcome", res.Outcome),
	}
	switch res.Outcome {
	case OutcomeSynced:
		e.log.Info(ctx, "sync succeeded", append(fields,
			slog.F("submitted", res.Submitted),
			slog.F("accepted", res.Accepted),
			slog.F("rejected", res.Rejected),
			slog.F("remaining", res.Remaining),
		)...)
	case OutcomeDeferred:
		e.log.Debug(ctx, "sync deferred", append(fields, slog.F("reason", res.Reason))...)
	case OutcomeFailed:
		e.log.Warn(ctx, "sync failed", append(fields,
			slog.F("fail_count", res.FailCount),
			slog.F("retry_in", res.Delay),
			slog.Error(res.Err),
		)...)
	case OutcomeStorageError:
		e.log.Error(ctx, "sync storage error", append(fields, slog.Error(res.Err))...)
	}
	e.resultSubs.Publish(res)
}

func (e *Engine) publishDepth(n int) {
	e.metrics.queueDepth.Set(float64(n))
	e.depthSubs.Publish(n)
}

func (e *Engine) attempt(ctx context.Context) Result {
	count, err := e.deps.Queue.Count(ctx)
	if err != nil {
		return storageError(xerrors.Errorf("count queue: %w", err))
	}
	if count == 0 {
		e.publishDepth(0)
		return Result{Outcome: OutcomeDeferred, Reason: ReasonQueueEmpty}
	}
	if !e.deps.Connectivity.Online() {
		e.publishDepth(count)
		return Result{Outcome: OutcomeDeferred, Reason: ReasonOffline, Remaining: count}
	}
	token, err := e.deps.Credentials.Token(ctx)
	if err != nil || token == "" {
		e.publishDepth(count)
		return Result{Outcome: OutcomeDeferred, Reason: ReasonNoCredential, Remaining: count, Err: err}
	}

	batch, err := e.deps.Queue.DequeueBatch(ctx, e.batchSize)
	if err != nil {
		return storageError(xerrors.Errorf("dequeue batch: %w", err))
	}
	if len(batch) == 0 {
		e.publishDepth(0)
		return Result{Outcome: OutcomeDeferred, Reason: ReasonQueueEmpty}
	}

	uploadCtx, cancel := context.WithTimeout(ctx, e.uploadTimeout)
	resp, err := e.deps.Uploader.UploadBatch(uploadCtx, token, batch)
	cancel()
	if err != nil {
		return e.recordFailure(ctx, len(batch), count, err)
	}

	if err := e.deps.Queue.Remove(ctx, resp.Accepted); err != nil {
		return storageError(xerrors.Errorf("remove accepted points: %w", err))
	}
	dead, err := e.deps.Queue.MarkRejected(ctx, resp.Rejected, e.maxRejections)
	if err != nil {
		return storageError(xerrors.Errorf("record rejections: %w", err))
	}
	for _, d := range dead {
		e.log.Warn(ctx, "point quarantined after repeated rejection",
			slog.F("point_id", d.Point.PointID),
			slog.F("reason", d.Reason),
			slog.F("rejections", d.Rejections),
		)
	}
	if err := e.deps.Meta.ResetSyncMeta(ctx, e.clock.Now()); err != nil {
		return storageError(xerrors.Errorf("reset sync meta: %w", err))
	}
	e.metrics.consecutiveFailed.Set(0)
	e.metrics.acceptedTotal.Add(float64(len(resp.Accepted)))
	e.metrics.rejectedTotal.Add(float64(len(resp.Rejected)))
	e.metrics.quarantinedTotal.Add(float64(len(dead)))

	remaining, err := e.deps.Queue.Count(ctx)
	if err != nil {
		return storageError(xerrors.Errorf("count queue: %w", err))
	}
	e.publishDepth(remaining)

	return Result{
		Outcome:   OutcomeSynced,
		Submitted: len(batch),
		Accepted:  len(resp.Accepted),
		Rejected:  len(resp.Rejected),
		Remaining: remaining,
	}
}

// recordFailure persists the incremented fail count and computes the retry
// delay. A cancelled attempt records nothing.
func (e *Engine) recordFailure(ctx context.Context, submitted, queued int, cause error) Result {
	res := Result{
		Outcome:   OutcomeFailed,
		Submitted: submitted,
		Remaining: queued,
		Err:       cause,
	}
	if ctx.Err() != nil {
		return res
	}

	meta, err := e.deps.Meta.SyncMeta(ctx)
	if err != nil {
		return storageError(xerrors.Errorf("read sync meta: %w", err))
	}
	meta.FailCount++
	meta.LastSyncAttempt = e.clock.Now()
	if err := e.deps.Meta.SaveSyncMeta(ctx, meta); err != nil {
		return storageError(xerrors.Errorf("save sync meta: %w", err))
	}
	e.metrics.consecutiveFailed.Set(float64(meta.FailCount))

	res.FailCount = meta.FailCount
	if meta.FailCount < MaxFailures {
		res.Delay = BackoffDelay(meta.FailCount, e.jitter())
	}
	return res
}

func storageError(err error) Result {
	return Result{Outcome: OutcomeStorageError, Err: err}
}
