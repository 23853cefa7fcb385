package blacklist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"frontdoor/pkg/lock"
	"frontdoor/pkg/models"
	"frontdoor/pkg/stream"
	"frontdoor/pkg/telemetry"
)

var (
	// ErrEmptyUserID marks an event without a user id. It is dropped.
	ErrEmptyUserID = errors.New("blacklist event without user id")
	// ErrInvalidEvent marks an event whose window cannot be stored.
	ErrInvalidEvent = errors.New("invalid blacklist event")
	// ErrMergeLockTimeout means the per-user lock was not acquired in time.
	// The event may be retried.
	ErrMergeLockTimeout = errors.New("merge lock timeout")
)

// LockKeyPrefix namespaces the per-user merge lock.
const LockKeyPrefix = "blocked-users:"

// Cache is the write side of the block cache. Shared must bypass the local
// tier.
type Cache interface {
	Shared(ctx context.Context, userID string) (models.BlockWindow, bool, error)
	Put(ctx context.Context, w models.BlockWindow) error
}

type Recorder interface {
	MergeOutcome(outcome string)
}

type Result struct {
	Window  models.BlockWindow
	Outcome Outcome
}

// Engine applies blacklist events under a per-user lock.
type Engine struct {
	cache    Cache
	locker   lock.Locker
	now      func() time.Time
	events   stream.Publisher
	recorder Recorder
	logger   *zap.Logger
}

type EngineOption func(*Engine)

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithEvents(p stream.Publisher) EngineOption {
	return func(e *Engine) { e.events = p }
}

func WithRecorder(r Recorder) EngineOption {
	return func(e *Engine) { e.recorder = r }
}

func NewEngine(cache Cache, locker lock.Locker, logger *zap.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cache:  cache,
		locker: locker,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply merges event into the stored window for its user. The lock is held
// only from the shared read to the local eviction.
func (e *Engine) Apply(ctx context.Context, event models.BlacklistEvent) (res Result, err error) {
	userID := strings.TrimSpace(event.UserID)
	ctx, span := telemetry.Start(ctx, "blacklist.apply", attribute.String("user_id", userID))
	defer func() {
		span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
		telemetry.End(span, err)
	}()
	if userID == "" {
		e.record(OutcomeDropped)
		return Result{Outcome: OutcomeDropped}, ErrEmptyUserID
	}
	event.UserID = userID
	if err := event.Window().Validate(); err != nil {
		e.record(OutcomeDropped)
		return Result{Outcome: OutcomeDropped}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	unlock, err := e.locker.Lock(ctx, LockKeyPrefix+userID)
	if err != nil {
		if errors.Is(err, lock.ErrLockTimeout) {
			return Result{}, fmt.Errorf("%w: user %s: %v", ErrMergeLockTimeout, userID, err)
		}
		return Result{}, fmt.Errorf("lock user %s: %w", userID, err)
	}
	defer unlock()

	existing, found, err := e.cache.Shared(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("read block window %s: %w", userID, err)
	}
	window, outcome := Merge(existing, found, event, e.now())
	if outcome != OutcomeUnchanged {
		if err := e.cache.Put(ctx, window); err != nil {
			return Result{}, fmt.Errorf("store block window %s: %w", userID, err)
		}
	}
	e.record(outcome)
	e.logger.Info("block window applied",
		zap.String("user_id", userID),
		zap.String("outcome", string(outcome)),
		zap.Time("from", window.From),
		zap.Time("to", window.To))
	if e.events != nil && outcome != OutcomeUnchanged {
		e.events.Publish(stream.NewEvent(stream.EventBlockApplied, window))
	}
	return Result{Window: window, Outcome: outcome}, nil
}

func (e *Engine) record(o Outcome) {
	if e.recorder != nil {
		e.recorder.MergeOutcome(string(o))
	}
}
