package blacklist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"frontdoor/pkg/lock"
	"frontdoor/pkg/models"
	"frontdoor/pkg/msgbus"
	"frontdoor/pkg/store"
	"frontdoor/pkg/telemetry"
)

// Ingest result labels.
const (
	ResultApplied = "applied"
	ResultInvalid = "invalid"
	ResultDropped = "dropped"
	ResultFailed  = "failed"
)

// Applier is satisfied by *Engine.
type Applier interface {
	Apply(ctx context.Context, event models.BlacklistEvent) (Result, error)
}

type IngestRecorder interface {
	IngestResult(result string)
}

var (
	fetchErrorDelay = 500 * time.Millisecond
	commitTimeout   = 5 * time.Second
)

// Listener drains one consumer. Run several listeners in the same group for
// partition parallelism.
type Listener struct {
	consumer   msgbus.Consumer
	engine     Applier
	maxRetries int
	backoff    time.Duration
	recorder   IngestRecorder
	logger     *zap.Logger
}

type ListenerOption func(*Listener)

// WithRetry sets how often a retryable failure is retried in place, and the
// first backoff, which doubles per attempt.
func WithRetry(maxRetries int, backoff time.Duration) ListenerOption {
	return func(l *Listener) {
		if maxRetries >= 0 {
			l.maxRetries = maxRetries
		}
		if backoff > 0 {
			l.backoff = backoff
		}
	}
}

func WithIngestRecorder(r IngestRecorder) ListenerOption {
	return func(l *Listener) { l.recorder = r }
}

func NewListener(consumer msgbus.Consumer, engine Applier, logger *zap.Logger, opts ...ListenerOption) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Listener{
		consumer:   consumer,
		engine:     engine,
		maxRetries: 3,
		backoff:    100 * time.Millisecond,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run consumes until ctx is cancelled. Every fetched message is committed
// after its handling attempt, whatever the outcome.
func (l *Listener) Run(ctx context.Context) error {
	for {
		msg, err := l.consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("blacklist fetch failed", zap.Error(err))
			if sleepErr := sleep(ctx, fetchErrorDelay); sleepErr != nil {
				return nil
			}
			continue
		}
		l.Handle(ctx, msg)
		commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
		err = l.consumer.Commit(commitCtx, msg)
		cancel()
		if err != nil {
			l.logger.Warn("blacklist commit failed",
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
	}
}

// Handle processes one message. Failures, panics included, are logged and
// reported through the returned label; they never escape.
func (l *Listener) Handle(ctx context.Context, msg msgbus.Message) (result string) {
	log := l.logger.With(
		zap.String("topic", msg.Topic),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.ByteString("key", msg.Key))
	ctx, span := telemetry.Start(ctx, "blacklist.consume",
		attribute.String("messaging.destination.name", msg.Topic),
		attribute.Int("messaging.kafka.partition", msg.Partition),
		attribute.Int64("messaging.kafka.offset", msg.Offset))
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("blacklist handler panicked", zap.Any("panic", rec))
			result = ResultFailed
		}
		span.SetAttributes(attribute.String("result", result))
		span.End()
		if l.recorder != nil {
			l.recorder.IngestResult(result)
		}
	}()
	log.Info("blacklist event received", zap.ByteString("value", msg.Value))

	var event models.BlacklistEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		log.Warn("blacklist event undecodable", zap.Error(err))
		return ResultInvalid
	}

	var err error
	for attempt := 0; ; attempt++ {
		_, err = l.engine.Apply(ctx, event)
		if err == nil || !retryable(err) || attempt >= l.maxRetries {
			break
		}
		wait := l.backoff << attempt
		log.Info("retrying blacklist event", zap.Int("attempt", attempt+1), zap.Duration("backoff", wait), zap.Error(err))
		if sleep(ctx, wait) != nil {
			break
		}
	}
	switch {
	case err == nil:
		return ResultApplied
	case errors.Is(err, ErrEmptyUserID):
		log.Debug("blacklist event without user id dropped")
		return ResultDropped
	case errors.Is(err, ErrInvalidEvent):
		log.Warn("blacklist event rejected", zap.Error(err))
		return ResultInvalid
	default:
		log.Error("blacklist event dropped after failure", zap.String("user_id", event.UserID), zap.Error(err))
		return ResultFailed
	}
}

func retryable(err error) bool {
	return errors.Is(err, ErrMergeLockTimeout) || errors.Is(err, lock.ErrUnavailable) || errors.Is(err, store.ErrCacheUnavailable)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("interrupted: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}
