package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Publish result labels.
const (
	ResultPublished = "published"
	ResultFailed    = "failed"
	ResultDropped   = "dropped"
)

type Recorder interface {
	AuditResult(kind, result string)
	SetAuditQueueDepth(n int)
}

var publishTimeout = 5 * time.Second

// Dispatcher publishes entries from a bounded queue on worker goroutines.
// Submit never blocks the request path.
type Dispatcher struct {
	pub      Publisher
	queue    chan Entry
	logger   *zap.Logger
	recorder Recorder

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(pub Publisher, queueSize, workers int, logger *zap.Logger, recorder Recorder) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		pub:      pub,
		queue:    make(chan Entry, queueSize),
		logger:   logger,
		recorder: recorder,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	return d
}

// Submit enqueues e. It reports false when the entry was dropped because the
// queue is full or the dispatcher is closed.
func (d *Dispatcher) Submit(e Entry) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(e, "dispatcher closed")
		return false
	}
	select {
	case d.queue <- e:
		d.depth()
		return true
	default:
		d.drop(e, "queue full")
		return false
	}
}

func (d *Dispatcher) drop(e Entry, reason string) {
	d.logger.Warn("audit snapshot dropped", zap.String("reason", reason), zap.String("kind", e.Kind), zap.String("id", e.ID))
	d.record(e.Kind, ResultDropped)
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for e := range d.queue {
		d.depth()
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := d.pub.Publish(ctx, e)
		cancel()
		if err != nil {
			d.logger.Error("audit publish failed", zap.String("kind", e.Kind), zap.String("id", e.ID), zap.String("user_id", e.UserID), zap.Error(err))
			d.record(e.Kind, ResultFailed)
			continue
		}
		d.record(e.Kind, ResultPublished)
	}
}

// Close stops accepting entries and waits for the queue to drain or ctx to
// end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) depth() {
	if d.recorder != nil {
		d.recorder.SetAuditQueueDepth(len(d.queue))
	}
}

func (d *Dispatcher) record(kind, result string) {
	if d.recorder != nil {
		d.recorder.AuditResult(kind, result)
	}
}
