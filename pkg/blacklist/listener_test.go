package blacklist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"frontdoor/pkg/lock"
	"frontdoor/pkg/models"
	"frontdoor/pkg/msgbus"
	"frontdoor/pkg/store"
)

type fakeConsumer struct {
	mu        sync.Mutex
	msgs      []msgbus.Message
	committed []int64
	fetchErr  error
	done      chan struct{}
}

func (f *fakeConsumer) Fetch(ctx context.Context) (msgbus.Message, error) {
	f.mu.Lock()
	if f.fetchErr != nil {
		err := f.fetchErr
		f.fetchErr = nil
		f.mu.Unlock()
		return msgbus.Message{}, err
	}
	if len(f.msgs) > 0 {
		m := f.msgs[0]
		f.msgs = f.msgs[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	if f.done != nil {
		select {
		case f.done <- struct{}{}:
		default:
		}
	}
	<-ctx.Done()
	return msgbus.Message{}, ctx.Err()
}

func (f *fakeConsumer) Commit(_ context.Context, msg msgbus.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, msg.Offset)
	return nil
}

func (f *fakeConsumer) Close() error { return nil }

type applierFunc func(ctx context.Context, ev models.BlacklistEvent) (Result, error)

func (f applierFunc) Apply(ctx context.Context, ev models.BlacklistEvent) (Result, error) {
	return f(ctx, ev)
}

type resultCounter struct {
	mu sync.Mutex
	n  map[string]int
}

func (r *resultCounter) IngestResult(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n == nil {
		r.n = map[string]int{}
	}
	r.n[s]++
}

func msg(offset int64, value string) msgbus.Message {
	return msgbus.Message{Topic: "blacklisted-users", Offset: offset, Key: []byte("15"), Value: []byte(value)}
}

func TestHandleClassifiesFailures(t *testing.T) {
	ok := applierFunc(func(context.Context, models.BlacklistEvent) (Result, error) {
		return Result{Outcome: OutcomeReplaced}, nil
	})
	cases := []struct {
		name    string
		applier Applier
		value   string
		want    string
	}{
		{"applied", ok, `{"userId":15,"from":"2025-05-12T10:00:00","to":"2025-05-12T10:10:00"}`, ResultApplied},
		{"undecodable", ok, `{not json`, ResultInvalid},
		{"empty user", applierFunc(func(context.Context, models.BlacklistEvent) (Result, error) { return Result{}, ErrEmptyUserID }), `{"userId":"","from":"2025-05-12T10:00:00Z","to":"2025-05-12T10:10:00Z"}`, ResultDropped},
		{"invalid", applierFunc(func(context.Context, models.BlacklistEvent) (Result, error) { return Result{}, ErrInvalidEvent }), `{"userId":"15","from":"2025-05-12T10:10:00Z","to":"2025-05-12T10:00:00Z"}`, ResultInvalid},
		{"panic", applierFunc(func(context.Context, models.BlacklistEvent) (Result, error) { panic("boom") }), `{"userId":"15","from":"2025-05-12T10:00:00Z","to":"2025-05-12T10:10:00Z"}`, ResultFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &resultCounter{}
			l := NewListener(&fakeConsumer{}, tc.applier, nil, WithIngestRecorder(rec))
			if got := l.Handle(context.Background(), msg(1, tc.value)); got != tc.want {
				t.Fatalf("result=%s want %s", got, tc.want)
			}
			if rec.n[tc.want] != 1 {
				t.Fatalf("expected %s recorded, got %v", tc.want, rec.n)
			}
		})
	}
}

func TestHandleRetriesLockTimeout(t *testing.T) {
	calls := 0
	applier := applierFunc(func(context.Context, models.BlacklistEvent) (Result, error) {
		calls++
		if calls < 3 {
			return Result{}, ErrMergeLockTimeout
		}
		return Result{Outcome: OutcomeMerged}, nil
	})
	l := NewListener(&fakeConsumer{}, applier, nil, WithRetry(3, time.Millisecond))
	if got := l.Handle(context.Background(), msg(1, `{"userId":"15","from":"2025-05-12T10:00:00Z","to":"2025-05-12T10:10:00Z"}`)); got != ResultApplied {
		t.Fatalf("result=%s", got)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestHandleRetriesUnreachableLockBackend(t *testing.T) {
	calls := 0
	applier := applierFunc(func(context.Context, models.BlacklistEvent) (Result, error) {
		calls++
		if calls == 1 {
			return Result{}, fmt.Errorf("lock user 15: %w", fmt.Errorf("%w: acquire blocked-users:15: dial tcp: connection refused", lock.ErrUnavailable))
		}
		return Result{Outcome: OutcomeReplaced}, nil
	})
	l := NewListener(&fakeConsumer{}, applier, nil, WithRetry(3, time.Millisecond))
	if got := l.Handle(context.Background(), msg(1, `{"userId":"15","from":"2025-05-12T10:00:00Z","to":"2025-05-12T10:10:00Z"}`)); got != ResultApplied {
		t.Fatalf("result=%s", got)
	}
	if calls != 2 {
		t.Fatalf("expected a retry after the backend error, got %d attempts", calls)
	}
}

func TestHandleGivesUpAfterRetries(t *testing.T) {
	calls := 0
	applier := applierFunc(func(context.Context, models.BlacklistEvent) (Result, error) {
		calls++
		return Result{}, store.ErrCacheUnavailable
	})
	l := NewListener(&fakeConsumer{}, applier, nil, WithRetry(2, time.Millisecond))
	if got := l.Handle(context.Background(), msg(1, `{"userId":"15","from":"2025-05-12T10:00:00Z","to":"2025-05-12T10:10:00Z"}`)); got != ResultFailed {
		t.Fatalf("result=%s", got)
	}
	if calls != 3 {
		t.Fatalf("expected 1 attempt plus 2 retries, got %d", calls)
	}
}

func TestHandleDoesNotRetryOtherErrors(t *testing.T) {
	calls := 0
	applier := applierFunc(func(context.Context, models.BlacklistEvent) (Result, error) {
		calls++
		return Result{}, errors.New("unexpected")
	})
	l := NewListener(&fakeConsumer{}, applier, nil, WithRetry(5, time.Millisecond))
	l.Handle(context.Background(), msg(1, `{"userId":"15","from":"2025-05-12T10:00:00Z","to":"2025-05-12T10:10:00Z"}`))
	if calls != 1 {
		t.Fatalf("expected single attempt, got %d", calls)
	}
}

// A poison message in the middle of the feed must not stop the loop, and
// every message is acknowledged.
func TestRunCommitsEveryMessage(t *testing.T) {
	prev := fetchErrorDelay
	fetchErrorDelay = time.Millisecond
	defer func() { fetchErrorDelay = prev }()

	_, cache := newRedisCache(t)
	engine := NewEngine(cache, lock.NewKeyedMutex(time.Second), nil)
	consumer := &fakeConsumer{
		fetchErr: errors.New("broker hiccup"),
		msgs: []msgbus.Message{
			msg(10, `{"userId":"15","from":"2025-05-12T10:00:00Z","to":"2025-05-12T10:10:00Z"}`),
			msg(11, `garbage`),
			msg(12, `{"userId":"","from":"2025-05-12T10:00:00Z","to":"2025-05-12T10:10:00Z"}`),
			msg(13, `{"userId":"16","from":"2025-05-12T10:00:00Z","to":"2025-05-12T10:10:00Z"}`),
		},
		done: make(chan struct{}, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := NewListener(consumer, engine, nil)
	runErr := make(chan error, 1)
	go func() { runErr <- l.Run(ctx) }()

	select {
	case <-consumer.done:
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not drain the feed")
	}
	cancel()
	if err := <-runErr; err != nil {
		t.Fatalf("run: %v", err)
	}
	consumer.mu.Lock()
	committed := append([]int64(nil), consumer.committed...)
	consumer.mu.Unlock()
	if len(committed) != 4 {
		t.Fatalf("expected 4 commits, got %v", committed)
	}
	for _, user := range []string{"15", "16"} {
		if _, found, err := cache.Shared(context.Background(), user); err != nil || !found {
			t.Fatalf("user %s not stored: found=%v err=%v", user, found, err)
		}
	}
}
