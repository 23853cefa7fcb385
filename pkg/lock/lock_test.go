package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func lockers(t *testing.T, wait time.Duration) map[string]Locker {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]Locker{
		"keyed": NewKeyedMutex(wait),
		"redis": NewRedisLocker(client, wait, time.Second),
	}
}

func TestLockSerialisesSameKey(t *testing.T) {
	for name, l := range lockers(t, 2*time.Second) {
		t.Run(name, func(t *testing.T) {
			var (
				mu      sync.Mutex
				inside  int
				maxSeen int
				wg      sync.WaitGroup
			)
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					unlock, err := l.Lock(context.Background(), "user-15")
					if err != nil {
						t.Errorf("lock: %v", err)
						return
					}
					defer unlock()
					mu.Lock()
					inside++
					if inside > maxSeen {
						maxSeen = inside
					}
					mu.Unlock()
					time.Sleep(2 * time.Millisecond)
					mu.Lock()
					inside--
					mu.Unlock()
				}()
			}
			wg.Wait()
			if maxSeen != 1 {
				t.Fatalf("expected exclusive access, saw %d holders", maxSeen)
			}
		})
	}
}

func TestLockTimesOut(t *testing.T) {
	for name, l := range lockers(t, 30*time.Millisecond) {
		t.Run(name, func(t *testing.T) {
			unlock, err := l.Lock(context.Background(), "user-1")
			if err != nil {
				t.Fatalf("first lock: %v", err)
			}
			defer unlock()
			_, err = l.Lock(context.Background(), "user-1")
			if !errors.Is(err, ErrLockTimeout) {
				t.Fatalf("expected lock timeout, got %v", err)
			}
		})
	}
}

func TestLockDifferentKeysDoNotContend(t *testing.T) {
	for name, l := range lockers(t, 30*time.Millisecond) {
		t.Run(name, func(t *testing.T) {
			unlockA, err := l.Lock(context.Background(), "user-a")
			if err != nil {
				t.Fatalf("lock a: %v", err)
			}
			defer unlockA()
			unlockB, err := l.Lock(context.Background(), "user-b")
			if err != nil {
				t.Fatalf("lock b while a held: %v", err)
			}
			unlockB()
		})
	}
}

func TestUnlockIsIdempotentAndReleases(t *testing.T) {
	for name, l := range lockers(t, 50*time.Millisecond) {
		t.Run(name, func(t *testing.T) {
			unlock, err := l.Lock(context.Background(), "k")
			if err != nil {
				t.Fatalf("lock: %v", err)
			}
			unlock()
			unlock()
			again, err := l.Lock(context.Background(), "k")
			if err != nil {
				t.Fatalf("relock after unlock: %v", err)
			}
			again()
		})
	}
}

func TestLockHonoursCallerCancel(t *testing.T) {
	for name, l := range lockers(t, time.Second) {
		t.Run(name, func(t *testing.T) {
			unlock, err := l.Lock(context.Background(), "k")
			if err != nil {
				t.Fatalf("lock: %v", err)
			}
			defer unlock()
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			_, err = l.Lock(ctx, "k")
			if err == nil || errors.Is(err, ErrLockTimeout) {
				t.Fatalf("expected caller context error, got %v", err)
			}
		})
	}
}

func TestKeyedMutexDropsIdleEntries(t *testing.T) {
	m := NewKeyedMutex(time.Second)
	unlock, err := m.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if m.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", m.Len())
	}
	unlock()
	if m.Len() != 0 {
		t.Fatalf("expected entry dropped, got %d", m.Len())
	}
}

func TestRedisLockerUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 5 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	_, err := NewRedisLocker(client, time.Second, time.Second).Lock(context.Background(), "blocked-users:15")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if errors.Is(err, ErrLockTimeout) {
		t.Fatalf("transport error reported as timeout: %v", err)
	}
}

func TestRedisLockerReleaseKeepsForeignLease(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	l := NewRedisLocker(client, 50*time.Millisecond, 100*time.Millisecond)

	unlock, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	// Lease expires and someone else takes the key.
	mr.FastForward(200 * time.Millisecond)
	if err := mr.Set("lock:k", "other-holder"); err != nil {
		t.Fatalf("set: %v", err)
	}
	unlock()
	if got, _ := mr.Get("lock:k"); got != "other-holder" {
		t.Fatalf("release removed a lease it did not own: %q", got)
	}
}
