package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 64

// KeyedMutex is an in-process Locker. Each key gets its own refcounted
// one-slot channel, created on demand and dropped when unused. The key table
// is split into shards so unrelated keys do not serialise on one map lock.
type KeyedMutex struct {
	wait   time.Duration
	shards [shardCount]shard
}

type shard struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex(wait time.Duration) *KeyedMutex {
	m := &KeyedMutex{wait: wait}
	for i := range m.shards {
		m.shards[i].locks = map[string]*entry{}
	}
	return m
}

func (m *KeyedMutex) shardFor(key string) *shard {
	return &m.shards[xxhash.Sum64String(key)%shardCount]
}

func (m *KeyedMutex) acquireEntry(key string) *entry {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		s.locks[key] = e
	}
	e.refs++
	return e
}

func (m *KeyedMutex) releaseEntry(key string, e *entry) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(s.locks, key)
	}
}

func (m *KeyedMutex) Lock(ctx context.Context, key string) (Unlock, error) {
	e := m.acquireEntry(key)
	var timeout <-chan time.Time
	if m.wait > 0 {
		t := time.NewTimer(m.wait)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case e.ch <- struct{}{}:
	case <-timeout:
		m.releaseEntry(key, e)
		return nil, fmt.Errorf("%w: %s after %s", ErrLockTimeout, key, m.wait)
	case <-ctx.Done():
		m.releaseEntry(key, e)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			m.releaseEntry(key, e)
		})
	}, nil
}

// Len reports how many keys are currently held or awaited.
func (m *KeyedMutex) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}
