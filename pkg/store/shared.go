package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/redis/go-redis/v9"

	"frontdoor/pkg/models"
)

var (
	// ErrCacheUnavailable means the shared tier could not be reached.
	ErrCacheUnavailable = errors.New("block cache unavailable")
	// ErrCorruptEntry means a stored value could not be decoded.
	ErrCorruptEntry = errors.New("corrupt block cache entry")
)

const DefaultKeyPrefix = "blocked-users::"

// SharedTier is the cross-instance store of block windows.
type SharedTier interface {
	Load(ctx context.Context, userID string) (models.BlockWindow, bool, error)
	Store(ctx context.Context, w models.BlockWindow) error
}

func encodeWindow(w models.BlockWindow) ([]byte, error) {
	raw, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeWindow(b []byte) (models.BlockWindow, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return models.BlockWindow{}, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return models.BlockWindow{}, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	var w models.BlockWindow
	if err := json.Unmarshal(raw, &w); err != nil {
		return models.BlockWindow{}, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	return w, nil
}

// RedisTier stores gzip-compressed JSON windows under prefix+userID.
type RedisTier struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	timeout time.Duration
}

func NewRedisTier(client *redis.Client, prefix string, ttl, timeout time.Duration) *RedisTier {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RedisTier{client: client, prefix: prefix, ttl: ttl, timeout: timeout}
}

func (r *RedisTier) Key(userID string) string { return r.prefix + userID }

func (r *RedisTier) Load(ctx context.Context, userID string) (models.BlockWindow, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	b, err := r.client.Get(ctx, r.Key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.BlockWindow{}, false, nil
	}
	if err != nil {
		return models.BlockWindow{}, false, fmt.Errorf("%w: get %s: %v", ErrCacheUnavailable, userID, err)
	}
	w, err := decodeWindow(b)
	if err != nil {
		return models.BlockWindow{}, false, err
	}
	return w, true, nil
}

func (r *RedisTier) Store(ctx context.Context, w models.BlockWindow) error {
	b, err := encodeWindow(w)
	if err != nil {
		return fmt.Errorf("encode window %s: %w", w.UserID, err)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Set(ctx, r.Key(w.UserID), b, r.ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrCacheUnavailable, w.UserID, err)
	}
	return nil
}

// MemoryTier is an in-process SharedTier for single-instance runs and tests.
// Values go through the same codec as RedisTier.
type MemoryTier struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]memItem
	now   func() time.Time
}

type memItem struct {
	value     []byte
	expiresAt time.Time
}

func NewMemoryTier(ttl time.Duration) *MemoryTier {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &MemoryTier{ttl: ttl, items: map[string]memItem{}, now: time.Now}
}

func (m *MemoryTier) Load(_ context.Context, userID string) (models.BlockWindow, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	item, ok := m.items[userID]
	if !ok {
		return models.BlockWindow{}, false, nil
	}
	w, err := decodeWindow(item.value)
	if err != nil {
		return models.BlockWindow{}, false, err
	}
	return w, true, nil
}

func (m *MemoryTier) Store(_ context.Context, w models.BlockWindow) error {
	b, err := encodeWindow(w)
	if err != nil {
		return fmt.Errorf("encode window %s: %w", w.UserID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	m.items[w.UserID] = memItem{value: b, expiresAt: m.now().Add(m.ttl)}
	return nil
}

func (m *MemoryTier) cleanupLocked() {
	now := m.now()
	for k, v := range m.items {
		if now.After(v.expiresAt) {
			delete(m.items, k)
		}
	}
}

// NewSharedTier prefers Redis and falls back to memory when the client is
// missing or does not answer a ping.
func NewSharedTier(ctx context.Context, client *redis.Client, prefix string, ttl, timeout time.Duration) SharedTier {
	if client != nil {
		if err := client.Ping(ctx).Err(); err == nil {
			return NewRedisTier(client, prefix, ttl, timeout)
		}
	}
	return NewMemoryTier(ttl)
}
