package store

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"frontdoor/pkg/models"
)

const (
	TierLocal  = "local"
	TierShared = "shared"

	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultError = "error"
)

// BlockCache combines the local and shared tiers.
//
// Reads check the local tier, then the shared tier, populating the local tier
// on a shared hit. Writes go to the shared tier and then evict the local
// entry; the local tier is never written on the write path.
type BlockCache struct {
	local  *LocalTier
	shared SharedTier
	logger *zap.Logger
	group  singleflight.Group
	// gen advances on every write or eviction so an in-flight populate that
	// read the shared tier before the write does not repopulate a stale value.
	gen      atomic.Uint64
	onLookup func(tier, result string)
}

type BlockCacheOption func(*BlockCache)

// WithLookupObserver receives one call per tier consulted.
func WithLookupObserver(fn func(tier, result string)) BlockCacheOption {
	return func(c *BlockCache) {
		c.onLookup = fn
	}
}

func NewBlockCache(local *LocalTier, shared SharedTier, logger *zap.Logger, opts ...BlockCacheOption) *BlockCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &BlockCache{local: local, shared: shared, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *BlockCache) observe(tier, result string) {
	if c.onLookup != nil {
		c.onLookup(tier, result)
	}
}

type loadResult struct {
	window models.BlockWindow
	found  bool
}

// Get returns the stored window for userID. Concurrent misses for the same
// user share one shared-tier read.
func (c *BlockCache) Get(ctx context.Context, userID string) (models.BlockWindow, bool, error) {
	if w, ok := c.local.Get(userID); ok {
		c.observe(TierLocal, ResultHit)
		return w, true, nil
	}
	c.observe(TierLocal, ResultMiss)
	// The shared read outlives any single caller; the tier timeout bounds it.
	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(userID, func() (interface{}, error) {
		gen := c.gen.Load()
		w, found, err := c.Shared(loadCtx, userID)
		if err != nil {
			return loadResult{}, err
		}
		if found && c.gen.Load() == gen {
			c.local.Add(w)
		}
		return loadResult{window: w, found: found}, nil
	})
	select {
	case <-ctx.Done():
		return models.BlockWindow{}, false, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return models.BlockWindow{}, false, r.Err
		}
		res := r.Val.(loadResult)
		return res.window, res.found, nil
	}
}

// Shared reads the shared tier only. A corrupt entry is logged and reported
// as absent so the next write replaces it.
func (c *BlockCache) Shared(ctx context.Context, userID string) (models.BlockWindow, bool, error) {
	w, found, err := c.shared.Load(ctx, userID)
	switch {
	case errors.Is(err, ErrCorruptEntry):
		c.logger.Warn("discarding corrupt block cache entry", zap.String("user_id", userID), zap.Error(err))
		c.observe(TierShared, ResultMiss)
		return models.BlockWindow{}, false, nil
	case err != nil:
		c.observe(TierShared, ResultError)
		return models.BlockWindow{}, false, err
	case found:
		c.observe(TierShared, ResultHit)
	default:
		c.observe(TierShared, ResultMiss)
	}
	return w, found, nil
}

// Put writes w to the shared tier, then evicts the local entry.
func (c *BlockCache) Put(ctx context.Context, w models.BlockWindow) error {
	if err := w.Validate(); err != nil {
		return err
	}
	if err := c.shared.Store(ctx, w); err != nil {
		return err
	}
	c.Evict(w.UserID)
	return nil
}

// Evict drops the local entry for userID.
func (c *BlockCache) Evict(userID string) {
	c.gen.Add(1)
	c.local.Remove(userID)
}
