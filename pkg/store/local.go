package store

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"frontdoor/pkg/models"
)

// LocalTier is the per-process bounded cache in front of the shared tier.
// Entries expire after ttl and the least recently used entry is dropped once
// size is reached.
type LocalTier struct {
	lru *expirable.LRU[string, models.BlockWindow]
}

func NewLocalTier(size int, ttl time.Duration) *LocalTier {
	if size <= 0 {
		size = 10000
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &LocalTier{lru: expirable.NewLRU[string, models.BlockWindow](size, nil, ttl)}
}

func (l *LocalTier) Get(userID string) (models.BlockWindow, bool) {
	return l.lru.Get(userID)
}

func (l *LocalTier) Add(w models.BlockWindow) {
	l.lru.Add(w.UserID, w)
}

func (l *LocalTier) Remove(userID string) {
	l.lru.Remove(userID)
}

func (l *LocalTier) Len() int {
	return l.lru.Len()
}
