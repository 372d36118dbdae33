package queue

import (
	"context"
	"sync"
	"time"
)

// Limiter admits at most quota calls per key within any window.
type Limiter interface {
	Allow(ctx context.Context, key string, quota int, window time.Duration) (bool, error)
}

// SlidingWindow is an in-process Limiter keeping one timestamp per
// admitted call.
type SlidingWindow struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

// NewSlidingWindow creates an empty limiter.
func NewSlidingWindow() *SlidingWindow {
	return &SlidingWindow{hits: make(map[string][]time.Time), now: time.Now}
}

func (w *SlidingWindow) Allow(_ context.Context, key string, quota int, window time.Duration) (bool, error) {
	if quota <= 0 {
		return true, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-window)
	hits := w.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]

	if len(hits) >= quota {
		w.hits[key] = hits
		return false, nil
	}
	w.hits[key] = append(hits, now)
	return true, nil
}
