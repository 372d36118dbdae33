package ingest

import "sync"

// recentSet is a bounded set of dedupe keys. When full, the oldest key is
// evicted.
type recentSet struct {
	mu   sync.Mutex
	keys map[string]struct{}
	ring []string
	next int
}

func newRecentSet(size int) *recentSet {
	if size <= 0 {
		size = 1
	}
	return &recentSet{
		keys: make(map[string]struct{}, size),
		ring: make([]string, size),
	}
}

func (r *recentSet) Contains(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.keys[key]
	return ok
}

func (r *recentSet) Add(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[key]; ok {
		return
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.keys, old)
	}
	r.ring[r.next] = key
	r.keys[key] = struct{}{}
	r.next = (r.next + 1) % len(r.ring)
}
