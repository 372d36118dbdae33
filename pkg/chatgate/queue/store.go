package queue

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"
)

// Store is the queue backing store: durable push/pop per lane, a delayed
// set ordered by due time, and the dead-letter lane. Every method is one
// atomic step with respect to concurrent callers.
type Store interface {
	// Push appends job to the tail of job.Lane.
	Push(ctx context.Context, job *Job) error

	// Pop removes and returns the head of lane, or nil when it is empty.
	Pop(ctx context.Context, lane Lane) (*Job, error)

	// Schedule adds job to the delayed set at job.ScheduledAt.
	Schedule(ctx context.Context, job *Job) error

	// Promote moves up to limit delayed jobs due at now into their lanes
	// and returns how many moved. A job is moved exactly once.
	Promote(ctx context.Context, now time.Time, limit int) (int, error)

	// DeadLetter stores a job that exhausted its retries.
	DeadLetter(ctx context.Context, job *Job) error

	// DeadLetters lists dead-lettered jobs, oldest failure first.
	DeadLetters(ctx context.Context) ([]*Job, error)

	// TakeDeadLetter removes and returns one dead-lettered job.
	TakeDeadLetter(ctx context.Context, id string) (*Job, error)

	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	lanes   map[Lane][]*Job
	delayed delayedHeap
	dead    map[string]*Job
	seq     uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		lanes: make(map[Lane][]*Job),
		dead:  make(map[string]*Job),
	}
}

func (s *MemoryStore) Push(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lanes[job.Lane] = append(s.lanes[job.Lane], job)
	return nil
}

func (s *MemoryStore) Pop(_ context.Context, lane Lane) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.lanes[lane]
	if len(q) == 0 {
		return nil, nil
	}
	job := q[0]
	q[0] = nil
	s.lanes[lane] = q[1:]
	return job, nil
}

func (s *MemoryStore) Schedule(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	heap.Push(&s.delayed, delayedItem{job: job, due: *job.ScheduledAt, seq: s.seq})
	return nil
}

func (s *MemoryStore) Promote(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	moved := 0
	for s.delayed.Len() > 0 && (limit <= 0 || moved < limit) {
		if s.delayed[0].due.After(now) {
			break
		}
		item := heap.Pop(&s.delayed).(delayedItem)
		s.lanes[item.job.Lane] = append(s.lanes[item.job.Lane], item.job)
		moved++
	}
	return moved, nil
}

func (s *MemoryStore) DeadLetter(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead[job.ID] = job
	return nil
}

func (s *MemoryStore) DeadLetters(_ context.Context) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Job, 0, len(s.dead))
	for _, j := range s.dead {
		out = append(out, j)
	}
	sortByFailure(out)
	return out, nil
}

func (s *MemoryStore) TakeDeadLetter(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.dead[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	delete(s.dead, id)
	return job, nil
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Lanes: make(map[Lane]int64, len(Lanes))}
	for _, l := range Lanes {
		st.Lanes[l] = int64(len(s.lanes[l]))
	}
	st.Delayed = int64(s.delayed.Len())
	st.DeadLetter = int64(len(s.dead))
	return st, nil
}

func (s *MemoryStore) Close() error { return nil }

func sortByFailure(jobs []*Job) {
	sort.Slice(jobs, func(i, k int) bool {
		a, b := jobs[i].FailedAt, jobs[k].FailedAt
		if a == nil || b == nil {
			return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
		}
		return a.Before(*b)
	})
}

type delayedItem struct {
	job *Job
	due time.Time
	seq uint64
}

// delayedHeap orders by due time, then insertion order.
type delayedHeap []delayedItem

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}
func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)   { *h = append(*h, x.(delayedItem)) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
