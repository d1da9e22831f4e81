package playback

import "sync"

// Queue is the ordered backlog of pending utterances for one tenant. It is
// safe for concurrent use; its mutex is the single point where arrival order
// is fixed.
type Queue struct {
	mu      sync.Mutex
	items   []Utterance
	maxSize int
}

// NewQueue creates a queue. maxSize <= 0 means unbounded.
func NewQueue(maxSize int) *Queue {
	return &Queue{maxSize: maxSize}
}

// Enqueue appends u at the tail. It never blocks; a bounded queue at capacity
// returns ErrQueueFull.
func (q *Queue) Enqueue(u Utterance) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxSize > 0 && len(q.items) >= q.maxSize {
		return ErrQueueFull
	}
	q.items = append(q.items, u)
	return nil
}

// DequeueNext removes and returns the head.
func (q *Queue) DequeueNext() (Utterance, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Utterance{}, false
	}
	u := q.items[0]
	q.items[0] = Utterance{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return u, true
}

// IsEmpty reports whether nothing is pending.
func (q *Queue) IsEmpty() bool {
	return q.Len() == 0
}

// Len returns the number of pending utterances.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of the pending utterances in order.
func (q *Queue) Snapshot() []Utterance {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Utterance, len(q.items))
	copy(out, q.items)
	return out
}

// Clear removes and returns everything pending.
func (q *Queue) Clear() []Utterance {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.items
	q.items = nil
	return out
}
