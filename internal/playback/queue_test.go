package playback

import (
	"errors"
	"testing"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue(0)
	for _, text := range []string{"a", "b", "c"} {
		if err := q.Enqueue(NewUtterance(text, 1)); err != nil {
			t.Fatalf("Enqueue(%s): %v", text, err)
		}
	}

	if q.Len() != 3 {
		t.Fatalf("Expected 3 pending, got %d", q.Len())
	}
	for _, want := range []string{"a", "b", "c"} {
		u, ok := q.DequeueNext()
		if !ok {
			t.Fatalf("Expected %s, queue was empty", want)
		}
		if u.Text != want {
			t.Errorf("Expected %s, got %s", want, u.Text)
		}
	}
	if _, ok := q.DequeueNext(); ok {
		t.Error("Expected empty queue")
	}
	if !q.IsEmpty() {
		t.Error("Expected IsEmpty after draining")
	}
}

func TestQueue_Bounded(t *testing.T) {
	q := NewQueue(2)
	q.Enqueue(NewUtterance("a", 1))
	q.Enqueue(NewUtterance("b", 1))

	if err := q.Enqueue(NewUtterance("c", 1)); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}

	q.DequeueNext()
	if err := q.Enqueue(NewUtterance("c", 1)); err != nil {
		t.Errorf("Expected room after dequeue, got %v", err)
	}
}

func TestQueue_SnapshotIsCopy(t *testing.T) {
	q := NewQueue(0)
	q.Enqueue(NewUtterance("a", 1))

	snap := q.Snapshot()
	snap[0].Text = "mutated"

	u, _ := q.DequeueNext()
	if u.Text != "a" {
		t.Errorf("Snapshot aliased queue storage: got %s", u.Text)
	}
}

func TestQueue_Clear(t *testing.T) {
	q := NewQueue(0)
	q.Enqueue(NewUtterance("a", 1))
	q.Enqueue(NewUtterance("b", 2))

	cleared := q.Clear()
	if len(cleared) != 2 || cleared[0].Text != "a" || cleared[1].Text != "b" {
		t.Errorf("Unexpected cleared items %+v", cleared)
	}
	if !q.IsEmpty() {
		t.Error("Expected empty queue after Clear")
	}
}

func TestNewUtterance_UniqueIDs(t *testing.T) {
	a := NewUtterance("same", 1)
	b := NewUtterance("same", 1)
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("Expected distinct non-empty ids, got %q and %q", a.ID, b.ID)
	}
}
