package queue

import (
	"reflect"
	"testing"
)

func TestEnqueueIdempotent(t *testing.T) {
	q := NewWorkerQueue()
	q.Enqueue("w1")
	q.Enqueue("w2")
	q.Enqueue("w1")
	if got := q.PeekAll(); !reflect.DeepEqual(got, []string{"w1", "w2"}) {
		t.Fatalf("expected [w1 w2], got %v", got)
	}
}

func TestDequeueFrontToBackWithPredicate(t *testing.T) {
	q := NewWorkerQueue()
	q.Enqueue("w1")
	q.Enqueue("w2")
	q.Enqueue("w3")

	id, ok := q.Dequeue(func(id string) bool { return id != "w1" })
	if !ok || id != "w2" {
		t.Fatalf("expected w2, got %q ok=%v", id, ok)
	}
	if q.Contains("w2") {
		t.Fatalf("dequeued worker must be removed")
	}

	// nil predicate matches the front.
	id, ok = q.Dequeue(nil)
	if !ok || id != "w1" {
		t.Fatalf("expected w1, got %q ok=%v", id, ok)
	}

	_, ok = q.Dequeue(func(id string) bool { return false })
	if ok {
		t.Fatalf("expected no match")
	}
}

func TestMoveToBackRotation(t *testing.T) {
	q := NewWorkerQueue()
	q.Enqueue("w1")
	q.Enqueue("w2")

	id, _ := q.Dequeue(nil)
	q.Enqueue(id) // caller re-enqueues after assignment
	if got := q.PeekAll(); !reflect.DeepEqual(got, []string{"w2", "w1"}) {
		t.Fatalf("expected rotation to [w2 w1], got %v", got)
	}
}

func TestRemove(t *testing.T) {
	q := NewWorkerQueue()
	q.Enqueue("w1")
	q.Enqueue("w2")
	q.Remove("w1")
	q.Remove("ghost")
	if got := q.PeekAll(); !reflect.DeepEqual(got, []string{"w2"}) {
		t.Fatalf("expected [w2], got %v", got)
	}
	if q.Len() != 1 {
		t.Fatalf("expected len 1, got %d", q.Len())
	}
}
