package wsclient

import "testing"

func TestQueue_DropOldestEvictsAndSignalsOverflow(t *testing.T) {
	q := newQueue(QueueDropOldest, 2)

	res := q.Enqueue([]byte("a"))
	if !res.Enqueued || res.Overflow {
		t.Fatalf("first enqueue = %+v, want enqueued/no overflow", res)
	}
	res = q.Enqueue([]byte("b"))
	if !res.Enqueued || res.Overflow {
		t.Fatalf("second enqueue = %+v, want enqueued/no overflow", res)
	}
	res = q.Enqueue([]byte("c"))
	if !res.Enqueued || !res.Overflow {
		t.Fatalf("third enqueue = %+v, want enqueued+overflow (eviction)", res)
	}

	got := q.Drain()
	want := []string{"b", "c"}
	if len(got) != len(want) {
		t.Fatalf("Drain() = %v, want %v", got, want)
	}
	for i, w := range want {
		if string(got[i]) != w {
			t.Fatalf("Drain()[%d] = %s, want %s", i, got[i], w)
		}
	}
}

func TestQueue_DropNewestRejectsAtCapacity(t *testing.T) {
	q := newQueue(QueueDropNewest, 2)

	q.Enqueue([]byte("a"))
	q.Enqueue([]byte("b"))
	res := q.Enqueue([]byte("c"))
	if res.Enqueued || !res.Overflow {
		t.Fatalf("enqueue at capacity = %+v, want rejected+overflow", res)
	}

	got := q.Drain()
	if len(got) != 2 || string(got[0]) != "a" || string(got[1]) != "b" {
		t.Fatalf("Drain() = %v, want [a b]", got)
	}
}

func TestQueue_OffNeverEnqueues(t *testing.T) {
	q := newQueue(QueueOff, 10)

	res := q.Enqueue([]byte("a"))
	if res.Enqueued || res.Overflow {
		t.Fatalf("enqueue with QueueOff = %+v, want neither enqueued nor overflow", res)
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", q.Len())
	}
}

func TestQueue_DrainIsFIFOAndClears(t *testing.T) {
	q := newQueue(QueueDropOldest, 10)
	q.Enqueue([]byte("1"))
	q.Enqueue([]byte("2"))
	q.Enqueue([]byte("3"))

	if q.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", q.Len())
	}

	got := q.Drain()
	for i, want := range []string{"1", "2", "3"} {
		if string(got[i]) != want {
			t.Fatalf("Drain()[%d] = %s, want %s", i, got[i], want)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("Len() after Drain = %d, want 0", q.Len())
	}
	if got2 := q.Drain(); len(got2) != 0 {
		t.Fatalf("second Drain() = %v, want empty", got2)
	}
}
