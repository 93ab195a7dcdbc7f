package sequencer

import (
	"context"
	"errors"
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func testHandle(id ShardID) *handle {
	return &handle{id: id, shard: ShardFunc(func(context.Context) (Delay, error) { return Done(), nil })}
}

func TestQueueOrdersByTimeThenInsertion(t *testing.T) {
	t.Parallel()
	q := newEventQueue()
	inserts := []struct {
		id ShardID
		at time.Duration
	}{
		{1, 30 * time.Millisecond},
		{2, 10 * time.Millisecond},
		{3, 10 * time.Millisecond},
		{4, 0},
		{5, 10 * time.Millisecond},
	}
	for _, in := range inserts {
		if err := q.Insert(epoch.Add(in.at), testHandle(in.id)); err != nil {
			t.Fatalf("Insert(%d): %v", in.id, err)
		}
	}
	if at, ok := q.PeekTime(); !ok || !at.Equal(epoch) {
		t.Fatalf("PeekTime = %v, %v", at, ok)
	}

	want := []ShardID{4, 2, 3, 5, 1}
	for i, id := range want {
		e, ok := q.PopEarliest()
		if !ok {
			t.Fatalf("pop %d: queue empty", i)
		}
		if e.shard.id != id {
			t.Fatalf("pop %d = shard %d, want %d", i, e.shard.id, id)
		}
	}
	if _, ok := q.PopEarliest(); ok {
		t.Fatal("expected empty queue")
	}
	if _, ok := q.PeekTime(); ok {
		t.Fatal("PeekTime on empty queue reported a time")
	}
}

func TestQueueRejectsSecondEntryForShard(t *testing.T) {
	t.Parallel()
	q := newEventQueue()
	h := testHandle(1)
	if err := q.Insert(epoch, h); err != nil {
		t.Fatal(err)
	}
	err := q.Insert(epoch.Add(time.Second), h)
	if !errors.Is(err, ErrDuplicateShard) {
		t.Fatalf("err = %v, want ErrDuplicateShard", err)
	}
	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1", q.Len())
	}

	// After popping, the shard may be queued again.
	if _, ok := q.PopEarliest(); !ok {
		t.Fatal("pop failed")
	}
	if err := q.Insert(epoch, h); err != nil {
		t.Fatalf("re-insert after pop: %v", err)
	}
}

func TestQueueRemoveShard(t *testing.T) {
	t.Parallel()
	q := newEventQueue()
	for id := ShardID(1); id <= 5; id++ {
		if err := q.Insert(epoch.Add(time.Duration(id)*time.Second), testHandle(id)); err != nil {
			t.Fatal(err)
		}
	}
	if !q.RemoveShard(3) {
		t.Fatal("RemoveShard(3) = false")
	}
	if q.RemoveShard(3) {
		t.Fatal("second RemoveShard(3) = true")
	}
	if q.RemoveShard(42) {
		t.Fatal("RemoveShard(unknown) = true")
	}

	var got []ShardID
	for {
		e, ok := q.PopEarliest()
		if !ok {
			break
		}
		got = append(got, e.shard.id)
	}
	want := []ShardID{1, 2, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
