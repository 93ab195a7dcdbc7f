package sequencer

import (
	"container/heap"
	"fmt"
	"time"
)

// wakeEntry is one pending wake-up. seq is the insertion order and breaks
// ties between equal target times.
type wakeEntry struct {
	at    time.Time
	seq   uint64
	shard *handle
	index int
}

type wakeHeap []*wakeEntry

func (h wakeHeap) Len() int { return len(h) }

func (h wakeHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h wakeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *wakeHeap) Push(x any) {
	e := x.(*wakeEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *wakeHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// eventQueue is the set of pending wake-ups, at most one per shard. It is
// owned by the loop goroutine and is not safe for concurrent use.
type eventQueue struct {
	h       wakeHeap
	byShard map[ShardID]*wakeEntry
	seq     uint64
}

func newEventQueue() *eventQueue {
	return &eventQueue{byShard: map[ShardID]*wakeEntry{}}
}

// Insert queues a wake-up for h at at.
func (q *eventQueue) Insert(at time.Time, h *handle) error {
	if _, ok := q.byShard[h.id]; ok {
		return fmt.Errorf("%w: shard %d already queued", ErrDuplicateShard, h.id)
	}
	q.seq++
	e := &wakeEntry{at: at, seq: q.seq, shard: h}
	heap.Push(&q.h, e)
	q.byShard[h.id] = e
	return nil
}

// PopEarliest removes and returns the entry with the smallest target time.
func (q *eventQueue) PopEarliest() (*wakeEntry, bool) {
	if len(q.h) == 0 {
		return nil, false
	}
	e := heap.Pop(&q.h).(*wakeEntry)
	delete(q.byShard, e.shard.id)
	return e, true
}

// RemoveShard drops the shard's pending entry, if any.
func (q *eventQueue) RemoveShard(id ShardID) bool {
	e, ok := q.byShard[id]
	if !ok {
		return false
	}
	heap.Remove(&q.h, e.index)
	delete(q.byShard, id)
	return true
}

func (q *eventQueue) peek() (*wakeEntry, bool) {
	if len(q.h) == 0 {
		return nil, false
	}
	return q.h[0], true
}

// PeekTime returns the earliest pending target time.
func (q *eventQueue) PeekTime() (time.Time, bool) {
	e, ok := q.peek()
	if !ok {
		return time.Time{}, false
	}
	return e.at, true
}

func (q *eventQueue) Len() int { return len(q.h) }

// handles returns every queued shard, in no particular order.
func (q *eventQueue) handles() []*handle {
	out := make([]*handle, 0, len(q.h))
	for _, e := range q.h {
		out = append(out, e.shard)
	}
	return out
}
