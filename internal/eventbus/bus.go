package eventbus

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the sequencer.
const (
	ShardRegistered = "shard.registered"
	ShardTerminated = "shard.terminated"
	ShardCancelled  = "shard.cancelled"
	ShardFault      = "shard.fault"
	SequencerLag    = "sequencer.lag"
	SequencerStop   = "sequencer.stopped"
)

// Event is something that happened to a shard or to the sequencer loop.
// Publishing never blocks: a subscriber whose buffer is full misses the
// event and the bus counts it as dropped.
type Event struct {
	Type    string
	Time    time.Time
	ShardID uint64
	Shard   string
	Detail  string
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns a channel of events whose Type is in types, or of
	// every event when types is empty. unsubscribe closes the channel and
	// may be called more than once.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	// Dropped counts deliveries lost to full subscriber buffers.
	Dropped() uint64
}

func New() Bus { return &memBus{subs: map[uint64]*sub{}} }

// Nop discards every event.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event)   {}
func (nopBus) Dropped() uint64 { return 0 }

func (nopBus) Subscribe(int, ...string) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}

type sub struct {
	ch    chan Event
	types []string
}

func (s *sub) wants(typ string) bool {
	return len(s.types) == 0 || slices.Contains(s.types, typ)
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	nextID  atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// unsubscribe closes under the write lock, so sends here never hit a
	// closed channel.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer), types: slices.Clone(types)}
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
