// Package journal records sequencer lifecycle events in a storage.Store.
package journal

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"patchbot/internal/eventbus"
	"patchbot/internal/storage"
	logx "patchbot/pkg/logx"
)

const (
	defaultBuffer       = 256
	defaultWriteTimeout = 2 * time.Second
)

// Service copies bus events into a store, tagged with a per-process run id.
type Service struct {
	store   storage.Store
	bus     eventbus.Bus
	log     logx.Logger
	run     string
	buffer  int
	timeout time.Duration

	written atomic.Uint64
	failed  atomic.Uint64
}

type Option func(*Service)

func WithBuffer(n int) Option { return func(s *Service) { s.buffer = n } }

func WithWriteTimeout(d time.Duration) Option { return func(s *Service) { s.timeout = d } }

// WithRunID overrides the generated run id.
func WithRunID(id string) Option { return func(s *Service) { s.run = id } }

func New(store storage.Store, bus eventbus.Bus, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		store:   store,
		bus:     bus,
		run:     uuid.NewString(),
		buffer:  defaultBuffer,
		timeout: defaultWriteTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = log.With(logx.String("comp", "journal"), logx.String("run", s.run))
	return s
}

func (s *Service) RunID() string { return s.run }

// Run subscribes to the bus and writes until ctx ends. Events published
// before Run subscribes are not recorded.
func (s *Service) Run(ctx context.Context) error {
	if s.store == nil || s.bus == nil {
		<-ctx.Done()
		return nil
	}
	events, unsubscribe := s.bus.Subscribe(s.buffer)
	defer unsubscribe()

	s.write(ctx, storage.Record{At: time.Now(), Kind: "run.started"})
	for {
		select {
		case <-ctx.Done():
			// Best effort: flush what is already buffered, then mark the end.
		drain:
			for {
				select {
				case e, ok := <-events:
					if !ok {
						break drain
					}
					s.write(context.Background(), fromEvent(e))
				default:
					break drain
				}
			}
			s.write(context.Background(), storage.Record{At: time.Now(), Kind: "run.stopped"})
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			s.write(ctx, fromEvent(e))
		}
	}
}

func fromEvent(e eventbus.Event) storage.Record {
	return storage.Record{
		At:      e.Time,
		Kind:    e.Type,
		ShardID: e.ShardID,
		Shard:   e.Shard,
		Detail:  e.Detail,
	}
}

func (s *Service) write(ctx context.Context, r storage.Record) {
	r.Run = s.run
	wctx, cancel := context.WithTimeout(ctx, s.timeout)
	err := s.store.Append(wctx, r)
	cancel()
	if err != nil {
		s.failed.Add(1)
		s.log.Warn("journal append failed", logx.String("kind", r.Kind), logx.Err(err))
		return
	}
	s.written.Add(1)
}

// Stats returns how many records were written and how many failed.
func (s *Service) Stats() (written, failed uint64) {
	return s.written.Load(), s.failed.Load()
}
