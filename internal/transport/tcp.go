package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	logx "patchbot/pkg/logx"
)

const (
	defaultDialTimeout  = 2 * time.Second
	defaultWriteTimeout = time.Second
	defaultRedialEvery  = time.Second
	defaultQueueSize    = 1024
)

// TCP sends to a Pd [netreceive] socket. Send only queues the message; a
// writer goroutine dials, writes and redials, so a slow or absent Pd
// never holds up the caller. The connection is dialed on the first
// message and redialed after a failure at most once per redial period.
// Messages that find the queue full, or arrive while a redial is
// deferred, are dropped and counted as failed.
type TCP struct {
	addr         string
	dialTimeout  time.Duration
	writeTimeout time.Duration
	queueSize    int
	log          logx.Logger
	dial         func(ctx context.Context, network, addr string) (net.Conn, error)
	redial       *rate.Limiter

	mu     sync.RWMutex
	closed bool
	queue  chan []byte
	done   chan struct{}

	// owned by the writer goroutine
	conn net.Conn

	sent   atomic.Uint64
	failed atomic.Uint64
}

type TCPOption func(*TCP)

func WithDialTimeout(d time.Duration) TCPOption {
	return func(t *TCP) {
		if d > 0 {
			t.dialTimeout = d
		}
	}
}

func WithRedialEvery(d time.Duration) TCPOption {
	return func(t *TCP) {
		if d > 0 {
			t.redial = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// WithQueueSize bounds the number of messages waiting for the writer.
func WithQueueSize(n int) TCPOption {
	return func(t *TCP) {
		if n > 0 {
			t.queueSize = n
		}
	}
}

func WithLogger(log logx.Logger) TCPOption { return func(t *TCP) { t.log = log } }

// NewTCP starts the writer goroutine. Close stops it.
func NewTCP(addr string, opts ...TCPOption) *TCP {
	t := &TCP{
		addr:         addr,
		dialTimeout:  defaultDialTimeout,
		writeTimeout: defaultWriteTimeout,
		queueSize:    defaultQueueSize,
		redial:       rate.NewLimiter(rate.Every(defaultRedialEvery), 1),
		done:         make(chan struct{}),
	}
	var d net.Dialer
	t.dial = d.DialContext
	for _, o := range opts {
		o(t)
	}
	if t.log.IsZero() {
		t.log = logx.Nop()
	}
	t.log = t.log.With(logx.String("comp", "transport"), logx.String("addr", addr))
	t.queue = make(chan []byte, t.queueSize)
	go t.writeLoop()
	return t
}

// Send queues a copy of msg. It never blocks: a full queue drops the
// message and returns ErrQueueFull.
func (t *TCP) Send(msg []byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrClosed
	}
	select {
	case t.queue <- append([]byte(nil), msg...):
		return nil
	default:
		t.failed.Add(1)
		return ErrQueueFull
	}
}

func (t *TCP) writeLoop() {
	defer close(t.done)
	for msg := range t.queue {
		t.deliver(msg)
	}
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
}

func (t *TCP) deliver(msg []byte) {
	if t.conn == nil {
		if err := t.connect(); err != nil {
			t.failed.Add(1)
			return
		}
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	if _, err := t.conn.Write(msg); err != nil {
		t.failed.Add(1)
		_ = t.conn.Close()
		t.conn = nil
		t.log.Warn("pd connection lost", logx.Err(err))
		return
	}
	t.sent.Add(1)
}

func (t *TCP) connect() error {
	if !t.redial.Allow() {
		return ErrBackoff
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.dialTimeout)
	defer cancel()
	conn, err := t.dial(ctx, "tcp", t.addr)
	if err != nil {
		t.log.Warn("pd dial failed", logx.Err(err))
		return err
	}
	t.conn = conn
	t.log.Debug("pd connected")
	return nil
}

// Stats returns the number of messages written and dropped.
func (t *TCP) Stats() (sent, failed uint64) { return t.sent.Load(), t.failed.Load() }

// Close rejects further sends, lets the writer finish what is queued and
// closes the connection.
func (t *TCP) Close() error {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.queue)
	}
	t.mu.Unlock()
	<-t.done
	return nil
}
