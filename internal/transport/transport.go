// Package transport delivers encoded Pd messages. Delivery is best
// effort and Send never waits on the network: an error from Send means
// the message was dropped, and the caller logs it and carries on.
package transport

import (
	"errors"
	"io"
	"strings"
	"time"

	logx "patchbot/pkg/logx"
)

// Sender delivers one complete FUDI message.
type Sender interface {
	Send(msg []byte) error
}

var (
	ErrClosed    = errors.New("transport: closed")
	ErrBackoff   = errors.New("transport: not connected; redial deferred")
	ErrQueueFull = errors.New("transport: send queue full")
)

type Config struct {
	Driver      string // "tcp" | "stdout" | "none"
	Addr        string
	DialTimeout time.Duration
}

// Open builds the sender named by cfg.Driver. stdout writes to out.
func Open(cfg Config, out io.Writer, log logx.Logger) (Sender, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "tcp":
		return NewTCP(cfg.Addr, WithDialTimeout(cfg.DialTimeout), WithLogger(log)), nil
	case "stdout":
		return NewWriter(out), nil
	case "none":
		return Discard{}, nil
	default:
		return nil, errors.New("unknown transport driver: " + cfg.Driver)
	}
}

// Close closes s if it holds resources.
func Close(s Sender) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Discard drops every message.
type Discard struct{}

func (Discard) Send([]byte) error { return nil }
