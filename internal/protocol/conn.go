package protocol

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// Option configures a Conn.
type Option func(*Conn)

// WithMaxFramePayloadBytes overrides DefaultMaxFramePayload.
func WithMaxFramePayloadBytes(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.maxFramePayload = n
		}
	}
}

// Conn wraps a net.Conn and provides frame-level send/receive for the link
// protocol (spec.md §4.1). It is safe for one concurrent reader and one
// concurrent writer: the reader loop in package link is the only caller of
// ReadFrame, and the single send-mutex writer is the only caller of Send, so
// frames never interleave on the wire (spec.md §5 ordering guarantee (c)).
type Conn struct {
	nc net.Conn

	maxFramePayload int

	readMu  sync.Mutex
	writeMu sync.Mutex
}

// New wraps nc as a frame Conn.
func New(nc net.Conn, opts ...Option) *Conn {
	c := &Conn{
		nc:              nc,
		maxFramePayload: DefaultMaxFramePayload,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close closes the underlying transport.
func (c *Conn) Close() error { return c.nc.Close() }

// MaxFramePayload returns the configured per-frame payload cap.
func (c *Conn) MaxFramePayload() int { return c.maxFramePayload }

// Send writes a single frame atomically with respect to other Send calls.
// Payloads larger than MaxFramePayload are rejected; splitting a logical
// byte stream across multiple DATA_* frames is the caller's job (package
// link), not Conn's.
func (c *Conn) Send(ctx context.Context, f Frame) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(f.Payload) > c.maxFramePayload {
		return fmt.Errorf("%w: payload %d exceeds max %d", ErrFrameTooLarge, len(f.Payload), c.maxFramePayload)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	restore, stop := c.applyWriteContext(ctx)
	defer func() {
		stop()
		restore()
	}()

	return encodeFrameTo(c.nc, f.Kind, f.StreamID, f.Payload)
}

// ReadFrame reads the next frame from the wire. Only one goroutine may call
// ReadFrame on a given Conn at a time (the link session's single reader
// loop, per spec.md §5).
func (c *Conn) ReadFrame(ctx context.Context) (Frame, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()

	restore, stop := c.applyReadContext(ctx)
	defer func() {
		stop()
		restore()
	}()

	fr, err := decodeFrameFrom(c.nc, c.maxFramePayload)
	if err != nil {
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		default:
		}
		if IsProtocolError(err) {
			_ = c.nc.Close()
		}
		return Frame{}, err
	}
	return fr, nil
}

func (c *Conn) applyReadContext(ctx context.Context) (restore func(), stop func() bool) {
	restoreDeadline := func() { _ = c.nc.SetReadDeadline(time.Time{}) }
	if d, ok := ctx.Deadline(); ok {
		_ = c.nc.SetReadDeadline(d)
	}
	stopAfter := context.AfterFunc(ctx, func() { _ = c.nc.SetReadDeadline(time.Now()) })
	return restoreDeadline, stopAfter
}

func (c *Conn) applyWriteContext(ctx context.Context) (restore func(), stop func() bool) {
	restoreDeadline := func() { _ = c.nc.SetWriteDeadline(time.Time{}) }
	if d, ok := ctx.Deadline(); ok {
		_ = c.nc.SetWriteDeadline(d)
	}
	stopAfter := context.AfterFunc(ctx, func() { _ = c.nc.SetWriteDeadline(time.Now()) })
	return restoreDeadline, stopAfter
}

