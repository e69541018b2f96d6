package link

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"ship-proxy/internal/protocol"
)

// Dialer owns the ship's single outbound connection to the offshore
// address. It redials with exponential backoff on any transport error and
// exposes the current live Session to the scheduler, which blocks on it
// while disconnected (spec.md §4.6).
type Dialer struct {
	addr            string
	dialTimeout     time.Duration
	maxFramePayload int
	logger          *slog.Logger

	mu      sync.Mutex
	current *Session
	changed chan struct{}
}

// NewDialer constructs a Dialer for the offshore address. Run must be
// started in its own goroutine before Session is useful.
func NewDialer(addr string, maxFramePayload int, dialTimeout time.Duration, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{
		addr:            addr,
		dialTimeout:     dialTimeout,
		maxFramePayload: maxFramePayload,
		logger:          logger,
		changed:         make(chan struct{}),
	}
}

// Run maintains the link for as long as ctx is alive: dial, run the session
// until it fails, back off, redial. Backoff is bounded 250ms -> 4s, per the
// suggestion in spec.md §4.6.
func (d *Dialer) Run(ctx context.Context) {
	b := &backoff.Backoff{
		Min:    250 * time.Millisecond,
		Max:    4 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for ctx.Err() == nil {
		conn, err := net.DialTimeout("tcp", d.addr, d.dialTimeout)
		if err != nil {
			delay := b.Duration()
			d.logger.Warn("dial offshore failed", "addr", d.addr, "error", err, "retry_in", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}
		b.Reset()

		sess := NewSession(protocol.New(conn, protocol.WithMaxFramePayloadBytes(d.maxFramePayload)), d.logger)
		d.swap(sess)
		d.logger.Info("link established", "addr", d.addr)

		runErr := sess.Run(ctx)

		d.swap(nil)
		if ctx.Err() != nil {
			return
		}
		d.logger.Warn("link lost, reconnecting", "addr", d.addr, "error", runErr)
	}
}

func (d *Dialer) swap(s *Session) {
	d.mu.Lock()
	d.current = s
	ch := d.changed
	d.changed = make(chan struct{})
	d.mu.Unlock()
	close(ch)
}

// Session blocks until a live link Session is available, or ctx is done.
// The ship scheduler's worker calls this once per dequeued work item
// (spec.md §4.4/§4.6: "the worker blocks waiting for the link to be ready").
func (d *Dialer) Session(ctx context.Context) (*Session, error) {
	for {
		d.mu.Lock()
		cur := d.current
		ch := d.changed
		d.mu.Unlock()

		if cur != nil {
			return cur, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
