package link

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"ship-proxy/internal/protocol"
)

// Session multiplexes a single TCP link: it owns the protocol.Conn, runs the
// frame-reader loop, and routes incoming frames to whichever Stream is
// currently active (spec.md §3, §4.3, §5). At most one Stream is
// non-terminal at a time; frames whose stream id doesn't match the active
// stream are discarded, per the late-frame invariant in spec.md §3.
type Session struct {
	conn   *protocol.Conn
	logger *slog.Logger

	mu     sync.Mutex
	active *Stream

	opened chan *Stream // offshore side: newly OPENed streams, one at a time

	nextID atomic.Uint64 // ship side only

	done     chan struct{}
	closeErr error
	closeMu  sync.Mutex
}

// NewSession wraps conn in a Session. Call Run in its own goroutine before
// using BeginStream/AcceptStream.
func NewSession(conn *protocol.Conn, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		conn:   conn,
		logger: logger,
		opened: make(chan *Stream),
		done:   make(chan struct{}),
	}
}

// Run drives the reader loop until the link fails or ctx is cancelled. It
// returns the terminal error (io.EOF-like transport errors included).
func (s *Session) Run(ctx context.Context) error {
	for {
		fr, err := s.conn.ReadFrame(ctx)
		if err != nil {
			s.fail(err)
			return err
		}
		s.route(fr)
	}
}

func (s *Session) route(fr protocol.Frame) {
	if fr.Kind == protocol.KindOpen {
		kind := parseOpenPayload(fr.Payload)
		st := newStream(s, fr.StreamID, kind)

		s.mu.Lock()
		s.active = st
		s.mu.Unlock()

		select {
		case s.opened <- st:
		case <-s.done:
		}
		return
	}

	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	if active == nil || active.id != fr.StreamID {
		s.logger.Debug("dropping frame for inactive/stale stream",
			"stream_id", fr.StreamID, "kind", fr.Kind.String())
		return
	}

	select {
	case active.inbox <- fr:
	case <-s.done:
	}
}

// BeginStream allocates the next stream id, sends the OPEN frame, and marks
// the new stream active. Ship-side only: only the ship originates streams
// (spec.md §4.4 "A stream is created by the ship when it dequeues work").
func (s *Session) BeginStream(ctx context.Context, kind protocol.StreamKind) (*Stream, error) {
	id := s.nextID.Add(1)
	st := newStream(s, id, kind)

	s.mu.Lock()
	s.active = st
	s.mu.Unlock()

	payload, err := json.Marshal(openPayload{Kind: kind})
	if err != nil {
		return nil, fmt.Errorf("link: marshal OPEN payload: %w", err)
	}
	if err := s.conn.Send(ctx, protocol.Frame{StreamID: id, Kind: protocol.KindOpen, Payload: payload}); err != nil {
		s.mu.Lock()
		if s.active == st {
			s.active = nil
		}
		s.mu.Unlock()
		return nil, err
	}
	return st, nil
}

// AcceptStream blocks until the ship opens the next stream. Offshore-side
// only.
func (s *Session) AcceptStream(ctx context.Context) (*Stream, error) {
	select {
	case st := <-s.opened:
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, s.Err()
	}
}

// retire clears the active stream if it matches id, then marks it retired
// outside s.mu. It never closes the stream's inbox: route's frame delivery
// takes s.mu only to read s.active, then sends to inbox unlocked, so a
// close here could race that send and panic. markRetired instead signals
// Recv through a channel that is only ever closed, never raced against a
// send on the same channel.
func (s *Session) retire(id uint64) {
	s.mu.Lock()
	var st *Stream
	if s.active != nil && s.active.id == id {
		st = s.active
		s.active = nil
	}
	s.mu.Unlock()
	if st != nil {
		st.markRetired()
	}
}

// Done returns a channel closed when the link fails.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the reason the link failed, valid after Done() is closed.
func (s *Session) Err() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closeErr
}

func (s *Session) fail(err error) {
	s.closeMu.Lock()
	alreadyClosed := s.closeErr != nil
	if !alreadyClosed {
		s.closeErr = err
	}
	s.closeMu.Unlock()
	if alreadyClosed {
		return
	}
	close(s.done)
	_ = s.conn.Close()
}

// Close tears down the session's transport, as if the link had failed.
func (s *Session) Close() error {
	s.fail(errSessionClosed)
	return nil
}

var errSessionClosed = fmt.Errorf("link: session closed")

type openPayload struct {
	Kind protocol.StreamKind `json:"kind"`
}

func parseOpenPayload(payload []byte) protocol.StreamKind {
	var p openPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return protocol.StreamKindRequest
	}
	if p.Kind == protocol.StreamKindTunnel {
		return protocol.StreamKindTunnel
	}
	return protocol.StreamKindRequest
}
