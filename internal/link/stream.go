package link

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ship-proxy/internal/protocol"
)

// closeSendTimeout bounds how long Close waits to flush the stream's CLOSE
// frame before giving up and retiring locally anyway; the link's single
// writer must never let a dying peer block the worker from moving on to the
// next queued stream.
const closeSendTimeout = 2 * time.Second

// ErrStreamClosed is returned by Recv once a stream has reached a terminal
// state and its inbox has been drained.
var ErrStreamClosed = fmt.Errorf("link: stream closed")

// Stream is a logical bidirectional byte channel for one user-agent request,
// bound to exactly one Session and exactly one stream id (spec.md §3). At
// most one Stream is non-terminal on a Session at any time.
type Stream struct {
	session *Session
	id      uint64
	kind    protocol.StreamKind

	inbox      chan protocol.Frame
	retired    chan struct{}
	retireOnce sync.Once

	mu      sync.Mutex
	state   State
	c2sDone bool
	s2cDone bool
}

func newStream(s *Session, id uint64, kind protocol.StreamKind) *Stream {
	return &Stream{
		session: s,
		id:      id,
		kind:    kind,
		inbox:   make(chan protocol.Frame, 8),
		retired: make(chan struct{}),
		state:   StateOpen,
	}
}

// markRetired signals Recv that the session will never route another frame
// to this stream. It never closes inbox itself: route's unlocked send to
// inbox would otherwise race a close here and panic (the bug this channel
// replaces; see Session.retire).
func (st *Stream) markRetired() {
	st.retireOnce.Do(func() { close(st.retired) })
}

// ID returns the stream's identifier.
func (st *Stream) ID() uint64 { return st.id }

// Kind returns whether this is a REQUEST or TUNNEL stream.
func (st *Stream) Kind() protocol.StreamKind { return st.kind }

// State returns the stream's current state.
func (st *Stream) State() State {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}

// SessionMaxFramePayload returns the maximum payload size a single frame on
// this stream's session may carry, for callers chunking large bodies
// themselves (e.g. via io.Reader).
func (st *Stream) SessionMaxFramePayload() int {
	return st.session.conn.MaxFramePayload()
}

// Send writes a frame for this stream through the session's single,
// mutex-guarded writer (spec.md §5 ordering guarantee (c)). A successful
// EOF_C2S/EOF_S2C advances this side's half of the state machine; a
// successful CLOSE/ERROR forces the terminal state, mirroring what the
// FrameReader does on the receive side for the peer's frames.
func (st *Stream) Send(ctx context.Context, kind protocol.Kind, payload []byte) error {
	if err := st.session.conn.Send(ctx, protocol.Frame{StreamID: st.id, Kind: kind, Payload: payload}); err != nil {
		return err
	}
	switch kind {
	case protocol.KindEOFC2S:
		st.MarkEOF(DirC2S)
	case protocol.KindEOFS2C:
		st.MarkEOF(DirS2C)
	case protocol.KindClose, protocol.KindError:
		st.ForceClose()
	}
	return nil
}

// SendChunked splits data across successive frames of kind no larger than
// the session's max frame payload, as spec.md §4.1 requires for any logical
// payload larger than one frame. A nil/empty data still issues no frame;
// callers that need an explicit empty frame (e.g. the tunnel-ready signal)
// call Send directly.
func (st *Stream) SendChunked(ctx context.Context, kind protocol.Kind, data []byte) error {
	max := st.session.conn.MaxFramePayload()
	for len(data) > 0 {
		n := len(data)
		if n > max {
			n = max
		}
		if err := st.Send(ctx, kind, data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// Recv blocks for the next frame routed to this stream by the session's
// reader loop. Once the stream is retired, any frame already queued in inbox
// is still delivered before ErrStreamClosed: after retired fires, Recv checks
// inbox once more and only reports ErrStreamClosed if it is empty.
func (st *Stream) Recv(ctx context.Context) (protocol.Frame, error) {
	select {
	case fr := <-st.inbox:
		return fr, nil
	case <-st.retired:
		select {
		case fr := <-st.inbox:
			return fr, nil
		default:
			return protocol.Frame{}, ErrStreamClosed
		}
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	case <-st.session.Done():
		return protocol.Frame{}, st.session.Err()
	}
}

// MarkRequestSent transitions OPEN -> REQUEST_SENT on the first DATA_C2S
// frame (request head/body start, or CONNECT target).
func (st *Stream) MarkRequestSent() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.state == StateOpen {
		st.state = StateRequestSent
	}
}

// MarkResponding transitions REQUEST_SENT -> RESPONDING on the first
// DATA_S2C frame of a REQUEST stream.
func (st *Stream) MarkResponding() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.state == StateRequestSent {
		st.state = StateResponding
	}
}

// MarkTunneling transitions REQUEST_SENT -> TUNNELING once the offshore side
// has connected to the origin and sent the tunnel-ready signal (the
// zero-length DATA_S2C frame; see DESIGN.md open question 1).
func (st *Stream) MarkTunneling() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.state == StateRequestSent {
		st.state = StateTunneling
	}
}

// MarkEOF records that direction dir has signalled EOF, advancing to
// HALF_CLOSED (one direction done) or CLOSED (both done).
func (st *Stream) MarkEOF(dir Direction) {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch dir {
	case DirC2S:
		st.c2sDone = true
	case DirS2C:
		st.s2cDone = true
	}
	switch {
	case st.c2sDone && st.s2cDone:
		st.state = StateClosed
	case st.state != StateClosed:
		st.state = StateHalfClosed
	}
}

// ForceClose immediately transitions to CLOSED, as CLOSE/ERROR frames do
// regardless of current state (spec.md §4.3).
func (st *Stream) ForceClose() {
	st.mu.Lock()
	st.state = StateClosed
	st.mu.Unlock()
}

// Close sends a CLOSE frame for this stream and retires it from the
// session. Sending CLOSE is best-effort and bounded by closeSendTimeout: a
// dead link fails the send harmlessly, and a peer that already retired its
// own copy of this stream just drops the frame as stale (spec.md §3's
// late-frame rule). This is what makes a mid-stream teardown — the
// user-agent socket closing early, an idle timeout firing — observable on
// the far side (spec.md §4.3, §5, §7), and it is also what gives invariant 6
// (§8) its ordering: Close runs synchronously before the scheduler's single
// worker starts the next stream's OPEN.
//
// Close must be called exactly once the stream reaches a terminal state, so
// the worker can move on to the next queued item (spec.md §4.4).
func (st *Stream) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeSendTimeout)
	_ = st.Send(ctx, protocol.KindClose, nil)
	cancel()
	st.ForceClose()
	st.session.retire(st.id)
}
