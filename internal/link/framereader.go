package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"ship-proxy/internal/protocol"
)

// ErrClosedByPeer is returned by FrameReader when the stream ends via a
// CLOSE frame rather than the expected EOF_* frame.
var ErrClosedByPeer = errors.New("link: stream closed by peer")

// ErrorPayload is the JSON body of an ERROR frame (spec.md §4.3).
type ErrorPayload struct {
	Status int    `json:"status"`
	Reason string `json:"reason"`
}

// UpstreamError wraps an ERROR frame's diagnostic payload.
type UpstreamError struct {
	Status int
	Reason string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.Status, e.Reason)
}

// FrameReader adapts one direction of a Stream (DATA_C2S+EOF_C2S, or
// DATA_S2C+EOF_S2C) to an io.Reader, so the rest of the system can parse
// HTTP heads and relay bodies with ordinary bufio/io helpers regardless of
// how many frames the logical payload was split across (spec.md §4.1).
type FrameReader struct {
	stream   *Stream
	ctx      context.Context
	dataKind protocol.Kind
	eofKind  protocol.Kind
	eofDir   Direction

	buf     []byte
	done    bool
	doneErr error
}

// NewFrameReader builds a FrameReader for one direction of st.
func NewFrameReader(ctx context.Context, st *Stream, dataKind, eofKind protocol.Kind) *FrameReader {
	dir := DirS2C
	if eofKind == protocol.KindEOFC2S {
		dir = DirC2S
	}
	return &FrameReader{stream: st, ctx: ctx, dataKind: dataKind, eofKind: eofKind, eofDir: dir}
}

func (r *FrameReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.done {
			return 0, r.terminalErr()
		}
		fr, err := r.stream.Recv(r.ctx)
		if err != nil {
			r.done, r.doneErr = true, err
			return 0, err
		}
		switch fr.Kind {
		case r.dataKind:
			if len(fr.Payload) == 0 {
				continue
			}
			r.buf = fr.Payload
		case r.eofKind:
			r.done, r.doneErr = true, io.EOF
			r.stream.MarkEOF(r.eofDir)
		case protocol.KindClose:
			r.done, r.doneErr = true, ErrClosedByPeer
			r.stream.ForceClose()
		case protocol.KindError:
			var ep ErrorPayload
			_ = json.Unmarshal(fr.Payload, &ep)
			r.done, r.doneErr = true, &UpstreamError{Status: ep.Status, Reason: ep.Reason}
			r.stream.ForceClose()
		default:
			r.done, r.doneErr = true, fmt.Errorf("link: unexpected frame kind %s on stream %d", fr.Kind, r.stream.id)
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *FrameReader) terminalErr() error {
	if r.doneErr == nil {
		return io.EOF
	}
	return r.doneErr
}
