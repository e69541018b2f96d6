package shipsvc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http/httputil"
	"strings"

	"ship-proxy/internal/httpmsg"
	"ship-proxy/internal/link"
	"ship-proxy/internal/protocol"
)

// handleRequest serialises one plain (non-CONNECT) HTTP request as a REQUEST
// stream and relays the response back to the user agent (spec.md §4.1,
// §4.4). touch is called on every frame the stream sends or receives, to
// reset the caller's idle timeout.
func (s *Scheduler) handleRequest(ctx context.Context, sess *link.Session, item *pendingItem, touch func()) {
	st, err := sess.BeginStream(ctx, protocol.StreamKindRequest)
	if err != nil {
		writeStatus(item.conn, 502, "Bad Gateway", "link unavailable: "+err.Error())
		return
	}
	defer st.Close()

	if err := s.sendRequest(ctx, st, item, touch); err != nil {
		s.logger.Warn("send request failed", "stream_id", st.ID(), "error", err)
		writeStatus(item.conn, 502, "Bad Gateway", err.Error())
		return
	}

	if err := s.relayResponse(ctx, st, item, touch); err != nil {
		s.logger.Debug("relay response ended", "stream_id", st.ID(), "error", err)
	}
}

func (s *Scheduler) sendRequest(ctx context.Context, st *link.Stream, item *pendingItem, touch func()) error {
	st.MarkRequestSent()

	hdr := httpmsg.StripExpect(httpmsg.StripHopByHop(item.head.Header))
	hdr = httpmsg.EnsureHost(hdr, hostFromTarget(item.head.Target))

	var buf strings.Builder
	httpmsg.WriteRequestHead(&buf, item.head.Method, item.head.Target, "HTTP/1.1", hdr)
	if err := st.Send(ctx, protocol.KindDataC2S, []byte(buf.String())); err != nil {
		return err
	}
	touch()

	framing, length, err := httpmsg.RequestBodyFraming(item.head.Header)
	if err != nil {
		return err
	}
	if err := relayBodyOut(ctx, st, item.br, framing, length, touch); err != nil {
		return err
	}
	return st.Send(ctx, protocol.KindEOFC2S, nil)
}

// relayBodyOut reads the user-agent's request body per framing and forwards
// it as DATA_C2S frames, chunked across the session's max frame size.
func relayBodyOut(ctx context.Context, st *link.Stream, br *bufio.Reader, framing httpmsg.BodyFraming, length int64, touch func()) error {
	switch framing {
	case httpmsg.BodyNone:
		return nil
	case httpmsg.BodyContentLength:
		return relayReaderChunks(ctx, st, io.LimitReader(br, length), touch)
	case httpmsg.BodyChunked:
		return relayReaderChunks(ctx, st, httputil.NewChunkedReader(br), touch)
	default:
		return nil
	}
}

// relayReaderChunks drains r, forwarding it as DATA_C2S frames no larger
// than the session's max frame payload.
func relayReaderChunks(ctx context.Context, st *link.Stream, r io.Reader, touch func()) error {
	buf := make([]byte, st.SessionMaxFramePayload())
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if sendErr := st.Send(ctx, protocol.KindDataC2S, buf[:n]); sendErr != nil {
				return sendErr
			}
			touch()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// relayResponse reads the response head and body off the stream's DATA_S2C
// frames and writes them to the user-agent connection verbatim.
func (s *Scheduler) relayResponse(ctx context.Context, st *link.Stream, item *pendingItem, touch func()) error {
	fr := link.NewFrameReader(ctx, st, protocol.KindDataS2C, protocol.KindEOFS2C)
	br := bufio.NewReader(touchingReader{fr, touch})

	head, err := httpmsg.ReadResponseHead(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var ue *link.UpstreamError
		if errors.As(err, &ue) {
			writeStatus(item.conn, ue.Status, ue.Reason, ue.Reason)
			return nil
		}
		writeStatus(item.conn, 502, "Bad Gateway", err.Error())
		return err
	}
	st.MarkResponding()

	var out strings.Builder
	httpmsg.WriteResponseHead(&out, head.StatusCode, head.Reason, head.Header)
	if _, err := item.conn.Write([]byte(out.String())); err != nil {
		return err
	}

	framing, length, err := httpmsg.ResponseBodyFraming(item.head.Method, head.StatusCode, head.Header)
	if err != nil {
		return err
	}
	switch framing {
	case httpmsg.BodyNone:
		return nil
	case httpmsg.BodyContentLength:
		_, err := io.CopyN(item.conn, br, length)
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	default:
		_, err := io.Copy(item.conn, br)
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
}

// handleConnect opens a TUNNEL stream, waits for offshore's tunnel-ready
// signal, answers the user agent with "200 Connection Established", then
// pumps bytes in both directions until either side closes (spec.md §4.5).
func (s *Scheduler) handleConnect(ctx context.Context, sess *link.Session, item *pendingItem, touch func()) {
	st, err := sess.BeginStream(ctx, protocol.StreamKindTunnel)
	if err != nil {
		writeStatus(item.conn, 502, "Bad Gateway", "link unavailable: "+err.Error())
		return
	}
	defer st.Close()

	target := item.head.Target
	if !strings.Contains(target, ":") {
		target += ":443"
	}
	s.logger.Debug("CONNECT to target", "stream_id", st.ID(), "target", target)

	st.MarkRequestSent()
	if err := st.Send(ctx, protocol.KindDataC2S, []byte(target)); err != nil {
		writeStatus(item.conn, 502, "Bad Gateway", err.Error())
		return
	}
	touch()

	// Tunnel-ready signal: a zero-length DATA_S2C frame (DESIGN.md open
	// question 1). Any other frame before it is a dial failure.
	ready, err := st.Recv(ctx)
	if err != nil {
		writeStatus(item.conn, 502, "Bad Gateway", err.Error())
		return
	}
	switch ready.Kind {
	case protocol.KindDataS2C:
		if len(ready.Payload) != 0 {
			writeStatus(item.conn, 502, "Bad Gateway", "unexpected tunnel payload before ready")
			return
		}
	case protocol.KindError:
		var ep link.ErrorPayload
		_ = json.Unmarshal(ready.Payload, &ep)
		writeStatus(item.conn, statusOr(ep.Status, 502), ep.Reason, ep.Reason)
		return
	default:
		writeStatus(item.conn, 502, "Bad Gateway", "unexpected frame before tunnel ready")
		return
	}
	st.MarkTunneling()

	if _, err := item.conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	s.pumpTunnel(ctx, st, item.conn, touch)
}

// pumpTunnel relays raw bytes in both directions between the user-agent
// connection and the tunnel stream until one side is done. Exactly one
// goroutine (this one) ever calls st.Recv, preserving the single-consumer
// invariant on the stream's inbox. touch is called on every byte moved in
// either direction, so a tunnel carrying steady traffic never trips the
// idle timeout regardless of how long it has been open.
func (s *Scheduler) pumpTunnel(ctx context.Context, st *link.Stream, conn net.Conn, touch func()) {
	outDone := make(chan struct{})
	go func() {
		defer close(outDone)
		buf := make([]byte, 32*1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if sendErr := st.Send(ctx, protocol.KindDataC2S, append([]byte(nil), buf[:n]...)); sendErr != nil {
					return
				}
				touch()
			}
			if err != nil {
				_ = st.Send(ctx, protocol.KindEOFC2S, nil)
				return
			}
		}
	}()

	fr := link.NewFrameReader(ctx, st, protocol.KindDataS2C, protocol.KindEOFS2C)
	buf := make([]byte, 32*1024)
	for {
		n, err := fr.Read(buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				break
			}
			touch()
		}
		if err != nil {
			break
		}
	}

	_ = conn.Close()
	<-outDone
}

func hostFromTarget(target string) string {
	if idx := strings.Index(target, "://"); idx >= 0 {
		rest := target[idx+3:]
		if slash := strings.IndexByte(rest, '/'); slash >= 0 {
			return rest[:slash]
		}
		return rest
	}
	return target
}

func statusOr(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

// touchingReader wraps r and calls touch after every successful read,
// letting callers reset an idle timeout without threading touch calls
// through every io.CopyN/io.Copy call site downstream.
type touchingReader struct {
	r     io.Reader
	touch func()
}

func (t touchingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.touch()
	}
	return n, err
}
