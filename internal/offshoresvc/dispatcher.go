// Package offshoresvc implements the offshore side of the link: it accepts
// the ship's single inbound connection, reconstructs each stream's request
// from frames, and dispatches it to the real Internet (spec.md §4, §6).
package offshoresvc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"ship-proxy/internal/httpmsg"
	"ship-proxy/internal/link"
	"ship-proxy/internal/protocol"
)

// maxBufferedRequestBody caps how much of a request body the offshore
// dispatcher will read into memory up front to set a precise Content-Length
// on the outbound request, mirroring original_source/shipproxy/server.py
// (supplemented feature 4; spec.md's "no persisted state" non-goal still
// holds — this is an in-memory bound, never spooled to disk).
const maxBufferedRequestBody = 10 << 20

// Dispatcher accepts exactly one link connection at a time from the ship and
// serves every stream that arrives on it by talking to the real origin
// servers (spec.md §4.6: the offshore is a passive listener; only one ship
// link is meaningful at a time).
type Dispatcher struct {
	client          *http.Client
	maxFramePayload int
	dialTimeout     time.Duration
	logger          *slog.Logger
}

// New builds a Dispatcher. client, if nil, gets a default transport tuned
// like a normal outbound browser client (no cookie jar, no redirect
// following — redirects are relayed to the ship as ordinary responses).
func New(client *http.Client, maxFramePayload int, dialTimeout time.Duration, logger *slog.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{client: client, maxFramePayload: maxFramePayload, dialTimeout: dialTimeout, logger: logger}
}

// Serve accepts connections on ln one at a time until ctx is cancelled. Only
// one link is served concurrently: a second connection is held in Accept's
// backlog until the first one's session ends, matching the single-link
// model in spec.md §3.
func (d *Dispatcher) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		d.serveLink(ctx, conn)
	}
}

// serveLink runs one ship link to completion: accept streams one at a time,
// each handled on its own goroutine (the session itself enforces at most one
// active stream, so these goroutines never truly run concurrently against
// the wire, only against their respective origin round-trips).
func (d *Dispatcher) serveLink(ctx context.Context, conn net.Conn) {
	sess := link.NewSession(protocol.New(conn, protocol.WithMaxFramePayloadBytes(d.maxFramePayload)), d.logger)
	runDone := make(chan error, 1)
	go func() { runDone <- sess.Run(ctx) }()

	for {
		st, err := sess.AcceptStream(ctx)
		if err != nil {
			<-runDone
			return
		}
		go d.handleStream(ctx, st)
	}
}

func (d *Dispatcher) handleStream(ctx context.Context, st *link.Stream) {
	defer st.Close()

	if st.Kind() == protocol.StreamKindTunnel {
		d.handleTunnel(ctx, st)
		return
	}
	d.handleRequest(ctx, st)
}

func (d *Dispatcher) handleRequest(ctx context.Context, st *link.Stream) {
	st.MarkRequestSent()

	fr := link.NewFrameReader(ctx, st, protocol.KindDataC2S, protocol.KindEOFC2S)
	br := bufio.NewReader(fr)

	head, err := httpmsg.ReadRequestHead(br)
	if err != nil {
		d.sendError(ctx, st, http.StatusBadGateway, "malformed request: "+err.Error())
		return
	}

	framing, length, err := httpmsg.RequestBodyFraming(head.Header)
	if err != nil {
		d.sendError(ctx, st, http.StatusBadGateway, err.Error())
		return
	}

	var body io.Reader
	contentLength := int64(-1)
	switch framing {
	case httpmsg.BodyNone:
		body = http.NoBody
		contentLength = 0
	case httpmsg.BodyContentLength:
		// Mirrors original_source/shipproxy/server.py: buffer the whole body
		// up front only when it comfortably fits in memory, so the outbound
		// request carries a precise Content-Length; larger bodies stream
		// frame-by-frame with an unknown length instead (supplemented
		// feature 4).
		if length <= maxBufferedRequestBody {
			buf := make([]byte, length)
			if _, err := io.ReadFull(br, buf); err != nil {
				d.sendError(ctx, st, http.StatusBadGateway, "short request body: "+err.Error())
				return
			}
			body = bytes.NewReader(buf)
			contentLength = length
		} else {
			body = io.LimitReader(br, length)
		}
	case httpmsg.BodyChunked:
		// Dechunk before forwarding: the link carries raw bytes framed by
		// EOF_C2S, never chunked transfer-coding (DESIGN.md open question 3).
		body = httputil.NewChunkedReader(br)
	default:
		body = br
	}

	url := targetURL(head.Target, head.Header)
	req, err := http.NewRequestWithContext(ctx, head.Method, url, body)
	if err != nil {
		d.sendError(ctx, st, http.StatusBadGateway, err.Error())
		return
	}
	req.ContentLength = contentLength
	applyHeaders(req, httpmsg.StripHopByHop(head.Header))
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", defaultUserAgent)
	}
	if req.Header.Get("Accept-Language") == "" {
		req.Header.Set("Accept-Language", defaultAcceptLanguage)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.sendError(ctx, st, http.StatusBadGateway, err.Error())
		return
	}
	defer resp.Body.Close()

	st.MarkResponding()
	if err := d.relayResponse(ctx, st, head.Method, resp); err != nil {
		d.logger.Debug("relay response failed", "stream_id", st.ID(), "error", err)
		return
	}
	_ = st.Send(ctx, protocol.KindEOFS2C, nil)
}

func (d *Dispatcher) relayResponse(ctx context.Context, st *link.Stream, method string, resp *http.Response) error {
	respHeader := toHeader(resp.Header)
	respHeader = httpmsg.StripHopByHop(respHeader)

	var buf strings.Builder
	httpmsg.WriteResponseHead(&buf, resp.StatusCode, reasonPhrase(resp.Status), respHeader)
	if err := st.Send(ctx, protocol.KindDataS2C, []byte(buf.String())); err != nil {
		return err
	}

	framing, _, _ := httpmsg.ResponseBodyFraming(method, resp.StatusCode, respHeader)
	if framing == httpmsg.BodyNone {
		return nil
	}

	chunk := make([]byte, st.SessionMaxFramePayload())
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			if sendErr := st.Send(ctx, protocol.KindDataS2C, chunk[:n]); sendErr != nil {
				return sendErr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			// Headers are already on the wire, so the ship can't be handed
			// a fresh status: emit ERROR to truncate the stream (spec.md
			// §4.3) rather than leaving the ship's worker blocked in
			// FrameReader.Read waiting for a DATA_S2C/EOF_S2C that will
			// never arrive.
			d.sendError(ctx, st, http.StatusBadGateway, "origin read failed: "+err.Error())
			return err
		}
	}
}

func (d *Dispatcher) handleTunnel(ctx context.Context, st *link.Stream) {
	st.MarkRequestSent()

	targetFr, err := st.Recv(ctx)
	if err != nil {
		return
	}
	target := string(targetFr.Payload)
	d.logger.Debug("connecting to origin", "stream_id", st.ID(), "target", target)

	dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
	defer cancel()
	origin, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", target)
	if err != nil {
		d.logger.Debug("origin dial failed", "stream_id", st.ID(), "target", target, "error", err)
		d.sendError(ctx, st, http.StatusBadGateway, "dial failed: "+err.Error())
		return
	}
	defer origin.Close()
	d.logger.Debug("connected to origin", "stream_id", st.ID(), "target", target)

	if err := st.Send(ctx, protocol.KindDataS2C, nil); err != nil {
		return
	}
	st.MarkTunneling()

	d.pumpTunnel(ctx, st, origin)
}

// pumpTunnel mirrors shipsvc's tunnel pump from the offshore side: the
// origin connection plays the role the user-agent connection plays on ship.
func (d *Dispatcher) pumpTunnel(ctx context.Context, st *link.Stream, origin net.Conn) {
	outDone := make(chan struct{})
	go func() {
		defer close(outDone)
		buf := make([]byte, 32*1024)
		for {
			n, err := origin.Read(buf)
			if n > 0 {
				if sendErr := st.Send(ctx, protocol.KindDataS2C, append([]byte(nil), buf[:n]...)); sendErr != nil {
					return
				}
			}
			if err != nil {
				_ = st.Send(ctx, protocol.KindEOFS2C, nil)
				return
			}
		}
	}()

	fr := link.NewFrameReader(ctx, st, protocol.KindDataC2S, protocol.KindEOFC2S)
	buf := make([]byte, 32*1024)
	for {
		n, err := fr.Read(buf)
		if n > 0 {
			if _, werr := origin.Write(buf[:n]); werr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}

	_ = origin.Close()
	<-outDone
}

func (d *Dispatcher) sendError(ctx context.Context, st *link.Stream, status int, reason string) {
	payload, _ := json.Marshal(link.ErrorPayload{Status: status, Reason: reason})
	_ = st.Send(ctx, protocol.KindError, payload)
}

const defaultUserAgent = "Mozilla/5.0 (compatible; ship-proxy)"
const defaultAcceptLanguage = "en-US,en;q=0.9"

func targetURL(target string, h httpmsg.Header) string {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}
	host, _ := h.Get("Host")
	return "http://" + host + target
}

func applyHeaders(req *http.Request, h httpmsg.Header) {
	for _, f := range h {
		if strings.EqualFold(f.Name, "Host") {
			req.Host = f.Value
			continue
		}
		req.Header.Add(f.Name, f.Value)
	}
}

func reasonPhrase(status string) string {
	if _, rest, ok := strings.Cut(status, " "); ok {
		return rest
	}
	return status
}

func toHeader(h http.Header) httpmsg.Header {
	var out httpmsg.Header
	for name, values := range h {
		for _, v := range values {
			out = append(out, httpmsg.Field{Name: name, Value: v})
		}
	}
	return out
}
