package offshoresvc

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ship-proxy/internal/link"
	"ship-proxy/internal/protocol"
)

func TestHandleRequestRelaysOriginResponse(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/hello" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("X-Test", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("world"))
	}))
	defer origin.Close()

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	shipConn := protocol.New(a)
	shipSess := link.NewSession(shipConn, nil)
	go shipSess.Run(context.Background())

	disp := New(nil, protocol.DefaultMaxFramePayload, time.Second, nil)
	offshoreConn := protocol.New(b)
	offshoreSess := link.NewSession(offshoreConn, nil)
	go offshoreSess.Run(context.Background())
	go func() {
		st, err := offshoreSess.AcceptStream(context.Background())
		if err != nil {
			return
		}
		disp.handleRequest(context.Background(), st)
	}()

	ctx := context.Background()
	st, err := shipSess.BeginStream(ctx, protocol.StreamKindRequest)
	if err != nil {
		t.Fatalf("BeginStream: %v", err)
	}

	target := strings.TrimPrefix(origin.URL, "http://")
	reqHead := "GET /hello HTTP/1.1\r\nHost: " + target + "\r\n\r\n"
	if err := st.Send(ctx, protocol.KindDataC2S, []byte(reqHead)); err != nil {
		t.Fatalf("send head: %v", err)
	}
	if err := st.Send(ctx, protocol.KindEOFC2S, nil); err != nil {
		t.Fatalf("send eof: %v", err)
	}

	fr := link.NewFrameReader(ctx, st, protocol.KindDataS2C, protocol.KindEOFS2C)
	out, err := io.ReadAll(fr)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if !strings.Contains(string(out), "200") || !strings.Contains(string(out), "world") {
		t.Fatalf("unexpected response: %q", out)
	}
}

func TestHandleRequestBadGatewayOnDialFailure(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	shipSess := link.NewSession(protocol.New(a), nil)
	go shipSess.Run(context.Background())

	disp := New(nil, protocol.DefaultMaxFramePayload, 50*time.Millisecond, nil)
	offshoreSess := link.NewSession(protocol.New(b), nil)
	go offshoreSess.Run(context.Background())
	go func() {
		st, err := offshoreSess.AcceptStream(context.Background())
		if err != nil {
			return
		}
		disp.handleRequest(context.Background(), st)
	}()

	ctx := context.Background()
	st, err := shipSess.BeginStream(ctx, protocol.StreamKindRequest)
	if err != nil {
		t.Fatalf("BeginStream: %v", err)
	}

	reqHead := "GET http://127.0.0.1:1/x HTTP/1.1\r\nHost: 127.0.0.1:1\r\n\r\n"
	_ = st.Send(ctx, protocol.KindDataC2S, []byte(reqHead))
	_ = st.Send(ctx, protocol.KindEOFC2S, nil)

	fr, err := st.Recv(ctxTimeout(t))
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if fr.Kind != protocol.KindError {
		t.Fatalf("expected ERROR frame, got %s", fr.Kind)
	}
}

func ctxTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}
