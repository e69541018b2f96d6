package shipsvc

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"ship-proxy/internal/httpmsg"
	"ship-proxy/internal/link"
	"ship-proxy/internal/protocol"
)

// fakeOffshore answers exactly one REQUEST stream with a canned response,
// playing the part of the real offshore dispatcher for these tests.
func fakeOffshore(t *testing.T, sess *link.Session, body string) {
	t.Helper()
	go func() {
		st, err := sess.AcceptStream(context.Background())
		if err != nil {
			return
		}
		defer st.Close()

		fr := link.NewFrameReader(context.Background(), st, protocol.KindDataC2S, protocol.KindEOFC2S)
		_, _ = bufio.NewReader(fr).Discard(int(^uint(0) >> 1))

		resp := "HTTP/1.1 200 OK\r\nContent-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body
		_ = st.Send(context.Background(), protocol.KindDataS2C, []byte(resp))
		_ = st.Send(context.Background(), protocol.KindEOFS2C, nil)
	}()
}

func TestHandleRequestEndToEnd(t *testing.T) {
	linkA, linkB := net.Pipe()
	defer linkA.Close()
	defer linkB.Close()

	shipSess := link.NewSession(protocol.New(linkA), nil)
	go shipSess.Run(context.Background())

	offshoreSess := link.NewSession(protocol.New(linkB), nil)
	go offshoreSess.Run(context.Background())
	fakeOffshore(t, offshoreSess, "hello world")

	sched := &Scheduler{logger: slog.Default()}

	clientConn, proxyConn := net.Pipe()
	defer clientConn.Close()
	defer proxyConn.Close()

	go func() {
		_, _ = proxyConn.Write([]byte("GET /hello HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	}()

	br := bufio.NewReader(clientConn)
	head, err := httpmsg.ReadRequestHead(br)
	if err != nil {
		t.Fatalf("read head: %v", err)
	}

	item := &pendingItem{conn: clientConn, br: br, head: head}

	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.handleRequest(context.Background(), shipSess, item, func() {})
	}()

	// The head and the body reach the user agent as separate writes, so read
	// the head first and then exactly Content-Length bytes of body.
	proxyConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	rbr := bufio.NewReader(proxyConn)
	rh, err := httpmsg.ReadResponseHead(rbr)
	if err != nil {
		t.Fatalf("read response head: %v", err)
	}
	body := make([]byte, len("hello world"))
	if _, err := io.ReadFull(rbr, body); err != nil {
		t.Fatalf("read response body: %v", err)
	}
	if rh.StatusCode != 200 || string(body) != "hello world" {
		t.Fatalf("unexpected response: %d %q", rh.StatusCode, body)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handleRequest did not return")
	}
}
