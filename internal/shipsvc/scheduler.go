// Package shipsvc implements the ship-side local HTTP proxy: it accepts
// user-agent connections, parses the request head, and serialises each one
// as a stream on the single link session (spec.md §4.4).
package shipsvc

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ship-proxy/internal/httpmsg"
	"ship-proxy/internal/link"
)

// queueDepth bounds the pending-work FIFO, matching the original
// implementation's queue.Queue(maxsize=128) in
// original_source/shipproxy/client.py.
const queueDepth = 128

// pendingItem is a parsed local request awaiting its turn on the link
// (spec.md §3 "Pending work item").
type pendingItem struct {
	conn net.Conn
	br   *bufio.Reader
	head httpmsg.RequestHead
}

// Scheduler accepts user-agent connections, enqueues parsed requests FIFO,
// and runs a single worker that adopts each one as the next link stream in
// order (spec.md §4.4, §5, §9).
type Scheduler struct {
	dialer      *link.Dialer
	logger      *slog.Logger
	idleTimeout time.Duration

	queue chan *pendingItem
}

// New builds a Scheduler backed by dialer. idleTimeout, if positive, bounds
// how long a stream may sit idle before the ship gives up on it (spec.md §5).
func New(dialer *link.Dialer, logger *slog.Logger, idleTimeout time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		dialer:      dialer,
		logger:      logger,
		idleTimeout: idleTimeout,
		queue:       make(chan *pendingItem, queueDepth),
	}
}

// Serve accepts connections on ln until ctx is cancelled or Accept fails,
// and runs the single FIFO worker until the queue drains. It returns once
// both have stopped (graceful shutdown per spec.md §5).
func (s *Scheduler) Serve(ctx context.Context, ln net.Listener) error {
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		s.runWorker(ctx)
	}()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var acceptErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				acceptErr = nil
			} else {
				acceptErr = err
			}
			break
		}
		go s.acceptConn(ctx, conn)
	}

	close(s.queue)
	<-workerDone
	return acceptErr
}

// acceptConn is a producer: parse the request head, build a pending item,
// enqueue it. This runs once per accepted user-agent socket, concurrently
// with other producers and the single consumer (spec.md §5).
func (s *Scheduler) acceptConn(ctx context.Context, conn net.Conn) {
	br := bufio.NewReader(conn)
	head, err := httpmsg.ReadRequestHead(br)
	if err != nil {
		writeStatus(conn, http.StatusBadRequest, "Bad Request", err.Error())
		_ = conn.Close()
		return
	}

	// Open question in spec.md §9: answer Expect: 100-continue eagerly and
	// strip the header before forwarding.
	if _, ok := head.Header.Get("Expect"); ok {
		_, _ = conn.Write([]byte("HTTP/1.1 100 Continue\r\n\r\n"))
	}

	item := &pendingItem{conn: conn, br: br, head: head}
	select {
	case s.queue <- item:
	case <-ctx.Done():
		_ = conn.Close()
	}
}

// runWorker is the single logical worker: dequeue strictly FIFO, run one
// stream to a terminal state, only then dequeue the next (spec.md §4.4
// ordering guarantee).
func (s *Scheduler) runWorker(ctx context.Context) {
	for item := range s.queue {
		s.process(ctx, item)
	}
}

func (s *Scheduler) process(ctx context.Context, item *pendingItem) {
	defer item.conn.Close()

	sess, err := s.dialer.Session(ctx)
	if err != nil {
		return
	}

	// streamCtx is cancelled if idleTimeout elapses with no call to touch;
	// touch is threaded down into every place the stream reads or writes,
	// so a busy CONNECT tunnel resets its own deadline instead of being cut
	// off at a fixed point regardless of traffic (spec.md §5).
	streamCtx, touch, stop := link.NewIdleTimer(ctx, s.idleTimeout)
	defer stop()

	if strings.EqualFold(item.head.Method, "CONNECT") {
		s.handleConnect(streamCtx, sess, item, touch)
		return
	}
	s.handleRequest(streamCtx, sess, item, touch)
}

func writeStatus(conn net.Conn, code int, reason, body string) {
	head := httpmsg.Header{
		{Name: "Content-Type", Value: "text/plain"},
		{Name: "Content-Length", Value: strconv.Itoa(len(body))},
		{Name: "Connection", Value: "close"},
	}
	var out strings.Builder
	httpmsg.WriteResponseHead(&out, code, reason, head)
	out.WriteString(body)
	_, _ = conn.Write([]byte(out.String()))
}
