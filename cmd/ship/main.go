// Command ship runs the local HTTP/HTTPS forwarding proxy: it presents an
// explicit proxy to a user agent and relays every request over a single
// link connection to an offshore process (spec.md §2, §6).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ship-proxy/internal/link"
	"ship-proxy/internal/logging"
	"ship-proxy/internal/shipsvc"
)

var (
	listen          = flag.String("listen", ":8080", "address the proxy listens for user-agent connections on")
	server          = flag.String("server", "127.0.0.1:9090", "offshore process address")
	logLevel        = flag.String("log-level", "info", "debug, info, warn, or error")
	logFormat       = flag.String("log-format", "text", "text or json")
	maxFramePayload = flag.Int("max-frame-payload", 64<<10, "maximum frame payload size in bytes")
	idleTimeout     = flag.Duration("idle-timeout", 0, "per-stream idle timeout (0 disables)")
	dialTimeout     = flag.Duration("dial-timeout", 5*time.Second, "timeout for dialing the offshore process")
)

func main() {
	flag.Parse()

	logger := logging.New(*logLevel, *logFormat).With("role", "ship")

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		logger.Error("listen failed", "addr", *listen, "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dialer := link.NewDialer(*server, *maxFramePayload, *dialTimeout, logger)
	go dialer.Run(ctx)

	sched := shipsvc.New(dialer, logger, *idleTimeout)
	logger.Info("ship listening", "addr", *listen, "server", *server)

	if err := sched.Serve(ctx, ln); err != nil {
		logger.Error("serve failed", "error", err)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, "ship: shut down cleanly")
}
