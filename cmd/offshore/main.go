// Command offshore dials the real Internet on behalf of a single ship
// process, serving whatever streams arrive on the one link connection it
// accepts at a time (spec.md §2, §6).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ship-proxy/internal/logging"
	"ship-proxy/internal/offshoresvc"
)

var (
	listen          = flag.String("listen", ":9090", "address the offshore process listens for the ship's link on")
	logLevel        = flag.String("log-level", "info", "debug, info, warn, or error")
	logFormat       = flag.String("log-format", "text", "text or json")
	maxFramePayload = flag.Int("max-frame-payload", 64<<10, "maximum frame payload size in bytes")
	dialTimeout     = flag.Duration("dial-timeout", 10*time.Second, "timeout for dialing the origin server")
	originTimeout   = flag.Duration("origin-timeout", 30*time.Second, "overall time limit on each plain HTTP request to the origin (CONNECT tunnels are not limited)")
)

func main() {
	flag.Parse()

	logger := logging.New(*logLevel, *logFormat).With("role", "offshore")

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		logger.Error("listen failed", "addr", *listen, "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: *dialTimeout}).DialContext
	client := &http.Client{
		Transport: transport,
		Timeout:   *originTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	disp := offshoresvc.New(client, *maxFramePayload, *dialTimeout, logger)
	logger.Info("offshore listening", "addr", *listen)

	if err := disp.Serve(ctx, ln); err != nil {
		logger.Error("serve failed", "error", err)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, "offshore: shut down cleanly")
}
