package protocol

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ca := New(a)
	cb := New(b)

	done := make(chan error, 1)
	go func() {
		done <- ca.Send(context.Background(), Frame{StreamID: 1, Kind: KindOpen, Payload: []byte(`{"kind":"REQUEST"}`)})
	}()

	fr, err := cb.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if fr.Kind != KindOpen || fr.StreamID != 1 {
		t.Fatalf("unexpected frame: %#v", fr)
	}
	if string(fr.Payload) != `{"kind":"REQUEST"}` {
		t.Fatalf("payload mismatch: %q", fr.Payload)
	}
}

func TestFrameZeroLengthPayload(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ca := New(a)
	cb := New(b)

	go func() {
		_ = ca.Send(context.Background(), Frame{StreamID: 7, Kind: KindDataS2C})
	}()

	fr, err := cb.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if fr.Kind != KindDataS2C || fr.StreamID != 7 || len(fr.Payload) != 0 {
		t.Fatalf("unexpected frame: %#v", fr)
	}
}

func TestOversizePayloadRejectedLocally(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ca := New(a, WithMaxFramePayloadBytes(8))

	err := ca.Send(context.Background(), Frame{StreamID: 1, Kind: KindDataC2S, Payload: bytes.Repeat([]byte{1}, 9)})
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestOversizePayloadRejectedOnWire(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	cb := New(b, WithMaxFramePayloadBytes(8))

	go func() {
		// Bypass Conn.Send's local check to simulate a misbehaving peer.
		_ = encodeFrameTo(a, KindDataC2S, 1, bytes.Repeat([]byte{1}, 9))
	}()

	_, err := cb.ReadFrame(context.Background())
	if !errors.Is(err, ErrFrameTooLarge) && !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected protocol/frame-too-large error, got %v", err)
	}
}

func TestUnknownKindIsProtocolError(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	cb := New(b)

	go func() {
		_ = encodeFrameTo(a, Kind(0x99), 0, nil)
	}()

	_, err := cb.ReadFrame(context.Background())
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestBadMagicIsProtocolError(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	cb := New(b)

	go func() {
		_, _ = a.Write([]byte{0x00, 0x00, version, byte(KindOpen), 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0})
	}()

	_, err := cb.ReadFrame(context.Background())
	if !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestContextCancelUnblocksRead(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	cb := New(b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, err := cb.ReadFrame(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("ReadFrame took too long after cancel")
	}
}

func TestMultipleFramesNoInterleaving(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ca := New(a)
	cb := New(b)

	const n = 50
	go func() {
		for i := 0; i < n; i++ {
			payload := bytes.Repeat([]byte{byte(i)}, 100)
			if err := ca.Send(context.Background(), Frame{StreamID: uint64(i), Kind: KindDataC2S, Payload: payload}); err != nil {
				return
			}
		}
	}()

	for i := 0; i < n; i++ {
		fr, err := cb.ReadFrame(context.Background())
		if err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		if fr.StreamID != uint64(i) {
			t.Fatalf("frame %d: stream id got %d want %d", i, fr.StreamID, i)
		}
		want := bytes.Repeat([]byte{byte(i)}, 100)
		if !bytes.Equal(fr.Payload, want) {
			t.Fatalf("frame %d: payload mismatch", i)
		}
	}
}
