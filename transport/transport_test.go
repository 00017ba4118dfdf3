package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/wyre-mesh/reticulum-go/rnserrors"
)

func TestPairSendReceive(t *testing.T) {
	a, b := NewPair("a", "b")
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	payload := []byte("hello over the mesh")
	if err := a.Send(ctx, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := b.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestPairBackpressure(t *testing.T) {
	a, b := NewPair("a", "b")
	defer a.Close()
	defer b.Close()
	ctx := context.Background()

	var lastErr error
	for i := 0; i < SendQueueDepth+1; i++ {
		lastErr = a.Send(ctx, []byte{byte(i)})
	}
	if !errors.Is(lastErr, rnserrors.ErrBackpressure) {
		t.Fatalf("expected ErrBackpressure once the queue fills, got %v", lastErr)
	}
}

func TestPairReceiveCancellation(t *testing.T) {
	a, b := NewPair("a", "b")
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Receive(ctx); !errors.Is(err, rnserrors.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestHDLCEncodeDecodeRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{0x01, 0x02, 0x03},
		{hdlcFlag},
		{hdlcEscape},
		{hdlcFlag, hdlcEscape, hdlcFlag},
		bytes.Repeat([]byte{hdlcFlag, hdlcEscape, 0x00}, 50),
	}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client := WrapTCP("client", clientConn, nil)
	server := WrapTCP("server", serverConn, nil)

	for _, p := range payloads {
		p := p
		errCh := make(chan error, 1)
		go func() { errCh <- client.Send(context.Background(), p) }()

		got, err := server.Receive(context.Background())
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if err := <-errCh; err != nil {
			t.Fatalf("Send: %v", err)
		}
		if !bytes.Equal(got, p) {
			t.Fatalf("round trip mismatch: got %x, want %x", got, p)
		}
	}
}
