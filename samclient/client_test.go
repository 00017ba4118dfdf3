package samclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/wyre-mesh/reticulum-go/rnserrors"
)

// fakeBridge is a minimal stand-in for a SAM bridge: it answers HELLO,
// DEST GENERATE, and SESSION CREATE on one accepted connection, following
// scripted replies. It exists purely to exercise Client's wire handling
// without a real I2P router, mirroring the teacher's in-process
// net.Pipe-based link tests.
func fakeBridge(t *testing.T, handler func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestConnectHandshake(t *testing.T) {
	addr := fakeBridge(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		line, _ := r.ReadString('\n')
		if line != "HELLO VERSION MIN=3.1 MAX=3.1\n" {
			t.Errorf("unexpected HELLO line: %q", line)
		}
		fmt.Fprintf(conn, "HELLO REPLY RESULT=OK VERSION=3.1\n")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Connect(ctx, addr, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()
}

func TestConnectRejectsBadHello(t *testing.T) {
	addr := fakeBridge(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		r.ReadString('\n')
		fmt.Fprintf(conn, "HELLO REPLY RESULT=NOVERSION\n")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Connect(ctx, addr, nil)
	if !errors.Is(err, rnserrors.ErrSAM) {
		t.Fatalf("expected ErrSAM, got %v", err)
	}
}

func TestDestGenerateAndSessionCreate(t *testing.T) {
	addr := fakeBridge(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		r.ReadString('\n')
		fmt.Fprintf(conn, "HELLO REPLY RESULT=OK\n")

		line, _ := r.ReadString('\n')
		if line != "DEST GENERATE SIGNATURE_TYPE=7\n" {
			t.Errorf("unexpected DEST GENERATE line: %q", line)
		}
		fmt.Fprintf(conn, "DEST REPLY PUB=aaaa PRIV=bbbb\n")

		line, _ = r.ReadString('\n')
		if line != "SESSION CREATE STYLE=DATAGRAM ID=sess1 DESTINATION=bbbb\n" {
			t.Errorf("unexpected SESSION CREATE line: %q", line)
		}
		fmt.Fprintf(conn, "SESSION STATUS RESULT=OK\n")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Connect(ctx, addr, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	pub, priv, err := c.DestGenerate(ctx)
	if err != nil {
		t.Fatalf("DestGenerate: %v", err)
	}
	if pub != "aaaa" || priv != "bbbb" {
		t.Fatalf("got pub=%q priv=%q", pub, priv)
	}

	if err := c.SessionCreateDatagram(ctx, "sess1", priv, nil); err != nil {
		t.Fatalf("SessionCreateDatagram: %v", err)
	}
	if err := c.SessionCreateDatagram(ctx, "sess2", priv, nil); err == nil {
		t.Fatalf("expected error reopening a session on the same connection")
	}
}

func TestDatagramReceiveParsesHeaderAndPayload(t *testing.T) {
	addr := fakeBridge(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		r.ReadString('\n')
		fmt.Fprintf(conn, "HELLO REPLY RESULT=OK\n")
		payload := []byte("reticulum-packet-bytes")
		fmt.Fprintf(conn, "DATAGRAM RECEIVED DESTINATION=peerdest SIZE=%d\n", len(payload))
		conn.Write(payload)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Connect(ctx, addr, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	dg, err := c.DatagramReceive(ctx)
	if err != nil {
		t.Fatalf("DatagramReceive: %v", err)
	}
	if dg.SenderDest != "peerdest" || string(dg.Payload) != "reticulum-packet-bytes" {
		t.Fatalf("unexpected datagram: %+v", dg)
	}
}

func TestDestMapLearnAndResolve(t *testing.T) {
	m := NewDestMap()
	id := m.Learn("some-full-base64-destination")
	dest, err := m.Resolve(id)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dest != "some-full-base64-destination" {
		t.Fatalf("got %q", dest)
	}

	var unknown [16]byte
	if _, err := m.Resolve(unknown); !errors.Is(err, rnserrors.ErrUnroutable) {
		t.Fatalf("expected ErrUnroutable, got %v", err)
	}
}
