package link

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wyre-mesh/reticulum-go/identity"
	"github.com/wyre-mesh/reticulum-go/packet"
	"github.com/wyre-mesh/reticulum-go/rnserrors"
	"github.com/wyre-mesh/reticulum-go/transport"
)

// establishLink runs a full handshake between an initiator and a responder
// wired together by a transport.Pair, pumping packets between the two link
// actors as if a dispatcher sat on each side.
func establishLink(t *testing.T) (initiator, responder *Link, respIdentity *identity.Identity, done func()) {
	t.Helper()
	respID, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}

	a, b := transport.NewPair("initiator", "responder")

	var resp *Link
	respReady := make(chan struct{})
	stopPump := make(chan struct{})

	go func() {
		for {
			select {
			case <-stopPump:
				return
			default:
			}
			raw, err := b.Receive(context.Background())
			if err != nil {
				return
			}
			p, err := packet.Decode(raw)
			if err != nil {
				continue
			}
			if p.Type == packet.TypeLinkRequest && resp == nil {
				lr, err := DecodeLinkRequest(p.Payload)
				if err != nil {
					t.Errorf("decode link request: %v", err)
					continue
				}
				l, proofRaw, err := AcceptLinkRequest(lr, respID, b, nil, nil, nil)
				if err != nil {
					t.Errorf("AcceptLinkRequest: %v", err)
					continue
				}
				resp = l
				close(respReady)
				if err := b.Send(context.Background(), proofRaw); err != nil {
					t.Errorf("send proof: %v", err)
				}
				continue
			}
			if resp != nil {
				resp.HandlePacket(nil, p)
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var init *Link
	initErrCh := make(chan error, 1)
	go func() {
		l, err := Dial(ctx, a, []byte("hello"), nil, nil, nil)
		if err != nil {
			initErrCh <- err
			return
		}
		init = l
		initErrCh <- nil
	}()

	go func() {
		for {
			select {
			case <-stopPump:
				return
			default:
			}
			raw, err := a.Receive(context.Background())
			if err != nil {
				return
			}
			p, err := packet.Decode(raw)
			if err != nil {
				continue
			}
			if init != nil {
				init.HandlePacket(respID, p)
			}
		}
	}()

	<-respReady

	if err := <-initErrCh; err != nil {
		close(stopPump)
		t.Fatalf("Dial: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for resp.State() != Active && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	return init, resp, respID, func() { close(stopPump); a.Close(); b.Close() }
}

func TestLinkHandshakeReachesActiveBothSides(t *testing.T) {
	init, resp, _, done := establishLink(t)
	defer done()

	if init.State() != Active {
		t.Fatalf("initiator state = %v, want Active", init.State())
	}
	if resp.State() != Active {
		t.Fatalf("responder state = %v, want Active", resp.State())
	}
	if init.ID() != resp.ID() {
		t.Fatalf("initiator/responder link id mismatch")
	}
}

func TestLinkAppDataDeliveredEndToEnd(t *testing.T) {
	init, resp, _, done := establishLink(t)
	defer done()

	received := make(chan []byte, 1)
	resp.onAppData = func(p []byte) { received <- p }

	if err := init.Send([]byte("hello over an active link")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "hello over an active link" {
			t.Fatalf("got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for app data delivery")
	}
}

func TestLinkWrongPeerIdentityFailsHandshake(t *testing.T) {
	respID, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	wrongID, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}

	a, b := transport.NewPair("x", "y")
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	dialErrCh := make(chan error, 1)
	go func() {
		_, err := Dial(ctx, a, nil, nil, nil, nil)
		dialErrCh <- err
	}()

	raw, err := b.Receive(context.Background())
	if err != nil {
		t.Fatalf("receive link request: %v", err)
	}
	p, err := packet.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	lr, err := DecodeLinkRequest(p.Payload)
	if err != nil {
		t.Fatalf("decode link request: %v", err)
	}
	_, proofRaw, err := AcceptLinkRequest(lr, respID, b, nil, nil, nil)
	if err != nil {
		t.Fatalf("AcceptLinkRequest: %v", err)
	}

	proofPkt, err := packet.Decode(proofRaw)
	if err != nil {
		t.Fatalf("decode proof: %v", err)
	}

	// Manually construct the initiator's half (mirroring Dial) so we can
	// feed it the real PROOF while verifying against the wrong identity.
	init := newLink(lr.LinkID(), true, a, nil)
	init.ourEph.Public = lr.EphX25519Pub

	go init.run()
	init.HandlePacket(wrongID, proofPkt)
	defer init.forceClose(ReasonLocalClosed)

	select {
	case err := <-init.handshakeDone:
		if !errors.Is(err, rnserrors.ErrAuth) {
			t.Fatalf("expected ErrAuth for a proof signed by the wrong identity, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected handshakeDone to report a signature failure")
	}

	cancel()
	<-dialErrCh
}

func TestLinkSendOnPendingLinkFails(t *testing.T) {
	a, b := transport.NewPair("x", "y")
	defer a.Close()
	defer b.Close()

	l := newLink([16]byte{1}, true, a, nil)
	go l.run()
	defer l.forceClose(ReasonLocalClosed)

	if err := l.Send([]byte("x")); !errors.Is(err, rnserrors.ErrClosed) {
		t.Fatalf("expected ErrClosed for a non-ACTIVE link, got %v", err)
	}
}
