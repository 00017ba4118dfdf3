package link

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wyre-mesh/reticulum-go/identity"
	"github.com/wyre-mesh/reticulum-go/packet"
	"github.com/wyre-mesh/reticulum-go/rnscrypto"
	"github.com/wyre-mesh/reticulum-go/rnserrors"
	"github.com/wyre-mesh/reticulum-go/transport"
)

// State is one of the link state machine's five states.
type State uint8

const (
	Pending State = iota
	Handshake
	Active
	Stale
	Closed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Handshake:
		return "handshake"
	case Active:
		return "active"
	case Stale:
		return "stale"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason records why a link reached CLOSED.
type CloseReason uint8

const (
	ReasonNone CloseReason = iota
	ReasonTimeout
	ReasonPeerClosed
	ReasonLocalClosed
)

const (
	hkdfInfo         = "reticulum-link-v1"
	minKeepalive     = 5 * time.Second
	maxKeepalive     = 360 * time.Second
	keepaliveScale   = 360.0 / 1.75
	handshakeTimeout = 15 * time.Second
)

const (
	frameRTT       byte = 0x01
	frameKeepalive byte = 0x02
	frameAppData   byte = 0x03
	frameClose     byte = 0x04
)

// Link is one end of a reticulum link, run as a single owner goroutine: all
// mutable state belongs to that goroutine, and external callers communicate
// by submitting closures on cmdCh. This generalizes circuit.Circuit's
// rmu/wmu mutex pair into a full actor.
type Link struct {
	id          [16]byte
	isInitiator bool
	iface       transport.Interface
	logger      *slog.Logger

	ourEph        rnscrypto.X25519KeyPair
	peerEphX      [32]byte
	signingKey    []byte
	encryptionKey []byte

	cmdCh     chan func()
	closeCh   chan struct{}
	closeOnce sync.Once

	stateMu sync.RWMutex
	state   State
	reason  CloseReason

	rtt               time.Duration
	keepaliveInterval time.Duration
	rttSentAt         time.Time
	rttNonce          [16]byte
	lastTraffic       time.Time

	onAppData func(payload []byte)
	onClosed  func(CloseReason)

	handshakeDone chan error
}

func newLink(id [16]byte, isInitiator bool, iface transport.Interface, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	return &Link{
		id:            id,
		isInitiator:   isInitiator,
		iface:         iface,
		logger:        logger,
		cmdCh:         make(chan func(), 16),
		closeCh:       make(chan struct{}),
		state:         Pending,
		lastTraffic:   time.Now(),
		handshakeDone: make(chan error, 1),
	}
}

// Dial originates a link over iface as the initiator. It blocks until the
// link reaches ACTIVE (the PROOF and RTT echo have arrived via HandlePacket
// on this or another goroutine) or the handshake times out.
func Dial(ctx context.Context, iface transport.Interface, appData []byte, onAppData func([]byte), onClosed func(CloseReason), logger *slog.Logger) (*Link, error) {
	eph, err := rnscrypto.GenerateX25519()
	if err != nil {
		return nil, fmt.Errorf("link: dial: generate ephemeral x25519: %w", err)
	}
	ephEd, err := rnscrypto.GenerateEd25519()
	if err != nil {
		return nil, fmt.Errorf("link: dial: generate ephemeral ed25519: %w", err)
	}
	var blob [16]byte
	if _, err := rand.Read(blob[:]); err != nil {
		return nil, fmt.Errorf("link: dial: random blob: %w", err)
	}

	var ephEdPub [32]byte
	copy(ephEdPub[:], ephEd.Public)
	lr := LinkRequest{EphX25519Pub: eph.Public, EphEd25519Pub: ephEdPub, RandomBlob: blob, Data: appData}
	id := lr.LinkID()

	l := newLink(id, true, iface, logger)
	l.ourEph = eph
	eph.Private = [32]byte{}
	l.onAppData = onAppData
	l.onClosed = onClosed

	p := packet.Packet{
		HeaderType: packet.HeaderType1,
		DestType:   packet.DestLink,
		Type:       packet.TypeLinkRequest,
		Addresses:  [][packet.AddressSize]byte{id},
		Payload:    lr.Encode(),
	}
	out, err := packet.Encode(p)
	if err != nil {
		return nil, fmt.Errorf("link: dial: encode LINKREQUEST: %w", err)
	}
	if err := iface.Send(ctx, out); err != nil {
		return nil, fmt.Errorf("link: dial: send LINKREQUEST: %w", err)
	}

	go l.run()

	timeoutCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	select {
	case err := <-l.handshakeDone:
		if err != nil {
			return nil, err
		}
		return l, nil
	case <-timeoutCtx.Done():
		l.forceClose(ReasonTimeout)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("link: dial: %w", rnserrors.ErrCancelled)
		}
		return nil, fmt.Errorf("link: dial: handshake: %w", rnserrors.ErrTimeout)
	}
}

// AcceptLinkRequest builds the responder side of a handshake from a
// received LINKREQUEST, bound to ourIdentity's long-term signing key. It
// returns the new link (already past ECDH, waiting in HANDSHAKE for the
// initiator's RTT) and the encoded PROOF packet the caller must send back
// on the same interface.
func AcceptLinkRequest(lr LinkRequest, ourIdentity *identity.Identity, iface transport.Interface, onAppData func([]byte), onClosed func(CloseReason), logger *slog.Logger) (*Link, []byte, error) {
	if !ourIdentity.HasPrivate() {
		return nil, nil, fmt.Errorf("link: accept: responder identity has no private key")
	}
	id := lr.LinkID()

	eph, err := rnscrypto.GenerateX25519()
	if err != nil {
		return nil, nil, fmt.Errorf("link: accept: generate ephemeral x25519: %w", err)
	}
	ephEd, err := rnscrypto.GenerateEd25519()
	if err != nil {
		return nil, nil, fmt.Errorf("link: accept: generate ephemeral ed25519: %w", err)
	}

	shared, err := rnscrypto.X25519ECDH(eph.Private, lr.EphX25519Pub)
	if err != nil {
		return nil, nil, fmt.Errorf("link: accept: ecdh: %w: %v", rnserrors.ErrAuth, err)
	}
	eph.Private = [32]byte{}
	derived, err := rnscrypto.HKDFSHA256(id[:], shared[:], []byte(hkdfInfo), rnscrypto.TokenKeySize)
	if err != nil {
		return nil, nil, fmt.Errorf("link: accept: hkdf: %w", err)
	}
	signingKey, encryptionKey, err := rnscrypto.SplitTokenKey(derived)
	if err != nil {
		return nil, nil, fmt.Errorf("link: accept: split token key: %w", err)
	}

	msg := ProofSignedMessage(lr.EphX25519Pub, eph.Public, id)
	sig, err := ourIdentity.Sign(msg)
	if err != nil {
		return nil, nil, fmt.Errorf("link: accept: sign proof: %w", err)
	}

	l := newLink(id, false, iface, logger)
	l.ourEph = eph
	l.peerEphX = lr.EphX25519Pub
	l.signingKey = signingKey
	l.encryptionKey = encryptionKey
	l.onAppData = onAppData
	l.onClosed = onClosed
	l.setState(Handshake)

	var ephEdPub [32]byte
	copy(ephEdPub[:], ephEd.Public)
	proof := Proof{EphX25519Pub: eph.Public, EphEd25519Pub: ephEdPub}
	copy(proof.Signature[:], sig)

	p := packet.Packet{
		HeaderType: packet.HeaderType1,
		DestType:   packet.DestLink,
		Type:       packet.TypeProof,
		Addresses:  [][packet.AddressSize]byte{id},
		Payload:    proof.Encode(),
	}
	out, err := packet.Encode(p)
	if err != nil {
		return nil, nil, fmt.Errorf("link: accept: encode PROOF: %w", err)
	}

	go l.run()
	return l, out, nil
}

// HandlePacket feeds one decoded, link-addressed packet into the link
// actor and blocks until it has been processed. peerIdentity is only
// consulted by the initiator, to verify an incoming PROOF's signature.
func (l *Link) HandlePacket(peerIdentity *identity.Identity, p packet.Packet) {
	done := make(chan struct{})
	l.submit(func() {
		defer close(done)
		l.handlePacketLocked(peerIdentity, p)
	})
	<-done
}

func (l *Link) submit(fn func()) {
	select {
	case l.cmdCh <- fn:
	case <-l.closeCh:
	}
}

func (l *Link) handlePacketLocked(peerIdentity *identity.Identity, p packet.Packet) {
	switch p.Type {
	case packet.TypeProof:
		l.handleProofLocked(peerIdentity, p.Payload)
	case packet.TypeData:
		l.handleActiveFrameLocked(p.Payload)
	}
}

func (l *Link) handleProofLocked(peerIdentity *identity.Identity, data []byte) {
	if l.State() != Pending {
		return
	}
	proof, err := DecodeProof(data)
	if err != nil {
		l.handshakeDone <- fmt.Errorf("link: dial: decode proof: %w", err)
		return
	}
	msg := ProofSignedMessage(l.ourEph.Public, proof.EphX25519Pub, l.id)
	if !peerIdentity.Verify(msg, proof.Signature[:]) {
		l.handshakeDone <- fmt.Errorf("link: dial: proof signature invalid: %w", rnserrors.ErrAuth)
		return
	}

	shared, err := rnscrypto.X25519ECDH(l.ourEph.Private, proof.EphX25519Pub)
	if err != nil {
		l.handshakeDone <- fmt.Errorf("link: dial: ecdh: %w: %v", rnserrors.ErrAuth, err)
		return
	}
	l.ourEph.Private = [32]byte{}
	derived, err := rnscrypto.HKDFSHA256(l.id[:], shared[:], []byte(hkdfInfo), rnscrypto.TokenKeySize)
	if err != nil {
		l.handshakeDone <- fmt.Errorf("link: dial: hkdf: %w", err)
		return
	}
	signingKey, encryptionKey, err := rnscrypto.SplitTokenKey(derived)
	if err != nil {
		l.handshakeDone <- fmt.Errorf("link: dial: split token key: %w", err)
		return
	}
	l.peerEphX = proof.EphX25519Pub
	l.signingKey = signingKey
	l.encryptionKey = encryptionKey
	l.setState(Handshake)

	var nonce [16]byte
	_, _ = rand.Read(nonce[:])
	l.rttNonce = nonce
	l.rttSentAt = time.Now()
	if err := l.sendFrameLocked(frameRTT, nonce[:]); err != nil {
		l.handshakeDone <- fmt.Errorf("link: dial: send rtt: %w", err)
		return
	}
}

func (l *Link) handleActiveFrameLocked(wrapped []byte) {
	if l.signingKey == nil {
		return
	}
	plain, err := rnscrypto.TokenDecrypt(l.signingKey, l.encryptionKey, wrapped)
	if err != nil {
		l.logger.Debug("link: dropping frame with bad token", "link", fmt.Sprintf("%x", l.id), "error", err)
		return
	}
	if len(plain) == 0 {
		return
	}
	l.lastTraffic = time.Now()

	switch plain[0] {
	case frameRTT:
		l.handleRTTLocked(plain[1:])
	case frameKeepalive:
		// lastTraffic already updated above; nothing else to do.
	case frameAppData:
		if l.State() == Active || l.State() == Stale {
			l.setState(Active)
			if l.onAppData != nil {
				l.onAppData(append([]byte(nil), plain[1:]...))
			}
		}
	case frameClose:
		l.finishClose(ReasonPeerClosed)
	}
}

func (l *Link) handleRTTLocked(body []byte) {
	switch {
	case !l.isInitiator && l.State() == Handshake:
		// Responder's echo of the initiator's RTT probe: bounce it back and
		// go ACTIVE ourselves, since the key derivation already completed
		// when the PROOF was sent.
		if err := l.sendFrameLocked(frameRTT, body); err != nil {
			l.logger.Debug("link: failed to echo rtt", "error", err)
			return
		}
		l.activateLocked(0)
	case l.isInitiator:
		if len(body) == 16 && [16]byte(body) == l.rttNonce {
			l.activateLocked(time.Since(l.rttSentAt))
		}
	}
}

func (l *Link) activateLocked(rtt time.Duration) {
	l.rtt = rtt
	interval := time.Duration(float64(rtt) * keepaliveScale)
	if interval < minKeepalive {
		interval = minKeepalive
	}
	if interval > maxKeepalive {
		interval = maxKeepalive
	}
	l.keepaliveInterval = interval
	l.lastTraffic = time.Now()
	l.setState(Active)
	select {
	case l.handshakeDone <- nil:
	default:
	}
}

func (l *Link) sendFrameLocked(frameType byte, body []byte) error {
	envelope := append([]byte{frameType}, body...)
	wrapped, err := rnscrypto.TokenEncrypt(l.signingKey, l.encryptionKey, envelope)
	if err != nil {
		return fmt.Errorf("link: token encrypt: %w", err)
	}
	p := packet.Packet{
		HeaderType: packet.HeaderType1,
		DestType:   packet.DestLink,
		Type:       packet.TypeData,
		Addresses:  [][packet.AddressSize]byte{l.id},
		Payload:    wrapped,
	}
	out, err := packet.Encode(p)
	if err != nil {
		return fmt.Errorf("link: encode frame: %w", err)
	}
	return l.iface.Send(context.Background(), out)
}

// Send submits an application payload to the peer over this link. It
// blocks until the actor has processed the send, returning ErrClosed if
// the link is not ACTIVE.
func (l *Link) Send(payload []byte) error {
	errCh := make(chan error, 1)
	l.submit(func() {
		if l.State() != Active {
			errCh <- fmt.Errorf("link: send: %w", rnserrors.ErrClosed)
			return
		}
		errCh <- l.sendFrameLocked(frameAppData, payload)
		l.lastTraffic = time.Now()
	})
	select {
	case err := <-errCh:
		return err
	case <-l.closeCh:
		return fmt.Errorf("link: send: %w", rnserrors.ErrClosed)
	}
}

// Close sends a close frame (if ACTIVE) and tears the link down locally.
func (l *Link) Close() {
	done := make(chan struct{})
	l.submit(func() {
		defer close(done)
		if l.State() == Active {
			_ = l.sendFrameLocked(frameClose, nil)
		}
		l.finishClose(ReasonLocalClosed)
	})
	select {
	case <-done:
	case <-l.closeCh:
	}
}

func (l *Link) forceClose(reason CloseReason) {
	done := make(chan struct{})
	select {
	case l.cmdCh <- func() { l.finishClose(reason); close(done) }:
		<-done
	case <-l.closeCh:
	}
}

func (l *Link) finishClose(reason CloseReason) {
	if l.State() == Closed {
		return
	}
	l.stateMu.Lock()
	l.state = Closed
	l.reason = reason
	l.stateMu.Unlock()
	l.closeOnce.Do(func() { close(l.closeCh) })
	if l.onClosed != nil {
		l.onClosed(reason)
	}
}

func (l *Link) setState(s State) {
	l.stateMu.Lock()
	l.state = s
	l.stateMu.Unlock()
}

// State returns the link's current state.
func (l *Link) State() State {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.state
}

// CloseReason returns why a CLOSED link closed; ReasonNone if still open.
func (l *Link) CloseReason() CloseReason {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.reason
}

// ID returns the link's 16-byte identifier.
func (l *Link) ID() [16]byte { return l.id }

// run is the link's owner goroutine: it serializes all state mutation
// through cmdCh and independently watches for STALE/CLOSED idle timeouts.
func (l *Link) run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case fn := <-l.cmdCh:
			fn()
			if l.State() == Closed {
				return
			}
		case <-ticker.C:
			l.checkIdle()
			if l.State() == Closed {
				return
			}
		case <-l.closeCh:
			return
		}
	}
}

func (l *Link) checkIdle() {
	st := l.State()
	if st != Active && st != Stale {
		return
	}
	idle := time.Since(l.lastTraffic)
	switch st {
	case Active:
		if idle >= 2*l.keepaliveInterval {
			l.setState(Stale)
		} else if idle >= l.keepaliveInterval/2 && l.signingKey != nil {
			_ = l.sendFrameLocked(frameKeepalive, nil)
		}
	case Stale:
		if idle >= l.keepaliveInterval+5*time.Second {
			l.finishClose(ReasonTimeout)
		}
	}
}
