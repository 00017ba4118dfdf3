package routing

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wyre-mesh/reticulum-go/destination"
	"github.com/wyre-mesh/reticulum-go/packet"
	"github.com/wyre-mesh/reticulum-go/rnserrors"
	"github.com/wyre-mesh/reticulum-go/transport"
)

// PathRequestTimeout bounds how long a locally originated path request
// waits for a matching path table update.
const PathRequestTimeout = 15 * time.Second

// PathRequestInterval is the minimum spacing between path requests for the
// same target.
const PathRequestInterval = 20 * time.Second

// Deliverer receives packets addressed to a locally owned destination.
type Deliverer func(p packet.Packet, fromInterface string)

// Router is the transport/routing core: every decoded packet arrives
// tagged with its originating interface; Router applies duplicate
// suppression, hop accounting, path table maintenance, and forwarding.
type Router struct {
	logger *slog.Logger

	ifaceMu sync.RWMutex
	ifaces  map[string]transport.Interface
	limiter map[string]*bandwidthLimiter

	paths *PathTable
	dedup *AnnounceDedup

	localMu    sync.RWMutex
	local      map[[packet.AddressSize]byte]Deliverer

	reqMu        sync.Mutex
	lastRequest  map[[packet.AddressSize]byte]time.Time
	waiters      map[[packet.AddressSize]byte][]chan struct{}
}

// NewRouter returns a Router with no interfaces registered.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:      logger,
		ifaces:      make(map[string]transport.Interface),
		limiter:     make(map[string]*bandwidthLimiter),
		paths:       NewPathTable(),
		dedup:       NewAnnounceDedup(),
		local:       make(map[[packet.AddressSize]byte]Deliverer),
		lastRequest: make(map[[packet.AddressSize]byte]time.Time),
		waiters:     make(map[[packet.AddressSize]byte][]chan struct{}),
	}
}

// AddInterface registers iface for retransmission and forwarding.
func (r *Router) AddInterface(iface transport.Interface, now time.Time) {
	r.ifaceMu.Lock()
	defer r.ifaceMu.Unlock()
	r.ifaces[iface.Name()] = iface
	r.limiter[iface.Name()] = newBandwidthLimiter(iface.Bitrate(), now)
}

// RemoveInterface unregisters iface by name.
func (r *Router) RemoveInterface(name string) {
	r.ifaceMu.Lock()
	defer r.ifaceMu.Unlock()
	delete(r.ifaces, name)
	delete(r.limiter, name)
}

// RegisterLocalDestination marks addr as locally owned: inbound DATA,
// LINKREQUEST, and PROOF packets for it are delivered via fn instead of
// forwarded.
func (r *Router) RegisterLocalDestination(addr [packet.AddressSize]byte, fn Deliverer) {
	r.localMu.Lock()
	defer r.localMu.Unlock()
	r.local[addr] = fn
}

// HandleInbound processes one decoded packet that arrived on fromIface.
func (r *Router) HandleInbound(ctx context.Context, fromIface string, raw []byte) error {
	p, err := packet.Decode(raw)
	if err != nil {
		return fmt.Errorf("routing: decode: %w", err)
	}

	switch p.Type {
	case packet.TypeAnnounce:
		return r.handleAnnounce(ctx, fromIface, p, raw, time.Now())
	case packet.TypeData, packet.TypeLinkRequest, packet.TypeProof:
		return r.handleRouted(ctx, fromIface, p, raw, time.Now())
	default:
		return fmt.Errorf("routing: unknown packet type %d: %w", p.Type, rnserrors.ErrProtocol)
	}
}

func (r *Router) handleAnnounce(ctx context.Context, fromIface string, p packet.Packet, raw []byte, now time.Time) error {
	if len(p.Payload) < 64 {
		return fmt.Errorf("routing: announce payload too short for signature: %w", rnserrors.ErrProtocol)
	}
	preSig := p.Payload[:len(p.Payload)-64]
	announceHash := sha256.Sum256(preSig)

	if !r.dedup.CheckAndRecord(announceHash, now) {
		r.logger.Debug("routing: duplicate announce suppressed", "dest", fmt.Sprintf("%x", p.DestinationHash()))
		return nil
	}

	ann, err := destination.ParseAnnounce(p.Payload)
	if err != nil {
		return fmt.Errorf("routing: parse announce: %w", err)
	}
	ok, err := ann.Verify()
	if err != nil {
		return fmt.Errorf("routing: verify announce: %w", err)
	}
	if !ok {
		r.logger.Debug("routing: announce signature invalid, dropping", "dest", fmt.Sprintf("%x", p.DestinationHash()))
		return nil
	}

	entry := PathEntry{
		DestinationHash:   p.DestinationHash(),
		NextHopInterface:  fromIface,
		HopCount:          p.HopCount,
		ReceivedInterface: fromIface,
		AnnounceHash:      announceHash,
	}
	if r.paths.Update(entry, now) {
		r.notifyWaiters(p.DestinationHash())
	}

	if p.HopCount >= MaxHopCount {
		r.logger.Debug("routing: announce at max hop count, not retransmitted", "dest", fmt.Sprintf("%x", p.DestinationHash()))
		return nil
	}

	retransmitted := packet.Packet{
		IFAC: p.IFAC, HeaderType: p.HeaderType, Propagated: true,
		DestType: p.DestType, Type: p.Type, HopCount: p.HopCount + 1,
		Addresses: p.Addresses, Context: p.Context, Payload: p.Payload,
	}
	out, err := packet.Encode(retransmitted)
	if err != nil {
		return fmt.Errorf("routing: re-encode announce: %w", err)
	}
	r.broadcastExcept(ctx, fromIface, out)
	return nil
}

func (r *Router) handleRouted(ctx context.Context, fromIface string, p packet.Packet, raw []byte, now time.Time) error {
	dest := p.DestinationHash()

	r.localMu.RLock()
	deliver, isLocal := r.local[dest]
	r.localMu.RUnlock()
	if isLocal {
		deliver(p, fromIface)
		return nil
	}

	if p.HopCount >= MaxHopCount {
		return fmt.Errorf("routing: packet for %x dropped at max hop count: %w", dest, rnserrors.ErrProtocol)
	}

	entry, ok := r.paths.Lookup(dest, now)
	if !ok {
		return fmt.Errorf("routing: no path to %x: %w", dest, rnserrors.ErrUnroutable)
	}

	forwarded := p
	forwarded.HopCount = p.HopCount + 1
	out, err := packet.Encode(forwarded)
	if err != nil {
		return fmt.Errorf("routing: re-encode forwarded packet: %w", err)
	}

	r.ifaceMu.RLock()
	iface, ok := r.ifaces[entry.NextHopInterface]
	r.ifaceMu.RUnlock()
	if !ok {
		return fmt.Errorf("routing: next hop interface %q offline: %w", entry.NextHopInterface, rnserrors.ErrUnroutable)
	}
	if err := iface.Send(ctx, out); err != nil {
		return fmt.Errorf("routing: forward to %q: %w", entry.NextHopInterface, err)
	}
	return nil
}

// broadcastExcept retransmits out on every registered interface except
// excluded, subject to each interface's announce bandwidth cap.
func (r *Router) broadcastExcept(ctx context.Context, excluded string, out []byte) {
	now := time.Now()
	r.ifaceMu.RLock()
	defer r.ifaceMu.RUnlock()

	for name, iface := range r.ifaces {
		if name == excluded {
			continue
		}
		limiter := r.limiter[name]
		if limiter != nil && !limiter.Allow(len(out), now) {
			r.logger.Debug("routing: announce bandwidth cap reached, skipping retransmit", "interface", name)
			continue
		}
		if err := iface.Send(ctx, out); err != nil {
			r.logger.Debug("routing: retransmit failed", "interface", name, "error", err)
		}
	}
}

// RequestPath originates a path request for dest: a real broadcast
// zero-length PROOF-typed probe is out of scope here (path requests are a
// control-plane concept layered on announces in this mesh); this
// implementation rate-limits and waits for an announce to populate
// the path table, which is how a request "succeeds" once any relay
// re-announces the target.
func (r *Router) RequestPath(ctx context.Context, dest [packet.AddressSize]byte) error {
	now := time.Now()

	r.reqMu.Lock()
	if last, ok := r.lastRequest[dest]; ok && now.Sub(last) < PathRequestInterval {
		r.reqMu.Unlock()
		return fmt.Errorf("routing: path request for %x rate limited: %w", dest, rnserrors.ErrBackpressure)
	}
	r.lastRequest[dest] = now
	ch := make(chan struct{}, 1)
	r.waiters[dest] = append(r.waiters[dest], ch)
	r.reqMu.Unlock()

	if _, ok := r.paths.Lookup(dest, now); ok {
		return nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, PathRequestTimeout)
	defer cancel()

	select {
	case <-ch:
		return nil
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return fmt.Errorf("routing: path request for %x: %w", dest, rnserrors.ErrCancelled)
		}
		return fmt.Errorf("routing: path request for %x: %w", dest, rnserrors.ErrTimeout)
	}
}

func (r *Router) notifyWaiters(dest [packet.AddressSize]byte) {
	r.reqMu.Lock()
	defer r.reqMu.Unlock()
	for _, ch := range r.waiters[dest] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	delete(r.waiters, dest)
}
