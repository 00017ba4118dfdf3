package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/wyre-mesh/reticulum-go/rnserrors"
)

// SendQueueDepth is the bounded per-interface send queue depth; overflow
// surfaces rnserrors.ErrBackpressure to the caller rather than blocking or
// silently dropping.
const SendQueueDepth = 64

// NewPair creates two linked in-memory transports suitable for tests: sends
// on one arrive as receives on the other. It stands in for the teacher's
// use of net.Pipe/channel fixtures in circuit and link tests.
func NewPair(nameA, nameB string) (a, b *Pair) {
	ab := make(chan []byte, SendQueueDepth)
	ba := make(chan []byte, SendQueueDepth)
	a = &Pair{name: nameA, send: ab, recv: ba}
	b = &Pair{name: nameB, send: ba, recv: ab}
	return a, b
}

// Pair is an in-memory duplex transport, one end of a NewPair link.
type Pair struct {
	name   string
	send   chan []byte
	recv   chan []byte
	mu     sync.Mutex
	closed bool
}

var _ Interface = (*Pair)(nil)

// Send enqueues packet for delivery to the paired end. It returns
// rnserrors.ErrBackpressure if the bounded queue is full.
func (p *Pair) Send(ctx context.Context, packet []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return fmt.Errorf("transport pair %q: %w", p.name, rnserrors.ErrClosed)
	}

	buf := append([]byte(nil), packet...)
	select {
	case p.send <- buf:
		return nil
	default:
		return fmt.Errorf("transport pair %q: send queue full: %w", p.name, rnserrors.ErrBackpressure)
	}
}

// Receive blocks until a packet arrives, ctx is cancelled, or the interface
// is closed.
func (p *Pair) Receive(ctx context.Context) ([]byte, error) {
	select {
	case buf, ok := <-p.recv:
		if !ok {
			return nil, fmt.Errorf("transport pair %q: %w", p.name, rnserrors.ErrClosed)
		}
		return buf, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("transport pair %q: %w", p.name, rnserrors.ErrCancelled)
	}
}

func (p *Pair) MTU() int     { return 500 }
func (p *Pair) Bitrate() int { return 10_000_000 }
func (p *Pair) Name() string { return p.name }
func (p *Pair) Mode() Mode   { return ModeFull }
func (p *Pair) Online() bool { return !p.closed }

// Close marks the interface offline. The paired end's outstanding Receive
// calls return rnserrors.ErrClosed once its buffered packets are drained.
func (p *Pair) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.send)
	return nil
}
