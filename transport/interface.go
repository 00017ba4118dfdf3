// Package transport defines the capability-set interface every concrete
// reticulum transport implements (send, receive, MTU, bitrate, mode,
// online) and the concrete transports: an in-memory pair for tests, an
// HDLC-framed TCP/IPC stream transport, and a UDP datagram transport. The
// package has no SAM-bridge-backed transport; samclient.Client does not
// implement Interface.
//
// This is deliberately a capability set, not a class hierarchy: per the
// teacher's own polymorphism (the SOCKS server is handed a GetCirc closure
// rather than subclassing a circuit provider), each concrete transport is a
// variant implementing the same small interface, never a base type other
// transports inherit from.
package transport

import (
	"context"
	"fmt"
)

// Mode describes an interface's role in the mesh, mirroring real reticulum's
// interface modes.
type Mode uint8

const (
	ModeFull Mode = iota
	ModePointToPoint
	ModeAccessPoint
	ModeRoaming
	ModeBoundary
	ModeGateway
)

func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModePointToPoint:
		return "point-to-point"
	case ModeAccessPoint:
		return "access-point"
	case ModeRoaming:
		return "roaming"
	case ModeBoundary:
		return "boundary"
	case ModeGateway:
		return "gateway"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// MinMTU is the minimum hardware MTU a reticulum interface must offer.
const MinMTU = 500

// Interface is the capability set every concrete transport exposes.
// Receive blocks until a packet arrives, the context is cancelled, or the
// interface goes offline.
type Interface interface {
	Send(ctx context.Context, packet []byte) error
	Receive(ctx context.Context) ([]byte, error)
	MTU() int
	Bitrate() int // nominal bitrate in bits/sec; routing sizes the announce bandwidth cap from it, resource windowing does not read it
	Name() string
	Mode() Mode
	Online() bool
	Close() error
}
