package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/wyre-mesh/reticulum-go/rnserrors"
)

// UDP is a datagram transport: one packet per datagram, no framing needed
// since UDP already preserves message boundaries. It is the direct
// generalization of transport.TCP without HDLC framing.
type UDP struct {
	name    string
	conn    *net.UDPConn
	peer    *net.UDPAddr
	mtu     int
	bitrate int

	closed bool
}

var _ Interface = (*UDP)(nil)

// DialUDP opens a UDP "connection" (a fixed peer address) for sending and
// receiving reticulum packets as raw datagrams.
func DialUDP(localAddr, peerAddr string) (*UDP, error) {
	peer, err := net.ResolveUDPAddr("udp", peerAddr)
	if err != nil {
		return nil, fmt.Errorf("transport udp: resolve peer %s: %w", peerAddr, err)
	}
	var local *net.UDPAddr
	if localAddr != "" {
		local, err = net.ResolveUDPAddr("udp", localAddr)
		if err != nil {
			return nil, fmt.Errorf("transport udp: resolve local %s: %w", localAddr, err)
		}
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, fmt.Errorf("transport udp: listen: %w: %v", rnserrors.ErrIO, err)
	}
	return &UDP{name: "udp:" + peerAddr, conn: conn, peer: peer, mtu: MinMTU, bitrate: 1_000_000}, nil
}

func (u *UDP) Send(ctx context.Context, packet []byte) error {
	if len(packet) > u.mtu {
		return fmt.Errorf("transport udp %q: packet %d bytes exceeds mtu %d: %w", u.name, len(packet), u.mtu, rnserrors.ErrProtocol)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = u.conn.SetWriteDeadline(dl)
		defer u.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := u.conn.WriteToUDP(packet, u.peer); err != nil {
		return fmt.Errorf("transport udp %q: write: %w: %v", u.name, rnserrors.ErrIO, err)
	}
	return nil
}

func (u *UDP) Receive(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = u.conn.SetReadDeadline(dl)
		defer u.conn.SetReadDeadline(time.Time{})
	}
	buf := make([]byte, u.mtu)
	n, _, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("transport udp %q: %w", u.name, rnserrors.ErrCancelled)
		default:
			return nil, fmt.Errorf("transport udp %q: read: %w: %v", u.name, rnserrors.ErrIO, err)
		}
	}
	return buf[:n], nil
}

func (u *UDP) MTU() int     { return u.mtu }
func (u *UDP) Bitrate() int { return u.bitrate }
func (u *UDP) Name() string { return u.name }
func (u *UDP) Mode() Mode   { return ModePointToPoint }
func (u *UDP) Online() bool { return !u.closed }

func (u *UDP) Close() error {
	if u.closed {
		return nil
	}
	u.closed = true
	return u.conn.Close()
}
