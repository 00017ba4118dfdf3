package transport

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/wyre-mesh/reticulum-go/rnserrors"
)

// HDLC byte-stuffing constants, as used on every reticulum stream
// interface. Grounded on the teacher's bufio.Reader-based framing in
// link.Handshake, generalized from Tor's length-prefixed cells to
// delimiter-and-escape framing.
const (
	hdlcFlag    = 0x7E
	hdlcEscape  = 0x7D
	hdlcEscMask = 0x20
)

func hdlcEncode(packet []byte) []byte {
	out := make([]byte, 0, len(packet)+4)
	out = append(out, hdlcFlag)
	for _, b := range packet {
		switch b {
		case hdlcFlag, hdlcEscape:
			out = append(out, hdlcEscape, b^hdlcEscMask)
		default:
			out = append(out, b)
		}
	}
	out = append(out, hdlcFlag)
	return out
}

// hdlcReader pulls one byte-stuffed frame at a time off a buffered stream.
type hdlcReader struct {
	r *bufio.Reader
}

func (hr *hdlcReader) readFrame() ([]byte, error) {
	// Skip any leading flag bytes (idle fill / frame end from the previous read).
	for {
		b, err := hr.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != hdlcFlag {
			if err := hr.r.UnreadByte(); err != nil {
				return nil, err
			}
			break
		}
	}

	var out []byte
	for {
		b, err := hr.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == hdlcFlag {
			return out, nil
		}
		if b == hdlcEscape {
			next, err := hr.r.ReadByte()
			if err != nil {
				return nil, err
			}
			out = append(out, next^hdlcEscMask)
			continue
		}
		out = append(out, b)
	}
}

// TCP is an HDLC-framed stream transport over a TCP connection, standing in
// for both the client dial side and the accepted-connection server side of
// the interface contract.
type TCP struct {
	name    string
	conn    net.Conn
	reader  *hdlcReader
	writeMu sync.Mutex
	mtu     int
	bitrate int
	mode    Mode
	logger  *slog.Logger

	closeMu sync.Mutex
	closed  bool
}

var _ Interface = (*TCP)(nil)

// DialTCP connects to addr and wraps the connection as a reticulum stream
// interface. Grounded directly on link.Handshake's net.DialTimeout usage.
func DialTCP(ctx context.Context, name, addr string, logger *slog.Logger) (*TCP, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport tcp %q: dial %s: %w: %v", name, addr, rnserrors.ErrIO, err)
	}
	logger.Debug("tcp interface connected", "name", name, "addr", addr)
	return newTCP(name, conn, logger), nil
}

// WrapTCP adapts an already-accepted connection (server side) into a
// reticulum stream interface.
func WrapTCP(name string, conn net.Conn, logger *slog.Logger) *TCP {
	if logger == nil {
		logger = slog.Default()
	}
	return newTCP(name, conn, logger)
}

func newTCP(name string, conn net.Conn, logger *slog.Logger) *TCP {
	return &TCP{
		name:    name,
		conn:    conn,
		reader:  &hdlcReader{r: bufio.NewReader(conn)},
		mtu:     MinMTU,
		bitrate: 1_000_000,
		mode:    ModeFull,
		logger:  logger,
	}
}

// Send HDLC-frames and writes one packet. Respects ctx's deadline if set.
func (t *TCP) Send(ctx context.Context, packet []byte) error {
	if len(packet) > t.mtu {
		return fmt.Errorf("transport tcp %q: packet %d bytes exceeds mtu %d: %w", t.name, len(packet), t.mtu, rnserrors.ErrProtocol)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(dl)
		defer t.conn.SetWriteDeadline(time.Time{})
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.conn.Write(hdlcEncode(packet)); err != nil {
		return fmt.Errorf("transport tcp %q: write: %w: %v", t.name, rnserrors.ErrIO, err)
	}
	return nil
}

// Receive blocks for the next framed packet, honoring ctx's deadline.
func (t *TCP) Receive(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(dl)
		defer t.conn.SetReadDeadline(time.Time{})
	}
	frame, err := t.reader.readFrame()
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("transport tcp %q: %w", t.name, rnserrors.ErrCancelled)
		default:
			return nil, fmt.Errorf("transport tcp %q: read: %w: %v", t.name, rnserrors.ErrIO, err)
		}
	}
	return frame, nil
}

func (t *TCP) MTU() int     { return t.mtu }
func (t *TCP) Bitrate() int { return t.bitrate }
func (t *TCP) Name() string { return t.name }
func (t *TCP) Mode() Mode   { return t.mode }
func (t *TCP) Online() bool {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	return !t.closed
}

func (t *TCP) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if err := t.conn.Close(); err != nil {
		return fmt.Errorf("transport tcp %q: close: %w", t.name, err)
	}
	return nil
}
