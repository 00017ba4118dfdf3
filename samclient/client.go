// Package samclient implements a SAM v3.1 client: the line-based
// command/reply protocol used to reach the overlay router that carries
// reticulum packets as opaque anonymous datagrams.
//
// Grounded on the teacher's own hand-rolled line/command protocol clients
// (directory.fetchConsensusFrom's single-shot request/response over a
// fresh connection, link.Handshake's bufio.Reader-based read-expected-reply
// loop) generalized from one-shot HTTP to a persistent, stateful TCP
// session, and enriched with SAM vocabulary from the retrieval pack's
// standalone go-sam-bridge session/destination types (signature type 7 =
// Ed25519, SESSION CREATE, DEST GENERATE).
package samclient

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/wyre-mesh/reticulum-go/rnserrors"
)

// DefaultAddress is the default SAM bridge TCP address.
const DefaultAddress = "127.0.0.1:7656"

// SignatureTypeEd25519 is SAM destination signature type 7.
const SignatureTypeEd25519 = 7

// Client is a SAM v3.1 client over one TCP connection. The TCP stream is
// exclusively owned by the client; all commands are serialized through
// cmdMu, matching the teacher's single-owner-per-resource pattern
// (circuit.Circuit.wmu serializing writes to one Link).
type Client struct {
	conn   net.Conn
	r      *bufio.Reader
	cmdMu  sync.Mutex
	logger *slog.Logger

	sessionID string
}

// Connect dials addr, performs the HELLO VERSION handshake, and returns a
// ready Client. Fails with rnserrors.ErrSAM on any unexpected reply.
func Connect(ctx context.Context, addr string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("samclient: dial %s: %w: %v", addr, rnserrors.ErrIO, err)
	}

	c := &Client{conn: conn, r: bufio.NewReader(conn), logger: logger}

	reply, err := c.command(ctx, "HELLO VERSION MIN=3.1 MAX=3.1")
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("samclient: HELLO: %w", err)
	}
	kv := parseReply(reply)
	if kv["RESULT"] != "OK" {
		_ = conn.Close()
		return nil, fmt.Errorf("samclient: HELLO REPLY RESULT=%s: %w", kv["RESULT"], rnserrors.ErrSAM)
	}
	logger.Debug("samclient connected", "addr", addr)
	return c, nil
}

// Close ends the SAM session by closing the underlying TCP connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// command writes one line to the bridge and reads back one reply line.
func (c *Client) command(ctx context.Context, line string) (string, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(dl)
		defer c.conn.SetDeadline(time.Time{})
	}

	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		return "", fmt.Errorf("write command: %w: %v", rnserrors.ErrIO, err)
	}
	reply, err := c.r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read reply: %w: %v", rnserrors.ErrIO, err)
	}
	return strings.TrimRight(reply, "\r\n"), nil
}

// parseReply splits a SAM reply line into its KEY=VALUE pairs, ignoring the
// leading two status words (e.g. "SESSION STATUS").
func parseReply(line string) map[string]string {
	kv := make(map[string]string)
	for _, tok := range strings.Fields(line) {
		if eq := strings.IndexByte(tok, '='); eq >= 0 {
			key := tok[:eq]
			val := tok[eq+1:]
			val = strings.Trim(val, `"`)
			kv[key] = val
		}
	}
	return kv
}

// DestGenerate asks the bridge to generate a fresh destination keypair and
// returns its public and private destinations, each base64-encoded.
func (c *Client) DestGenerate(ctx context.Context) (pubDest, privDest string, err error) {
	reply, err := c.command(ctx, fmt.Sprintf("DEST GENERATE SIGNATURE_TYPE=%d", SignatureTypeEd25519))
	if err != nil {
		return "", "", fmt.Errorf("samclient: DEST GENERATE: %w", err)
	}
	kv := parseReply(reply)
	if kv["PUB"] == "" || kv["PRIV"] == "" {
		return "", "", fmt.Errorf("samclient: DEST GENERATE missing PUB/PRIV: %w", rnserrors.ErrSAM)
	}
	return kv["PUB"], kv["PRIV"], nil
}

// SessionCreateDatagram opens a datagram session bound to privDest. Only
// one session may exist per connection.
func (c *Client) SessionCreateDatagram(ctx context.Context, sessionID, privDest string, options map[string]string) error {
	if c.sessionID != "" {
		return fmt.Errorf("samclient: session %q already open on this connection", c.sessionID)
	}
	line := fmt.Sprintf("SESSION CREATE STYLE=DATAGRAM ID=%s DESTINATION=%s", sessionID, privDest)
	for k, v := range options {
		line += fmt.Sprintf(" %s=%s", k, v)
	}
	reply, err := c.command(ctx, line)
	if err != nil {
		return fmt.Errorf("samclient: SESSION CREATE: %w", err)
	}
	kv := parseReply(reply)
	if kv["RESULT"] != "OK" {
		return fmt.Errorf("samclient: SESSION CREATE RESULT=%s: %w", kv["RESULT"], rnserrors.ErrSAM)
	}
	c.sessionID = sessionID
	return nil
}

// DatagramSend writes one outbound datagram addressed to peerDest. It writes
// a "3.1 session peer\n" header followed by the raw payload on the same
// control connection used for commands.
func (c *Client) DatagramSend(ctx context.Context, peerDest string, payload []byte) error {
	if c.sessionID == "" {
		return fmt.Errorf("samclient: no active session")
	}
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	header := fmt.Sprintf("3.1 %s %s\n", c.sessionID, peerDest)
	if _, err := c.conn.Write([]byte(header)); err != nil {
		return fmt.Errorf("samclient: datagram send header: %w: %v", rnserrors.ErrIO, err)
	}
	if _, err := c.conn.Write(payload); err != nil {
		return fmt.Errorf("samclient: datagram send payload: %w: %v", rnserrors.ErrIO, err)
	}
	return nil
}

// Datagram is one inbound message received from the bridge.
type Datagram struct {
	SenderDest string
	Payload    []byte
}

// DatagramReceive blocks for the next inbound datagram. In this
// implementation the bridge multiplexes inbound datagrams as
// "DATAGRAM RECEIVED DESTINATION=<dest> SIZE=<n>\n<n bytes>" lines over the
// same control connection, matching how SAM forwards unsolicited events
// inline rather than on a second channel when no UDP forwarding port is
// configured.
func (c *Client) DatagramReceive(ctx context.Context) (Datagram, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(dl)
		defer c.conn.SetReadDeadline(time.Time{})
	}

	line, err := c.r.ReadString('\n')
	if err != nil {
		select {
		case <-ctx.Done():
			return Datagram{}, fmt.Errorf("samclient: %w", rnserrors.ErrCancelled)
		default:
			return Datagram{}, fmt.Errorf("samclient: read datagram header: %w: %v", rnserrors.ErrIO, err)
		}
	}
	kv := parseReply(line)
	dest := kv["DESTINATION"]
	size := 0
	if _, err := fmt.Sscanf(kv["SIZE"], "%d", &size); err != nil || dest == "" {
		return Datagram{}, fmt.Errorf("samclient: malformed DATAGRAM RECEIVED line %q: %w", strings.TrimSpace(line), rnserrors.ErrSAM)
	}
	payload := make([]byte, size)
	if _, err := readFull(c.r, payload); err != nil {
		return Datagram{}, fmt.Errorf("samclient: read datagram payload: %w: %v", rnserrors.ErrIO, err)
	}
	return Datagram{SenderDest: dest, Payload: payload}, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// DestinationHash16 returns SHA256(dest)[0:16], the compact address used to
// key the transport-level destination map.
func DestinationHash16(dest string) [16]byte {
	raw, err := base64.StdEncoding.DecodeString(normalizeBase64(dest))
	if err != nil {
		raw = []byte(dest)
	}
	return sha256First16(raw)
}

func normalizeBase64(s string) string {
	return strings.NewReplacer("-", "+", "~", "/").Replace(s)
}

func sha256First16(data []byte) [16]byte {
	sum := sha256.Sum256(data)
	var out [16]byte
	copy(out[:], sum[:16])
	return out
}
