package session

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wyre-mesh/reticulum-go/link"
	"github.com/wyre-mesh/reticulum-go/rnserrors"
)

// directBodyLimit is a conservative ceiling, below packet.MaxPlainPayload
// minus Token overhead (IV+HMAC, 48 bytes) minus CBC padding and the link
// frame tag byte, for a session message body sent as a single link frame.
// Anything larger goes through the resource sub-protocol instead.
const directBodyLimit = 300

const (
	crFlagDirect   byte = 0x00
	crFlagResource byte = 0x01
)

// Conn multiplexes the command session protocol over one ACTIVE link. A
// single resource transfer may be in flight at a time; while one is active,
// all inbound app data is routed to it rather than parsed as a framed
// session message, mirroring the protocol's one-request-in-flight-per-slot
// assumption for large COMMAND_RESPONSE payloads (see DESIGN.md).
type Conn struct {
	logger    *slog.Logger
	onMessage func(Type, []byte)

	mu         sync.Mutex
	link       *link.Link
	resourceRx *link.Receiver
	resourceTx *link.Sender
}

// NewConn creates a Conn not yet bound to a Link. Use Dispatch as the
// Link's onAppData callback, then call Attach once the Link exists — this
// breaks the construction cycle between a Link (which needs onAppData at
// Dial/AcceptLinkRequest time) and a Conn (which needs the Link to send).
func NewConn(logger *slog.Logger, onMessage func(Type, []byte)) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{logger: logger, onMessage: onMessage}
}

// Attach binds the underlying link. Must be called before any inbound
// traffic is dispatched.
func (c *Conn) Attach(l *link.Link) {
	c.mu.Lock()
	c.link = l
	c.mu.Unlock()
}

// Dispatch is wired as the Link's onAppData callback.
func (c *Conn) Dispatch(payload []byte) {
	if len(payload) == 0 {
		return
	}

	c.mu.Lock()
	rx, tx := c.resourceRx, c.resourceTx
	c.mu.Unlock()

	if rx != nil {
		rx.HandleFrame(payload[0], payload[1:])
		return
	}
	if tx != nil {
		tx.HandleFrame(payload[0], payload[1:])
		return
	}

	t, body, err := DecodeMessage(payload)
	if err != nil {
		c.logger.Debug("session: dropping malformed message", "error", err)
		return
	}

	if t == TypeCommandResponse {
		c.handleCommandResponseFrame(body)
		return
	}

	if c.onMessage != nil {
		c.onMessage(t, body)
	}
}

// Send frames and sends a small message directly over the link. Callers
// must keep body within directBodyLimit; CommandResponse uses SendCommandResponse
// instead since it may need the resource sub-protocol.
func (c *Conn) Send(t Type, body []byte) error {
	envelope, err := EncodeMessage(t, body)
	if err != nil {
		return fmt.Errorf("session: send: %w", err)
	}
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return fmt.Errorf("session: send: link not attached: %w", rnserrors.ErrClosed)
	}
	if err := l.Send(envelope); err != nil {
		return fmt.Errorf("session: send: %w", err)
	}
	return nil
}

// SendCommandResponse sends a COMMAND_RESPONSE, falling back to the
// resource sub-protocol when stdout+stderr are too large for one link
// frame.
func (c *Conn) SendCommandResponse(resp CommandResponse) error {
	body := resp.Encode()
	if len(body) <= directBodyLimit {
		return c.Send(TypeCommandResponse, append([]byte{crFlagDirect}, body...))
	}

	header := make([]byte, 0, 17)
	header = binary.BigEndian.AppendUint32(header, resp.ID)
	header = append(header, byte(resp.Status))
	header = binary.BigEndian.AppendUint32(header, uint32(resp.ExitCode))
	header = binary.BigEndian.AppendUint64(header, resp.ElapsedMs)
	if err := c.Send(TypeCommandResponse, append([]byte{crFlagResource}, header...)); err != nil {
		return fmt.Errorf("session: send command response: %w", err)
	}

	payload := putBytes(nil, resp.Stdout)
	payload = putBytes(payload, resp.Stderr)

	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return fmt.Errorf("session: send command response: link not attached: %w", rnserrors.ErrClosed)
	}

	sender, err := link.NewSender(l, payload, c.logger)
	if err != nil {
		return fmt.Errorf("session: send command response: %w", err)
	}
	c.mu.Lock()
	c.resourceTx = sender
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.resourceTx = nil
		c.mu.Unlock()
	}()

	if err := sender.Run(); err != nil {
		return fmt.Errorf("session: send command response: %w", err)
	}
	return nil
}

func (c *Conn) handleCommandResponseFrame(body []byte) {
	if len(body) == 0 {
		c.logger.Debug("session: empty COMMAND_RESPONSE frame")
		return
	}
	flag, rest := body[0], body[1:]

	if flag == crFlagDirect {
		if _, err := DecodeCommandResponse(rest); err != nil {
			c.logger.Debug("session: malformed COMMAND_RESPONSE", "error", err)
			return
		}
		if c.onMessage != nil {
			c.onMessage(TypeCommandResponse, rest)
		}
		return
	}

	if len(rest) < 17 {
		c.logger.Debug("session: truncated COMMAND_RESPONSE resource header")
		return
	}
	id := binary.BigEndian.Uint32(rest[0:4])
	status := Status(rest[4])
	exitCode := int32(binary.BigEndian.Uint32(rest[5:9]))
	elapsedMs := binary.BigEndian.Uint64(rest[9:17])

	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return
	}
	receiver := link.NewReceiver(l, c.logger)
	c.mu.Lock()
	c.resourceRx = receiver
	c.mu.Unlock()

	go func() {
		payload, err := receiver.Wait()
		c.mu.Lock()
		c.resourceRx = nil
		c.mu.Unlock()
		if err != nil {
			c.logger.Debug("session: COMMAND_RESPONSE resource transfer failed", "error", err)
			return
		}
		stdout, rest2, err := getBytes(payload)
		if err != nil {
			c.logger.Debug("session: malformed COMMAND_RESPONSE resource payload", "error", err)
			return
		}
		stderr, _, err := getBytes(rest2)
		if err != nil {
			c.logger.Debug("session: malformed COMMAND_RESPONSE resource payload", "error", err)
			return
		}
		resp := CommandResponse{ID: id, Status: status, Stdout: stdout, Stderr: stderr, ExitCode: exitCode, ElapsedMs: elapsedMs}
		if c.onMessage != nil {
			c.onMessage(TypeCommandResponse, resp.Encode())
		}
	}()
}
