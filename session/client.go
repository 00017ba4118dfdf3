package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/wyre-mesh/reticulum-go/identity"
	"github.com/wyre-mesh/reticulum-go/link"
	"github.com/wyre-mesh/reticulum-go/rnserrors"
)

// Client drives one command session from the initiator side: CONNECT
// handshake, then request/response round trips keyed by request id.
type Client struct {
	conn     *Conn
	l        *link.Link
	identity *identity.Identity

	mu        sync.Mutex
	sessionID [16]byte
	connected bool
	rejectErr error
	acceptCh  chan struct{}
	nextReqID uint32
	pending   map[uint32]chan CommandResponse
}

// NewClient returns a Client not yet bound to a Link; call Attach once the
// Link exists, mirroring Conn's construction-cycle break. id must hold
// private key material: Connect signs the link id with it so the server can
// verify the claimed identity rather than trust a self-reported address.
func NewClient(id *identity.Identity) *Client {
	return &Client{
		identity: id,
		acceptCh: make(chan struct{}, 1),
		pending:  make(map[uint32]chan CommandResponse),
	}
}

// Attach binds l and wires message dispatch. Call before any traffic flows.
func (c *Client) Attach(l *link.Link, conn *Conn) {
	c.l = l
	c.conn = conn
	conn.Attach(l)
	conn.onMessage = c.handleMessage
}

// Connect signs the link id with the client's long-term identity, sends
// CONNECT, and waits up to timeout for ACCEPT or REJECT.
func (c *Client) Connect(timeout time.Duration) error {
	linkID := c.l.ID()
	sig, err := c.identity.Sign(linkID[:])
	if err != nil {
		return fmt.Errorf("session: connect: sign link id: %w", err)
	}
	connect := Connect{Version: ProtocolVersion}
	copy(connect.ClientPublicKey[:], c.identity.PublicBytes())
	copy(connect.Signature[:], sig)
	if err := c.conn.Send(TypeConnect, connect.Encode()); err != nil {
		return fmt.Errorf("session: connect: %w", err)
	}
	select {
	case <-c.acceptCh:
		c.mu.Lock()
		err := c.rejectErr
		c.mu.Unlock()
		return err
	case <-time.After(timeout):
		return fmt.Errorf("session: connect: %w", rnserrors.ErrTimeout)
	}
}

// RunCommand sends COMMAND_REQUEST and blocks for the matching
// COMMAND_RESPONSE or timeout.
func (c *Client) RunCommand(command string, args []string, env map[string]string, timeoutSecs uint64, workingDir string, wait time.Duration) (CommandResponse, error) {
	c.mu.Lock()
	c.nextReqID++
	id := c.nextReqID
	respCh := make(chan CommandResponse, 1)
	c.pending[id] = respCh
	c.mu.Unlock()

	req := CommandRequest{ID: id, Command: command, Args: args, Env: env, TimeoutSecs: timeoutSecs, WorkingDir: workingDir}
	if err := c.conn.Send(TypeCommandRequest, req.Encode()); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return CommandResponse{}, fmt.Errorf("session: run command: %w", err)
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-time.After(wait):
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return CommandResponse{}, fmt.Errorf("session: run command: %w", rnserrors.ErrTimeout)
	}
}

// Disconnect sends DISCONNECT and closes the underlying link.
func (c *Client) Disconnect(reason string) {
	_ = c.conn.Send(TypeDisconnect, Disconnect{Reason: reason}.Encode())
	c.l.Close()
}

func (c *Client) handleMessage(t Type, body []byte) {
	switch t {
	case TypeAccept:
		accept, err := DecodeAccept(body)
		if err == nil {
			c.mu.Lock()
			c.sessionID = accept.SessionID
			c.connected = true
			c.mu.Unlock()
		}
		select {
		case c.acceptCh <- struct{}{}:
		default:
		}
	case TypeReject:
		reject, err := DecodeReject(body)
		c.mu.Lock()
		if err == nil {
			c.rejectErr = fmt.Errorf("session: connect rejected (code %d): %s: %w", reject.Code, reject.Reason, rnserrors.ErrPolicyReject)
		} else {
			c.rejectErr = fmt.Errorf("session: connect rejected: %w", rnserrors.ErrPolicyReject)
		}
		c.mu.Unlock()
		select {
		case c.acceptCh <- struct{}{}:
		default:
		}
	case TypeCommandResponse:
		resp, err := DecodeCommandResponse(body)
		if err != nil {
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	case TypePing:
		_ = c.conn.Send(TypePong, nil)
	case TypeDisconnect:
		c.l.Close()
	}
}
