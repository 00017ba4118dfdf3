package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wyre-mesh/reticulum-go/executor"
	"github.com/wyre-mesh/reticulum-go/identity"
	"github.com/wyre-mesh/reticulum-go/link"
	"github.com/wyre-mesh/reticulum-go/policy"
	"github.com/wyre-mesh/reticulum-go/rnserrors"
)

// idleKeepaliveThreshold and pingInterval govern the idle-keepalive loop: a
// PING is sent after 60s of link idleness, repeated every 10s, and three
// consecutive unanswered PINGs send DISCONNECT and close the link via
// link.Close, so the link records ReasonLocalClosed, not ReasonTimeout.
const (
	idleKeepaliveThreshold = 60 * time.Second
	pingInterval           = 10 * time.Second
	maxUnansweredPings     = 3
)

// Server accepts command sessions over ACTIVE links, grounded on
// socks.Server's bounded-accept-loop shape (here: bounded live-session
// count rather than bounded concurrent TCP accepts) and dispatches
// validated COMMAND_REQUESTs to an executor collaborator.
type Server struct {
	logger *slog.Logger
	policy policy.ServerPolicy
	exec   executor.Executor

	mu       sync.Mutex
	sessions map[[16]byte]*serverSession
}

type serverSession struct {
	id         [16]byte
	clientAddr [16]byte
	conn       *Conn
	l          *link.Link

	mu          sync.Mutex
	ctx         context.Context
	lastTraffic time.Time
	pingsSent   int
}

// NewServer returns a Server enforcing p and dispatching accepted commands
// to exec.
func NewServer(logger *slog.Logger, p policy.ServerPolicy, exec executor.Executor) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{logger: logger, policy: p, exec: exec, sessions: make(map[[16]byte]*serverSession)}
}

// BindSession attaches conn to l and wires message dispatch synchronously,
// so no inbound traffic can race ahead of the wiring. Call this before any
// CONNECT can possibly arrive, then run Serve (typically in a goroutine) to
// drive the session's idle-keepalive loop.
func (s *Server) BindSession(conn *Conn, l *link.Link) *serverSession {
	conn.Attach(l)
	ss := &serverSession{l: l, ctx: context.Background(), lastTraffic: time.Now()}
	conn.onMessage = func(t Type, body []byte) {
		ss.mu.Lock()
		ctx := ss.ctx
		ss.mu.Unlock()
		s.dispatch(ctx, ss, conn, t, body)
	}
	return ss
}

// Serve drives the command session protocol over an already-bound session.
// It blocks until the link closes or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ss *serverSession, conn *Conn) {
	ss.mu.Lock()
	ss.ctx = ctx
	ss.mu.Unlock()
	s.runIdleWatch(ctx, ss, conn)
}

// HandleLink is a convenience wrapper combining BindSession and Serve for
// callers that do not need to send traffic between the two (it still
// blocks until the link closes).
func (s *Server) HandleLink(ctx context.Context, conn *Conn, l *link.Link) {
	ss := s.BindSession(conn, l)
	s.Serve(ctx, ss, conn)
}

func (s *Server) dispatch(ctx context.Context, ss *serverSession, conn *Conn, t Type, body []byte) {
	ss.mu.Lock()
	ss.lastTraffic = time.Now()
	ss.pingsSent = 0
	ss.mu.Unlock()

	switch t {
	case TypeConnect:
		s.handleConnect(ss, conn, body)
	case TypeCommandRequest:
		s.handleCommandRequest(ctx, ss, conn, body)
	case TypeDisconnect:
		s.closeSession(ss)
	case TypePing:
		_ = conn.Send(TypePong, nil)
	case TypePong:
		// no-op: arrival alone reset lastTraffic/pingsSent above.
	}
}

// handleConnect verifies the CONNECT's signature against the client's
// claimed long-term identity before ever consulting the allow-list: the
// enforced client address is the one derived from that verified identity,
// never a self-reported field, so a client cannot simply name an allowed
// address to bypass allowed_clients.
func (s *Server) handleConnect(ss *serverSession, conn *Conn, body []byte) {
	req, err := DecodeConnect(body)
	if err != nil {
		_ = conn.Send(TypeReject, Reject{Code: rnserrors.RejectMalformed, Reason: "malformed CONNECT"}.Encode())
		return
	}
	if req.Version != ProtocolVersion {
		_ = conn.Send(TypeReject, Reject{Code: rnserrors.RejectVersionMismatch, Reason: fmt.Sprintf("unsupported protocol version %d", req.Version)}.Encode())
		return
	}

	clientID, err := identity.FromPublicBytes(req.ClientPublicKey[:])
	if err != nil {
		_ = conn.Send(TypeReject, Reject{Code: rnserrors.RejectAuthFailed, Reason: "malformed client identity"}.Encode())
		return
	}
	linkID := ss.l.ID()
	if !clientID.Verify(linkID[:], req.Signature[:]) {
		_ = conn.Send(TypeReject, Reject{Code: rnserrors.RejectAuthFailed, Reason: "signature does not match link peer"}.Encode())
		return
	}
	clientAddr := clientID.Address()
	if !s.policy.Allowed(clientAddr) {
		_ = conn.Send(TypeReject, Reject{Code: rnserrors.RejectNotAllowed, Reason: "client not allowed"}.Encode())
		return
	}

	s.mu.Lock()
	if len(s.sessions) >= s.policy.MaxSessions {
		s.mu.Unlock()
		_ = conn.Send(TypeReject, Reject{Code: rnserrors.RejectSessionCapped, Reason: "session limit reached"}.Encode())
		return
	}
	var id [16]byte
	_, _ = rand.Read(id[:])
	ss.id = id
	ss.clientAddr = clientAddr
	s.sessions[id] = ss
	s.mu.Unlock()

	_ = conn.Send(TypeAccept, Accept{SessionID: id}.Encode())
}

func (s *Server) handleCommandRequest(ctx context.Context, ss *serverSession, conn *Conn, body []byte) {
	req, err := DecodeCommandRequest(body)
	if err != nil {
		s.logger.Debug("session: malformed COMMAND_REQUEST", "error", err)
		return
	}

	if err := validateCommandRequest(req); err != nil {
		_ = conn.SendCommandResponse(CommandResponse{ID: req.ID, Status: StatusError, Stderr: []byte(err.Error()), ExitCode: -1})
		return
	}

	timeout := time.Duration(s.policy.CommandTimeoutSecs) * time.Second
	if req.TimeoutSecs != 0 {
		timeout = time.Duration(req.TimeoutSecs) * time.Second
	}

	start := time.Now()
	result, err := s.exec.Execute(ctx, req.Command, req.Args, req.Env, timeout, req.WorkingDir)
	elapsed := time.Since(start)
	if err != nil {
		_ = conn.SendCommandResponse(CommandResponse{ID: req.ID, Status: StatusError, Stderr: []byte(err.Error()), ExitCode: -1, ElapsedMs: uint64(elapsed.Milliseconds())})
		return
	}

	_ = conn.SendCommandResponse(CommandResponse{
		ID:        req.ID,
		Status:    Status(result.Status),
		Stdout:    result.Stdout,
		Stderr:    result.Stderr,
		ExitCode:  result.ExitCode,
		ElapsedMs: uint64(elapsed.Milliseconds()),
	})
}

// validateCommandRequest rejects anything the executor must never see:
// an empty command, a NUL byte in any argument, or a ".." segment in the
// working directory.
func validateCommandRequest(req CommandRequest) error {
	if req.Command == "" {
		return fmt.Errorf("empty command")
	}
	for _, a := range req.Args {
		if strings.IndexByte(a, 0) >= 0 {
			return fmt.Errorf("NUL byte in argument")
		}
	}
	for _, seg := range strings.Split(req.WorkingDir, "/") {
		if seg == ".." {
			return fmt.Errorf("working_dir contains '..' segment")
		}
	}
	return nil
}

func (s *Server) closeSession(ss *serverSession) {
	s.mu.Lock()
	delete(s.sessions, ss.id)
	s.mu.Unlock()
	ss.l.Close()
}

// runIdleWatch sends PING after idleKeepaliveThreshold of silence and
// closes the link after maxUnansweredPings go unanswered.
func (s *Server) runIdleWatch(ctx context.Context, ss *serverSession, conn *Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ss.mu.Lock()
			idle := time.Since(ss.lastTraffic)
			ss.mu.Unlock()
			if idle < idleKeepaliveThreshold {
				continue
			}
			ss.mu.Lock()
			ss.pingsSent++
			sent := ss.pingsSent
			ss.mu.Unlock()
			if sent > maxUnansweredPings {
				_ = conn.Send(TypeDisconnect, Disconnect{Reason: "keepalive timeout"}.Encode())
				s.closeSession(ss)
				return
			}
			_ = conn.Send(TypePing, nil)
		}
		if ss.l.State() == link.Closed {
			s.closeSession(ss)
			return
		}
	}
}
