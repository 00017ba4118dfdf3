// Command meshexec is a thin wiring demo for the client side of the
// command session protocol. Like meshexecd, it is a demonstration/test
// harness rather than a configuration-driven CLI front end: it wires a
// client Conn against an in-process server over an in-memory transport
// pair and narrates protocol edge cases — allow-list rejection, protocol
// version mismatch, and command timeout — rather than duplicating the
// happy-path daemon demo meshexecd already covers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/wyre-mesh/reticulum-go/config"
	"github.com/wyre-mesh/reticulum-go/executor"
	"github.com/wyre-mesh/reticulum-go/identity"
	"github.com/wyre-mesh/reticulum-go/link"
	"github.com/wyre-mesh/reticulum-go/packet"
	"github.com/wyre-mesh/reticulum-go/policy"
	"github.com/wyre-mesh/reticulum-go/session"
	"github.com/wyre-mesh/reticulum-go/transport"
)

// Version is set at build time via ldflags.
var Version = "dev"

// fakeExecutor returns a canned result for "sleep" so the timeout scenario
// does not need a real subprocess that outlives the demo.
type fakeExecutor struct{}

func (fakeExecutor) Execute(ctx context.Context, command string, args []string, env map[string]string, timeout time.Duration, workingDir string) (executor.Result, error) {
	if command == "sleep" {
		return executor.Result{Status: executor.StatusTimeout, ExitCode: -1}, nil
	}
	return executor.Result{Status: executor.StatusSuccess}, nil
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

	fmt.Printf("=== meshexec %s (demo) ===\n", Version)
	fmt.Println()

	serverID, err := identity.Generate()
	if err != nil {
		fmt.Printf("identity generation failed: %v\n", err)
		os.Exit(int(config.ExitGeneric))
	}
	clientID, err := identity.Generate()
	if err != nil {
		fmt.Printf("identity generation failed: %v\n", err)
		os.Exit(int(config.ExitGeneric))
	}
	allowedOther, err := identity.Generate()
	if err != nil {
		fmt.Printf("identity generation failed: %v\n", err)
		os.Exit(int(config.ExitGeneric))
	}

	pol := policy.ServerPolicy{MaxSessions: 10, CommandTimeoutSecs: 300, AllowedClients: [][16]byte{allowedOther.Address()}}
	srv := session.NewServer(logger, pol, fakeExecutor{})

	exitCode := config.ExitSuccess

	fmt.Println("Scenario: allow-list reject (client identity not in allow list)")
	if err := runReject(serverID, srv, logger, clientID, session.ProtocolVersion); err != nil {
		fmt.Printf("  %v\n", err)
	} else {
		fmt.Println("  unexpected: CONNECT was accepted")
		exitCode = config.ExitAuthentication
	}

	fmt.Println("\nScenario: protocol version mismatch")
	pol.AllowedClients = nil
	srv = session.NewServer(logger, pol, fakeExecutor{})
	if err := runReject(serverID, srv, logger, clientID, 999); err != nil {
		fmt.Printf("  %v\n", err)
	} else {
		fmt.Println("  unexpected: CONNECT was accepted")
		exitCode = config.ExitNetwork
	}

	fmt.Println("\nScenario: command timeout")
	srv = session.NewServer(logger, pol, fakeExecutor{})
	if err := runTimeout(serverID, srv, logger, clientID); err != nil {
		fmt.Printf("  %v\n", err)
		exitCode = config.ExitNetwork
	}

	fmt.Println("\nDemo complete.")
	os.Exit(int(exitCode))
}

// dialAndBind wires a client/server session pair over a fresh in-memory
// transport pair and returns once the link is ACTIVE on both sides.
func dialAndBind(serverID *identity.Identity, srv *session.Server, logger *slog.Logger, onMessage func(session.Type, []byte)) (clientConn *session.Conn, clientLink *link.Link, stop func(), err error) {
	clientIface, serverIface := transport.NewPair("meshexec-demo", "meshexecd-demo")

	srvReady := make(chan struct{})
	stopPump := make(chan struct{})
	go func() {
		for {
			select {
			case <-stopPump:
				return
			default:
			}
			raw, rerr := serverIface.Receive(context.Background())
			if rerr != nil {
				return
			}
			p, derr := packet.Decode(raw)
			if derr != nil {
				continue
			}
			if p.Type == packet.TypeLinkRequest {
				lr, lerr := link.DecodeLinkRequest(p.Payload)
				if lerr != nil {
					continue
				}
				conn := session.NewConn(logger, nil)
				l, proofRaw, aerr := link.AcceptLinkRequest(lr, serverID, serverIface, conn.Dispatch, nil, logger)
				if aerr != nil {
					continue
				}
				ss := srv.BindSession(conn, l)
				go srv.Serve(context.Background(), ss, conn)
				close(srvReady)
				_ = serverIface.Send(context.Background(), proofRaw)
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn := session.NewConn(nil, onMessage)
	l, derr := link.Dial(ctx, clientIface, nil, conn.Dispatch, nil, nil)
	if derr != nil {
		close(stopPump)
		clientIface.Close()
		serverIface.Close()
		return nil, nil, nil, fmt.Errorf("dial: %w", derr)
	}

	select {
	case <-srvReady:
	case <-time.After(3 * time.Second):
		close(stopPump)
		clientIface.Close()
		serverIface.Close()
		return nil, nil, nil, fmt.Errorf("server never bound the session")
	}

	stop = func() {
		close(stopPump)
		clientIface.Close()
		serverIface.Close()
	}
	return conn, l, stop, nil
}

// runReject builds a CONNECT by hand (rather than via session.Client) so the
// version field can be overridden independently of a correctly signed
// identity.
func runReject(serverID *identity.Identity, srv *session.Server, logger *slog.Logger, clientID *identity.Identity, version uint8) error {
	rejectCh := make(chan session.Reject, 1)
	onMessage := func(t session.Type, body []byte) {
		if t == session.TypeReject {
			if r, derr := session.DecodeReject(body); derr == nil {
				rejectCh <- r
			}
		}
	}

	conn, l, stop, err := dialAndBind(serverID, srv, logger, onMessage)
	if err != nil {
		return err
	}
	defer stop()
	defer l.Close()

	linkID := l.ID()
	sig, err := clientID.Sign(linkID[:])
	if err != nil {
		return fmt.Errorf("sign link id: %w", err)
	}
	connect := session.Connect{Version: version}
	copy(connect.ClientPublicKey[:], clientID.PublicBytes())
	copy(connect.Signature[:], sig)
	if err := conn.Send(session.TypeConnect, connect.Encode()); err != nil {
		return fmt.Errorf("send CONNECT: %w", err)
	}

	select {
	case r := <-rejectCh:
		return fmt.Errorf("REJECT code=%d reason=%q", r.Code, r.Reason)
	case <-time.After(2 * time.Second):
		return fmt.Errorf("timed out waiting for REJECT")
	}
}

func runTimeout(serverID *identity.Identity, srv *session.Server, logger *slog.Logger, clientID *identity.Identity) error {
	conn, l, stop, err := dialAndBind(serverID, srv, logger, nil)
	if err != nil {
		return err
	}
	defer stop()
	defer l.Close()

	client := session.NewClient(clientID)
	client.Attach(l, conn)
	if err := client.Connect(2 * time.Second); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	resp, err := client.RunCommand("sleep", []string{"999"}, nil, 1, "", 3*time.Second)
	if err != nil {
		return fmt.Errorf("run command: %w", err)
	}
	fmt.Printf("  status=%v exit_code=%d\n", resp.Status, resp.ExitCode)
	if resp.Status != session.StatusTimeout {
		return fmt.Errorf("expected StatusTimeout, got %v", resp.Status)
	}
	return nil
}
