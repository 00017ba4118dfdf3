// Command meshexecd is a thin wiring demo for the server side of the
// command session protocol. It is not a configuration-driven daemon (no
// flag parsing, no config file format — config is out of scope); it wires
// identity, link, session, policy and executor together over an in-memory
// transport pair and narrates the exchange, the same role cmd/tor-client
// plays for the teacher's library: one reachable, testable entry point
// exercising the whole stack end to end.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
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

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}

func setupLogging() (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile("meshexecd-debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(int(config.ExitGeneric))
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, logFile
}

func main() {
	logger, logFile := setupLogging()
	defer func() { _ = logFile.Close() }()

	fmt.Printf("=== meshexecd %s (demo) ===\n", Version)
	fmt.Println()

	serverID, err := identity.Generate()
	if err != nil {
		fmt.Printf("identity generation failed: %v\n", err)
		os.Exit(int(config.ExitGeneric))
	}
	fmt.Printf("Server address: %x\n", serverID.Address())

	cfg := config.DefaultServerConfig()
	pol := policy.ServerPolicy{
		MaxSessions:        int(cfg.MaxSessions),
		CommandTimeoutSecs: cfg.CommandTimeoutSecs,
		AllowedClients:     cfg.AllowedClients,
	}
	exec := &executor.ShellExecutor{}
	srv := session.NewServer(logger, pol, exec)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		os.Exit(int(config.ExitSuccess))
	}()

	fmt.Println("Accepting sessions over an in-memory transport pair (demo)...")
	clientIface, serverIface := transport.NewPair("meshexec-demo", "meshexecd-demo")
	defer clientIface.Close()
	defer serverIface.Close()

	stop := make(chan struct{})
	go acceptLoop(serverIface, serverID, srv, logger, stop)
	defer close(stop)

	clientID, err := identity.Generate()
	if err != nil {
		fmt.Printf("identity generation failed: %v\n", err)
		os.Exit(int(config.ExitGeneric))
	}
	if err := runDemoCommand(clientIface, clientID, "echo", []string{"hello"}); err != nil {
		fmt.Printf("demo command failed: %v\n", err)
		os.Exit(int(config.ExitNetwork))
	}

	if err := runDemoLargeOutput(clientIface, clientID); err != nil {
		fmt.Printf("demo large-output command failed: %v\n", err)
		os.Exit(int(config.ExitNetwork))
	}

	fmt.Println("\nDemo complete.")
}

// acceptLoop mirrors the teacher's accept-loop shape (cmd/tor-client's
// runSOCKSProxy), here pumping decoded packets from the in-memory pair to
// either a fresh AcceptLinkRequest or an existing link's HandlePacket.
func acceptLoop(iface *transport.Pair, serverID *identity.Identity, srv *session.Server, logger *slog.Logger, stop chan struct{}) {
	links := make(map[[16]byte]*link.Link)
	for {
		select {
		case <-stop:
			return
		default:
		}
		raw, err := iface.Receive(context.Background())
		if err != nil {
			return
		}
		p, err := packet.Decode(raw)
		if err != nil {
			continue
		}
		if p.Type == packet.TypeLinkRequest {
			lr, err := link.DecodeLinkRequest(p.Payload)
			if err != nil {
				continue
			}
			conn := session.NewConn(logger, nil)
			l, proofRaw, err := link.AcceptLinkRequest(lr, serverID, iface, conn.Dispatch, nil, logger)
			if err != nil {
				logger.Warn("meshexecd: accept link request failed", "error", err)
				continue
			}
			links[l.ID()] = l
			ss := srv.BindSession(conn, l)
			go srv.Serve(context.Background(), ss, conn)
			_ = iface.Send(context.Background(), proofRaw)
			continue
		}
		for _, l := range links {
			l.HandlePacket(nil, p)
		}
	}
}

// runDemoCommand dials a link, opens a session and runs one command,
// printing the COMMAND_RESPONSE.
func runDemoCommand(iface *transport.Pair, clientID *identity.Identity, command string, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := session.NewConn(nil, nil)
	l, err := link.Dial(ctx, iface, nil, conn.Dispatch, nil, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer l.Close()

	client := session.NewClient(clientID)
	client.Attach(l, conn)

	fmt.Printf("Connecting as %x...\n", clientID.Address())
	if err := client.Connect(3 * time.Second); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	fmt.Println("  ACCEPT received.")

	fmt.Printf("Running command %q %v...\n", command, args)
	resp, err := client.RunCommand(command, args, nil, 0, "", 3*time.Second)
	if err != nil {
		return fmt.Errorf("run command: %w", err)
	}
	fmt.Printf("  status=%v exit_code=%d stdout=%q\n", resp.Status, resp.ExitCode, resp.Stdout)
	return nil
}

// runDemoLargeOutput exercises the resource-backed COMMAND_RESPONSE path
// against the bundled ShellExecutor by dumping a file larger than the
// direct-frame body limit.
func runDemoLargeOutput(iface *transport.Pair, clientID *identity.Identity) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn := session.NewConn(nil, nil)
	l, err := link.Dial(ctx, iface, nil, conn.Dispatch, nil, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer l.Close()

	client := session.NewClient(clientID)
	client.Attach(l, conn)
	if err := client.Connect(3 * time.Second); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	fmt.Println("Running large-output command (head -c 204800 /dev/zero)...")
	resp, err := client.RunCommand("head", []string{"-c", "204800", "/dev/zero"}, nil, 0, "", 10*time.Second)
	if err != nil {
		return fmt.Errorf("run command: %w", err)
	}
	fmt.Printf("  status=%v exit_code=%d stdout_len=%d\n", resp.Status, resp.ExitCode, len(resp.Stdout))
	return nil
}
