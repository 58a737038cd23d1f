package ovsdbsrv

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
)

// errUnknownCommand is returned for a control-socket line that doesn't
// match any known command.
var errUnknownCommand = fmt.Errorf("ovsdbsrv: unknown control command")

// ControlServer listens on a Unix-domain socket and answers the
// newline-delimited control commands spec.md §6 lists: `exit`,
// `<svc>/compact [DB]`, `<svc>/reconnect [REMOTE]`, `<svc>/add-remote
// NAME`, `<svc>/remove-remote NAME`, `<svc>/list-remotes`, `<svc>/add-db
// PATH`, `<svc>/remove-db NAME`, `<svc>/list-dbs`. One line in, one line
// reply out — the "local control-socket" analogue of the teacher's
// ConnectRPC control surface (SPEC_FULL.md §6), chosen because a
// JSON-RPC data-plane server's own control channel is conventionally a
// plain Unix socket, not a second RPC protocol.
type ControlServer struct {
	srv        *Server
	socketPath string
	logger     *slog.Logger

	listener net.Listener
	shutdown context.CancelFunc
}

// NewControlServer creates a ControlServer bound to socketPath (not yet
// listening).
func NewControlServer(srv *Server, socketPath string, logger *slog.Logger) *ControlServer {
	return &ControlServer{srv: srv, socketPath: socketPath, logger: logger}
}

// Serve listens on the configured socket path and answers connections
// until ctx is canceled. Calling shutdown (via the `exit` command)
// cancels its own internal context, which this also respects.
func (c *ControlServer) Serve(ctx context.Context) error {
	_ = os.Remove(c.socketPath)
	ln, err := net.Listen("unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("ovsdbsrv: control socket listen: %w", err)
	}
	c.listener = ln

	innerCtx, cancel := context.WithCancel(ctx)
	c.shutdown = cancel

	go func() {
		<-innerCtx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-innerCtx.Done():
				return nil
			default:
			}
			return fmt.Errorf("ovsdbsrv: control socket accept: %w", err)
		}
		go c.handle(innerCtx, conn)
	}
}

func (c *ControlServer) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reply := c.dispatch(ctx, line)
		if _, err := fmt.Fprintln(conn, reply); err != nil {
			return
		}
		if line == "exit" {
			return
		}
	}
}

// dispatch runs one control command and returns its reply line.
func (c *ControlServer) dispatch(ctx context.Context, line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "error: empty command"
	}

	cmd, rest := fields[0], fields[1:]
	// Accept both "command" and "<svc>/command" spellings — gofmt-style
	// control utilities (ovs-appctl) address a running daemon as
	// "<svc>/command"; this server answers either form identically.
	if idx := strings.LastIndex(cmd, "/"); idx >= 0 {
		cmd = cmd[idx+1:]
	}

	switch cmd {
	case "exit":
		if c.shutdown != nil {
			c.shutdown()
		}
		return "ok"
	case "compact":
		db := ""
		if len(rest) > 0 {
			db = rest[0]
		}
		if err := c.srv.Compact(db); err != nil {
			return "error: " + err.Error()
		}
		return "ok"
	case "reconnect":
		name := ""
		if len(rest) > 0 {
			name = rest[0]
		}
		c.srv.Reconnect(name)
		return "ok"
	case "add-remote":
		if len(rest) != 1 {
			return "error: add-remote takes exactly one NAME argument"
		}
		if err := c.srv.AddRemote(ctx, rest[0]); err != nil {
			return "error: " + err.Error()
		}
		return "ok"
	case "remove-remote":
		if len(rest) != 1 {
			return "error: remove-remote takes exactly one NAME argument"
		}
		if err := c.srv.RemoveRemote(rest[0]); err != nil {
			return "error: " + err.Error()
		}
		return "ok"
	case "list-remotes":
		return strings.Join(c.srv.ListRemotes(), " ")
	case "add-db":
		return "error: add-db requires an already-constructed database; use the daemon's startup db list or a future schema-aware loader"
	case "remove-db":
		if len(rest) != 1 {
			return "error: remove-db takes exactly one NAME argument"
		}
		c.srv.RemoveDB(rest[0])
		return "ok"
	case "list-dbs":
		return strings.Join(c.srv.ListDBs(), " ")
	default:
		return "error: " + errUnknownCommand.Error() + ": " + cmd
	}
}
