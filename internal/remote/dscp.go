//go:build !linux

package remote

import (
	"log/slog"
	"net"
)

// setDscp is a no-op outside Linux: the DSCP/TOS socket option this
// module uses (IP_TOS via SO_REUSEADDR-style syscall.RawConn.Control) is
// Linux-specific, matching netio's rawsock_linux.go split in the
// original codebase this package is adapted from.
func setDscp(_ net.Conn, _ byte, logger *slog.Logger) {
	logger.Debug("dscp option requested but not supported on this platform")
}
