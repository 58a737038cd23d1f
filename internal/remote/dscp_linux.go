//go:build linux

package remote

import (
	"log/slog"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// setDscp stamps a connection's IP_TOS (DSCP) byte at accept/dial time
// (spec.md §6 "remote DSCP option"), the same SyscallConn().Control
// pattern netio's UDPSender uses for IP_TTL/IPV6_UNICAST_HOPS.
func setDscp(conn net.Conn, dscp byte, logger *slog.Logger) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		logger.Warn("dscp: SyscallConn", slog.String("err", err.Error()))
		return
	}

	isIPv6 := false
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		isIPv6 = addr.IP.To4() == nil
	}

	var controlErr error
	err = raw.Control(func(fd uintptr) {
		tos := int(dscp) << 2
		if isIPv6 {
			controlErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
		} else {
			controlErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos)
		}
	})
	if err != nil {
		logger.Warn("dscp: control", slog.String("err", err.Error()))
		return
	}
	if controlErr != nil {
		logger.Warn("dscp: setsockopt", slog.String("err", controlErr.Error()))
	}
}
