// Package sockopt configures the TCP socket options the transmission-phase
// data path relies on for disconnect detection (spec.md §5 "Cancellation &
// timeouts"): keepalive probing and a send-unacknowledged user timeout.
package sockopt

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/VladikNeVladik/NBD-Server/internal/constants"
)

// Configure sets TCP_KEEPIDLE/TCP_KEEPINTVL/TCP_KEEPCNT and TCP_USER_TIMEOUT
// on conn per spec.md §5, mirroring the teacher's use of x/sys/unix for
// syscall-level socket/scheduler configuration (internal/queue/runner.go's
// unix.SchedSetaffinity use, generalized here to socket options).
func Configure(conn *net.TCPConn) error {
	if err := conn.SetKeepAlive(true); err != nil {
		return fmt.Errorf("sockopt: enable keepalive: %w", err)
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("sockopt: SyscallConn: %w", err)
	}

	var sysErr error
	err = raw.Control(func(fd uintptr) {
		if sysErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, int(constants.KeepaliveIdle.Seconds())); sysErr != nil {
			return
		}
		if sysErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, int(constants.KeepaliveInterval.Seconds())); sysErr != nil {
			return
		}
		if sysErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, constants.KeepaliveProbes); sysErr != nil {
			return
		}
		sysErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, int(constants.UserTimeout.Milliseconds()))
	})
	if err != nil {
		return fmt.Errorf("sockopt: Control: %w", err)
	}
	if sysErr != nil {
		return fmt.Errorf("sockopt: setsockopt: %w", sysErr)
	}

	return conn.SetNoDelay(true)
}
