//go:build linux

package core

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// tuneConn disables Nagle's algorithm and enables TCP keepalive on a fresh
// connection: the first keepalive goes out after idle, then one every idle/3,
// and the kernel gives up after three unanswered.
func tuneConn(nc net.Conn, idle time.Duration) error {
	tc, ok := nc.(*net.TCPConn)
	if !ok {
		return nil
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return err
	}
	secs := max(int(idle/time.Second), 1)
	var opErr error
	err = raw.Control(func(fd uintptr) {
		s := int(fd)
		if opErr = unix.SetsockoptInt(s, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); opErr != nil {
			return
		}
		if opErr = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); opErr != nil {
			return
		}
		if opErr = unix.SetsockoptInt(s, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, secs); opErr != nil {
			return
		}
		if opErr = unix.SetsockoptInt(s, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, max(secs/3, 1)); opErr != nil {
			return
		}
		opErr = unix.SetsockoptInt(s, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 3)
	})
	if err != nil {
		return err
	}
	return opErr
}
