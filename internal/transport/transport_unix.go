//go:build linux || darwin || freebsd

package transport

import (
	"net"

	"golang.org/x/sys/unix"
)

// readSocketBuffer reads back the kernel's current SO_SNDBUF/SO_RCVBUF
// for tc, used so TuneBuffer can judge whether a requested size change
// clears the contract's 10% threshold.
func readSocketBuffer(tc *net.TCPConn, role BufferRole) (int, error) {
	rawConn, err := tc.SyscallConn()
	if err != nil {
		return 0, err
	}

	opt := unix.SO_RCVBUF
	if role == BufferSend {
		opt = unix.SO_SNDBUF
	}

	var size int
	var sysErr error
	if err := rawConn.Control(func(fd uintptr) {
		size, sysErr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, opt)
	}); err != nil {
		return 0, err
	}
	return size, sysErr
}
