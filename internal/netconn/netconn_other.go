//go:build !linux && !darwin && !freebsd

package netconn

import "syscall"

// reuseAddrControl is a no-op on platforms without SO_REUSEADDR
// support wired through golang.org/x/sys/unix.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}
