//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package kdc

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

func listenConfig(reusePort bool) (net.ListenConfig, error) {
	if !reusePort {
		return net.ListenConfig{}, nil
	}
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}, nil
}
