//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package kdc

import (
	"errors"
	"net"
)

func listenConfig(reusePort bool) (net.ListenConfig, error) {
	if reusePort {
		return net.ListenConfig{}, errors.New("kdc: SO_REUSEPORT is not supported on this platform")
	}
	return net.ListenConfig{}, nil
}
