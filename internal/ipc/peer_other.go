//go:build !linux && !darwin && !windows

package ipc

import "net"

func peerPid(conn net.Conn) (int, error) {
	return 0, ErrPeerPidUnsupported
}
