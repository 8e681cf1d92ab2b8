package ipc

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// peerPid returns the process id of the connecting peer, queried from
// the kernel via SO_PEERCRED.
func peerPid(conn net.Conn) (int, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, ErrPeerPidUnsupported
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("failed to access connection fd: %w", err)
	}

	var cred *unix.Ucred
	var credErr error

	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return 0, fmt.Errorf("failed to read peer credentials: %w", err)
	}

	if credErr != nil {
		return 0, fmt.Errorf("failed to read peer credentials: %w", credErr)
	}

	return int(cred.Pid), nil
}
