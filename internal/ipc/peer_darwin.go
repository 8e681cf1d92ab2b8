package ipc

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// peerPid returns the process id of the connecting peer, queried from
// the kernel via LOCAL_PEERPID.
func peerPid(conn net.Conn) (int, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, ErrPeerPidUnsupported
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("failed to access connection fd: %w", err)
	}

	var pid int
	var pidErr error

	if err := raw.Control(func(fd uintptr) {
		pid, pidErr = unix.GetsockoptInt(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERPID)
	}); err != nil {
		return 0, fmt.Errorf("failed to read peer pid: %w", err)
	}

	if pidErr != nil {
		return 0, fmt.Errorf("failed to read peer pid: %w", pidErr)
	}

	return pid, nil
}
