//go:build !windows

package procgroup

import "syscall"

// killGroup force-kills a member and its process group.
func killGroup(pid int) error {
	if pgid, err := syscall.Getpgid(pid); err == nil {
		// Negative pid sends signal to all in process group
		return syscall.Kill(-pgid, syscall.SIGKILL)
	}

	return syscall.Kill(pid, syscall.SIGKILL)
}
