// Package procgroup ties worker process lifetimes to a supervisor-held
// handle. On platforms with a kernel primitive (windows job objects,
// linux pdeathsig), releasing the handle terminates every member even
// if the supervisor dies abruptly. Elsewhere the group degrades to a
// best-effort kill on Close.
package procgroup

import (
	"errors"
	"fmt"
	"os/exec"
)

// Guarantee is the level of orphan protection a group provides.
type Guarantee string

const (
	// StrictKillOnRelease means the kernel terminates members when the
	// group handle is released, regardless of how the supervisor exits.
	StrictKillOnRelease Guarantee = "strict"

	// BestEffort means members are only killed by an explicit Close.
	BestEffort Guarantee = "best-effort"
)

var ErrGroupClosed = errors.New("process group closed")

// PlatformError indicates the OS grouping primitive failed.
type PlatformError struct {
	Op  string
	Err error
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("process group %s failed: %s", e.Op, e.Err)
}

func (e *PlatformError) Unwrap() error {
	return e.Err
}

// Group collects worker processes whose lifetime is bound to it.
// Membership changes have a single writer, the owning supervisor.
type Group interface {
	// Configure adjusts a command before it starts so the spawned
	// process can be bound to the group.
	Configure(cmd *exec.Cmd)

	// Add associates a live process with the group. Failure is
	// non-fatal to the caller: the worker merely runs without the
	// kill-on-release guarantee.
	Add(pid int) error

	// Guarantee reports which protection level this group provides.
	Guarantee() Guarantee

	// Close releases the group handle and terminates every member.
	// Idempotent.
	Close() error
}
