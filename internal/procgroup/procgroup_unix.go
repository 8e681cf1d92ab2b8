//go:build aix || darwin || dragonfly || freebsd || netbsd || openbsd || solaris

package procgroup

import (
	"os/exec"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

// unixGroup has no kernel kill-on-release primitive. Members are put in
// their own process group and killed on Close, which protects against
// orderly teardown paths only.
type unixGroup struct {
	mu     sync.Mutex
	pids   []int
	closed bool

	log *zap.Logger
}

// New creates the platform process group. Callers must check
// Guarantee: on this platform it is only BestEffort.
func New(log *zap.Logger) (Group, error) {
	return &unixGroup{
		log: log.Named("procgroup"),
	}, nil
}

func (g *unixGroup) Configure(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}

	cmd.SysProcAttr.Setpgid = true
}

func (g *unixGroup) Add(pid int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return &PlatformError{Op: "add", Err: ErrGroupClosed}
	}

	if err := syscall.Kill(pid, 0); err != nil {
		return &PlatformError{Op: "add", Err: err}
	}

	g.pids = append(g.pids, pid)

	return nil
}

func (g *unixGroup) Guarantee() Guarantee {
	return BestEffort
}

func (g *unixGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}
	g.closed = true

	for _, pid := range g.pids {
		if err := killGroup(pid); err != nil {
			g.log.Debug("failed to kill group member", zap.Int("pid", pid), zap.Error(err))
		}
	}
	g.pids = nil

	return nil
}
