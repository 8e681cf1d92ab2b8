package procgroup

import (
	"os/exec"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

// linuxGroup relies on PR_SET_PDEATHSIG: every configured child is
// killed by the kernel the moment its parent dies, covering abnormal
// supervisor exits without any cooperation from the worker. Close
// additionally kills tracked members for orderly teardown.
type linuxGroup struct {
	mu     sync.Mutex
	pids   []int
	closed bool

	log *zap.Logger
}

// New creates the platform process group. Cannot fail on linux, the
// guarantee is carried per-child via Configure.
func New(log *zap.Logger) (Group, error) {
	return &linuxGroup{
		log: log.Named("procgroup"),
	}, nil
}

func (g *linuxGroup) Configure(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}

	cmd.SysProcAttr.Setpgid = true
	cmd.SysProcAttr.Pdeathsig = syscall.SIGKILL
}

func (g *linuxGroup) Add(pid int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return &PlatformError{Op: "add", Err: ErrGroupClosed}
	}

	// signal 0 probes existence without delivering anything
	if err := syscall.Kill(pid, 0); err != nil {
		return &PlatformError{Op: "add", Err: err}
	}

	g.pids = append(g.pids, pid)

	return nil
}

func (g *linuxGroup) Guarantee() Guarantee {
	return StrictKillOnRelease
}

func (g *linuxGroup) Close() error {
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
