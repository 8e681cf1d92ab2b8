package procgroup

import (
	"os/exec"
	"sync"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

// windowsGroup wraps a job object configured with KILL_ON_JOB_CLOSE:
// when the last handle to the job is closed, including by the kernel
// when the supervisor dies, every assigned process is terminated.
type windowsGroup struct {
	mu     sync.Mutex
	job    windows.Handle
	closed bool

	log *zap.Logger
}

// New allocates the job object backing the group.
func New(log *zap.Logger) (Group, error) {
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return nil, &PlatformError{Op: "create", Err: err}
	}

	info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{
		BasicLimitInformation: windows.JOBOBJECT_BASIC_LIMIT_INFORMATION{
			LimitFlags: windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE,
		},
	}

	if _, err := windows.SetInformationJobObject(
		job,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)),
		uint32(unsafe.Sizeof(info)),
	); err != nil {
		windows.CloseHandle(job)
		return nil, &PlatformError{Op: "configure", Err: err}
	}

	return &windowsGroup{
		job: job,
		log: log.Named("procgroup"),
	}, nil
}

func (g *windowsGroup) Configure(cmd *exec.Cmd) {
	// assignment happens post-spawn via Add
}

func (g *windowsGroup) Add(pid int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return &PlatformError{Op: "add", Err: ErrGroupClosed}
	}

	proc, err := windows.OpenProcess(
		windows.PROCESS_SET_QUOTA|windows.PROCESS_TERMINATE,
		false,
		uint32(pid),
	)
	if err != nil {
		return &PlatformError{Op: "add", Err: err}
	}
	defer windows.CloseHandle(proc)

	// fails if the process already belongs to another job
	if err := windows.AssignProcessToJobObject(g.job, proc); err != nil {
		return &PlatformError{Op: "add", Err: err}
	}

	return nil
}

func (g *windowsGroup) Guarantee() Guarantee {
	return StrictKillOnRelease
}

func (g *windowsGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}
	g.closed = true

	// closing the handle terminates every member, per KILL_ON_JOB_CLOSE
	if err := windows.CloseHandle(g.job); err != nil {
		return &PlatformError{Op: "close", Err: err}
	}

	return nil
}
