package supervisor

import (
	"time"

	"github.com/tetherlab/tether/internal/execution/worker"
	"github.com/tetherlab/tether/internal/ipc"
)

// StartConfig describes how to launch a worker process.
type StartConfig = worker.StartConfig

type Config struct {
	// IPC holds the per-connection tunables: max frame size,
	// handshake timeout and default request timeout.
	IPC ipc.Config `conf:"ipc"`

	// StopTimeout is how long Shutdown waits for a killed worker
	// process to be reaped.
	StopTimeout time.Duration `conf:"stop_timeout"`
}

const defaultStopTimeout = 5 * time.Second

func (c Config) stopTimeout() time.Duration {
	if c.StopTimeout <= 0 {
		return defaultStopTimeout
	}

	return c.StopTimeout
}

func (c Config) handshakeTimeout() time.Duration {
	if c.IPC.HandshakeTimeout <= 0 {
		return ipc.DefaultHandshakeTimeout
	}

	return c.IPC.HandshakeTimeout
}
