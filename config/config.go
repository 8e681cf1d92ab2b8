package config

import (
	"github.com/tetherlab/tether/internal/execution/supervisor"
	"github.com/tetherlab/tether/internal/ipc"
	"github.com/tetherlab/tether/runtime"
	"github.com/tetherlab/tether/util/conf"
)

type Config struct {
	// LogLevel is the log level for the application
	LogLevel string `conf:"log_level"`

	// LogFormat is the log format for the application
	LogFormat string `conf:"log_format"`

	// Supervisor is the supervisor configuration
	Supervisor supervisor.Config `conf:"supervisor"`

	// Worker is the worker runtime configuration
	Worker runtime.Config `conf:"worker"`
}

var DefaultConfig = conf.DefaultConfig{
	"supervisor.ipc.max_frame_size":    ipc.DefaultMaxFrameSize,
	"supervisor.ipc.handshake_timeout": ipc.DefaultHandshakeTimeout,
	"supervisor.ipc.call_timeout":      ipc.DefaultCallTimeout,
	"worker.dial_retries":              runtime.DefaultDialRetries,
	"worker.dial_backoff":              runtime.DefaultDialBackoff,
}
