package worker

import (
	"errors"
	"os/exec"
)

var (
	ErrWorkerNotStarted     = errors.New("worker not started")
	ErrWorkerAlreadyStarted = errors.New("worker already started")
)

// StartConfig describes how to launch a worker process.
type StartConfig struct {
	// Cmd is the path or name of the binary to execute
	Cmd string `conf:"cmd"`

	// Cwd is the working directory in which
	// the binary should be executed
	Cwd string `conf:"cwd"`

	// Args is the list of arguments to pass to the command
	Args []string `conf:"args"`

	// Env is a map of additional environment variables
	// to set when running the command
	Env map[string]string `conf:"env"`

	// ConfigureCmd, when set, adjusts the command right before it
	// starts. The supervisor uses it to bind the process to its group.
	ConfigureCmd func(*exec.Cmd) `conf:"-"`
}

// ExitEvent describes how a worker process ended.
type ExitEvent struct {
	// Code is the exit code of the process
	Code *int

	// Signal is the signal that caused the process to exit
	Signal *int

	// Stderr is the stderr output of the process
	Stderr string
}
