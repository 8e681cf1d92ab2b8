package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ProcessWorker manages the OS process of one worker. It only deals
// with lifecycle: start, exit observation, signals and stderr capture.
// Message traffic runs over the worker's ipc channel, not its stdio.
type ProcessWorker struct {
	ctx    context.Context
	config StartConfig

	processLock sync.Mutex
	cmd         *exec.Cmd
	exitChan    chan ExitEvent
	doneChan    chan struct{}

	stderr   bytes.Buffer
	stderrWg sync.WaitGroup

	log *zap.Logger
}

func NewProcessWorker(ctx context.Context, config StartConfig, log *zap.Logger) *ProcessWorker {
	return &ProcessWorker{
		ctx:      ctx,
		config:   config,
		exitChan: make(chan ExitEvent, 1),
		doneChan: make(chan struct{}),
		log:      log.Named("worker"),
	}
}

// Start starts the worker process.
func (w *ProcessWorker) Start(ctx context.Context) error {
	w.log.With(
		zap.String("command", w.config.Cmd),
		zap.Strings("args", w.config.Args),
		zap.String("cwd", w.config.Cwd),
	).Debug("starting worker process")

	// synchronize access to the process
	w.processLock.Lock()
	defer w.processLock.Unlock()

	// return if the worker is already started
	if w.cmd != nil {
		return ErrWorkerAlreadyStarted
	}

	// exit early if the context is already cancelled
	if ctx.Err() != nil {
		return fmt.Errorf("failed to start process: %w", ctx.Err())
	}

	cmd := exec.Command(w.config.Cmd, w.config.Args...)

	cmd.Env = os.Environ()
	for k, v := range w.config.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	if w.config.Cwd != "" {
		cmd.Dir = w.config.Cwd
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	initCmd(cmd)

	if w.config.ConfigureCmd != nil {
		w.config.ConfigureCmd(cmd)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start process: %w", err)
	}

	w.cmd = cmd

	// read from stderr in a separate goroutine
	w.stderrWg.Add(1)
	go func() {
		defer w.stderrWg.Done()

		// read from stderr and save it for later use
		_, err := io.Copy(&w.stderr, stderr)
		if err != nil && err != io.EOF {
			w.log.Error("failed to read from stderr", zap.Error(err))
		}
	}()

	// wait for the process to terminate,
	// and send the exit event to the channel
	go func() {
		// wait for stderr first, Wait closes the pipes
		w.stderrWg.Wait()

		// block until the process exits
		err := cmd.Wait()

		close(w.doneChan)

		// send the exit event to the channel
		w.exitChan <- getExitEvent(err, w.stderr.String())

		// close the exit channel
		close(w.exitChan)
	}()

	// wait for the worker context to be cancelled,
	// and kill the process.
	go func() {
		select {
		case <-w.doneChan:
			// the process has terminated, do nothing
		case <-w.ctx.Done():
			// kill the process without further ado
			w.killProcess(true)
		}
	}()

	return nil
}

// Pid returns the process id of the running worker, or 0 if the worker
// was not started.
func (w *ProcessWorker) Pid() int {
	w.processLock.Lock()
	defer w.processLock.Unlock()

	if w.cmd == nil || w.cmd.Process == nil {
		return 0
	}

	return w.cmd.Process.Pid
}

// Wait waits for the worker process to exit. The method blocks until the
// process exits. It returns an ExitEvent that contains the exit status of
// the process. If the process is already terminated, it returns immediately.
func (w *ProcessWorker) Wait(ctx context.Context) (ExitEvent, error) {
	select {
	case <-ctx.Done():
		return ExitEvent{}, ctx.Err()
	case exitEvent := <-w.exitChan:
		return exitEvent, nil
	}
}

// WaitFor waits for the worker process to exit, giving up after the
// deadline. A deadline of zero waits indefinitely.
func (w *ProcessWorker) WaitFor(
	ctx context.Context,
	deadline time.Duration,
) (ExitEvent, error) {
	var waitCtx context.Context
	var cancel context.CancelFunc

	if deadline <= 0 {
		waitCtx, cancel = context.WithCancel(ctx)
	} else {
		waitCtx, cancel = context.WithTimeout(ctx, deadline)
	}

	defer cancel()

	return w.Wait(waitCtx)
}

// Done is closed once the worker process has exited.
func (w *ProcessWorker) Done() <-chan struct{} {
	return w.doneChan
}

// Terminate asks the worker process to stop. The method returns
// immediately, without waiting for the process to stop.
func (w *ProcessWorker) Terminate() error {
	if !w.started() {
		return ErrWorkerNotStarted
	}

	select {
	case <-w.doneChan:
		w.log.Debug("process already terminated")
		return nil
	default:
	}

	return w.killProcess(false)
}

// Kill force-kills the worker process. The method returns immediately,
// without waiting for the process to stop.
func (w *ProcessWorker) Kill() error {
	if !w.started() {
		return ErrWorkerNotStarted
	}

	select {
	case <-w.doneChan:
		w.log.Debug("process already terminated")
		return nil
	default:
	}

	return w.killProcess(true)
}

func (w *ProcessWorker) started() bool {
	w.processLock.Lock()
	defer w.processLock.Unlock()

	return w.cmd != nil
}

// MARK: - Helpers

func getExitEvent(err error, stderr string) ExitEvent {
	var cell int
	var exitStatus *int
	var signo *int

	if err == nil {
		// the process exited successfully, set the exit code to 0
		exitStatus = &cell
	} else if exitError, ok := err.(*exec.ExitError); ok {
		// the process exited with an error
		if status, ok := exitError.Sys().(syscall.WaitStatus); ok {
			if code := status.ExitStatus(); code >= 0 {
				// the process exited with an exit code
				cell = code
				exitStatus = &cell
			} else {
				// the process was terminated by a signal
				cell = int(status.Signal())
				signo = &cell
			}
		}
	}

	if signo == nil && exitStatus == nil {
		// could not determine the exit status or signal,
		// set exit status to 1
		cell = 1
		exitStatus = &cell
	}

	return ExitEvent{
		Code:   exitStatus,
		Signal: signo,
		Stderr: stderr,
	}
}
