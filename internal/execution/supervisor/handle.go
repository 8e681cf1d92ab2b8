package supervisor

import (
	"sync"

	"github.com/tetherlab/tether/internal/execution/worker"
	"github.com/tetherlab/tether/internal/ipc"
	"go.uber.org/zap"
)

// WorkerHandle is the supervisor-side record of one spawned worker. A
// handle is never silently dropped: explicit termination removes it
// from the worker table, a fatal error leaves it there in StateFailed
// so callers can observe the terminal state.
type WorkerHandle struct {
	// ChannelID names the endpoint this worker must connect to.
	ChannelID ipc.ChannelID

	proc *worker.ProcessWorker

	mu    sync.Mutex
	state State
	err   error
	conn  *ipc.Conn

	// ready is closed once the connection becomes active
	ready chan struct{}

	// done is closed once the handle reaches a terminal state
	done chan struct{}

	log *zap.Logger
}

func newHandle(id ipc.ChannelID, proc *worker.ProcessWorker, log *zap.Logger) *WorkerHandle {
	return &WorkerHandle{
		ChannelID: id,
		proc:      proc,
		state:     StateSpawned,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		log:       log.With(zap.String("channel_id", id.String())),
	}
}

// Pid returns the worker's process id.
func (h *WorkerHandle) Pid() int {
	return h.proc.Pid()
}

// State returns the current connection state.
func (h *WorkerHandle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.state
}

// Err returns the fatal error for a failed worker, nil otherwise.
func (h *WorkerHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.err
}

// Done is closed when the handle reaches Closed or Failed.
func (h *WorkerHandle) Done() <-chan struct{} {
	return h.done
}

// setState advances the state machine. It refuses to leave a terminal
// state, so a late handshake cannot resurrect a terminated worker.
func (h *WorkerHandle) setState(state State) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state.terminal() {
		return false
	}

	h.log.Debug("worker state transition",
		zap.Stringer("from", h.state),
		zap.Stringer("to", state),
	)
	h.state = state

	return true
}

// activate binds the established connection and unblocks AwaitReady.
func (h *WorkerHandle) activate(conn *ipc.Conn) bool {
	h.mu.Lock()

	if h.state.terminal() {
		h.mu.Unlock()
		return false
	}

	h.state = StateActive
	h.conn = conn
	h.mu.Unlock()

	h.log.Debug("worker active")
	close(h.ready)

	return true
}

// fail moves the handle to StateFailed and kills the worker process.
// No-op if the handle is already terminal.
func (h *WorkerHandle) fail(err error) {
	h.mu.Lock()

	if h.state.terminal() {
		h.mu.Unlock()
		return
	}

	h.state = StateFailed
	h.err = err
	conn := h.conn
	h.mu.Unlock()

	h.log.Warn("worker failed", zap.Error(err))

	if conn != nil {
		conn.Close()
	}

	// a worker without a usable connection is unreachable, reclaim it
	if killErr := h.proc.Kill(); killErr != nil {
		h.log.Debug("failed to kill worker process", zap.Error(killErr))
	}

	close(h.done)
}

// terminate moves the handle to StateClosed, closes the connection and
// kills the process. Idempotent, and does not wait for in-flight
// requests to drain.
func (h *WorkerHandle) terminate() {
	h.mu.Lock()

	if h.state.terminal() {
		h.mu.Unlock()
		return
	}

	h.state = StateClosed
	conn := h.conn
	h.mu.Unlock()

	h.log.Debug("terminating worker")

	if conn != nil {
		conn.Close()
	}

	if err := h.proc.Kill(); err != nil {
		h.log.Debug("failed to kill worker process", zap.Error(err))
	}

	close(h.done)
}

// markClosed records a clean, worker-initiated connection close.
func (h *WorkerHandle) markClosed() {
	h.mu.Lock()

	if h.state.terminal() {
		h.mu.Unlock()
		return
	}

	h.state = StateClosed
	h.mu.Unlock()

	h.log.Debug("worker connection closed")
	close(h.done)
}

// activeConn returns the worker's connection once active.
func (h *WorkerHandle) activeConn() (*ipc.Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case StateActive:
		return h.conn, nil
	case StateFailed:
		return nil, h.err
	case StateClosed:
		return nil, ErrWorkerClosed
	default:
		return nil, ErrWorkerNotReady
	}
}
