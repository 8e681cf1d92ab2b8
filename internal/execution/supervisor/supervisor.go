// Package supervisor spawns worker subprocesses, establishes their ipc
// channels and tracks their per-worker connection state. Workers are
// bound to a kill-on-release process group so they cannot outlive an
// abnormal supervisor exit. Failure is isolated per connection, one
// broken worker never affects the others.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetherlab/tether/internal/execution/worker"
	"github.com/tetherlab/tether/internal/ipc"
	"github.com/tetherlab/tether/internal/procgroup"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Params struct {
	// Context is the base context for all worker connections.
	Context context.Context

	// Config is the config used to set up the supervisor and its workers.
	Config Config

	// Handler serves requests that workers initiate towards the
	// supervisor. Optional, traffic may still flow the other way.
	Handler ipc.Handler

	// Group overrides the platform process group. Used in tests.
	Group procgroup.Group

	// Log is the logger to use for the supervisor
	Log *zap.Logger
}

type Supervisor struct {
	ctx     context.Context
	config  Config
	handler ipc.Handler
	group   procgroup.Group

	workerLock sync.Mutex
	workers    map[ipc.ChannelID]*WorkerHandle
	closed     bool

	log *zap.Logger
}

// New creates a supervisor and its process group. On platforms where
// the group only offers a best-effort guarantee this is reported as a
// warning, not a hard failure; strict-platform creation errors are
// fatal.
func New(params Params) (*Supervisor, error) {
	if params.Context == nil {
		params.Context = context.Background()
	}

	log := params.Log.Named("supervisor")

	group := params.Group
	if group == nil {
		var err error
		if group, err = procgroup.New(params.Log); err != nil {
			return nil, fmt.Errorf("failed to create process group: %w", err)
		}
	}

	if group.Guarantee() != procgroup.StrictKillOnRelease {
		log.Warn("process group offers no kernel kill-on-release guarantee",
			zap.String("guarantee", string(group.Guarantee())),
		)
	}

	return &Supervisor{
		ctx:     params.Context,
		config:  params.Config,
		handler: params.Handler,
		group:   group,
		workers: make(map[ipc.ChannelID]*WorkerHandle),
		log:     log,
	}, nil
}

// Guarantee reports the orphan-protection level of the process group.
func (s *Supervisor) Guarantee() procgroup.Guarantee {
	return s.group.Guarantee()
}

// Spawn launches a worker process and returns its handle immediately,
// in StateSpawned. The endpoint listener exists before the child is
// launched, so the child can never connect into a void. Connection
// establishment and handshake proceed concurrently with the caller.
func (s *Supervisor) Spawn(ctx context.Context, config StartConfig) (*WorkerHandle, error) {
	s.workerLock.Lock()
	if s.closed {
		s.workerLock.Unlock()
		return nil, ErrSupervisorClosed
	}
	s.workerLock.Unlock()

	id := ipc.NewChannelID()

	// listen before launch
	ln, err := ipc.Listen(id)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on channel endpoint: %w", err)
	}

	env := make(map[string]string, len(config.Env)+2)
	for k, v := range config.Env {
		env[k] = v
	}
	env[ipc.EnvChannelID] = id.String()
	env[ipc.EnvProtocolVersion] = strconv.FormatUint(uint64(ipc.ProtocolVersion), 10)
	config.Env = env
	config.ConfigureCmd = s.group.Configure

	proc := worker.NewProcessWorker(s.ctx, config, s.log)

	if err := proc.Start(ctx); err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to start worker process: %w", err)
	}

	if err := s.group.Add(proc.Pid()); err != nil {
		// the worker runs without the kill-on-release guarantee
		s.log.Warn("failed to add worker to process group",
			zap.Int("pid", proc.Pid()),
			zap.Error(err),
		)
	}

	handle := newHandle(id, proc, s.log)

	// shutdown may have drained the table while the process was being
	// launched, a handle inserted now would never be terminated
	s.workerLock.Lock()
	if s.closed {
		s.workerLock.Unlock()
		ln.Close()
		handle.terminate()
		return nil, ErrSupervisorClosed
	}
	s.workers[id] = handle
	s.workerLock.Unlock()

	go s.establish(handle, ln)
	go s.reap(handle)

	return handle, nil
}

// AwaitReady blocks until the worker's connection is active, the
// worker reaches a terminal state, or the timeout elapses.
func (s *Supervisor) AwaitReady(ctx context.Context, handle *WorkerHandle, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-handle.ready:
		return nil
	case <-handle.done:
		if err := handle.Err(); err != nil {
			return err
		}
		return ErrWorkerClosed
	case <-timer.C:
		return &ipc.TimeoutError{Op: "await ready", Timeout: timeout}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Request issues a request on the worker's connection and blocks until
// the terminal response arrives or the timeout elapses. A timeout is
// locally recoverable, the connection stays usable.
func (s *Supervisor) Request(ctx context.Context, handle *WorkerHandle, payload []byte, timeout time.Duration) ([]byte, error) {
	conn, err := handle.activeConn()
	if err != nil {
		return nil, err
	}

	return conn.Call(ctx, payload, timeout)
}

// Terminate unconditionally ends the worker and removes it from the
// worker table. Idempotent, does not wait for in-flight requests.
func (s *Supervisor) Terminate(handle *WorkerHandle) error {
	s.workerLock.Lock()
	delete(s.workers, handle.ChannelID)
	s.workerLock.Unlock()

	handle.terminate()

	return nil
}

// Worker looks up a live or failed worker by channel id.
func (s *Supervisor) Worker(id ipc.ChannelID) (*WorkerHandle, bool) {
	s.workerLock.Lock()
	defer s.workerLock.Unlock()

	handle, ok := s.workers[id]
	return handle, ok
}

// Workers returns a snapshot of the worker table.
func (s *Supervisor) Workers() []*WorkerHandle {
	s.workerLock.Lock()
	defer s.workerLock.Unlock()

	handles := make([]*WorkerHandle, 0, len(s.workers))
	for _, handle := range s.workers {
		handles = append(handles, handle)
	}

	return handles
}

// Shutdown terminates every worker and releases the process group.
// Releasing the group is what guarantees that any worker missed here,
// or left behind by an abnormal exit path, is still killed.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.workerLock.Lock()
	if s.closed {
		s.workerLock.Unlock()
		return nil
	}
	s.closed = true

	handles := make([]*WorkerHandle, 0, len(s.workers))
	for _, handle := range s.workers {
		handles = append(handles, handle)
	}
	s.workers = make(map[ipc.ChannelID]*WorkerHandle)
	s.workerLock.Unlock()

	var g errgroup.Group
	for _, handle := range handles {
		handle := handle
		g.Go(func() error {
			handle.terminate()
			handle.proc.WaitFor(ctx, s.config.stopTimeout())
			return nil
		})
	}
	g.Wait()

	return s.group.Close()
}

// establish accepts the worker's connection, runs the server-side
// handshake and activates the handle. Runs once per spawned worker.
func (s *Supervisor) establish(handle *WorkerHandle, ln net.Listener) {
	defer ln.Close()

	timeout := s.config.handshakeTimeout()

	conn, err := acceptWithTimeout(ln, timeout)
	if err != nil {
		handle.fail(err)
		return
	}

	handle.setState(StateConnected)

	if err := ipc.ServerHandshake(conn, handle.Pid(), s.config.IPC, handle.log); err != nil {
		conn.Close()
		handle.fail(err)
		return
	}

	handle.setState(StateAuthenticated)

	rpc := ipc.NewConn(s.ctx, conn, s.handler, s.config.IPC, handle.log)

	if !handle.activate(rpc) {
		// terminated while the handshake was in flight
		rpc.Close()
		return
	}

	go s.watch(handle, rpc)
}

// acceptWithTimeout bounds the accept phase. It does not rely on
// listener deadlines: named pipe listeners implement none, closing the
// listener is the only cancellation that works on every platform.
func acceptWithTimeout(ln net.Listener, timeout time.Duration) (net.Conn, error) {
	var timedOut atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		ln.Close()
	})
	defer timer.Stop()

	conn, err := ln.Accept()
	if err != nil {
		if timedOut.Load() {
			return nil, &ipc.TimeoutError{Op: "handshake", Timeout: timeout}
		}
		return nil, &ipc.TransportError{Op: "accept", Err: err}
	}

	return conn, nil
}

// watch propagates the connection's terminal state to the handle.
func (s *Supervisor) watch(handle *WorkerHandle, conn *ipc.Conn) {
	<-conn.Done()

	if err := conn.Err(); err != nil {
		handle.fail(err)
		return
	}

	handle.markClosed()
}

// reap fails the handle if the worker process dies before its handle
// reached a terminal state, e.g. a crash during startup.
func (s *Supervisor) reap(handle *WorkerHandle) {
	evt, err := handle.proc.Wait(s.ctx)
	if err != nil {
		return
	}

	select {
	case <-handle.done:
		return
	default:
	}

	handle.fail(fmt.Errorf("worker process exited unexpectedly: %s", exitSummary(evt)))
}

func exitSummary(evt worker.ExitEvent) string {
	switch {
	case evt.Signal != nil:
		return fmt.Sprintf("signal %d", *evt.Signal)
	case evt.Code != nil:
		return fmt.Sprintf("exit code %d", *evt.Code)
	default:
		return "unknown cause"
	}
}
