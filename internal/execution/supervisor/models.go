package supervisor

import "errors"

var (
	ErrSupervisorClosed = errors.New("supervisor closed")
	ErrWorkerNotReady   = errors.New("worker connection not yet active")
	ErrWorkerClosed     = errors.New("worker closed")
)

// State is the connection state of one worker, as tracked by the
// supervisor. Closed and Failed are terminal.
type State int32

const (
	// StateSpawned means the process was launched and the supervisor
	// is waiting for it to connect.
	StateSpawned State = iota

	// StateConnected means the worker connected to its endpoint.
	StateConnected

	// StateAuthenticated means identity and version checks passed.
	StateAuthenticated

	// StateActive means request traffic may flow.
	StateActive

	// StateClosed means the worker was terminated or closed cleanly.
	StateClosed

	// StateFailed means the worker or its connection failed fatally.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool {
	return s == StateClosed || s == StateFailed
}
