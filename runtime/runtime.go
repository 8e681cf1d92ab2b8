// Package runtime is the worker-side counterpart of the supervisor: a
// linkable capability any executable can adopt. It connects to the
// endpoint named in the environment, performs the client handshake and
// serves requests until the supervisor closes the connection or an
// unrecoverable error occurs.
package runtime

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tetherlab/tether/internal/ipc"
	"go.uber.org/zap"
)

type Runtime struct {
	config  Config
	handler ipc.Handler

	connLock sync.Mutex
	conn     *ipc.Conn

	log *zap.Logger
}

// New creates a worker runtime serving requests with the given handler.
func New(config Config, handler ipc.Handler, log *zap.Logger) *Runtime {
	return &Runtime{
		config:  config,
		handler: handler,
		log:     log.Named("runtime"),
	}
}

// Run connects, handshakes and serves until the connection ends. It
// returns nil on a clean supervisor-initiated close and the terminal
// error otherwise; the caller maps that onto the process exit code.
func (r *Runtime) Run(ctx context.Context) error {
	conn, err := r.dialWithRetry(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to supervisor: %w", err)
	}

	if err := ipc.ClientHandshake(conn, r.config.IPC); err != nil {
		conn.Close()
		return fmt.Errorf("handshake failed: %w", err)
	}

	r.log.Debug("connected to supervisor",
		zap.String("channel_id", r.config.ChannelID.String()),
	)

	rpc := ipc.NewConn(ctx, conn, r.handler, r.config.IPC, r.log)

	r.connLock.Lock()
	r.conn = rpc
	r.connLock.Unlock()

	select {
	case <-rpc.Done():
		return rpc.Err()
	case <-ctx.Done():
		rpc.Close()
		return ctx.Err()
	}
}

// Call issues a worker-initiated request to the supervisor.
func (r *Runtime) Call(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	r.connLock.Lock()
	conn := r.conn
	r.connLock.Unlock()

	if conn == nil {
		return nil, ErrNotConnected
	}

	return conn.Call(ctx, payload, timeout)
}

// Close ends the serve loop cleanly.
func (r *Runtime) Close() error {
	r.connLock.Lock()
	conn := r.conn
	r.connLock.Unlock()

	if conn == nil {
		return nil
	}

	return conn.Close()
}

// dialWithRetry connects to the channel endpoint with a small bounded
// number of attempts and exponential backoff.
func (r *Runtime) dialWithRetry(ctx context.Context) (net.Conn, error) {
	backoff := r.config.dialBackoff()
	retries := r.config.dialRetries()

	var err error
	for attempt := 0; attempt < retries; attempt++ {
		var conn net.Conn
		if conn, err = ipc.Dial(ctx, r.config.ChannelID); err == nil {
			return conn, nil
		}

		r.log.With(
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		).Debug("error dialing supervisor")

		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, err
}

// ExitCode maps the result of Run onto the worker process exit code:
// zero for a graceful shutdown, non-zero for any failure.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	return 1
}
