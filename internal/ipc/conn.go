package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler processes one incoming request payload and returns the
// response payload. A returned error travels back to the caller as an
// error envelope. Traffic flows in both directions, supervisor and
// worker both register handlers.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

type callResult struct {
	payload []byte
	err     error
}

// Conn multiplexes request/response traffic over an established,
// authenticated connection. One reader goroutine dispatches incoming
// envelopes: responses resolve the matching pending request, requests
// are handed to the registered handler.
//
// Responses may complete out of order relative to issuance, the
// correlation id is the only ordering key. Frame writes are FIFO via
// the transport's single-writer discipline.
type Conn struct {
	conn    net.Conn
	framed  *framed
	codec   Codec
	handler Handler
	config  Config

	ctx    context.Context
	cancel context.CancelFunc

	// pending maps correlation ids to waiting callers. It is shared
	// between the reader goroutine and request issuers.
	pendingMu sync.Mutex
	pending   map[string]chan callResult

	closeOnce sync.Once
	done      chan struct{}
	err       error

	log *zap.Logger
}

// NewConn wraps an authenticated connection and starts its reader.
// The handshake must have completed before calling this.
func NewConn(ctx context.Context, conn net.Conn, handler Handler, config Config, log *zap.Logger) *Conn {
	config = config.withDefaults()

	connCtx, cancel := context.WithCancel(ctx)

	codec := config.Codec
	if codec == nil {
		codec = DefaultCodec
	}

	c := &Conn{
		conn:    conn,
		framed:  newFramed(conn, config.MaxFrameSize),
		codec:   codec,
		handler: handler,
		config:  config,
		ctx:     connCtx,
		cancel:  cancel,
		pending: make(map[string]chan callResult),
		done:    make(chan struct{}),
		log:     log.Named("conn"),
	}

	go c.readLoop()

	return c
}

// Call issues a request and blocks until the matching terminal envelope
// arrives, the timeout elapses, or the connection fails. A timeout
// removes only the local pending entry: the connection stays usable and
// a late response for the id is discarded as stale.
func (c *Conn) Call(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	select {
	case <-c.done:
		return nil, c.closedErr()
	default:
	}

	if timeout <= 0 {
		timeout = c.config.CallTimeout
	}

	id := uuid.NewString()
	result := make(chan callResult, 1)

	c.pendingMu.Lock()
	c.pending[id] = result
	c.pendingMu.Unlock()

	frame, err := c.codec.Marshal(Envelope{ID: id, Kind: KindRequest, Payload: payload})
	if err != nil {
		c.forget(id)
		return nil, err
	}

	if err := c.writeFrame(frame); err != nil {
		c.forget(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-result:
		return res.payload, res.err
	case <-timer.C:
		c.forget(id)
		return nil, &TimeoutError{Op: "request " + id, Timeout: timeout}
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-c.done:
		c.forget(id)
		return nil, c.closedErr()
	}
}

// Close shuts the connection down cleanly. Pending callers are woken
// with ErrConnClosed. Idempotent.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

// Done is closed once the connection reached a terminal state.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended. It returns nil while the
// connection is live and nil after a clean close by either side.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Conn) readLoop() {
	for {
		frame, err := c.framed.ReadFrame()
		if err != nil {
			c.shutdown(readError(err))
			return
		}

		env, err := c.codec.Unmarshal(frame)
		if err != nil {
			c.shutdown(&ProtocolError{Err: err})
			return
		}

		switch env.Kind {
		case KindRequest:
			// handlers run concurrently; response ordering is
			// carried by the correlation id, not arrival order
			go c.serve(env)
		case KindResponse, KindError:
			c.resolve(env)
		default:
			c.shutdown(&ProtocolError{Err: errors.New("unknown envelope kind: " + string(env.Kind))})
			return
		}
	}
}

func (c *Conn) serve(env Envelope) {
	var reply Envelope

	payload, err := c.dispatch(env)
	if err != nil {
		msg, merr := json.Marshal(wireError{Message: err.Error()})
		if merr != nil {
			msg = []byte(`{"message":"internal error"}`)
		}
		reply = Envelope{ID: env.ID, Kind: KindError, Payload: msg}
	} else {
		reply = Envelope{ID: env.ID, Kind: KindResponse, Payload: payload}
	}

	frame, err := c.codec.Marshal(reply)
	if err != nil {
		c.log.Error("failed to encode reply envelope", zap.String("id", env.ID), zap.Error(err))
		return
	}

	if err := c.writeFrame(frame); err != nil {
		c.log.Debug("failed to write reply envelope", zap.String("id", env.ID), zap.Error(err))
	}
}

func (c *Conn) dispatch(env Envelope) ([]byte, error) {
	if c.handler == nil {
		return nil, ErrNoHandler
	}

	return c.handler(c.ctx, env.Payload)
}

func (c *Conn) resolve(env Envelope) {
	c.pendingMu.Lock()
	result, ok := c.pending[env.ID]
	if ok {
		delete(c.pending, env.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		// late terminal envelope for a request that timed out locally
		c.log.Debug("discarding stale response", zap.String("id", env.ID))
		return
	}

	if env.Kind == KindError {
		var werr wireError
		if err := json.Unmarshal(env.Payload, &werr); err != nil {
			werr.Message = string(env.Payload)
		}
		result <- callResult{err: &RemoteError{Message: werr.Message}}
		return
	}

	result <- callResult{payload: env.Payload}
}

func (c *Conn) writeFrame(frame []byte) error {
	if err := c.framed.WriteFrame(frame); err != nil {
		// a failed write leaves the stream in an undefined position
		terr := &TransportError{Op: "write", Err: err}
		c.shutdown(terr)
		return terr
	}

	return nil
}

func (c *Conn) forget(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// shutdown moves the connection to its terminal state, closes the
// underlying stream and wakes every pending caller. err is nil for a
// clean close.
func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		c.cancel()
		c.conn.Close()
	})

	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan callResult)
	c.pendingMu.Unlock()

	for id, result := range pending {
		c.log.Debug("failing pending request", zap.String("id", id))
		result <- callResult{err: c.closedErr()}
	}
}

func (c *Conn) closedErr() error {
	if c.err != nil {
		return c.err
	}

	return ErrConnClosed
}

// readError classifies the end of the read loop: a plain EOF between
// frames is a clean close, anything else failed the connection.
func readError(err error) error {
	if errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil
	}

	if errors.Is(err, net.ErrClosed) {
		return nil
	}

	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return err
	}

	return &TransportError{Op: "read", Err: err}
}
