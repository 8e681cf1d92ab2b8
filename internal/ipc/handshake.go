package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

// hello is the first frame a worker sends after connecting. The server
// answers with an ack frame of the same shape carrying its own version.
type hello struct {
	Version uint32 `json:"version"`
}

// ServerHandshake authenticates a freshly accepted connection. It
// verifies the connecting process id against the pid recorded at spawn
// time, then validates the protocol version announced by the worker.
// Any failure is terminal for the connection, no envelope is ever
// processed on it.
func ServerHandshake(conn net.Conn, expectedPid int, config Config, log *zap.Logger) error {
	config = config.withDefaults()

	conn.SetDeadline(time.Now().Add(config.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	pid, err := peerPid(conn)
	switch {
	case errors.Is(err, ErrPeerPidUnsupported):
		// without kernel support we cannot tell the worker from an
		// impersonating local process, continue with a warning
		log.Warn("peer pid verification unavailable, skipping identity check")
	case err != nil:
		return &TransportError{Op: "peer pid lookup", Err: err}
	case pid != expectedPid:
		return &AuthError{ExpectedPid: expectedPid, ActualPid: pid}
	}

	framed := newFramed(conn, config.MaxFrameSize)

	frame, err := framed.ReadFrame()
	if err != nil {
		return handshakeErr("read hello", err, config.HandshakeTimeout)
	}

	var h hello
	if err := json.Unmarshal(frame, &h); err != nil {
		return &ProtocolError{Err: fmt.Errorf("malformed hello frame: %w", err)}
	}

	if h.Version != ProtocolVersion {
		return &ProtocolError{
			Err: fmt.Errorf("%w: worker speaks v%d, supervisor speaks v%d", ErrVersionMismatch, h.Version, ProtocolVersion),
		}
	}

	ack, err := json.Marshal(hello{Version: ProtocolVersion})
	if err != nil {
		return fmt.Errorf("failed to encode hello ack: %w", err)
	}

	if err := framed.WriteFrame(ack); err != nil {
		return handshakeErr("write hello ack", err, config.HandshakeTimeout)
	}

	return nil
}

// ClientHandshake announces the worker's protocol version and waits for
// the supervisor's ack.
func ClientHandshake(conn net.Conn, config Config) error {
	config = config.withDefaults()

	conn.SetDeadline(time.Now().Add(config.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	framed := newFramed(conn, config.MaxFrameSize)

	msg, err := json.Marshal(hello{Version: ProtocolVersion})
	if err != nil {
		return fmt.Errorf("failed to encode hello: %w", err)
	}

	if err := framed.WriteFrame(msg); err != nil {
		return handshakeErr("write hello", err, config.HandshakeTimeout)
	}

	frame, err := framed.ReadFrame()
	if err != nil {
		return handshakeErr("read hello ack", err, config.HandshakeTimeout)
	}

	var ack hello
	if err := json.Unmarshal(frame, &ack); err != nil {
		return &ProtocolError{Err: fmt.Errorf("malformed hello ack: %w", err)}
	}

	if ack.Version != ProtocolVersion {
		return &ProtocolError{
			Err: fmt.Errorf("%w: supervisor speaks v%d, worker speaks v%d", ErrVersionMismatch, ack.Version, ProtocolVersion),
		}
	}

	return nil
}

func handshakeErr(op string, err error, timeout time.Duration) error {
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Op: "handshake", Timeout: timeout}
	}

	return &TransportError{Op: op, Err: err}
}
