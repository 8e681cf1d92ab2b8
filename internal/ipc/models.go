package ipc

import (
	"errors"
	"fmt"
	"time"
)

// ProtocolVersion is the handshake protocol version spoken by this build.
// Supervisor and worker must agree on it before any envelope is exchanged.
const ProtocolVersion uint32 = 1

const (
	// DefaultMaxFrameSize bounds the allocation for a single frame.
	DefaultMaxFrameSize = 16 << 20

	// DefaultHandshakeTimeout bounds connection establishment, covering
	// accept, identity verification and the hello exchange.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultCallTimeout is the fallback timeout for Call.
	DefaultCallTimeout = 30 * time.Second
)

var (
	ErrFrameTooLarge      = errors.New("frame exceeds maximum size")
	ErrVersionMismatch    = errors.New("protocol version mismatch")
	ErrPidMismatch        = errors.New("peer pid mismatch")
	ErrConnClosed         = errors.New("connection closed")
	ErrNoHandler          = errors.New("no request handler registered")
	ErrPeerPidUnsupported = errors.New("peer pid lookup not supported")
)

// ProtocolError indicates the peer violated the wire protocol. It is
// terminal for the connection it occurred on.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// AuthError indicates the connecting peer is not the process the
// endpoint was created for.
type AuthError struct {
	ExpectedPid int
	ActualPid   int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("peer pid mismatch: expected %d, got %d", e.ExpectedPid, e.ActualPid)
}

func (e *AuthError) Unwrap() error {
	return ErrPidMismatch
}

// TimeoutError indicates a bounded operation did not complete in time.
// For requests this is locally recoverable, the connection stays usable.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

// TransportError indicates an I/O failure on the underlying connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %s", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RemoteError carries an error envelope returned by the peer's handler.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error: %s", e.Message)
}

// Config describes the tunables of a single connection.
type Config struct {
	// MaxFrameSize is the maximum accepted frame payload size in bytes.
	MaxFrameSize int `conf:"max_frame_size"`

	// HandshakeTimeout bounds connection establishment.
	HandshakeTimeout time.Duration `conf:"handshake_timeout"`

	// CallTimeout is the default timeout for requests issued without
	// an explicit one.
	CallTimeout time.Duration `conf:"call_timeout"`

	// Codec overrides the envelope codec. Both ends of a channel must
	// agree on it. Nil selects DefaultCodec.
	Codec Codec `conf:"-"`
}

func (c Config) withDefaults() Config {
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	return c
}
