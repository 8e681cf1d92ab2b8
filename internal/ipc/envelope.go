package ipc

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates the three envelope flavours on the wire.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindError    Kind = "error"
)

// Envelope is one framed message unit. Every request produces exactly
// one terminal response or error envelope carrying the same id, unless
// the connection fails first.
type Envelope struct {
	// ID is the correlation id linking a request to its terminal
	// response or error.
	ID string `json:"id"`

	// Kind is the envelope kind.
	Kind Kind `json:"kind"`

	// Payload is the encoded message payload. Its encoding is opaque
	// to the connection, only the registered handler interprets it.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Codec translates envelopes to and from wire frames. The framing layer
// supplies the byte length, so any deterministic encoding works.
type Codec interface {
	Marshal(Envelope) ([]byte, error)
	Unmarshal([]byte) (Envelope, error)
}

// DefaultCodec is the JSON envelope codec.
var DefaultCodec Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) Marshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (jsonCodec) Unmarshal(data []byte) (Envelope, error) {
	var env Envelope

	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("failed to decode envelope: %w", err)
	}

	return env, nil
}

// wireError is the payload of an error envelope.
type wireError struct {
	Message string `json:"message"`
}
