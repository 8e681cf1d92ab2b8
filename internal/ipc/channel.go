package ipc

import (
	"fmt"

	"github.com/google/uuid"
)

// Environment variables carrying the process boundary contract: the
// supervisor passes the channel id and protocol version to the child,
// the child connects only to the endpoint derived from that id.
const (
	EnvChannelID       = "TETHER_CHANNEL_ID"
	EnvProtocolVersion = "TETHER_PROTOCOL_VERSION"
)

// ChannelID names the endpoint a single worker connects to. It is
// random and globally unique, generated once per spawn, and immutable.
type ChannelID string

// NewChannelID returns a fresh, non-sequential channel id.
func NewChannelID() ChannelID {
	return ChannelID(uuid.NewString())
}

// ParseChannelID validates a channel id received from the environment.
func ParseChannelID(s string) (ChannelID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid channel id %q: %w", s, err)
	}

	return ChannelID(id.String()), nil
}

func (id ChannelID) String() string {
	return string(id)
}
