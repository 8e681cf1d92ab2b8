package runtime

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/tetherlab/tether/internal/ipc"
)

var (
	ErrMissingChannelID = errors.New("no channel id in environment")
	ErrNotConnected     = errors.New("runtime not connected")
)

const (
	// DefaultDialRetries bounds reconnect attempts. The supervisor
	// listens before it spawns, retries only cover OS scheduling
	// delays, not a missing listener.
	DefaultDialRetries = 5

	// DefaultDialBackoff is the base delay between dial attempts,
	// doubled per retry.
	DefaultDialBackoff = 50 * time.Millisecond
)

// Config describes how a worker reaches its supervisor.
type Config struct {
	// ChannelID names the endpoint to connect to. Populated from the
	// environment, never from configuration files.
	ChannelID ipc.ChannelID `conf:"-"`

	// IPC holds the per-connection tunables.
	IPC ipc.Config `conf:"ipc"`

	// DialRetries is the number of dial attempts before giving up.
	DialRetries int `conf:"dial_retries"`

	// DialBackoff is the base delay between dial attempts.
	DialBackoff time.Duration `conf:"dial_backoff"`
}

// ConfigFromEnv reads the process boundary contract set by the
// supervisor at spawn time.
func ConfigFromEnv() (Config, error) {
	var config Config

	raw, ok := os.LookupEnv(ipc.EnvChannelID)
	if !ok || raw == "" {
		return config, ErrMissingChannelID
	}

	id, err := ipc.ParseChannelID(raw)
	if err != nil {
		return config, err
	}
	config.ChannelID = id

	if raw, ok := os.LookupEnv(ipc.EnvProtocolVersion); ok {
		version, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return config, fmt.Errorf("invalid protocol version %q: %w", raw, err)
		}

		// fail fast instead of letting the handshake reject us
		if uint32(version) != ipc.ProtocolVersion {
			return config, &ipc.ProtocolError{
				Err: fmt.Errorf("%w: supervisor speaks v%d, this binary speaks v%d",
					ipc.ErrVersionMismatch, version, ipc.ProtocolVersion),
			}
		}
	}

	return config, nil
}

func (c Config) dialRetries() int {
	if c.DialRetries <= 0 {
		return DefaultDialRetries
	}

	return c.DialRetries
}

func (c Config) dialBackoff() time.Duration {
	if c.DialBackoff <= 0 {
		return DefaultDialBackoff
	}

	return c.DialBackoff
}
