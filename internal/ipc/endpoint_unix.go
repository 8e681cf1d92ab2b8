//go:build !windows

package ipc

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// EndpointName returns the unix socket path for a channel id. The
// mapping is deterministic, the worker derives the same path from the
// id it receives via its environment.
func EndpointName(id ChannelID) string {
	return filepath.Join(os.TempDir(), "tether-"+id.String()+".sock")
}

// Listen opens the server side of a channel endpoint. The listener must
// exist before the worker is launched, so a connecting worker never
// races a missing endpoint.
func Listen(id ChannelID) (net.Listener, error) {
	name := EndpointName(id)

	// channel ids never repeat, a leftover socket is stale by definition
	_ = os.Remove(name)

	ln, err := net.Listen("unix", name)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", name, err)
	}

	return ln, nil
}

// Dial opens the worker side of a channel endpoint.
func Dial(ctx context.Context, id ChannelID) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", EndpointName(id))
}
