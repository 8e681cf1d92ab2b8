package ipc

import (
	"context"
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
)

// EndpointName returns the named pipe path for a channel id.
func EndpointName(id ChannelID) string {
	return `\\.\pipe\tether-` + id.String()
}

// Listen opens the server side of a channel endpoint. The listener must
// exist before the worker is launched, so a connecting worker never
// races a missing endpoint.
func Listen(id ChannelID) (net.Listener, error) {
	name := EndpointName(id)

	ln, err := winio.ListenPipe(name, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", name, err)
	}

	return ln, nil
}

// Dial opens the worker side of a channel endpoint.
func Dial(ctx context.Context, id ChannelID) (net.Conn, error) {
	return winio.DialPipeContext(ctx, EndpointName(id))
}
