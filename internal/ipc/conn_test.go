package ipc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func echoHandler(_ context.Context, payload []byte) ([]byte, error) {
	return payload, nil
}

// newConnPair wires two Conns over an in-memory pipe and tears them
// down with the test.
func newConnPair(t *testing.T, serverHandler, clientHandler Handler) (*Conn, *Conn) {
	t.Helper()

	serverEnd, clientEnd := net.Pipe()

	cfg := Config{CallTimeout: 5 * time.Second}
	server := NewConn(context.Background(), serverEnd, serverHandler, cfg, zap.NewNop())
	client := NewConn(context.Background(), clientEnd, clientHandler, cfg, zap.NewNop())

	t.Cleanup(func() {
		server.Close()
		client.Close()
	})

	return server, client
}

func TestConn_Call_Echo(t *testing.T) {
	_, client := newConnPair(t, echoHandler, nil)

	resp, err := client.Call(context.Background(), []byte(`{"data":"roundtrip"}`), 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":"roundtrip"}`, string(resp))
}

func TestConn_Call_ResolvesOutOfOrder(t *testing.T) {
	// the handler delays proportionally to the request payload, so the
	// first request issued is the last one answered
	delayed := func(_ context.Context, payload []byte) ([]byte, error) {
		var msg struct {
			DelayMs int `json:"delay_ms"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, err
		}
		time.Sleep(time.Duration(msg.DelayMs) * time.Millisecond)
		return payload, nil
	}

	_, client := newConnPair(t, delayed, nil)

	delays := []int{150, 100, 50}

	var wg sync.WaitGroup
	for _, delay := range delays {
		wg.Add(1)
		go func(delayMs int) {
			defer wg.Done()

			payload := []byte(`{"delay_ms":` + strconv.Itoa(delayMs) + `}`)
			resp, err := client.Call(context.Background(), payload, 5*time.Second)
			assert.NoError(t, err)
			assert.Equal(t, payload, resp)
		}(delay)
	}

	wg.Wait()
}

func TestConn_Call_TimeoutLeavesConnUsable(t *testing.T) {
	release := make(chan struct{})
	handler := func(ctx context.Context, payload []byte) ([]byte, error) {
		var msg struct {
			Op string `json:"op"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, err
		}
		if msg.Op == "hang" {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return payload, nil
	}

	_, client := newConnPair(t, handler, nil)

	_, err := client.Call(context.Background(), []byte(`{"op":"hang"}`), 100*time.Millisecond)
	require.Error(t, err)

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 100*time.Millisecond, timeoutErr.Timeout)

	// the connection must survive the timeout
	resp, err := client.Call(context.Background(), []byte(`{"op":"noop"}`), 5*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"noop"}`, string(resp))

	// the late response for the hung request is discarded, not delivered
	close(release)
	resp, err = client.Call(context.Background(), []byte(`{"op":"again"}`), 5*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"again"}`, string(resp))
}

func TestConn_Call_HandlerErrorBecomesRemoteError(t *testing.T) {
	failing := func(_ context.Context, _ []byte) ([]byte, error) {
		return nil, errors.New("no such operation")
	}

	_, client := newConnPair(t, failing, nil)

	_, err := client.Call(context.Background(), []byte(`{}`), 0)
	require.Error(t, err)

	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "no such operation", remoteErr.Message)
}

func TestConn_Call_NoHandlerOnPeer(t *testing.T) {
	_, client := newConnPair(t, nil, nil)

	_, err := client.Call(context.Background(), []byte(`{}`), 0)
	require.Error(t, err)

	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, ErrNoHandler.Error(), remoteErr.Message)
}

func TestConn_Call_BothDirections(t *testing.T) {
	server, client := newConnPair(t,
		func(_ context.Context, _ []byte) ([]byte, error) {
			return []byte(`"from server"`), nil
		},
		func(_ context.Context, _ []byte) ([]byte, error) {
			return []byte(`"from client"`), nil
		},
	)

	resp, err := client.Call(context.Background(), []byte(`{}`), 0)
	require.NoError(t, err)
	assert.Equal(t, `"from server"`, string(resp))

	resp, err = server.Call(context.Background(), []byte(`{}`), 0)
	require.NoError(t, err)
	assert.Equal(t, `"from client"`, string(resp))
}

func TestConn_Call_ContextCancellation(t *testing.T) {
	blocked := func(ctx context.Context, _ []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, client := newConnPair(t, blocked, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := client.Call(ctx, []byte(`{}`), time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConn_PeerCleanCloseFailsPendingAndStaysClean(t *testing.T) {
	server, client := newConnPair(t,
		func(ctx context.Context, _ []byte) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		nil,
	)

	callErr := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), []byte(`{}`), time.Minute)
		callErr <- err
	}()

	// let the request hit the wire before closing
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, server.Close())

	select {
	case err := <-callErr:
		assert.ErrorIs(t, err, ErrConnClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("pending call was not failed on peer close")
	}

	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client conn did not observe peer close")
	}

	// an EOF between frames is a clean close, not a failure
	assert.NoError(t, client.Err())

	_, err := client.Call(context.Background(), []byte(`{}`), 0)
	assert.ErrorIs(t, err, ErrConnClosed)
}

func TestConn_OversizedFrameFailsConnection(t *testing.T) {
	serverEnd, clientEnd := net.Pipe()

	cfg := Config{MaxFrameSize: 1024}
	client := NewConn(context.Background(), clientEnd, nil, cfg, zap.NewNop())
	t.Cleanup(func() { client.Close() })

	// bypass the codec and declare a frame over the limit
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], 1<<20)

	_, err := serverEnd.Write(header[:])
	require.NoError(t, err)

	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not fail on oversized frame")
	}

	require.Error(t, client.Err())
	assert.ErrorIs(t, client.Err(), ErrFrameTooLarge)
}

func TestConn_MalformedEnvelopeFailsConnection(t *testing.T) {
	serverEnd, clientEnd := net.Pipe()

	client := NewConn(context.Background(), clientEnd, nil, Config{}, zap.NewNop())
	t.Cleanup(func() { client.Close() })

	raw := newFramed(serverEnd, 0)
	require.NoError(t, raw.WriteFrame([]byte("not json")))

	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not fail on malformed envelope")
	}

	var protoErr *ProtocolError
	assert.ErrorAs(t, client.Err(), &protoErr)
}

// markedCodec wraps the JSON codec behind a leading marker byte, so a
// frame encoded by the default codec is rejected.
type markedCodec struct{}

func (markedCodec) Marshal(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte{0x7f}, data...), nil
}

func (markedCodec) Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if len(data) == 0 || data[0] != 0x7f {
		return env, errors.New("missing codec marker")
	}
	if err := json.Unmarshal(data[1:], &env); err != nil {
		return env, err
	}
	return env, nil
}

func TestConn_ConfiguredCodecIsUsed(t *testing.T) {
	serverEnd, clientEnd := net.Pipe()

	cfg := Config{CallTimeout: 5 * time.Second, Codec: markedCodec{}}
	server := NewConn(context.Background(), serverEnd, echoHandler, cfg, zap.NewNop())
	client := NewConn(context.Background(), clientEnd, nil, cfg, zap.NewNop())
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})

	resp, err := client.Call(context.Background(), []byte(`{"data":"marked"}`), 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":"marked"}`, string(resp))
}

func TestConn_CodecMismatchFailsConnection(t *testing.T) {
	serverEnd, clientEnd := net.Pipe()

	// only the client speaks the marked dialect
	server := NewConn(context.Background(), serverEnd, echoHandler, Config{}, zap.NewNop())
	client := NewConn(context.Background(), clientEnd, nil, Config{Codec: markedCodec{}}, zap.NewNop())
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})

	_, err := client.Call(context.Background(), []byte(`{}`), 5*time.Second)
	require.Error(t, err)

	select {
	case <-server.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server conn did not fail on undecodable frame")
	}

	var protoErr *ProtocolError
	assert.ErrorAs(t, server.Err(), &protoErr)
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	_, client := newConnPair(t, echoHandler, nil)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	assert.NoError(t, client.Err())
}
