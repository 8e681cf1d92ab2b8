package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

// framed turns a byte stream into a sequence of length-prefixed frames.
// Each frame is a 4-byte little-endian payload length followed by
// exactly that many bytes.
type framed struct {
	conn     net.Conn
	maxFrame int

	// writeMu serializes writers. Interleaved writes would corrupt
	// the length-prefix framing.
	writeMu sync.Mutex
}

func newFramed(conn net.Conn, maxFrame int) *framed {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}

	return &framed{
		conn:     conn,
		maxFrame: maxFrame,
	}
}

// ReadFrame blocks until a complete frame is available. A clean close
// by the peer surfaces as io.EOF, a truncated frame as an error.
func (f *framed) ReadFrame() ([]byte, error) {
	var header [4]byte

	if _, err := io.ReadFull(f.conn, header[:]); err != nil {
		// io.EOF between frames is a clean close
		return nil, err
	}

	size := binary.LittleEndian.Uint32(header[:])
	if size > uint32(f.maxFrame) {
		return nil, &ProtocolError{
			Err: fmt.Errorf("%w: %d bytes declared, limit is %d", ErrFrameTooLarge, size, f.maxFrame),
		}
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(f.conn, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return payload, nil
}

// WriteFrame writes one frame and blocks until it is fully flushed.
// Concurrent callers queue on the write lock and never interleave.
func (f *framed) WriteFrame(payload []byte) error {
	if len(payload) > f.maxFrame {
		return &ProtocolError{
			Err: fmt.Errorf("%w: %d bytes, limit is %d", ErrFrameTooLarge, len(payload), f.maxFrame),
		}
	}

	// header and payload go out in a single write
	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.conn.Write(buf); err != nil {
		return err
	}

	return nil
}
