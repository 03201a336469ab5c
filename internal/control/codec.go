package control

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameSize bounds a frame payload when no limit is configured.
const DefaultMaxFrameSize = 8 << 20

const frameHeaderLen = 4

var (
	ErrEmptyFrame    = errors.New("empty frame")
	ErrFrameTooLarge = errors.New("frame too large")
)

// Framer reads and writes frames of a big-endian uint32 payload length
// followed by the payload. Limit caps the payload size in bytes; zero uses
// DefaultMaxFrameSize.
type Framer struct {
	Limit int
}

func (f Framer) limit() int {
	if f.Limit <= 0 {
		return DefaultMaxFrameSize
	}
	return f.Limit
}

// Write sends header and payload in a single write.
func (f Framer) Write(w io.Writer, payload []byte) error {
	if len(payload) > f.limit() {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, len(payload), f.limit())
	}
	buf := make([]byte, frameHeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[frameHeaderLen:], payload)
	_, err := w.Write(buf)
	return err
}

// Read returns the next payload. An oversized length is rejected before any
// payload is buffered.
func (f Framer) Read(r *bufio.Reader) ([]byte, error) {
	var header [frameHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := uint64(binary.BigEndian.Uint32(header[:]))
	switch {
	case n == 0:
		return nil, ErrEmptyFrame
	case n > uint64(f.limit()):
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, n, f.limit())
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes payload with the default limit.
func WriteFrame(w io.Writer, payload []byte) error { return Framer{}.Write(w, payload) }

// ReadFrame reads a payload with the default limit.
func ReadFrame(r *bufio.Reader) ([]byte, error) { return Framer{}.Read(r) }
