package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"spokehub/internal/models"
)

// DefaultMaxMessageSize caps a single frame payload.
const DefaultMaxMessageSize = 1 << 20

// ErrFrameTooLarge is returned when a peer announces a frame above the
// configured maximum. The stream cannot be resynchronized afterwards.
var ErrFrameTooLarge = fmt.Errorf("%w: frame exceeds maximum message size", models.ErrTransport)

// ReadFrame reads one 4-byte big-endian length-prefixed payload.
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if max <= 0 {
		max = DefaultMaxMessageSize
	}
	if uint64(n) > uint64(max) {
		return nil, fmt.Errorf("%w (%d > %d)", ErrFrameTooLarge, n, max)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	return buf, nil
}

// WriteFrame writes payload with its length prefix in a single write.
func WriteFrame(w io.Writer, payload []byte, max int) error {
	if max <= 0 {
		max = DefaultMaxMessageSize
	}
	if len(payload) > max {
		return fmt.Errorf("%w (%d > %d)", ErrFrameTooLarge, len(payload), max)
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Reader decodes framed messages from a stream.
type Reader struct {
	r     io.Reader
	codec Codec
	max   int
}

// NewReader returns a Reader for r.
func NewReader(r io.Reader, codec Codec, max int) *Reader {
	if codec == nil {
		codec = JSON
	}
	return &Reader{r: r, codec: codec, max: max}
}

// Read returns the next message. Errors wrapping models.ErrProtocol leave
// the stream aligned on the next frame; any other error is fatal for the
// connection.
func (d *Reader) Read() (*Message, error) {
	payload, err := ReadFrame(d.r, d.max)
	if err != nil {
		return nil, err
	}
	var m Message
	if err := d.codec.Unmarshal(payload, &m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Writer encodes framed messages onto a stream. It is safe for concurrent
// use; frames are never interleaved.
type Writer struct {
	mu    sync.Mutex
	w     io.Writer
	codec Codec
	max   int
}

// NewWriter returns a Writer for w.
func NewWriter(w io.Writer, codec Codec, max int) *Writer {
	if codec == nil {
		codec = JSON
	}
	return &Writer{w: w, codec: codec, max: max}
}

// Write encodes and sends m.
func (e *Writer) Write(m *Message) error {
	payload, err := e.codec.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Type, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return WriteFrame(e.w, payload, e.max)
}
