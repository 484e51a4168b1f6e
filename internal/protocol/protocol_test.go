package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spokehub/internal/models"
)

func TestReaderWriterBothCodecs(t *testing.T) {
	for _, codec := range []Codec{JSON, CBOR} {
		t.Run(codec.Name(), func(t *testing.T) {
			var buf bytes.Buffer
			w := NewWriter(&buf, codec, 0)
			in := &Message{
				Type:     TypeTransferChunk,
				ID:       "42",
				DeviceID: "cam-1",
				Seq:      7,
				Data:     []byte{0, 1, 2, 0xff},
			}
			require.NoError(t, w.Write(in))
			require.NoError(t, w.Write(&Message{Type: TypeHeartbeat, Health: &Health{Battery: 0.5}}))

			r := NewReader(&buf, codec, 0)
			out, err := r.Read()
			require.NoError(t, err)
			assert.Equal(t, in, out)

			hb, err := r.Read()
			require.NoError(t, err)
			require.NotNil(t, hb.Health)
			assert.InDelta(t, 0.5, hb.Health.Battery, 1e-9)

			_, err = r.Read()
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 2048)
	buf.Write(header[:])

	_, err := ReadFrame(&buf, 1024)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.ErrorIs(t, err, models.ErrTransport)
}

func TestWriteFrameRejectsOversize(t *testing.T) {
	err := WriteFrame(io.Discard, make([]byte, 11), 10)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestTruncatedBodyIsUnexpectedEOF(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 10)
	buf.Write(header[:])
	buf.WriteString("abc")

	_, err := ReadFrame(&buf, 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReaderRejectsMalformedAndKeepsAlignment(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("{not json"), 0))
	require.NoError(t, WriteFrame(&buf, []byte(`{"id":"1"}`), 0))
	require.NoError(t, WriteFrame(&buf, []byte(`{"type":"bogus"}`), 0))
	require.NoError(t, WriteFrame(&buf, []byte(`{"type":"heartbeat","device_id":"d1"}`), 0))

	r := NewReader(&buf, JSON, 0)
	for i := 0; i < 3; i++ {
		_, err := r.Read()
		require.Error(t, err)
		assert.True(t, errors.Is(err, models.ErrProtocol), "frame %d: %v", i, err)
	}
	m, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, TypeHeartbeat, m.Type)
	assert.Equal(t, "d1", m.DeviceID)
}

func TestCodecByName(t *testing.T) {
	c, err := CodecByName("")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	c, err = CodecByName("cbor")
	require.NoError(t, err)
	assert.Equal(t, "cbor", c.Name())

	_, err = CodecByName("xml")
	assert.Error(t, err)
}

func TestAckAndErr(t *testing.T) {
	req := &Message{Type: TypeStartRecording, ID: "9", DeviceID: "d1", SessionID: "s1"}
	ack := req.Ack(StatusOK)
	assert.Equal(t, TypeCommandAck, ack.Type)
	assert.Equal(t, "9", ack.ReplyTo)
	assert.Equal(t, "s1", ack.SessionID)
	assert.NoError(t, ack.Err())

	nack := req.Ack(StatusError)
	nack.Error = "camera busy"
	err := nack.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrProtocol)
	assert.Contains(t, err.Error(), "camera busy")
}
