package protocol

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"spokehub/internal/models"
)

// Codec turns messages into frame payloads and back.
type Codec interface {
	Name() string
	Marshal(*Message) ([]byte, error)
	Unmarshal([]byte, *Message) error
}

// JSON is the default codec.
var JSON Codec = jsonCodec{}

// CBOR is the binary codec, using core deterministic encoding.
var CBOR Codec

func init() {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
	CBOR = cborCodec{enc: enc, dec: dec}
}

// CodecByName resolves a configured codec name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

func (jsonCodec) Unmarshal(data []byte, m *Message) error {
	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("%w: decode json: %v", models.ErrProtocol, err)
	}
	return nil
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func (cborCodec) Name() string { return "cbor" }

func (c cborCodec) Marshal(m *Message) ([]byte, error) {
	return c.enc.Marshal(m)
}

func (c cborCodec) Unmarshal(data []byte, m *Message) error {
	if err := c.dec.Unmarshal(data, m); err != nil {
		return fmt.Errorf("%w: decode cbor: %v", models.ErrProtocol, err)
	}
	return nil
}
