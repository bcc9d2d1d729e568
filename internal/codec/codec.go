// Package codec encodes websocket frames as JSON text or CBOR binary.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/net/websocket"
)

// ErrUnknownCodec is returned by Lookup for unsupported names.
var ErrUnknownCodec = errors.New("codec: unknown codec")

// Frame is an inbound client request. Payload stays encoded until the
// handler knows which type to decode it into.
type Frame struct {
	Type      string
	RequestID string
	Payload   []byte
}

// Codec encodes values and frames for one wire format.
type Codec struct {
	name        string
	payloadType byte
	marshal     func(any) ([]byte, error)
	unmarshal   func([]byte, any) error
	frame       func([]byte) (Frame, error)
}

// Name returns "json" or "cbor".
func (c Codec) Name() string { return c.name }

// Marshal encodes v.
func (c Codec) Marshal(v any) ([]byte, error) { return c.marshal(v) }

// Unmarshal decodes data into v.
func (c Codec) Unmarshal(data []byte, v any) error { return c.unmarshal(data, v) }

// DecodeFrame splits an inbound message into its envelope and raw payload.
func (c Codec) DecodeFrame(data []byte) (Frame, error) {
	f, err := c.frame(data)
	if err != nil {
		return Frame{}, fmt.Errorf("codec: decode %s frame: %w", c.name, err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("codec: %s frame without type", c.name)
	}
	return f, nil
}

// Websocket adapts c to websocket.Codec for Send and Receive.
func (c Codec) Websocket() websocket.Codec {
	return websocket.Codec{
		Marshal: func(v any) ([]byte, byte, error) {
			data, err := c.marshal(v)
			return data, c.payloadType, err
		},
		Unmarshal: func(data []byte, _ byte, v any) error {
			if raw, ok := v.(*[]byte); ok {
				*raw = append((*raw)[:0], data...)
				return nil
			}
			return c.unmarshal(data, v)
		},
	}
}

// Lookup resolves a codec name; empty means JSON.
func Lookup(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	}
	return Codec{}, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

// JSON carries frames as text messages.
var JSON = Codec{
	name:        "json",
	payloadType: websocket.TextFrame,
	marshal:     json.Marshal,
	unmarshal:   json.Unmarshal,
	frame: func(data []byte) (Frame, error) {
		var env struct {
			Type      string          `json:"type"`
			RequestID string          `json:"request_id"`
			Payload   json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			return Frame{}, err
		}
		return Frame{Type: env.Type, RequestID: env.RequestID, Payload: env.Payload}, nil
	},
}

// CBOR carries frames as binary messages in core deterministic encoding.
// Struct fields fall back to their json tags.
var CBOR Codec

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}

	CBOR = Codec{
		name:        "cbor",
		payloadType: websocket.BinaryFrame,
		marshal:     encMode.Marshal,
		unmarshal:   decMode.Unmarshal,
		frame: func(data []byte) (Frame, error) {
			var env struct {
				Type      string          `cbor:"type"`
				RequestID string          `cbor:"request_id"`
				Payload   cbor.RawMessage `cbor:"payload"`
			}
			if err := decMode.Unmarshal(data, &env); err != nil {
				return Frame{}, err
			}
			return Frame{Type: env.Type, RequestID: env.RequestID, Payload: env.Payload}, nil
		},
	}
}
