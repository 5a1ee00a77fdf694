// Package codec converts envelopes to binary msgpack frames and inbound
// frames back to messages.
package codec

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"

	"github.com/grantcarthew/catsnake/protocol"
)

// EncodeError reports a value that could not be serialized.
type EncodeError struct {
	Err error
}

// Error implements the error interface.
func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode: %v", e.Err)
}

// Unwrap returns the underlying serializer error.
func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError reports a malformed inbound frame.
type DecodeError struct {
	Err  error
	Size int
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %d byte frame: %v", e.Size, e.Err)
}

// Unwrap returns the underlying deserializer error.
func (e *DecodeError) Unwrap() error { return e.Err }

var (
	errEmptyFrame   = errors.New("empty frame")
	errNotMap       = errors.New("frame is not a map")
	errTrailing     = errors.New("trailing bytes after message")
	errMissingRoute = errors.New("message has neither channel nor requestId")
)

// Encode serializes v. Struct fields without a msgpack tag fall back to
// their json tag so caller payload types behave as they would with JSON.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, &EncodeError{Err: err}
	}
	return buf.Bytes(), nil
}

// Decode parses one inbound frame into a message.
func Decode(data []byte) (*protocol.Message, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Err: errEmptyFrame}
	}

	r := bytes.NewReader(data)
	dec := newDecoder(r)

	code, err := dec.PeekCode()
	if err != nil {
		return nil, &DecodeError{Err: err, Size: len(data)}
	}
	if !isMap(code) {
		return nil, &DecodeError{Err: errNotMap, Size: len(data)}
	}

	var wire wireMessage
	if err := dec.Decode(&wire); err != nil {
		return nil, &DecodeError{Err: err, Size: len(data)}
	}
	if r.Len() > 0 {
		return nil, &DecodeError{Err: errTrailing, Size: len(data)}
	}
	if wire.Channel == "" && wire.Metadata.RequestID == "" {
		return nil, &DecodeError{Err: errMissingRoute, Size: len(data)}
	}

	msg := &protocol.Message{
		Channel:  wire.Channel,
		Metadata: wire.Metadata,
		Error:    wire.Error,
	}
	if len(wire.Payload) > 0 {
		pr := bytes.NewReader(wire.Payload)
		if msg.Payload, err = decodeValue(newDecoder(pr)); err != nil {
			return nil, &DecodeError{Err: err, Size: len(data)}
		}
	}
	return msg, nil
}

// wireMessage holds the payload undecoded so it goes through decodeValue.
type wireMessage struct {
	Channel  string             `msgpack:"channel"`
	Payload  msgpack.RawMessage `msgpack:"payload"`
	Metadata protocol.Metadata  `msgpack:"metadata"`
	Error    string             `msgpack:"error"`
}

// DecodeValue parses a frame into a generic value. Numbers decode as
// int64, uint64 or float64, binary as []byte and maps as map[string]any.
func DecodeValue(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Err: errEmptyFrame}
	}
	r := bytes.NewReader(data)
	v, err := decodeValue(newDecoder(r))
	if err != nil {
		return nil, &DecodeError{Err: err, Size: len(data)}
	}
	if r.Len() > 0 {
		return nil, &DecodeError{Err: errTrailing, Size: len(data)}
	}
	return v, nil
}

func newDecoder(r *bytes.Reader) *msgpack.Decoder {
	dec := msgpack.NewDecoder(r)
	dec.SetCustomStructTag("json")
	return dec
}

// allocLimit caps preallocation so a forged length cannot exhaust memory.
const allocLimit = 1024

// decodeValue decodes the next value with widened numbers while keeping
// bin as []byte. The loose decoder alone would turn bin into string.
func decodeValue(dec *msgpack.Decoder) (any, error) {
	code, err := dec.PeekCode()
	if err != nil {
		return nil, err
	}

	switch {
	case msgpcode.IsBin(code):
		return dec.DecodeBytes()
	case isArray(code):
		n, err := dec.DecodeArrayLen()
		if err != nil || n < 0 {
			return nil, err
		}
		out := make([]any, 0, min(n, allocLimit))
		for range n {
			v, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case isMap(code):
		n, err := dec.DecodeMapLen()
		if err != nil || n < 0 {
			return nil, err
		}
		out := make(map[string]any, min(n, allocLimit))
		for range n {
			key, err := dec.DecodeString()
			if err != nil {
				return nil, fmt.Errorf("map key: %w", err)
			}
			if out[key], err = decodeValue(dec); err != nil {
				return nil, err
			}
		}
		return out, nil
	default:
		return dec.DecodeInterfaceLoose()
	}
}

func isArray(c byte) bool {
	return msgpcode.IsFixedArray(c) || c == msgpcode.Array16 || c == msgpcode.Array32
}

func isMap(c byte) bool {
	return msgpcode.IsFixedMap(c) || c == msgpcode.Map16 || c == msgpcode.Map32
}
