// Package protocol defines the CatSnake wire model shared by the codec,
// the transport session and the public client.
package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Type identifies the operation an envelope requests from the broker.
type Type string

const (
	TypePublish      Type = "publish"
	TypeClients      Type = "clients"
	TypeSubscribe    Type = "subscribe"
	TypeUnsubscribe  Type = "unsubscribe"
	TypeInfo         Type = "info"
	TypeHistory      Type = "history"
	TypeGrant        Type = "grant"
	TypeDeny         Type = "deny"
	TypeAuthenticate Type = "authenticate"
)

// Valid reports whether t is one of the known envelope types.
func (t Type) Valid() bool {
	switch t {
	case TypePublish, TypeClients, TypeSubscribe, TypeUnsubscribe,
		TypeInfo, TypeHistory, TypeGrant, TypeDeny, TypeAuthenticate:
		return true
	default:
		return false
	}
}

// carriesData reports whether envelopes of type t always send a payload,
// even a zero one.
func (t Type) carriesData() bool {
	return t == TypePublish || t == TypeInfo || t == TypeClients
}

// Key is a channel private key. On the wire an empty key is sent as false.
type Key string

// EncodeMsgpack implements msgpack.CustomEncoder.
func (k Key) EncodeMsgpack(enc *msgpack.Encoder) error {
	if k == "" {
		return enc.EncodeBool(false)
	}
	return enc.EncodeString(string(k))
}

// DecodeMsgpack implements msgpack.CustomDecoder.
func (k *Key) DecodeMsgpack(dec *msgpack.Decoder) error {
	v, err := dec.DecodeInterface()
	if err != nil {
		return err
	}
	switch t := v.(type) {
	case nil, bool:
		*k = ""
	case string:
		*k = Key(t)
	default:
		return fmt.Errorf("privateKey: unexpected %T", v)
	}
	return nil
}

// Metadata is attached to every envelope.
type Metadata struct {
	Time       int64  `msgpack:"time"`
	Client     string `msgpack:"client"`
	CommonName string `msgpack:"commonName"`
	Type       Type   `msgpack:"type"`
	// RequestID correlates a broker reply with the envelope that caused it.
	RequestID string `msgpack:"requestId,omitempty"`
}

// Envelope is one outbound request.
type Envelope struct {
	Channel     string   `msgpack:"channel"`
	PrivateKey  Key      `msgpack:"privateKey"`
	Payload     any      `msgpack:"payload"`
	NoSelf      *bool    `msgpack:"noself,omitempty"`
	AccessToken string   `msgpack:"accessToken,omitempty"`
	Private     *bool    `msgpack:"private,omitempty"`
	Metadata    Metadata `msgpack:"metadata"`
}

// EncodeMsgpack implements msgpack.CustomEncoder. Payload is written for
// data-carrying types even when it is a zero value such as 0, false or "".
func (e Envelope) EncodeMsgpack(enc *msgpack.Encoder) error {
	withPayload := e.Payload != nil || e.Metadata.Type.carriesData()

	n := 3
	if withPayload {
		n++
	}
	if e.NoSelf != nil {
		n++
	}
	if e.AccessToken != "" {
		n++
	}
	if e.Private != nil {
		n++
	}
	if err := enc.EncodeMapLen(n); err != nil {
		return err
	}

	field := func(key string, v any) error {
		if err := enc.EncodeString(key); err != nil {
			return err
		}
		return enc.Encode(v)
	}
	if err := field("channel", e.Channel); err != nil {
		return err
	}
	if err := field("privateKey", e.PrivateKey); err != nil {
		return err
	}
	if withPayload {
		if err := field("payload", e.Payload); err != nil {
			return err
		}
	}
	if e.NoSelf != nil {
		if err := field("noself", *e.NoSelf); err != nil {
			return err
		}
	}
	if e.AccessToken != "" {
		if err := field("accessToken", e.AccessToken); err != nil {
			return err
		}
	}
	if e.Private != nil {
		if err := field("private", *e.Private); err != nil {
			return err
		}
	}
	return field("metadata", e.Metadata)
}

// Message is one decoded inbound frame.
type Message struct {
	Channel  string   `msgpack:"channel"`
	Payload  any      `msgpack:"payload,omitempty"`
	Metadata Metadata `msgpack:"metadata"`
	Error    string   `msgpack:"error,omitempty"`
}

// Err returns the broker-reported error carried by the message, if any.
func (m *Message) Err() error {
	if m == nil || m.Error == "" {
		return nil
	}
	return &BrokerError{Channel: m.Channel, Type: m.Metadata.Type, Message: m.Error}
}

// BrokerError is an error reported by the broker in a reply frame.
type BrokerError struct {
	Channel string
	Type    Type
	Message string
}

// Error implements the error interface.
func (e *BrokerError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("broker error (%s %q): %s", e.Type, e.Channel, e.Message)
	}
	return fmt.Sprintf("broker error (%q): %s", e.Channel, e.Message)
}

// Bool returns a pointer to b, for the optional envelope flags.
func Bool(b bool) *bool {
	return &b
}
