package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/AjaxZhan/devspace/pkg/types"
)

// Subprotocols negotiated on the websocket handshake. The first is the default.
const (
	SubprotocolJSON = "devspace.v1.json"
	SubprotocolCBOR = "devspace.v1.cbor"
)

// ErrMalformed is returned for frames that are not an event envelope.
var ErrMalformed = errors.New("malformed message")

// Message is one decoded inbound envelope. The payload stays raw until the
// handler for Event decodes it into its own shape.
type Message struct {
	Event   string
	payload []byte
	codec   Codec
}

// Decode unmarshals the payload into v. Unknown fields are ignored; an
// absent payload leaves v untouched.
func (m *Message) Decode(v any) error {
	if len(m.payload) == 0 {
		return nil
	}
	if err := m.codec.unmarshal(m.payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Codec encodes outbound events and decodes inbound envelopes.
type Codec interface {
	Name() string
	// Binary reports whether frames are sent as binary websocket messages.
	Binary() bool
	Encode(event string, payload any) ([]byte, error)
	Decode(frame []byte) (*Message, error)
	unmarshal(data []byte, v any) error
}

// ForSubprotocol returns the codec negotiated for a connection.
func ForSubprotocol(name string) Codec {
	if name == SubprotocolCBOR {
		return CBOR
	}
	return JSON
}

var (
	JSON Codec = jsonCodec{}
	CBOR Codec = newCBORCodec()
)

type jsonCodec struct{}

type jsonEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (jsonCodec) Name() string { return SubprotocolJSON }
func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Encode(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jsonEnvelope{Event: event, Payload: raw})
}

func (c jsonCodec) Decode(frame []byte) (*Message, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrMalformed)
	}
	if string(env.Payload) == "null" {
		env.Payload = nil
	}
	return &Message{Event: env.Event, payload: env.Payload, codec: c}, nil
}

func (jsonCodec) unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

type cborEnvelope struct {
	Event   string          `cbor:"event"`
	Payload cbor.RawMessage `cbor:"payload,omitempty"`
}

func newCBORCodec() cborCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
		MaxNestedLevels:   64,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return cborCodec{enc: enc, dec: dec}
}

// cborTree carries a TreeSnapshot with the tree as plain maps. The CBOR
// encoder cannot build a plan for the self-referential types.Tree.
type cborTree struct {
	Version uint64 `cbor:"version"`
	Tree    any    `cbor:"tree"`
	Changed bool   `cbor:"changed"`
	Reason  string `cbor:"reason"`
}

// MarshalCBOR implements cbor.Marshaler.
func (s TreeSnapshot) MarshalCBOR() ([]byte, error) {
	return CBOR.(cborCodec).enc.Marshal(cborTree{
		Version: s.Version,
		Tree:    s.Tree.Plain(),
		Changed: s.Changed,
		Reason:  s.Reason,
	})
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (s *TreeSnapshot) UnmarshalCBOR(data []byte) error {
	var raw cborTree
	if err := CBOR.(cborCodec).dec.Unmarshal(data, &raw); err != nil {
		return err
	}
	tree, err := types.TreeFromPlain(raw.Tree)
	if err != nil {
		return err
	}
	*s = TreeSnapshot{Version: raw.Version, Tree: tree, Changed: raw.Changed, Reason: raw.Reason}
	return nil
}

func (cborCodec) Name() string { return SubprotocolCBOR }
func (cborCodec) Binary() bool { return true }

func (c cborCodec) Encode(event string, payload any) ([]byte, error) {
	raw, err := c.enc.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return c.enc.Marshal(cborEnvelope{Event: event, Payload: raw})
}

func (c cborCodec) Decode(frame []byte) (*Message, error) {
	var env cborEnvelope
	if err := c.dec.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrMalformed)
	}
	return &Message{Event: env.Event, payload: env.Payload, codec: c}, nil
}

func (c cborCodec) unmarshal(data []byte, v any) error {
	return c.dec.Unmarshal(data, v)
}
