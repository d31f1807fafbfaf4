package tgrid

import (
	"encoding/json"
	"fmt"
)

// Invoke is the wire message. Exactly one of the two shapes is set:
// a Call carries Listener+Parameters, a Return carries Success+Value.
// The presence of the listener field identifies a Call on the wire;
// the presence of the success field identifies a Return.
type Invoke struct {
	// UID correlates a Call with its Return. Generated locally and
	// unique within one Communicator. Serialised as a JSON number;
	// the monotonic counters stay far below 2^53.
	UID uint64

	// Listener is the dot-separated path of the target callable,
	// resolved against the remote provider root. Nil for Returns.
	Listener *string

	// Parameters is the positional argument list of a Call.
	Parameters []Parameter

	// Success reports whether the remote invocation returned normally.
	// Nil for Calls.
	Success *bool

	// Value is the encoded return value, or the serialised error
	// description when Success is false.
	Value RawValue
}

// IsCall reports whether the message is a Call.
func (i *Invoke) IsCall() bool { return i.Listener != nil }

// IsReturn reports whether the message is a Return.
func (i *Invoke) IsReturn() bool { return i.Success != nil }

func newCall(uid uint64, listener string, params []Parameter) *Invoke {
	return &Invoke{UID: uid, Listener: &listener, Parameters: params}
}

func newReturn(uid uint64, success bool, value RawValue) *Invoke {
	return &Invoke{UID: uid, Success: &success, Value: value}
}

// RawValue is an opaque payload produced by a Codec. For the JSON codec
// it is JSON text; for the CBOR codec it is CBOR bytes. It marshals
// verbatim in either encoding, like json.RawMessage.
type RawValue []byte

// MarshalJSON emits the raw bytes unchanged.
func (v RawValue) MarshalJSON() ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return v, nil
}

// UnmarshalJSON stores the raw bytes unchanged.
func (v *RawValue) UnmarshalJSON(data []byte) error {
	*v = append((*v)[:0], data...)
	return nil
}

// MarshalCBOR emits the raw bytes unchanged.
func (v RawValue) MarshalCBOR() ([]byte, error) {
	if v == nil {
		return []byte{0xf6}, nil // CBOR null
	}
	return v, nil
}

// UnmarshalCBOR stores the raw bytes unchanged.
func (v *RawValue) UnmarshalCBOR(data []byte) error {
	*v = append((*v)[:0], data...)
	return nil
}

// Parameter is one positional argument of a Call: either an opaque
// by-value payload, or a by-reference handle to a callable the sender
// exported for the duration of the call.
type Parameter struct {
	value  RawValue
	handle bool
	uid    uint64
	retain bool
}

// handleRef is the wire shape of a by-reference parameter.
type handleRef struct {
	Handle bool   `json:"handle" cbor:"handle"`
	UID    uint64 `json:"uid" cbor:"uid"`
	Retain bool   `json:"retain,omitempty" cbor:"retain,omitempty"`
}

func newValueParameter(value RawValue) Parameter {
	return Parameter{value: value}
}

func newHandleParameter(uid uint64, retain bool) Parameter {
	return Parameter{handle: true, uid: uid, retain: retain}
}

// IsHandle reports whether the parameter is a by-reference callable.
func (p Parameter) IsHandle() bool { return p.handle }

// HandleUID returns the exported callable's uid. Only meaningful when
// IsHandle is true.
func (p Parameter) HandleUID() uint64 { return p.uid }

// Retained reports whether the exporter keeps the handle alive past the
// call's Return.
func (p Parameter) Retained() bool { return p.retain }

// Value returns the by-value payload, nil for handles.
func (p Parameter) Value() RawValue { return p.value }

// MarshalJSON implements json.Marshaler.
func (p Parameter) MarshalJSON() ([]byte, error) {
	if p.handle {
		return json.Marshal(handleRef{Handle: true, UID: p.uid, Retain: p.retain})
	}
	return p.value.MarshalJSON()
}

// UnmarshalJSON implements json.Unmarshaler. An object frame carrying
// handle=true is a by-reference parameter; everything else is an opaque
// payload.
func (p *Parameter) UnmarshalJSON(data []byte) error {
	var ref handleRef
	if err := json.Unmarshal(data, &ref); err == nil && ref.Handle {
		*p = Parameter{handle: true, uid: ref.UID, retain: ref.Retain}
		return nil
	}
	*p = Parameter{value: append(RawValue(nil), data...)}
	return nil
}

// wireInvoke is the encoded form shared by both codecs.
type wireInvoke struct {
	UID        uint64      `json:"uid" cbor:"uid"`
	Listener   *string     `json:"listener,omitempty" cbor:"listener,omitempty"`
	Parameters []Parameter `json:"parameters,omitempty" cbor:"parameters,omitempty"`
	Success    *bool       `json:"success,omitempty" cbor:"success,omitempty"`
	Value      RawValue    `json:"value,omitempty" cbor:"value,omitempty"`
}

// Codec encodes and decodes Invoke frames and the opaque payloads
// embedded in them. Encode and Decode must be symmetric; unknown frame
// fields are ignored for forward compatibility.
type Codec interface {
	// EncodeInvoke serialises one Invoke to a frame.
	EncodeInvoke(inv *Invoke) ([]byte, error)

	// DecodeInvoke parses one frame. A frame that is neither a Call nor
	// a Return is a protocol error.
	DecodeInvoke(frame []byte) (*Invoke, error)

	// Marshal encodes one payload value.
	Marshal(v interface{}) (RawValue, error)

	// Unmarshal decodes one payload into v, which must be a pointer.
	Unmarshal(raw RawValue, v interface{}) error
}

// JSONCodec is the default codec: UTF-8 JSON text frames matching the
// wire format exactly.
type JSONCodec struct{}

// EncodeInvoke implements the Codec interface.
func (JSONCodec) EncodeInvoke(inv *Invoke) ([]byte, error) {
	if err := checkInvoke(inv); err != nil {
		return nil, err
	}
	data, err := json.Marshal(wireInvoke{
		UID:        inv.UID,
		Listener:   inv.Listener,
		Parameters: inv.Parameters,
		Success:    inv.Success,
		Value:      inv.Value,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode invoke: %w", err)
	}
	if len(data) > FrameSizeLimit {
		return nil, ErrFrameTooLarge
	}
	return data, nil
}

// DecodeInvoke implements the Codec interface.
func (JSONCodec) DecodeInvoke(frame []byte) (*Invoke, error) {
	if len(frame) > FrameSizeLimit {
		return nil, ErrFrameTooLarge
	}
	var w wireInvoke
	if err := json.Unmarshal(frame, &w); err != nil {
		return nil, fmt.Errorf("%w: undecodable frame: %v", ErrProtocol, err)
	}
	inv := &Invoke{
		UID:        w.UID,
		Listener:   w.Listener,
		Parameters: w.Parameters,
		Success:    w.Success,
		Value:      w.Value,
	}
	if err := checkInvoke(inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// Marshal implements the Codec interface.
func (JSONCodec) Marshal(v interface{}) (RawValue, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return RawValue(data), nil
}

// Unmarshal implements the Codec interface.
func (JSONCodec) Unmarshal(raw RawValue, v interface{}) error {
	if raw == nil {
		raw = RawValue("null")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode value: %w", err)
	}
	return nil
}

// checkInvoke enforces the exactly-one-of union shape.
func checkInvoke(inv *Invoke) error {
	switch {
	case inv.Listener != nil && inv.Success != nil:
		return fmt.Errorf("%w: frame is both call and return", ErrProtocol)
	case inv.Listener == nil && inv.Success == nil:
		return fmt.Errorf("%w: frame is neither call nor return", ErrProtocol)
	}
	return nil
}

var _ Codec = JSONCodec{}
