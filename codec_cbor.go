package tgrid

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CBORCodec is a binary codec with the same message shapes and field
// names as the JSON codec. Both sides must agree on the codec; frames
// from the two codecs are not interchangeable.
type CBORCodec struct{}

// EncodeInvoke implements the Codec interface.
func (CBORCodec) EncodeInvoke(inv *Invoke) ([]byte, error) {
	if err := checkInvoke(inv); err != nil {
		return nil, err
	}
	data, err := cbor.Marshal(wireInvoke{
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
func (CBORCodec) DecodeInvoke(frame []byte) (*Invoke, error) {
	if len(frame) > FrameSizeLimit {
		return nil, ErrFrameTooLarge
	}
	var w wireInvoke
	if err := cbor.Unmarshal(frame, &w); err != nil {
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
func (CBORCodec) Marshal(v interface{}) (RawValue, error) {
	data, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return RawValue(data), nil
}

// Unmarshal implements the Codec interface.
func (CBORCodec) Unmarshal(raw RawValue, v interface{}) error {
	if raw == nil {
		raw = RawValue{0xf6} // CBOR null
	}
	if err := cbor.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode value: %w", err)
	}
	return nil
}

// MarshalCBOR implements cbor.Marshaler for Parameter, mirroring its
// JSON encoding.
func (p Parameter) MarshalCBOR() ([]byte, error) {
	if p.handle {
		return cbor.Marshal(handleRef{Handle: true, UID: p.uid, Retain: p.retain})
	}
	return p.value.MarshalCBOR()
}

// UnmarshalCBOR implements cbor.Unmarshaler for Parameter.
func (p *Parameter) UnmarshalCBOR(data []byte) error {
	var ref handleRef
	if err := cbor.Unmarshal(data, &ref); err == nil && ref.Handle {
		*p = Parameter{handle: true, uid: ref.UID, retain: ref.Retain}
		return nil
	}
	*p = Parameter{value: append(RawValue(nil), data...)}
	return nil
}

var _ Codec = CBORCodec{}
