package note

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire format: protobuf encoding of
//
//	message Note      { repeated Asset assets = 1; Metadata metadata = 2; Recipient recipient = 3; }
//	message Asset     { fixed64 faucet_prefix = 1; fixed64 faucet_suffix = 2; uint64 amount = 3; }
//	message Metadata  { fixed64 sender_prefix = 1; fixed64 sender_suffix = 2; uint32 type = 3;
//	                    fixed32 tag = 4; fixed64 aux = 5; }
//	message Recipient { repeated fixed64 serial = 1; bytes script = 2; repeated fixed64 inputs = 3; }
const (
	fieldNoteAssets    protowire.Number = 1
	fieldNoteMetadata  protowire.Number = 2
	fieldNoteRecipient protowire.Number = 3

	fieldAssetFaucetPrefix protowire.Number = 1
	fieldAssetFaucetSuffix protowire.Number = 2
	fieldAssetAmount       protowire.Number = 3

	fieldMetaSenderPrefix protowire.Number = 1
	fieldMetaSenderSuffix protowire.Number = 2
	fieldMetaType         protowire.Number = 3
	fieldMetaTag          protowire.Number = 4
	fieldMetaAux          protowire.Number = 5

	fieldRecipientSerial protowire.Number = 1
	fieldRecipientScript protowire.Number = 2
	fieldRecipientInputs protowire.Number = 3
)

var ErrMalformed = errors.New("malformed note")

// Marshal serializes a note.
func Marshal(n *Note) []byte {
	var b []byte
	for _, a := range n.Assets {
		b = protowire.AppendTag(b, fieldNoteAssets, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalAsset(a))
	}
	b = protowire.AppendTag(b, fieldNoteMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalMetadata(n.Metadata))
	b = protowire.AppendTag(b, fieldNoteRecipient, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalRecipient(n.Recipient))
	return b
}

func marshalAsset(a FungibleAsset) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldAssetFaucetPrefix, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, a.Faucet.Prefix)
	b = protowire.AppendTag(b, fieldAssetFaucetSuffix, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, a.Faucet.Suffix)
	b = protowire.AppendTag(b, fieldAssetAmount, protowire.VarintType)
	b = protowire.AppendVarint(b, a.Amount)
	return b
}

func marshalMetadata(m Metadata) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldMetaSenderPrefix, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, m.Sender.Prefix)
	b = protowire.AppendTag(b, fieldMetaSenderSuffix, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, m.Sender.Suffix)
	b = protowire.AppendTag(b, fieldMetaType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	b = protowire.AppendTag(b, fieldMetaTag, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, m.Tag)
	b = protowire.AppendTag(b, fieldMetaAux, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, m.Aux)
	return b
}

func marshalRecipient(r Recipient) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldRecipientSerial, protowire.BytesType)
	b = protowire.AppendBytes(b, packFixed64(r.Serial[:]))
	b = protowire.AppendTag(b, fieldRecipientScript, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Script)
	b = protowire.AppendTag(b, fieldRecipientInputs, protowire.BytesType)
	b = protowire.AppendBytes(b, packFixed64(r.Inputs))
	return b
}

func packFixed64(vs []uint64) []byte {
	b := make([]byte, 0, 8*len(vs))
	for _, v := range vs {
		b = protowire.AppendFixed64(b, v)
	}
	return b
}

// Unmarshal parses a note. Any structural problem is reported as
// ErrMalformed; the input is never trusted to be well formed.
func Unmarshal(b []byte) (*Note, error) {
	n := &Note{}
	var haveMeta, haveRecipient bool

	err := walk("note", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return 0, nil
		}
		v, m := protowire.ConsumeBytes(b)
		if m < 0 {
			return m, nil
		}
		switch num {
		case fieldNoteAssets:
			if len(n.Assets) >= MaxAssets {
				return 0, fmt.Errorf("more than %d assets", MaxAssets)
			}
			a, err := unmarshalAsset(v)
			if err != nil {
				return 0, err
			}
			n.Assets = append(n.Assets, a)
		case fieldNoteMetadata:
			md, err := unmarshalMetadata(v)
			if err != nil {
				return 0, err
			}
			n.Metadata, haveMeta = md, true
		case fieldNoteRecipient:
			r, err := unmarshalRecipient(v)
			if err != nil {
				return 0, err
			}
			n.Recipient, haveRecipient = r, true
		default:
			return 0, nil
		}
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	if !haveMeta {
		return nil, fmt.Errorf("%w: missing metadata", ErrMalformed)
	}
	if !haveRecipient {
		return nil, fmt.Errorf("%w: missing recipient", ErrMalformed)
	}
	return n, nil
}

func unmarshalAsset(b []byte) (FungibleAsset, error) {
	var a FungibleAsset
	err := walk("asset", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldAssetFaucetPrefix && typ == protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(b)
			a.Faucet.Prefix = v
			return m, nil
		case num == fieldAssetFaucetSuffix && typ == protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(b)
			a.Faucet.Suffix = v
			return m, nil
		case num == fieldAssetAmount && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			a.Amount = v
			return m, nil
		}
		return 0, nil
	})
	if err != nil {
		return FungibleAsset{}, err
	}
	if a.Faucet.IsZero() {
		return FungibleAsset{}, fmt.Errorf("%w: zero faucet id", ErrInvalidAsset)
	}
	if a.Amount > MaxFungibleAmount {
		return FungibleAsset{}, fmt.Errorf("%w: amount %d exceeds maximum", ErrInvalidAsset, a.Amount)
	}
	return a, nil
}

func unmarshalMetadata(b []byte) (Metadata, error) {
	var md Metadata
	err := walk("metadata", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldMetaSenderPrefix && typ == protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(b)
			md.Sender.Prefix = v
			return m, nil
		case num == fieldMetaSenderSuffix && typ == protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(b)
			md.Sender.Suffix = v
			return m, nil
		case num == fieldMetaType && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m >= 0 && (v < uint64(Public) || v > uint64(Encrypted)) {
				return 0, fmt.Errorf("unknown note type %d", v)
			}
			md.Type = NoteType(v)
			return m, nil
		case num == fieldMetaTag && typ == protowire.Fixed32Type:
			v, m := protowire.ConsumeFixed32(b)
			md.Tag = v
			return m, nil
		case num == fieldMetaAux && typ == protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(b)
			md.Aux = v
			return m, nil
		}
		return 0, nil
	})
	if err != nil {
		return Metadata{}, err
	}
	if md.Type == 0 {
		return Metadata{}, fmt.Errorf("%w: missing note type", ErrMalformed)
	}
	return md, nil
}

func unmarshalRecipient(b []byte) (Recipient, error) {
	var r Recipient
	var serial []uint64
	err := walk("recipient", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldRecipientSerial:
			var m int
			var err error
			serial, m, err = consumeFixed64s(typ, b, serial, len(r.Serial))
			return m, err
		case fieldRecipientScript:
			if typ != protowire.BytesType {
				return 0, nil
			}
			v, m := protowire.ConsumeBytes(b)
			r.Script = append([]byte(nil), v...)
			return m, nil
		case fieldRecipientInputs:
			var m int
			var err error
			r.Inputs, m, err = consumeFixed64s(typ, b, r.Inputs, MaxInputs)
			return m, err
		}
		return 0, nil
	})
	if err != nil {
		return Recipient{}, err
	}
	if len(serial) != len(r.Serial) {
		return Recipient{}, fmt.Errorf("%w: serial has %d elements, want %d", ErrMalformed, len(serial), len(r.Serial))
	}
	copy(r.Serial[:], serial)
	if len(r.Script) == 0 {
		return Recipient{}, fmt.Errorf("%w: empty script", ErrMalformed)
	}
	return r, nil
}

// consumeFixed64s accepts both packed and unpacked repeated fixed64.
func consumeFixed64s(typ protowire.Type, b []byte, dst []uint64, limit int) ([]uint64, int, error) {
	var m int
	switch typ {
	case protowire.Fixed64Type:
		var v uint64
		v, m = protowire.ConsumeFixed64(b)
		if m < 0 {
			return dst, m, nil
		}
		dst = append(dst, v)
	case protowire.BytesType:
		var packed []byte
		packed, m = protowire.ConsumeBytes(b)
		if m < 0 {
			return dst, m, nil
		}
		if len(packed)%8 != 0 {
			return dst, 0, fmt.Errorf("packed fixed64 length %d not a multiple of 8", len(packed))
		}
		if len(dst)+len(packed)/8 > limit {
			return dst, 0, fmt.Errorf("more than %d elements", limit)
		}
		for len(packed) > 0 {
			v, k := protowire.ConsumeFixed64(packed)
			dst = append(dst, v)
			packed = packed[k:]
		}
	default:
		return dst, 0, nil
	}
	if len(dst) > limit {
		return dst, 0, fmt.Errorf("more than %d elements", limit)
	}
	return dst, m, nil
}

// walk iterates the fields of one message. fn returns the number of bytes
// it consumed after the tag, 0 to skip the field, or a negative protowire
// error code.
func walk(msg string, b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %s: %v", ErrMalformed, msg, protowire.ParseError(n))
		}
		b = b[n:]

		n, err := fn(num, typ, b)
		if err != nil {
			if errors.Is(err, ErrMalformed) || errors.Is(err, ErrInvalidAsset) {
				return err
			}
			return fmt.Errorf("%w: %s field %d: %v", ErrMalformed, msg, num, err)
		}
		if n == 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: %s field %d: %v", ErrMalformed, msg, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}
