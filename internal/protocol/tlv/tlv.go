// Package tlv encodes the small typed records carried by session control
// packets: handshake and heartbeat.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderLen is id(2) + type(1) + length(4).
const HeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrTypeMismatch     = errors.New("tlv: field type mismatch")
	ErrMissingField     = errors.New("tlv: missing field")
	ErrBadWidth         = errors.New("tlv: bad integer width")
)

const (
	TypeU8     uint8 = 1
	TypeU16    uint8 = 2
	TypeU32    uint8 = 3
	TypeU64    uint8 = 4
	TypeBool   uint8 = 5
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
)

type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

// Fields is a decoded record. Order is wire order; unknown ids are kept.
type Fields []Field

func String(id uint16, v string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(v)}
}

func U16(id uint16, v uint16) Field {
	return Field{ID: id, Type: TypeU16, Value: binary.BigEndian.AppendUint16(nil, v)}
}

func U64(id uint16, v uint64) Field {
	return Field{ID: id, Type: TypeU64, Value: binary.BigEndian.AppendUint64(nil, v)}
}

// Encode writes fields back to back.
func Encode(fields ...Field) []byte {
	n := 0
	for _, f := range fields {
		n += HeaderLen + len(f.Value)
	}
	out := make([]byte, 0, n)
	for _, f := range fields {
		out = binary.BigEndian.AppendUint16(out, f.ID)
		out = append(out, f.Type)
		out = binary.BigEndian.AppendUint32(out, uint32(len(f.Value)))
		out = append(out, f.Value...)
	}
	return out
}

// Decode parses a record. Values are copied out of payload.
func Decode(payload []byte) (Fields, error) {
	var fields Fields
	for rest := payload; len(rest) > 0; {
		if len(rest) < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		n := binary.BigEndian.Uint32(rest[3:HeaderLen])
		if uint64(len(rest)-HeaderLen) < uint64(n) {
			return nil, ErrShortFieldValue
		}
		end := HeaderLen + int(n)
		fields = append(fields, Field{
			ID:    binary.BigEndian.Uint16(rest[0:2]),
			Type:  rest[2],
			Value: append([]byte(nil), rest[HeaderLen:end]...),
		})
		rest = rest[end:]
	}
	return fields, nil
}

// Get returns the first field with id.
func (fs Fields) Get(id uint16) (Field, bool) {
	for _, f := range fs {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

func (fs Fields) typed(id uint16, want uint8) ([]byte, error) {
	f, ok := fs.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrMissingField, id)
	}
	if f.Type != want {
		return nil, fmt.Errorf("%w: field %d got %d want %d", ErrTypeMismatch, id, f.Type, want)
	}
	return f.Value, nil
}

func (fs Fields) String(id uint16) (string, error) {
	v, err := fs.typed(id, TypeString)
	return string(v), err
}

func (fs Fields) U16(id uint16) (uint16, error) {
	v, err := fs.typed(id, TypeU16)
	if err != nil {
		return 0, err
	}
	if len(v) != 2 {
		return 0, fmt.Errorf("%w: field %d len %d", ErrBadWidth, id, len(v))
	}
	return binary.BigEndian.Uint16(v), nil
}

func (fs Fields) U64(id uint16) (uint64, error) {
	v, err := fs.typed(id, TypeU64)
	if err != nil {
		return 0, err
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("%w: field %d len %d", ErrBadWidth, id, len(v))
	}
	return binary.BigEndian.Uint64(v), nil
}
