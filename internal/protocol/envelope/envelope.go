// Package envelope encodes the addressed application payload carried inside
// peer-to-peer and broadcast frames.
package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxFieldLen bounds every length-prefixed field.
const MaxFieldLen = 0xFFFF

var (
	ErrFieldTooLong  = errors.New("envelope: field too long")
	ErrMissingSource = errors.New("envelope: missing source node id")
	ErrOutOfRange    = errors.New("envelope: read out of range")
)

// Envelope addresses one payload to a node in a group. DstNodeID is empty for
// broadcasts.
type Envelope struct {
	GroupID   string
	SrcNodeID []byte
	DstNodeID []byte
	Payload   []byte
}

func Encode(env Envelope) ([]byte, error) {
	if len(env.GroupID) > MaxFieldLen {
		return nil, fmt.Errorf("%w: group_id=%d", ErrFieldTooLong, len(env.GroupID))
	}
	if len(env.SrcNodeID) == 0 {
		return nil, ErrMissingSource
	}
	if len(env.SrcNodeID) > MaxFieldLen {
		return nil, fmt.Errorf("%w: src_node_id=%d", ErrFieldTooLong, len(env.SrcNodeID))
	}
	if len(env.DstNodeID) > MaxFieldLen {
		return nil, fmt.Errorf("%w: dst_node_id=%d", ErrFieldTooLong, len(env.DstNodeID))
	}

	size := 6 + len(env.GroupID) + len(env.SrcNodeID) + len(env.DstNodeID) + len(env.Payload)
	buf := make([]byte, 0, size)
	buf = appendField(buf, []byte(env.GroupID))
	buf = appendField(buf, env.SrcNodeID)
	buf = appendField(buf, env.DstNodeID)
	buf = append(buf, env.Payload...)
	return buf, nil
}

// Decode reads the three addressing fields; whatever follows is the payload.
// The outer frame already delivered the whole buffer, so a short read is an
// error rather than a request for more bytes.
func Decode(buf []byte) (Envelope, int, error) {
	var env Envelope
	off := 0

	group, off, err := readField(buf, off, "group_id")
	if err != nil {
		return Envelope{}, 0, err
	}
	src, off, err := readField(buf, off, "src_node_id")
	if err != nil {
		return Envelope{}, 0, err
	}
	dst, off, err := readField(buf, off, "dst_node_id")
	if err != nil {
		return Envelope{}, 0, err
	}

	env.GroupID = string(group)
	env.SrcNodeID = src
	env.DstNodeID = dst
	env.Payload = append([]byte(nil), buf[off:]...)
	return env, len(buf), nil
}

func appendField(buf []byte, v []byte) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(v)))
	return append(buf, v...)
}

func readField(buf []byte, off int, name string) ([]byte, int, error) {
	if len(buf)-off < 2 {
		return nil, 0, fmt.Errorf("%w: %s length", ErrOutOfRange, name)
	}
	n := int(binary.BigEndian.Uint16(buf[off : off+2]))
	off += 2
	if len(buf)-off < n {
		return nil, 0, fmt.Errorf("%w: %s value", ErrOutOfRange, name)
	}
	v := append([]byte(nil), buf[off:off+n]...)
	return v, off + n, nil
}
