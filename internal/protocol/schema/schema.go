package schema

import (
	"fmt"

	"github.com/danmuck/edgegate/internal/protocol"
	"github.com/danmuck/edgegate/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Field IDs for TLV-encoded transport messages.
const (
	FieldP2PID      uint16 = 1
	FieldListenAddr uint16 = 2
	FieldVersion    uint16 = 3

	FieldTimestampMS uint16 = 10
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	PacketType uint16
	FieldID    uint16
	Reason     string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: packet_type=%s: %s", protocol.PacketName(e.PacketType), e.Reason)
	}
	return fmt.Sprintf("schema: packet_type=%s field=%d: %s", protocol.PacketName(e.PacketType), e.FieldID, e.Reason)
}

var requirements = map[uint16][]Requirement{
	protocol.Handshake: {
		{FieldP2PID, tlv.TypeString},
		{FieldListenAddr, tlv.TypeString},
		{FieldVersion, tlv.TypeU16},
	},
	protocol.Heartbeat: {
		{FieldTimestampMS, tlv.TypeU64},
	},
}

// Validate enforces required fields and their types for a packet type.
// Unknown fields are ignored.
func Validate(packetType uint16, fields tlv.Fields) error {
	reqs, ok := requirements[packetType]
	if !ok {
		log.Error().Uint16("packet_type", packetType).Msg("schema.Validate unknown packet type")
		return ValidationError{PacketType: packetType, Reason: "unknown packet_type"}
	}
	for _, req := range reqs {
		f, found := fields.Get(req.ID)
		if !found {
			log.Debug().Uint16("packet_type", packetType).Uint16("field_id", req.ID).Msg("schema.Validate missing field")
			return ValidationError{PacketType: packetType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Uint16("packet_type", packetType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{PacketType: packetType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
