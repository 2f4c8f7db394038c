package p2p

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/edgegate/internal/protocol"
	"github.com/danmuck/edgegate/internal/protocol/schema"
	"github.com/danmuck/edgegate/internal/protocol/tlv"
)

// HandshakeVersion is bumped on incompatible session changes.
const HandshakeVersion uint16 = 1

var (
	ErrHandshake        = errors.New("p2p: handshake failed")
	ErrVersionMismatch  = errors.New("p2p: handshake version mismatch")
	ErrIdentityMismatch = errors.New("p2p: certificate identity does not match p2p id")
	ErrSelfConnection   = errors.New("p2p: connected to self")
	ErrDuplicateSession = errors.New("p2p: duplicate session")
)

type handshake struct {
	P2PID      string
	ListenAddr string
	Version    uint16
}

func encodeHandshake(h handshake) []byte {
	return tlv.Encode(
		tlv.String(schema.FieldP2PID, h.P2PID),
		tlv.String(schema.FieldListenAddr, h.ListenAddr),
		tlv.U16(schema.FieldVersion, h.Version),
	)
}

func decodeHandshake(payload []byte) (handshake, error) {
	fields, err := tlv.Decode(payload)
	if err == nil {
		err = schema.Validate(protocol.Handshake, fields)
	}
	if err != nil {
		return handshake{}, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	var h handshake
	if h.P2PID, err = fields.String(schema.FieldP2PID); err != nil {
		return handshake{}, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if h.ListenAddr, err = fields.String(schema.FieldListenAddr); err != nil {
		return handshake{}, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if h.Version, err = fields.U16(schema.FieldVersion); err != nil {
		return handshake{}, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	h.P2PID = strings.TrimSpace(h.P2PID)
	h.ListenAddr = strings.TrimSpace(h.ListenAddr)
	if h.P2PID == "" {
		return handshake{}, fmt.Errorf("%w: empty p2p id", ErrHandshake)
	}
	if h.Version != HandshakeVersion {
		return handshake{}, fmt.Errorf("%w: got=%d want=%d", ErrVersionMismatch, h.Version, HandshakeVersion)
	}
	return h, nil
}

func encodeHeartbeat(now time.Time) []byte {
	return tlv.Encode(tlv.U64(schema.FieldTimestampMS, uint64(now.UnixMilli())))
}

// decodeHeartbeat returns the sender's clock in unix millis.
func decodeHeartbeat(payload []byte) (uint64, error) {
	fields, err := tlv.Decode(payload)
	if err != nil {
		return 0, err
	}
	if err := schema.Validate(protocol.Heartbeat, fields); err != nil {
		return 0, err
	}
	return fields.U64(schema.FieldTimestampMS)
}
