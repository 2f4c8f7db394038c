package p2p

import (
	"errors"
	"testing"
	"time"

	"github.com/danmuck/edgegate/internal/protocol/schema"
	"github.com/danmuck/edgegate/internal/protocol/tlv"
	"github.com/danmuck/edgegate/internal/testutil/testlog"
)

func TestHandshakeRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := handshake{P2PID: "node-a", ListenAddr: "10.0.0.1:30300", Version: HandshakeVersion}
	out, err := decodeHandshake(encodeHandshake(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got=%+v want=%+v", out, in)
	}
}

func TestHandshakeRejectsBadInput(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name    string
		payload []byte
		want    error
	}{
		{
			name:    "version",
			payload: encodeHandshake(handshake{P2PID: "a", ListenAddr: "x:1", Version: HandshakeVersion + 1}),
			want:    ErrVersionMismatch,
		},
		{
			name:    "empty id",
			payload: encodeHandshake(handshake{P2PID: " ", ListenAddr: "x:1", Version: HandshakeVersion}),
			want:    ErrHandshake,
		},
		{
			name: "missing field",
			payload: tlv.Encode(
				tlv.String(schema.FieldP2PID, "a"),
				tlv.U16(schema.FieldVersion, HandshakeVersion),
			),
			want: ErrHandshake,
		},
		{
			name:    "garbage",
			payload: []byte{0x01},
			want:    ErrHandshake,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := decodeHandshake(tc.payload); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestHeartbeatRoundTrip(t *testing.T) {
	testlog.Start(t)
	now := time.UnixMilli(1700000000123)
	ms, err := decodeHeartbeat(encodeHeartbeat(now))
	if err != nil || ms != uint64(now.UnixMilli()) {
		t.Fatalf("heartbeat ms=%d err=%v", ms, err)
	}
}
