package gateway

import (
	"context"

	"github.com/danmuck/edgegate/internal/protocol/frame"
)

// Responder answers an inbound frame with a response carrying its seq.
type Responder = func(payload []byte) error

// Handler processes one inbound frame from peerID.
type Handler = func(ctx context.Context, peerID string, f frame.Frame, respond Responder)

// Transport is the peer messaging surface the gateway consumes.
type Transport interface {
	// Request sends one frame and waits for the matching response or ctx expiry.
	Request(ctx context.Context, peerID string, packetType uint16, payload []byte) ([]byte, error)
	Notify(peerID string, packetType uint16, payload []byte) error
	SendToPeers(peerIDs []string, packetType uint16, payload []byte)
	Broadcast(packetType uint16, payload []byte)
	RegisterHandler(packetType uint16, h Handler)
	OnPeerConnected(fn func(peerID string))
	OnPeerDisconnected(fn func(peerID string))
}
