package protocol

import "fmt"

// PacketType is the outer frame packet type.
type PacketType = uint16

// Core application packet types.
const (
	PeerToPeerMessage PacketType = 0x1
	BroadcastMessage  PacketType = 0x2
)

// Transport extension range.
const (
	Heartbeat       PacketType = 0x101
	Handshake       PacketType = 0x102
	RequestNodeIDs  PacketType = 0x103
	ResponseNodeIDs PacketType = 0x104
	StatusSeq       PacketType = 0x105
	AMOPMessage     PacketType = 0x200
)

// PacketName returns a stable label for logs and metrics.
func PacketName(t PacketType) string {
	switch t {
	case PeerToPeerMessage:
		return "p2p"
	case BroadcastMessage:
		return "broadcast"
	case Heartbeat:
		return "heartbeat"
	case Handshake:
		return "handshake"
	case RequestNodeIDs:
		return "request_node_ids"
	case ResponseNodeIDs:
		return "response_node_ids"
	case StatusSeq:
		return "status_seq"
	case AMOPMessage:
		return "amop"
	default:
		return fmt.Sprintf("0x%x", t)
	}
}
