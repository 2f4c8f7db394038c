package amop

import "context"

// NotifyKind tells a client whether a message expects a reply.
type NotifyKind int

const (
	NotifyUnicast NotifyKind = iota
	NotifyBroadcast
)

func (k NotifyKind) String() string {
	if k == NotifyBroadcast {
		return "broadcast"
	}
	return "unicast"
}

// ClientService is a locally connected AMOP client.
type ClientService interface {
	NotifyAMOPMessage(ctx context.Context, kind NotifyKind, topic string, data []byte) ([]byte, error)
}
