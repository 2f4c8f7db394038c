package front

import (
	"context"

	"github.com/danmuck/edgegate/internal/amop"
)

// FuncFront adapts a function to nodemanager.FrontService.
type FuncFront func(ctx context.Context, groupID string, srcNodeID []byte, payload []byte) error

func (f FuncFront) OnReceiveMessage(ctx context.Context, groupID string, srcNodeID []byte, payload []byte) error {
	return f(ctx, groupID, srcNodeID, payload)
}

// FuncClient adapts a function to amop.ClientService.
type FuncClient func(ctx context.Context, kind amop.NotifyKind, topic string, data []byte) ([]byte, error)

func (f FuncClient) NotifyAMOPMessage(ctx context.Context, kind amop.NotifyKind, topic string, data []byte) ([]byte, error) {
	return f(ctx, kind, topic, data)
}
