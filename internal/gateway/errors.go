package gateway

import (
	"errors"

	"github.com/danmuck/edgegate/internal/protocol"
)

var (
	ErrNoRoute             = errors.New("gateway: no route to node")
	ErrAllPeersFailed      = errors.New("gateway: all peers failed")
	ErrTimeout             = errors.New("gateway: send attempt timed out")
	ErrNotFoundLocalTarget = errors.New("gateway: local front service not found")
	ErrNotFoundSubscriber  = errors.New("gateway: no subscriber for topic")
	ErrStopped             = errors.New("gateway: stopped")
)

// StatusFor maps a dispatch error onto the status returned to the sender.
func StatusFor(err error) protocol.Status {
	switch {
	case err == nil:
		return protocol.StatusSuccess
	case errors.Is(err, ErrNotFoundLocalTarget):
		return protocol.StatusNotFoundFrontService
	case errors.Is(err, ErrNotFoundSubscriber):
		return protocol.StatusNotFoundClientByTopic
	default:
		return protocol.StatusFrontServiceError
	}
}
