package protocol

import "errors"

var (
	ErrInvalidAck    = errors.New("protocol: invalid ack payload")
	ErrRemoteFailure = errors.New("protocol: remote returned failure status")
)
