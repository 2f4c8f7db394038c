package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Status is an application-level result code returned to a remote sender.
type Status int32

const (
	StatusSuccess Status = 0

	StatusNotFoundFrontService  Status = -4000
	StatusFrontServiceError     Status = -4001
	StatusInvalidEnvelope       Status = -4002
	StatusNotFoundClientByTopic Status = -4100
	StatusAMOPClientError       Status = -4101
	StatusNotFoundPeerByTopic   Status = -4102
	StatusInternalError         Status = -4900
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNotFoundFrontService:
		return "not_found_front_service"
	case StatusFrontServiceError:
		return "front_service_error"
	case StatusInvalidEnvelope:
		return "invalid_envelope"
	case StatusNotFoundClientByTopic:
		return "not_found_client_by_topic"
	case StatusAMOPClientError:
		return "amop_client_error"
	case StatusNotFoundPeerByTopic:
		return "not_found_peer_by_topic"
	case StatusInternalError:
		return "internal_error"
	default:
		return "status_" + strconv.Itoa(int(s))
	}
}

// EncodeAck renders a status as the decimal ack payload.
func EncodeAck(s Status) []byte {
	return []byte(strconv.FormatInt(int64(s), 10))
}

// DecodeAck parses a decimal ack payload.
func DecodeAck(payload []byte) (Status, error) {
	raw := strings.TrimSpace(string(payload))
	v, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAck, raw)
	}
	return Status(v), nil
}

// AckError converts a decoded ack into an error, nil on success.
func AckError(payload []byte) error {
	status, err := DecodeAck(payload)
	if err != nil {
		return err
	}
	if status != StatusSuccess {
		return fmt.Errorf("%w: %s (%d)", ErrRemoteFailure, status, int32(status))
	}
	return nil
}
