// Package amopwire encodes AMOP sub-messages carried in AMOPMessage frames.
package amopwire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Type identifies an AMOP sub-message.
type Type uint16

const (
	TypeTopicSeq      Type = 1
	TypeRequestTopic  Type = 2
	TypeResponseTopic Type = 3
	TypeRequest       Type = 4
	TypeBroadcast     Type = 5
	TypeResponse      Type = 6
)

const (
	messageHeaderLen = 4
	maxTopicLen      = 0xFFFF
)

var (
	ErrShortMessage  = errors.New("amopwire: short message")
	ErrShortRequest  = errors.New("amopwire: short request")
	ErrTopicTooLong  = errors.New("amopwire: topic too long")
	ErrTopicRequired = errors.New("amopwire: topic required")
)

func (t Type) String() string {
	switch t {
	case TypeTopicSeq:
		return "topic_seq"
	case TypeRequestTopic:
		return "request_topic"
	case TypeResponseTopic:
		return "response_topic"
	case TypeRequest:
		return "request"
	case TypeBroadcast:
		return "broadcast"
	case TypeResponse:
		return "response"
	default:
		return fmt.Sprintf("type_%d", uint16(t))
	}
}

// Message is type(2) + status(2) + data.
type Message struct {
	Type   Type
	Status int16
	Data   []byte
}

func EncodeMessage(m Message) []byte {
	buf := make([]byte, messageHeaderLen+len(m.Data))
	binary.BigEndian.PutUint16(buf[0:2], uint16(m.Type))
	binary.BigEndian.PutUint16(buf[2:4], uint16(m.Status))
	copy(buf[messageHeaderLen:], m.Data)
	return buf
}

func DecodeMessage(b []byte) (Message, error) {
	if len(b) < messageHeaderLen {
		return Message{}, ErrShortMessage
	}
	return Message{
		Type:   Type(binary.BigEndian.Uint16(b[0:2])),
		Status: int16(binary.BigEndian.Uint16(b[2:4])),
		Data:   append([]byte(nil), b[messageHeaderLen:]...),
	}, nil
}

// Request is the topic-addressed body of request and broadcast messages.
type Request struct {
	Topic string
	Data  []byte
}

func EncodeRequest(r Request) ([]byte, error) {
	if r.Topic == "" {
		return nil, ErrTopicRequired
	}
	if len(r.Topic) > maxTopicLen {
		return nil, fmt.Errorf("%w: %d", ErrTopicTooLong, len(r.Topic))
	}
	buf := make([]byte, 0, 2+len(r.Topic)+len(r.Data))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(r.Topic)))
	buf = append(buf, r.Topic...)
	buf = append(buf, r.Data...)
	return buf, nil
}

func DecodeRequest(b []byte) (Request, error) {
	if len(b) < 2 {
		return Request{}, ErrShortRequest
	}
	n := int(binary.BigEndian.Uint16(b[0:2]))
	if len(b)-2 < n {
		return Request{}, ErrShortRequest
	}
	if n == 0 {
		return Request{}, ErrTopicRequired
	}
	return Request{
		Topic: string(b[2 : 2+n]),
		Data:  append([]byte(nil), b[2+n:]...),
	}, nil
}
