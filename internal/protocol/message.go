package protocol

import (
	"fmt"

	"github.com/danmuck/edgelink/internal/protocol/codec"
	"github.com/danmuck/edgelink/internal/protocol/frame"
)

// Message is the application view of one non-batch frame.
type Message struct {
	Type   MessageType
	Header RoutingHeader
	Body   []byte
}

// NewMessage encodes body as CBOR. A nil body yields an empty payload.
func NewMessage(t MessageType, body any) (Message, error) {
	m := Message{Type: t}
	if body == nil {
		return m, nil
	}
	b, err := codec.Marshal(body)
	if err != nil {
		return Message{}, fmt.Errorf("protocol: encode %s body: %w", t, err)
	}
	m.Body = b
	return m, nil
}

// MustMessage is NewMessage for bodies known to encode.
func MustMessage(t MessageType, body any) Message {
	m, err := NewMessage(t, body)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Message) DecodeBody(v any) error {
	if len(m.Body) == 0 {
		return fmt.Errorf("%w: %s: empty body", ErrBodyDecode, m.Type)
	}
	if err := codec.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBodyDecode, m.Type, err)
	}
	return nil
}

// IsReply reports whether the message targets a primary-space job.
func (m Message) IsReply() bool {
	return m.Header.TargetJob != NoJob
}

func (m Message) ToFrame() frame.Frame {
	return frame.New(uint32(m.Type), m.Header.Marshal(), m.Body)
}

func FromFrame(f frame.Frame) (Message, error) {
	h, err := UnmarshalRoutingHeader(f.Routing)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Type:   MessageType(f.Header.MessageType),
		Header: h,
		Body:   f.Payload,
	}, nil
}

// Reply builds a message addressed back to the sender of m.
func (m Message) Reply(t MessageType, result Result, body any) (Message, error) {
	out, err := NewMessage(t, body)
	if err != nil {
		return Message{}, err
	}
	out.Header = RoutingHeader{
		AccountID:    m.Header.AccountID,
		SessionToken: m.Header.SessionToken,
		TargetJob:    m.Header.SourceJob,
		SubAppID:     m.Header.SubAppID,
		SubTargetJob: m.Header.SubSourceJob,
		Result:       result,
	}
	return out, nil
}
