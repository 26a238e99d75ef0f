package schema

import (
	"fmt"

	"github.com/danmuck/edgelink/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Handshake message type IDs. These share the wire message type space.
const (
	MsgEncryptRequest  uint32 = 2
	MsgEncryptResponse uint32 = 3
	MsgEncryptResult   uint32 = 4
)

// Handshake field IDs.
const (
	FieldProtocolVersion uint16 = 1
	FieldNonce           uint16 = 2
	FieldServerKey       uint16 = 3
	FieldCodecs          uint16 = 4

	FieldClientKey uint16 = 10
	FieldProof     uint16 = 11
	FieldCodec     uint16 = 12

	FieldResult uint16 = 20
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgEncryptRequest: {
		{FieldProtocolVersion, tlv.TypeU32},
		{FieldNonce, tlv.TypeBytes},
		{FieldServerKey, tlv.TypeBytes},
		{FieldCodecs, tlv.TypeString},
	},
	MsgEncryptResponse: {
		{FieldProtocolVersion, tlv.TypeU32},
		{FieldClientKey, tlv.TypeBytes},
		{FieldProof, tlv.TypeBytes},
		{FieldCodec, tlv.TypeString},
	},
	MsgEncryptResult: {
		{FieldResult, tlv.TypeU32},
	},
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	log.Trace().Msgf("schema.Validate message_type=%d fields=%d", messageType, len(fields))
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Msgf("schema.Validate unknown message_type=%d", messageType)
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().Msgf(
				"schema.Validate missing field message_type=%d field_id=%d",
				messageType,
				req.ID,
			)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().Msgf(
				"schema.Validate type mismatch message_type=%d field_id=%d got=%d want=%d",
				messageType,
				req.ID,
				f.Type,
				req.Type,
			)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
