package schema

import (
	"errors"
	"testing"

	"github.com/danmuck/edgelink/internal/protocol/tlv"
	"github.com/danmuck/edgelink/internal/testutil/testlog"
)

func encryptRequestFields() []tlv.Field {
	return []tlv.Field{
		tlv.U32(FieldProtocolVersion, 1),
		tlv.Bytes(FieldNonce, make([]byte, 16)),
		tlv.Bytes(FieldServerKey, make([]byte, 32)),
		tlv.String(FieldCodecs, "zstd,lz4"),
	}
}

func TestValidateEncryptRequestRequiredFields(t *testing.T) {
	testlog.Start(t)
	if err := Validate(MsgEncryptRequest, encryptRequestFields()); err != nil {
		t.Fatalf("validate encrypt request: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := append(encryptRequestFields(), tlv.Field{ID: 9999, Type: tlv.TypeBytes, Value: []byte{0x01}})
	if err := Validate(MsgEncryptRequest, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	err := Validate(MsgEncryptResponse, []tlv.Field{tlv.U32(FieldProtocolVersion, 1)})
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldClientKey || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateTypeMismatch(t *testing.T) {
	testlog.Start(t)
	err := Validate(MsgEncryptResult, []tlv.Field{tlv.String(FieldResult, "ok")})
	var ve ValidationError
	if !errors.As(err, &ve) || ve.Reason != "type mismatch" {
		t.Fatalf("expected type mismatch, got %v", err)
	}
}

func TestValidateUnknownMessageType(t *testing.T) {
	testlog.Start(t)
	err := Validate(999, nil)
	var ve ValidationError
	if !errors.As(err, &ve) || ve.Reason != "unknown message_type" {
		t.Fatalf("expected unknown message_type, got %v", err)
	}
}
