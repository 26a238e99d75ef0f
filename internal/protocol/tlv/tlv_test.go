package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	in := []Field{
		String(1, "edge-1"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}},
	}
	out, err := DecodeFields(EncodeFields(in))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestTypedGetters(t *testing.T) {
	fields, err := DecodeFields(EncodeFields([]Field{
		String(1, "zstd"),
		Bytes(2, []byte{1, 2, 3}),
		U16(3, 7),
		U32(4, 65537),
	}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s, err := GetString(fields, 1); err != nil || s != "zstd" {
		t.Fatalf("GetString=%q,%v", s, err)
	}
	if b, err := GetBytes(fields, 2); err != nil || !bytes.Equal(b, []byte{1, 2, 3}) {
		t.Fatalf("GetBytes=%v,%v", b, err)
	}
	if v, err := GetU16(fields, 3); err != nil || v != 7 {
		t.Fatalf("GetU16=%d,%v", v, err)
	}
	if v, err := GetU32(fields, 4); err != nil || v != 65537 {
		t.Fatalf("GetU32=%d,%v", v, err)
	}
	if _, err := GetString(fields, 42); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
	if _, err := GetU32(fields, 1); err == nil {
		t.Fatalf("expected type mismatch")
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}
