package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"testing"
)

func sampleFrames(n int) []Frame {
	out := make([]Frame, 0, n)
	for i := 0; i < n; i++ {
		body := bytes.Repeat([]byte(fmt.Sprintf("entry-%03d;", i)), 16)
		out = append(out, New(uint32(100+i), []byte{byte(i)}, body))
	}
	return out
}

func assertOrder(t *testing.T, got []Frame, want []Frame) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("sub-frame count=%d want=%d", len(got), len(want))
	}
	for i := range want {
		if got[i].Header.MessageType != want[i].Header.MessageType {
			t.Fatalf("entry %d type=%d want=%d", i, got[i].Header.MessageType, want[i].Header.MessageType)
		}
		if !bytes.Equal(got[i].Payload, want[i].Payload) {
			t.Fatalf("entry %d payload mismatch", i)
		}
	}
}

func TestBatchRoundTripPerCodec(t *testing.T) {
	frames := sampleFrames(12)
	for _, codec := range []Codec{CodecNone, CodecGzip, CodecZstd, CodecLZ4} {
		t.Run(codec.String(), func(t *testing.T) {
			batch, err := EncodeBatch(frames, Policy{SizeThreshold: 1, Codec: codec}, DefaultLimits())
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			compressed := batch.Header.Flags&FlagCompressed != 0
			if compressed != (codec != CodecNone) {
				t.Fatalf("compressed flag=%v for codec %s", compressed, codec)
			}
			wire, err := Marshal(batch, DefaultLimits())
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			back, err := Unmarshal(wire, DefaultLimits())
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			got, err := DecodeBatch(back, DefaultLimits())
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			assertOrder(t, got, frames)
		})
	}
}

func TestBatchThresholds(t *testing.T) {
	frames := sampleFrames(3)
	cases := []struct {
		name   string
		policy Policy
		want   bool
	}{
		{"below both", Policy{SizeThreshold: 1 << 20, CountThreshold: 10, Codec: CodecZstd}, false},
		{"size trigger", Policy{SizeThreshold: 64, Codec: CodecZstd}, true},
		{"count trigger", Policy{CountThreshold: 3, Codec: CodecZstd}, true},
		{"disabled", Policy{Codec: CodecZstd}, false},
		{"no codec", Policy{SizeThreshold: 1, Codec: CodecNone}, false},
	}
	for _, tc := range cases {
		batch, err := EncodeBatch(frames, tc.policy, DefaultLimits())
		if err != nil {
			t.Fatalf("%s: encode: %v", tc.name, err)
		}
		if got := batch.Header.Flags&FlagCompressed != 0; got != tc.want {
			t.Fatalf("%s: compressed=%v want %v", tc.name, got, tc.want)
		}
	}
}

func TestBatchIncompressibleFallsBackToNone(t *testing.T) {
	noise := make([]byte, 64*1024)
	rand.New(rand.NewSource(7)).Read(noise)
	f := New(200, nil, noise)
	batch, err := EncodeBatch([]Frame{f}, Policy{SizeThreshold: 1, Codec: CodecLZ4}, DefaultLimits())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if batch.Payload[0] != byte(CodecNone) {
		t.Fatalf("expected codec none for incompressible body, got %d", batch.Payload[0])
	}
	got, err := DecodeBatch(batch, DefaultLimits())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	assertOrder(t, got, []Frame{f})
}

func TestBatchNestedIsFlattenedInOrder(t *testing.T) {
	frames := sampleFrames(5)
	inner, err := EncodeBatch(frames[1:3], Policy{CountThreshold: 1, Codec: CodecGzip}, DefaultLimits())
	if err != nil {
		t.Fatalf("inner: %v", err)
	}
	outer, err := EncodeBatch([]Frame{frames[0], inner, frames[3], frames[4]}, DefaultPolicy(), DefaultLimits())
	if err != nil {
		t.Fatalf("outer: %v", err)
	}
	got, err := DecodeBatch(outer, DefaultLimits())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	assertOrder(t, got, frames)
}

func TestDecodeBatchRejectsTruncatedBody(t *testing.T) {
	batch, err := EncodeBatch(sampleFrames(2), Policy{}, DefaultLimits())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	batch.Payload = batch.Payload[:len(batch.Payload)-3]
	if _, err := DecodeBatch(batch, DefaultLimits()); err == nil {
		t.Fatalf("expected truncated batch error")
	}
	if _, err := DecodeBatch(New(5, nil, nil), DefaultLimits()); !errors.Is(err, ErrNotBatch) {
		t.Fatalf("expected ErrNotBatch, got %v", err)
	}
}

func TestDecodeBatchStopsAtDeclaredSize(t *testing.T) {
	bomb := bytes.Repeat([]byte{0}, 64<<20)
	for _, codec := range []Codec{CodecZstd, CodecGzip} {
		compressed, err := compress(bomb, codec)
		if err != nil {
			t.Fatalf("codec %d compress: %v", codec, err)
		}
		payload := make([]byte, batchPrefixLen, batchPrefixLen+len(compressed))
		payload[0] = byte(codec)
		binary.BigEndian.PutUint32(payload[1:5], 16)
		payload = append(payload, compressed...)

		var before, after runtime.MemStats
		runtime.GC()
		runtime.ReadMemStats(&before)
		_, err = DecodeBatch(New(TypeBatch, nil, payload), DefaultLimits())
		runtime.ReadMemStats(&after)
		if !errors.Is(err, ErrBatchSizeDiffer) {
			t.Fatalf("codec %d: expected size mismatch, got %v", codec, err)
		}
		if grown := after.TotalAlloc - before.TotalAlloc; grown > 32<<20 {
			t.Fatalf("codec %d: decode allocated %d bytes for a 16 byte batch", codec, grown)
		}
	}
}

func TestParseCodec(t *testing.T) {
	for _, name := range []string{"none", "gzip", "zstd", "lz4"} {
		c, err := ParseCodec(name)
		if err != nil || c.String() != name {
			t.Fatalf("ParseCodec(%q)=%v,%v", name, c, err)
		}
	}
	if _, err := ParseCodec("brotli"); !errors.Is(err, ErrUnknownCodec) {
		t.Fatalf("expected ErrUnknownCodec, got %v", err)
	}
}
