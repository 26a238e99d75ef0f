package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// TypeBatch is the message type of a frame whose payload wraps sub-frames.
const TypeBatch uint32 = 1

const batchPrefixLen = 5

// MaxBatchDepth bounds nested batch flattening.
const MaxBatchDepth = 4

// Codec identifies the compression applied to a batch body. Values are
// wire constants.
type Codec uint8

const (
	CodecNone Codec = 0
	CodecGzip Codec = 1
	CodecZstd Codec = 2
	CodecLZ4  Codec = 3
)

var (
	ErrNotBatch        = errors.New("frame: not a batch frame")
	ErrBatchTruncated  = errors.New("frame: batch body truncated")
	ErrBatchTooDeep    = errors.New("frame: batch nesting too deep")
	ErrUnknownCodec    = errors.New("frame: unknown batch codec")
	ErrBatchSizeDiffer = errors.New("frame: batch uncompressed size mismatch")
	errIncompressible  = errors.New("frame: data is incompressible")
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecGzip:
		return "gzip"
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

func ParseCodec(name string) (Codec, error) {
	switch name {
	case "none", "":
		return CodecNone, nil
	case "gzip":
		return CodecGzip, nil
	case "zstd":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	default:
		return CodecNone, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// Policy decides when a batch body is compressed. A zero threshold
// disables that trigger; if both are zero the body is never compressed.
type Policy struct {
	SizeThreshold  int
	CountThreshold int
	Codec          Codec
}

func DefaultPolicy() Policy {
	return Policy{SizeThreshold: 4096, Codec: CodecZstd}
}

func (p Policy) shouldCompress(size, count int) bool {
	if p.Codec == CodecNone {
		return false
	}
	if p.SizeThreshold > 0 && size >= p.SizeThreshold {
		return true
	}
	return p.CountThreshold > 0 && count >= p.CountThreshold
}

// EncodeBatch wraps frames into one batch frame. The body is
// [codec u8][uncompressed len u32][data] where data repeats
// [len u32][frame bytes].
func EncodeBatch(frames []Frame, p Policy, limits Limits) (Frame, error) {
	var raw bytes.Buffer
	var lenBuf [4]byte
	for i, f := range frames {
		b, err := Marshal(f, limits)
		if err != nil {
			return Frame{}, fmt.Errorf("frame: batch entry %d: %w", i, err)
		}
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
		raw.Write(lenBuf[:])
		raw.Write(b)
	}

	data := raw.Bytes()
	codec := CodecNone
	if p.shouldCompress(len(data), len(frames)) {
		compressed, err := compress(data, p.Codec)
		switch {
		case err == nil:
			data = compressed
			codec = p.Codec
		case errors.Is(err, errIncompressible):
		default:
			return Frame{}, err
		}
	}

	body := make([]byte, batchPrefixLen+len(data))
	body[0] = byte(codec)
	binary.BigEndian.PutUint32(body[1:5], uint32(raw.Len()))
	copy(body[batchPrefixLen:], data)

	out := New(TypeBatch, nil, body)
	if codec != CodecNone {
		out.Header.Flags |= FlagCompressed
	}
	return out, nil
}

// DecodeBatch returns the sub-frames of a batch in wire order. Nested
// batches are flattened in place.
func DecodeBatch(f Frame, limits Limits) ([]Frame, error) {
	return decodeBatch(f, limits, 0, nil)
}

func decodeBatch(f Frame, limits Limits, depth int, out []Frame) ([]Frame, error) {
	if f.Header.MessageType != TypeBatch {
		return nil, ErrNotBatch
	}
	if depth >= MaxBatchDepth {
		return nil, ErrBatchTooDeep
	}
	body := f.Payload
	if len(body) < batchPrefixLen {
		return nil, ErrBatchTruncated
	}
	codec := Codec(body[0])
	rawLen := binary.BigEndian.Uint32(body[1:5])
	if uint64(rawLen) > limits.MaxPayloadBytes*4 {
		return nil, ErrPayloadTooLarge
	}
	data, err := decompress(body[batchPrefixLen:], codec, int(rawLen))
	if err != nil {
		return nil, err
	}

	for len(data) > 0 {
		if len(data) < 4 {
			return nil, ErrBatchTruncated
		}
		n := binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		if uint64(n) > uint64(len(data)) {
			return nil, ErrBatchTruncated
		}
		sub, err := Unmarshal(data[:n], limits)
		if err != nil {
			return nil, fmt.Errorf("frame: batch entry: %w", err)
		}
		data = data[n:]
		if sub.Header.MessageType == TypeBatch {
			out, err = decodeBatch(sub, limits, depth+1, out)
			if err != nil {
				return nil, err
			}
			continue
		}
		out = append(out, sub)
	}
	return out, nil
}

var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("frame: zstd encoder initialization failed: " + err.Error())
	}
}

func compress(data []byte, codec Codec) ([]byte, error) {
	var out []byte
	switch codec {
	case CodecNone:
		return data, nil
	case CodecZstd:
		out = zstdEncoder.EncodeAll(data, nil)
	case CodecLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			return nil, errIncompressible
		}
		out = dst[:n]
	case CodecGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		out = buf.Bytes()
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, codec)
	}
	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}

func decompress(data []byte, codec Codec, rawLen int) ([]byte, error) {
	var out []byte
	switch codec {
	case CodecNone:
		out = data
	case CodecZstd:
		// Streamed so a body that inflates past rawLen stops at rawLen+1.
		zr, err := zstd.NewReader(bytes.NewReader(data), zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		defer zr.Close()
		out, err = io.ReadAll(io.LimitReader(zr, int64(rawLen)+1))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
	case CodecLZ4:
		dst := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(data, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		out = dst[:n]
	case CodecGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		defer zr.Close()
		out, err = io.ReadAll(io.LimitReader(zr, int64(rawLen)+1))
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, codec)
	}
	if len(out) != rawLen {
		return nil, fmt.Errorf("%w: got %d want %d", ErrBatchSizeDiffer, len(out), rawLen)
	}
	return out, nil
}
