package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// NoJob marks an absent correlation id in either job space.
const NoJob uint64 = 0

// RoutingHeader travels between the fixed frame header and the body.
// Zero fields are omitted on the wire.
type RoutingHeader struct {
	AccountID    uint64
	SessionToken uint64
	SourceJob    uint64
	TargetJob    uint64
	SubAppID     uint32
	SubSourceJob uint64
	SubTargetJob uint64
	Result       Result
	TargetMethod string
}

const (
	fieldAccountID    protowire.Number = 1
	fieldSessionToken protowire.Number = 2
	fieldSourceJob    protowire.Number = 3
	fieldTargetJob    protowire.Number = 4
	fieldSubAppID     protowire.Number = 5
	fieldSubSourceJob protowire.Number = 6
	fieldSubTargetJob protowire.Number = 7
	fieldResult       protowire.Number = 8
	fieldTargetMethod protowire.Number = 9
)

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// Marshal encodes the header; an all-zero header encodes to nil.
func (h RoutingHeader) Marshal() []byte {
	var b []byte
	b = appendVarint(b, fieldAccountID, h.AccountID)
	b = appendVarint(b, fieldSessionToken, h.SessionToken)
	b = appendVarint(b, fieldSourceJob, h.SourceJob)
	b = appendVarint(b, fieldTargetJob, h.TargetJob)
	b = appendVarint(b, fieldSubAppID, uint64(h.SubAppID))
	b = appendVarint(b, fieldSubSourceJob, h.SubSourceJob)
	b = appendVarint(b, fieldSubTargetJob, h.SubTargetJob)
	b = appendVarint(b, fieldResult, protowire.EncodeZigZag(int64(h.Result)))
	if h.TargetMethod != "" {
		b = protowire.AppendTag(b, fieldTargetMethod, protowire.BytesType)
		b = protowire.AppendString(b, h.TargetMethod)
	}
	return b
}

// UnmarshalRoutingHeader decodes b; unknown fields are skipped.
func UnmarshalRoutingHeader(b []byte) (RoutingHeader, error) {
	var h RoutingHeader
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return RoutingHeader{}, fmt.Errorf("%w: %v", ErrRoutingMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		if typ == protowire.VarintType && num >= fieldAccountID && num <= fieldResult {
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return RoutingHeader{}, fmt.Errorf("%w: field %d: %v", ErrRoutingMalformed, num, protowire.ParseError(m))
			}
			b = b[m:]
			switch num {
			case fieldAccountID:
				h.AccountID = v
			case fieldSessionToken:
				h.SessionToken = v
			case fieldSourceJob:
				h.SourceJob = v
			case fieldTargetJob:
				h.TargetJob = v
			case fieldSubAppID:
				h.SubAppID = uint32(v)
			case fieldSubSourceJob:
				h.SubSourceJob = v
			case fieldSubTargetJob:
				h.SubTargetJob = v
			case fieldResult:
				h.Result = Result(protowire.DecodeZigZag(v))
			}
			continue
		}
		if typ == protowire.BytesType && num == fieldTargetMethod {
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return RoutingHeader{}, fmt.Errorf("%w: field %d: %v", ErrRoutingMalformed, num, protowire.ParseError(m))
			}
			b = b[m:]
			h.TargetMethod = v
			continue
		}

		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return RoutingHeader{}, fmt.Errorf("%w: field %d: %v", ErrRoutingMalformed, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return h, nil
}
