package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/edgelink/internal/protocol/frame"
	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestRoutingHeaderRoundTrip(t *testing.T) {
	in := RoutingHeader{
		AccountID:    76561198000000001,
		SessionToken: 99,
		SourceJob:    1,
		TargetJob:    1<<63 + 5,
		SubAppID:     440,
		SubSourceJob: 7,
		SubTargetJob: 3,
		Result:       ResultTryAnotherServer,
		TargetMethod: "Inventory.Get#1",
	}
	out, err := UnmarshalRoutingHeader(in.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("routing header mismatch (-want +got):\n%s", diff)
	}
}

func TestRoutingHeaderZeroIsEmpty(t *testing.T) {
	if b := (RoutingHeader{}).Marshal(); len(b) != 0 {
		t.Fatalf("zero header encoded to %d bytes", len(b))
	}
	h, err := UnmarshalRoutingHeader(nil)
	if err != nil || h != (RoutingHeader{}) {
		t.Fatalf("empty decode: %+v %v", h, err)
	}
}

func TestRoutingHeaderSkipsUnknownFields(t *testing.T) {
	b := RoutingHeader{SourceJob: 12}.Marshal()
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("future"))
	b = protowire.AppendTag(b, fieldTargetJob, protowire.VarintType)
	b = protowire.AppendVarint(b, 4)
	h, err := UnmarshalRoutingHeader(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if h.SourceJob != 12 || h.TargetJob != 4 {
		t.Fatalf("unexpected header: %+v", h)
	}
}

func TestRoutingHeaderMalformed(t *testing.T) {
	b := protowire.AppendTag(nil, fieldSourceJob, protowire.VarintType)
	b = append(b, 0x80)
	if _, err := UnmarshalRoutingHeader(b); !errors.Is(err, ErrRoutingMalformed) {
		t.Fatalf("expected ErrRoutingMalformed, got %v", err)
	}
}

func TestMessageFrameRoundTrip(t *testing.T) {
	msg, err := NewMessage(MsgCatalogChanges, CatalogChanges{
		Counter: 105,
		Changes: []CatalogChange{{Catalog: CatalogItems, ID: 10}, {Catalog: CatalogBundles, ID: 20}},
	})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	msg.Header.SourceJob = 3

	wire, err := frame.Marshal(msg.ToFrame(), frame.DefaultLimits())
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	f, err := frame.Unmarshal(wire, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	got, err := FromFrame(f)
	if err != nil {
		t.Fatalf("from frame: %v", err)
	}
	if got.Type != MsgCatalogChanges || got.Header.SourceJob != 3 || !bytes.Equal(got.Body, msg.Body) {
		t.Fatalf("message mismatch: %+v", got)
	}
	var body CatalogChanges
	if err := got.DecodeBody(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Counter != 105 || len(body.Changes) != 2 || body.Changes[1].Catalog != CatalogBundles {
		t.Fatalf("body mismatch: %+v", body)
	}
}

func TestReplyAddressesSender(t *testing.T) {
	req := Message{Type: MsgCatalogInfo, Header: RoutingHeader{SourceJob: 9, SubAppID: 1, SubSourceJob: 4}}
	rep, err := req.Reply(MsgCatalogInfoResponse, ResultOK, CatalogInfoResponse{})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if !rep.IsReply() || rep.Header.TargetJob != 9 || rep.Header.SubTargetJob != 4 || rep.Header.Result != ResultOK {
		t.Fatalf("unexpected reply header: %+v", rep.Header)
	}
}

func TestDecodeBodyEmpty(t *testing.T) {
	var v LogonResponse
	if err := (Message{Type: MsgLogonResponse}).DecodeBody(&v); !errors.Is(err, ErrBodyDecode) {
		t.Fatalf("expected ErrBodyDecode, got %v", err)
	}
}

func TestKindClassification(t *testing.T) {
	cases := map[MessageType]Kind{
		MsgBatch:                       KindTransport,
		MsgHeartbeatAck:                KindTransport,
		MsgLogonResponse:               KindSession,
		MsgCatalogChangesSinceResponse: KindJobReply,
		MsgSubProtocolRecv:             KindSubProtocol,
		MsgCatalogChanges:              KindCatalog,
		MsgEdgeTokenResponse:           KindEdge,
		MsgEdgeServers:                 KindRequest,
		MsgNotification:                KindNotification,
		MessageType(9999):              KindUnknown,
	}
	for typ, want := range cases {
		if got := typ.Kind(); got != want {
			t.Fatalf("%s kind=%s want %s", typ, got, want)
		}
	}
	if MessageType(9999).String() != "MessageType(9999)" {
		t.Fatalf("unexpected unknown name: %s", MessageType(9999))
	}
}

func TestResultHelpers(t *testing.T) {
	if !ResultInvalidSession.InvalidatesIdentity() || ResultTimeout.InvalidatesIdentity() {
		t.Fatalf("identity invalidation classification wrong")
	}
	if !ResultTryAnotherServer.Retryable() || ResultAccessDenied.Retryable() {
		t.Fatalf("retryable classification wrong")
	}
	var re ResultError
	err := error(ResultError{Result: ResultAccessDenied, Op: "logon"})
	if !errors.As(err, &re) || re.Result != ResultAccessDenied {
		t.Fatalf("errors.As failed: %v", err)
	}
}
