package protocol

import (
	"fmt"

	"github.com/danmuck/edgelink/internal/protocol/frame"
	"github.com/danmuck/edgelink/internal/protocol/schema"
)

// MessageType is the wire message type id.
type MessageType uint32

const (
	MsgBatch                  MessageType = MessageType(frame.TypeBatch)
	MsgChannelEncryptRequest  MessageType = MessageType(schema.MsgEncryptRequest)
	MsgChannelEncryptResponse MessageType = MessageType(schema.MsgEncryptResponse)
	MsgChannelEncryptResult   MessageType = MessageType(schema.MsgEncryptResult)
	MsgHeartbeat              MessageType = 5
	MsgHeartbeatAck           MessageType = 6

	MsgLogon         MessageType = 10
	MsgLogonResponse MessageType = 11
	MsgLogoff        MessageType = 12
	MsgLoggedOff     MessageType = 13
	MsgServerList    MessageType = 14
	MsgAuthArtifact  MessageType = 15

	MsgServiceCall         MessageType = 20
	MsgServiceCallResponse MessageType = 21

	MsgSubProtocolSend MessageType = 30
	MsgSubProtocolRecv MessageType = 31

	MsgCatalogChanges              MessageType = 40
	MsgCatalogChangesSince         MessageType = 41
	MsgCatalogChangesSinceResponse MessageType = 42
	MsgCatalogInfo                 MessageType = 43
	MsgCatalogInfoResponse         MessageType = 44
	MsgEntitlements                MessageType = 45
	MsgEntitlementsRequest         MessageType = 46
	MsgEntitlementsResponse        MessageType = 47

	MsgEdgeServers         MessageType = 50
	MsgEdgeServersResponse MessageType = 51
	MsgEdgeToken           MessageType = 52
	MsgEdgeTokenResponse   MessageType = 53

	MsgNotification MessageType = 60
)

var messageNames = map[MessageType]string{
	MsgBatch:                       "Batch",
	MsgChannelEncryptRequest:       "ChannelEncryptRequest",
	MsgChannelEncryptResponse:      "ChannelEncryptResponse",
	MsgChannelEncryptResult:        "ChannelEncryptResult",
	MsgHeartbeat:                   "Heartbeat",
	MsgHeartbeatAck:                "HeartbeatAck",
	MsgLogon:                       "Logon",
	MsgLogonResponse:               "LogonResponse",
	MsgLogoff:                      "Logoff",
	MsgLoggedOff:                   "LoggedOff",
	MsgServerList:                  "ServerList",
	MsgAuthArtifact:                "AuthArtifact",
	MsgServiceCall:                 "ServiceCall",
	MsgServiceCallResponse:         "ServiceCallResponse",
	MsgSubProtocolSend:             "SubProtocolSend",
	MsgSubProtocolRecv:             "SubProtocolRecv",
	MsgCatalogChanges:              "CatalogChanges",
	MsgCatalogChangesSince:         "CatalogChangesSince",
	MsgCatalogChangesSinceResponse: "CatalogChangesSinceResponse",
	MsgCatalogInfo:                 "CatalogInfo",
	MsgCatalogInfoResponse:         "CatalogInfoResponse",
	MsgEntitlements:                "Entitlements",
	MsgEntitlementsRequest:         "EntitlementsRequest",
	MsgEntitlementsResponse:        "EntitlementsResponse",
	MsgEdgeServers:                 "EdgeServers",
	MsgEdgeServersResponse:         "EdgeServersResponse",
	MsgEdgeToken:                   "EdgeToken",
	MsgEdgeTokenResponse:           "EdgeTokenResponse",
	MsgNotification:                "Notification",
}

func (t MessageType) String() string {
	if name, ok := messageNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", uint32(t))
}

// Kind is the closed classification used to route a message type.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransport
	KindSession
	KindJobReply
	KindSubProtocol
	KindCatalog
	KindEdge
	KindRequest
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindSession:
		return "session"
	case KindJobReply:
		return "job_reply"
	case KindSubProtocol:
		return "sub_protocol"
	case KindCatalog:
		return "catalog"
	case KindEdge:
		return "edge"
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

func (t MessageType) Kind() Kind {
	switch t {
	case MsgBatch, MsgChannelEncryptRequest, MsgChannelEncryptResponse, MsgChannelEncryptResult,
		MsgHeartbeat, MsgHeartbeatAck:
		return KindTransport
	case MsgLogon, MsgLogonResponse, MsgLogoff, MsgLoggedOff, MsgServerList, MsgAuthArtifact:
		return KindSession
	case MsgServiceCallResponse, MsgCatalogChangesSinceResponse, MsgCatalogInfoResponse,
		MsgEntitlementsResponse:
		return KindJobReply
	case MsgSubProtocolSend, MsgSubProtocolRecv:
		return KindSubProtocol
	case MsgCatalogChanges, MsgEntitlements:
		return KindCatalog
	case MsgEdgeServersResponse, MsgEdgeTokenResponse:
		return KindEdge
	case MsgServiceCall, MsgCatalogChangesSince, MsgCatalogInfo, MsgEntitlementsRequest,
		MsgEdgeServers, MsgEdgeToken:
		return KindRequest
	case MsgNotification:
		return KindNotification
	default:
		return KindUnknown
	}
}

// ReplyTypes lists the message types that complete a primary-space job.
func ReplyTypes() []MessageType {
	return []MessageType{
		MsgServiceCallResponse,
		MsgCatalogChangesSinceResponse,
		MsgCatalogInfoResponse,
		MsgEntitlementsResponse,
		MsgEdgeServersResponse,
		MsgEdgeTokenResponse,
	}
}
