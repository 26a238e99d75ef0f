package protocol

// Session bodies.

type LogonRequest struct {
	AccountName     string `cbor:"account_name"`
	Password        string `cbor:"password,omitempty"`
	AuthCode        string `cbor:"auth_code,omitempty"`
	AuthArtifact    []byte `cbor:"auth_artifact,omitempty"`
	MachineID       []byte `cbor:"machine_id,omitempty"`
	ProtocolVersion uint32 `cbor:"protocol_version"`
	Language        string `cbor:"language,omitempty"`
	InstanceID      string `cbor:"instance_id,omitempty"`
	PipeID          uint32 `cbor:"pipe_id"`
}

type LogonResponse struct {
	Result           Result `cbor:"result"`
	AccountID        uint64 `cbor:"account_id"`
	SessionToken     uint64 `cbor:"session_token"`
	HeartbeatSeconds uint32 `cbor:"heartbeat_seconds,omitempty"`
	CellID           uint32 `cbor:"cell_id,omitempty"`
}

type LoggedOff struct {
	Result Result `cbor:"result"`
}

type ServerList struct {
	Endpoints []string `cbor:"endpoints"`
}

type AuthArtifact struct {
	Blob []byte `cbor:"blob"`
}

type ServiceCall struct {
	Args []byte `cbor:"args,omitempty"`
}

// SubProtocol wraps one sub-protocol message.
type SubProtocol struct {
	MsgType uint32 `cbor:"msg_type"`
	Payload []byte `cbor:"payload,omitempty"`
}

// Catalog bodies.

// CatalogKind selects one of the two catalog maps.
type CatalogKind uint8

const (
	CatalogItems   CatalogKind = 0
	CatalogBundles CatalogKind = 1
)

func (k CatalogKind) String() string {
	if k == CatalogBundles {
		return "bundles"
	}
	return "items"
}

type CatalogChange struct {
	Catalog CatalogKind `cbor:"catalog"`
	ID      uint32      `cbor:"id"`
	// NeedsToken marks entries whose metadata requires an access token to fetch.
	NeedsToken bool `cbor:"needs_token,omitempty"`
}

// CatalogChanges is the server push announcing a new change counter.
type CatalogChanges struct {
	Counter uint64          `cbor:"counter"`
	Changes []CatalogChange `cbor:"changes,omitempty"`
}

type CatalogChangesSinceRequest struct {
	Since uint64 `cbor:"since"`
}

type CatalogChangesSinceResponse struct {
	Current    uint64          `cbor:"current"`
	FullUpdate bool            `cbor:"full_update,omitempty"`
	Changes    []CatalogChange `cbor:"changes,omitempty"`
}

type CatalogInfoRequest struct {
	Items   []uint32 `cbor:"items,omitempty"`
	Bundles []uint32 `cbor:"bundles,omitempty"`
}

type CatalogItemInfo struct {
	ID       uint32            `cbor:"id"`
	Counter  uint64            `cbor:"counter"`
	Missing  bool              `cbor:"missing,omitempty"`
	Metadata map[string]string `cbor:"metadata,omitempty"`
	// Contains lists item ids for a bundle.
	Contains []uint32 `cbor:"contains,omitempty"`
}

type CatalogInfoResponse struct {
	Items   []CatalogItemInfo `cbor:"items,omitempty"`
	Bundles []CatalogItemInfo `cbor:"bundles,omitempty"`
	Unknown []uint32          `cbor:"unknown,omitempty"`
}

// Entitlements lists the bundles an account owns, pushed after logon and
// returned by EntitlementsRequest.
type Entitlements struct {
	Bundles []uint32 `cbor:"bundles,omitempty"`
}

// Edge bodies.

type EdgeServersRequest struct {
	CellID uint32 `cbor:"cell_id,omitempty"`
	Region string `cbor:"region,omitempty"`
	Max    uint32 `cbor:"max,omitempty"`
}

type EdgeServer struct {
	Type   string `cbor:"type"`
	Host   string `cbor:"host"`
	Port   uint16 `cbor:"port"`
	Load   uint32 `cbor:"load,omitempty"`
	Weight uint32 `cbor:"weight,omitempty"`
	HTTPS  bool   `cbor:"https,omitempty"`
}

type EdgeServersResponse struct {
	Servers []EdgeServer `cbor:"servers"`
}

type EdgeTokenRequest struct {
	AppID uint32 `cbor:"app_id"`
	Host  string `cbor:"host"`
}

type EdgeTokenResponse struct {
	Token     string `cbor:"token"`
	ExpiresAt int64  `cbor:"expires_at"`
}

// Notification is a generic server push surfaced to the caller as-is.
type Notification struct {
	Topic   string `cbor:"topic"`
	Payload []byte `cbor:"payload,omitempty"`
}
