package options

import (
	"math"
	"os"
	"path/filepath"
	"time"
)

// Kind is an option's declared runtime type.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBool
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "boolean"
	case KindArray:
		return "array"
	default:
		return "unknown"
	}
}

// Def declares one option. Nullable options also accept nil. Check, when
// set, returns why a number is out of range.
type Def struct {
	Name     string
	Kind     Kind
	Nullable bool
	Default  any
	Check    func(float64) string
}

func port(f float64) string {
	if f != math.Trunc(f) || f < 0 || f > math.MaxUint16 {
		return "port must be an integer in 0-65535"
	}
	return ""
}

func millis(f float64) string {
	if f != math.Trunc(f) || f <= 0 || f > float64(math.MaxInt64/int64(time.Millisecond)) {
		return "duration must be a positive whole number of milliseconds"
	}
	return ""
}

func count(f float64) string {
	if f != math.Trunc(f) || f < 0 || f > math.MaxInt32 {
		return "count must be a non-negative integer"
	}
	return ""
}

const (
	DataDirectory            = "dataDirectory"
	Protocol                 = "protocol"
	ServerList               = "serverList"
	LocalAddress             = "localAddress"
	LocalPort                = "localPort"
	HTTPProxy                = "httpProxy"
	AutoRelogin              = "autoRelogin"
	MaxReconnectAttempts     = "maxReconnectAttempts"
	EnableCatalogRefresh     = "enableCatalogRefresh"
	CatalogCacheAll          = "catalogCacheAll"
	ChangelistUpdateInterval = "changelistUpdateInterval"
	JobTimeout               = "jobTimeout"
	BatchSizeThreshold       = "batchSizeThreshold"
	BatchCountThreshold      = "batchCountThreshold"
	BatchCompression         = "batchCompression"
	Language                 = "language"
	WebCompatibilityMode     = "webCompatibilityMode"
	SaveArtifacts            = "saveArtifacts"
)

// DefaultDataDirectory is <UserConfigDir>/edgelink, or a temp dir when
// the platform has no config dir.
func DefaultDataDirectory() string {
	base, err := os.UserConfigDir()
	if err != nil || base == "" {
		base = os.TempDir()
	}
	return filepath.Join(base, "edgelink")
}

func table() []Def {
	return []Def{
		{Name: DataDirectory, Kind: KindString, Default: DefaultDataDirectory()},
		{Name: Protocol, Kind: KindString, Default: "auto"},
		{Name: ServerList, Kind: KindArray, Default: []string{}},
		{Name: LocalAddress, Kind: KindString, Nullable: true},
		{Name: LocalPort, Kind: KindNumber, Nullable: true, Check: port},
		{Name: HTTPProxy, Kind: KindString, Nullable: true},
		{Name: AutoRelogin, Kind: KindBool, Default: true},
		{Name: MaxReconnectAttempts, Kind: KindNumber, Default: float64(0), Check: count},
		{Name: EnableCatalogRefresh, Kind: KindBool, Default: false},
		{Name: CatalogCacheAll, Kind: KindBool, Default: false},
		{Name: ChangelistUpdateInterval, Kind: KindNumber, Default: float64(60000), Check: millis},
		{Name: JobTimeout, Kind: KindNumber, Default: float64(10000), Check: millis},
		{Name: BatchSizeThreshold, Kind: KindNumber, Default: float64(4096), Check: count},
		{Name: BatchCountThreshold, Kind: KindNumber, Default: float64(0), Check: count},
		{Name: BatchCompression, Kind: KindString, Default: "zstd"},
		{Name: Language, Kind: KindString, Default: "english"},
		{Name: WebCompatibilityMode, Kind: KindBool, Default: false},
		{Name: SaveArtifacts, Kind: KindBool, Default: true},
	}
}
