package options

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joeshaw/envdecode"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

var ErrUnsupportedFormat = errors.New("options: unsupported file format")

// ParseFile decodes an options file by extension: .toml, .yaml/.yml,
// .json/.jsonc (comments and trailing commas allowed).
func ParseFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("options: load failed (%s): %w", path, err)
	}
	values := make(map[string]any)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err = toml.Decode(string(data), &values)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &values)
	case ".json", ".jsonc":
		err = json.Unmarshal(jsonc.ToJSON(data), &values)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err != nil {
		return nil, fmt.Errorf("options: parse failed (%s): %w", path, err)
	}
	return values, nil
}

// LoadFile applies every key in path through Set. Read and parse errors
// are returned; type mismatches only warn.
func (o *Options) LoadFile(path string) error {
	values, err := ParseFile(path)
	if err != nil {
		return err
	}
	o.Apply(values)
	o.log.Info().Msgf("options.Options.LoadFile path=%s keys=%d", path, len(values))
	return nil
}

type envOverrides struct {
	DataDirectory        string `env:"EDGELINK_DATA_DIR"`
	Protocol             string `env:"EDGELINK_PROTOCOL"`
	ServerList           string `env:"EDGELINK_SERVER_LIST"`
	LocalAddress         string `env:"EDGELINK_LOCAL_ADDRESS"`
	LocalPort            string `env:"EDGELINK_LOCAL_PORT"`
	HTTPProxy            string `env:"EDGELINK_HTTP_PROXY"`
	AutoRelogin          string `env:"EDGELINK_AUTO_RELOGIN"`
	EnableCatalogRefresh string `env:"EDGELINK_CATALOG_REFRESH"`
	WebCompatibilityMode string `env:"EDGELINK_WEB_COMPAT"`
}

// ApplyEnv overlays EDGELINK_* variables. Booleans accept strconv forms;
// EDGELINK_SERVER_LIST is comma separated.
func (o *Options) ApplyEnv() error {
	var env envOverrides
	if err := envdecode.Decode(&env); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return fmt.Errorf("options: env: %w", err)
	}
	setString := func(name, v string) {
		if v != "" {
			o.Set(name, v)
		}
	}
	setBool := func(name, v string) {
		if v == "" {
			return
		}
		if b, err := strconv.ParseBool(v); err == nil {
			o.Set(name, b)
			return
		}
		o.Set(name, v)
	}
	setString(DataDirectory, env.DataDirectory)
	setString(Protocol, env.Protocol)
	setString(LocalAddress, env.LocalAddress)
	setString(LocalPort, env.LocalPort)
	setString(HTTPProxy, env.HTTPProxy)
	if env.ServerList != "" {
		var list []string
		for _, s := range strings.Split(env.ServerList, ",") {
			if s = strings.TrimSpace(s); s != "" {
				list = append(list, s)
			}
		}
		o.Set(ServerList, list)
	}
	setBool(AutoRelogin, env.AutoRelogin)
	setBool(EnableCatalogRefresh, env.EnableCatalogRefresh)
	setBool(WebCompatibilityMode, env.WebCompatibilityMode)
	return nil
}
