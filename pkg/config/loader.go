package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment variable the loader reads. Sections
// are separated by a double underscore:
// VPNCLUSTER_MEMBERSHIP__LIVENESS_WINDOW=10s sets membership.liveness_window.
const EnvPrefix = "VPNCLUSTER_"

var errReadBytes = errors.New("config: map provider has no byte form")

// Loader layers configuration sources on a koanf instance.
type Loader struct {
	k        *koanf.Koanf
	filePath string
}

// NewLoader returns a loader reading the YAML file at filePath, which may be
// empty.
func NewLoader(filePath string) *Loader {
	return &Loader{k: koanf.New("."), filePath: filePath}
}

// Load reads defaults, the file, the environment and then overrides, later
// sources winning, and returns the validated result. overrides uses dotted
// keys ("node.id") and typically carries the command-line flags that were set.
func (l *Loader) Load(overrides map[string]any) (*Config, error) {
	if err := l.k.Load(mapProvider(Defaults()), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if l.filePath != "" {
		if err := l.k.Load(file.Provider(l.filePath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", l.filePath, err)
		}
	}
	if err := l.k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	if len(overrides) > 0 {
		if err := l.k.Load(mapProvider(overrides), nil); err != nil {
			return nil, fmt.Errorf("load overrides: %w", err)
		}
	}

	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// envKey maps VPNCLUSTER_RAFT__ELECTION_TIMEOUT to raft.election_timeout.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// mapProvider loads a flat map of dotted keys.
type mapProvider map[string]any

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, errReadBytes
}

func (m mapProvider) Read() (map[string]any, error) {
	out := make(map[string]any)
	for k, v := range m {
		insert(out, strings.Split(k, "."), v)
	}
	return out, nil
}

func insert(dst map[string]any, path []string, v any) {
	if len(path) == 1 {
		dst[path[0]] = v
		return
	}
	child, ok := dst[path[0]].(map[string]any)
	if !ok {
		child = make(map[string]any)
		dst[path[0]] = child
	}
	insert(child, path[1:], v)
}
