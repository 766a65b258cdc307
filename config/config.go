package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/c360/trkdaq/errors"
	"github.com/c360/trkdaq/types"
)

// DefaultEnvPrefix prefixes every environment override, e.g. TRKDAQ_NATS_URLS.
const DefaultEnvPrefix = "TRKDAQ"

// ComponentConfigs holds component instance configurations keyed by
// instance name (e.g. "vst-dtc0"). Only enabled entries are created.
type ComponentConfigs map[string]types.ComponentConfig

// Config is the complete process configuration
type Config struct {
	Platform   PlatformConfig   `json:"platform"`
	NATS       NATSConfig       `json:"nats"`
	Metrics    MetricsConfig    `json:"metrics"`
	Log        LogConfig        `json:"log"`
	Components ComponentConfigs `json:"components"`
}

// PlatformConfig identifies the test stand
type PlatformConfig struct {
	Org        string `json:"org"`                   // e.g. "mu2e"
	ID         string `json:"id"`                    // e.g. "vst-1"
	InstanceID string `json:"instance_id,omitempty"` // overrides ID in subjects when set
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string     `json:"urls,omitempty"`
	MaxReconnects int          `json:"max_reconnects"`
	ReconnectWait Duration     `json:"reconnect_wait"`
	Username      string       `json:"username,omitempty"`
	Password      string       `json:"password,omitempty"`
	Token         string       `json:"token,omitempty"`
	Stream        StreamConfig `json:"stream"`
}

// StreamConfig describes the JetStream stream containers are captured by.
// An empty Name means containers go out on core NATS only.
type StreamConfig struct {
	Name            string   `json:"name,omitempty"`
	Subjects        []string `json:"subjects,omitempty"`
	Storage         string   `json:"storage,omitempty"` // file or memory
	MaxAge          Duration `json:"max_age,omitempty"`
	DuplicateWindow Duration `json:"duplicate_window,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	Path    string `json:"path"`
}

// LogConfig controls the process logger
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json or text
}

// Duration is a time.Duration that reads "5s", "14d" or nanoseconds and
// writes the string form.
type Duration time.Duration

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
	case string:
		parsed, err := parseDurationWithDays(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
	case nil:
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// parseDurationWithDays parses durations that may use a day suffix ("14d").
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// Validate checks the configuration and normalizes the org to lower case.
func (c *Config) Validate() error {
	if c.Platform.Org == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "platform.org is required")
	}
	c.Platform.Org = strings.ToLower(c.Platform.Org)
	if !isValidNATSSubjectPart(c.Platform.Org) {
		return errors.WrapInvalid(
			fmt.Errorf("platform.org %q is not valid in NATS subjects", c.Platform.Org),
			"Config", "Validate", "org validation")
	}
	if c.Platform.ID == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "platform.id is required")
	}

	if c.NATS.Stream.Name != "" {
		if len(c.NATS.Stream.Subjects) == 0 {
			return errors.WrapInvalid(
				fmt.Errorf("nats.stream %q has no subjects", c.NATS.Stream.Name),
				"Config", "Validate", "stream validation")
		}
		if s := c.NATS.Stream.Storage; s != "" && s != "file" && s != "memory" {
			return errors.WrapInvalid(fmt.Errorf("nats.stream.storage %q must be file or memory", s),
				"Config", "Validate", "stream validation")
		}
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Log.Level) {
		return errors.WrapInvalid(fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level),
			"Config", "Validate", "log validation")
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return errors.WrapInvalid(fmt.Errorf("log.format %q must be json or text", c.Log.Format),
			"Config", "Validate", "log validation")
	}

	for instanceName, component := range c.Components {
		if instanceName == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				"component instance name cannot be empty")
		}
		if err := component.Validate(); err != nil {
			return errors.Wrap(err, "Config", "Validate", "component "+instanceName)
		}
	}
	return nil
}

// isValidNATSSubjectPart reports whether s only uses letters, digits, dots,
// dashes and underscores.
func isValidNATSSubjectPart(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

// PlatformMeta returns the identity handed to components.
func (c *Config) PlatformMeta() types.PlatformMeta {
	id := c.Platform.ID
	if c.Platform.InstanceID != "" {
		id = c.Platform.InstanceID
	}
	return types.PlatformMeta{Org: c.Platform.Org, Platform: id}
}

// String returns the configuration as JSON with credentials masked.
func (c *Config) String() string {
	masked := *c
	if masked.NATS.Password != "" {
		masked.NATS.Password = "***"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Loader loads configuration from layered files and the environment. Later
// layers override earlier ones key by key; environment overrides win.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a loader with the default env prefix and validation on.
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  DefaultEnvPrefix,
	}
}

// AddLayer adds a configuration file layer (.json, .yaml or .yml)
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvPrefix changes the environment override prefix
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = prefix
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every layer and the environment.
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range l.layers {
		raw, err := loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
		cfg, err = mergeFromMap(cfg, raw)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "merge "+path)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "environment overrides")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Defaults returns the configuration used when no layer sets a value.
func Defaults() *Config {
	return &Config{
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
			Stream: StreamConfig{
				Storage:         "file",
				DuplicateWindow: Duration(2 * time.Minute),
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Components: ComponentConfigs{},
	}
}

// loadRaw reads a layer into a generic map, choosing the decoder by file
// extension.
func loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse YAML: %w", err)
		}
		normalized, err := normalizeYAML(raw)
		if err != nil {
			return nil, err
		}
		raw, _ = normalized.(map[string]any)
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse JSON: %w", err)
		}
	}
	return raw, nil
}

// normalizeYAML converts map[any]any nodes, which JSON cannot encode, into
// map[string]any.
func normalizeYAML(v any) (any, error) {
	switch node := v.(type) {
	case map[string]any:
		for k, child := range node {
			n, err := normalizeYAML(child)
			if err != nil {
				return nil, err
			}
			node[k] = n
		}
		return node, nil
	case map[any]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("non-string YAML key %v", k)
			}
			n, err := normalizeYAML(child)
			if err != nil {
				return nil, err
			}
			out[key] = n
		}
		return out, nil
	case []any:
		for i, child := range node {
			n, err := normalizeYAML(child)
			if err != nil {
				return nil, err
			}
			node[i] = n
		}
		return node, nil
	default:
		return v, nil
	}
}

// mergeFromMap overrides only the fields present in override.
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence.
// Component config blobs are replaced whole rather than merged.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if k != "config" {
			baseMap, baseOK := base[k].(map[string]any)
			overrideMap, overrideOK := v.(map[string]any)
			if baseOK && overrideOK {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies PREFIX_* environment variables.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	lookup := func(suffix string) (string, bool, error) {
		key := l.envPrefix + "_" + suffix
		val := os.Getenv(key)
		if val == "" {
			return "", false, nil
		}
		if err := validateEnvVar(key, val); err != nil {
			return "", false, err
		}
		return val, true, nil
	}

	overrides := []struct {
		suffix string
		apply  func(string) error
	}{
		{"PLATFORM_ORG", func(v string) error { cfg.Platform.Org = v; return nil }},
		{"PLATFORM_ID", func(v string) error { cfg.Platform.ID = v; return nil }},
		{"PLATFORM_INSTANCE_ID", func(v string) error { cfg.Platform.InstanceID = v; return nil }},
		{"NATS_URLS", func(v string) error { cfg.NATS.URLs = strings.Split(v, ","); return nil }},
		{"NATS_USERNAME", func(v string) error { cfg.NATS.Username = v; return nil }},
		{"NATS_PASSWORD", func(v string) error { cfg.NATS.Password = v; return nil }},
		{"NATS_TOKEN", func(v string) error { cfg.NATS.Token = v; return nil }},
		{"NATS_STREAM", func(v string) error { cfg.NATS.Stream.Name = v; return nil }},
		{"METRICS_ADDR", func(v string) error { cfg.Metrics.Addr = v; return nil }},
		{"METRICS_ENABLED", func(v string) error {
			enabled, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s_METRICS_ENABLED: %w", l.envPrefix, err)
			}
			cfg.Metrics.Enabled = enabled
			return nil
		}},
		{"LOG_LEVEL", func(v string) error { cfg.Log.Level = strings.ToLower(v); return nil }},
		{"LOG_FORMAT", func(v string) error { cfg.Log.Format = strings.ToLower(v); return nil }},
	}

	for _, o := range overrides {
		val, ok, err := lookup(o.suffix)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := o.apply(val); err != nil {
			return err
		}
	}
	return nil
}
