package config

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so it can be written as "30s" in TOML and
// YAML. Bare integers are read as seconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := parseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	parsed, err := parseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	d.Duration = parsed
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return parsed, nil
}

// ServiceConfig identifies the process and where it listens.
type ServiceConfig struct {
	Name   string `toml:"Name" yaml:"name"`
	Env    string `toml:"Env" yaml:"env"`
	Listen string `toml:"Listen" yaml:"listen"`

	// AllowedOrigins are the browser origins allowed on the event stream.
	AllowedOrigins []string `toml:"AllowedOrigins" yaml:"allowed_origins"`
}

// LogConfig selects the log level and an optional rotating file sink.
type LogConfig struct {
	Level      string `toml:"Level" yaml:"level"`
	File       string `toml:"File" yaml:"file"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"max_size_mb"`
	MaxBackups int    `toml:"MaxBackups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"MaxAgeDays" yaml:"max_age_days"`
	Compress   bool   `toml:"Compress" yaml:"compress"`
}

// TelemetryConfig points the OTLP exporters at a collector.
type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint" yaml:"endpoint"`
	Insecure bool   `toml:"Insecure" yaml:"insecure"`
	Headers  string `toml:"Headers" yaml:"headers"`
	Metrics  bool   `toml:"Metrics" yaml:"metrics"`
	Traces   bool   `toml:"Traces" yaml:"traces"`
}

type AuthConfig struct {
	Enabled    bool     `toml:"Enabled" yaml:"enabled"`
	HMACSecret string   `toml:"HMACSecret" yaml:"hmac_secret"`
	Issuer     string   `toml:"Issuer" yaml:"issuer"`
	Audience   string   `toml:"Audience" yaml:"audience"`
	TokenTTL   Duration `toml:"TokenTTL" yaml:"token_ttl"`

	// HMACSecretEnv names an environment variable that overrides HMACSecret.
	HMACSecretEnv string `toml:"HMACSecretEnv" yaml:"hmac_secret_env"`
}

type RateLimitConfig struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute" yaml:"requests_per_minute"`
	Burst             int     `toml:"Burst" yaml:"burst"`
}

// LedgerConfig wires the orchestrator and router.
type LedgerConfig struct {
	// Orchestrator is the account shards accept mutations from.
	Orchestrator     string   `toml:"Orchestrator" yaml:"orchestrator"`
	GuardCapacity    int      `toml:"GuardCapacity" yaml:"guard_capacity"`
	RecordStore      string   `toml:"RecordStore" yaml:"record_store"`
	Journal          string   `toml:"Journal" yaml:"journal"`
	DataDir          string   `toml:"DataDir" yaml:"data_dir"`
	Minters          []string `toml:"Minters" yaml:"minters"`
	AppliedRetention Duration `toml:"AppliedRetention" yaml:"applied_retention"`
	PruneInterval    Duration `toml:"PruneInterval" yaml:"prune_interval"`
	ReadFanout       int      `toml:"ReadFanout" yaml:"read_fanout"`
}

// ShardEndpoint pins a group slot to a shard. URL is empty for shards
// hosted in-process.
type ShardEndpoint struct {
	Address string `toml:"Address" yaml:"address"`
	URL     string `toml:"URL" yaml:"url"`
}

// GroupConfig declares a shard group.
type GroupConfig struct {
	Name        string          `toml:"Name" yaml:"name"`
	Default     bool            `toml:"Default" yaml:"default"`
	Tokens      []string        `toml:"Tokens" yaml:"tokens"`
	Collections []uint32        `toml:"Collections" yaml:"collections"`
	Partitions  int             `toml:"Partitions" yaml:"partitions"`
	Shards      []ShardEndpoint `toml:"Shards" yaml:"shards"`
}

// ShardConfig configures the standalone shard daemon.
type ShardConfig struct {
	Listen  string `toml:"Listen" yaml:"listen"`
	Address string `toml:"Address" yaml:"address"`
	Logic   string `toml:"Logic" yaml:"logic"`
	DataDir string `toml:"DataDir" yaml:"data_dir"`
}
