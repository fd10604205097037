package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListen           = ":8080"
	DefaultShardListen      = ":9090"
	DefaultGuardCapacity    = 1 << 16
	DefaultAppliedRetention = 24 * time.Hour
	DefaultPruneInterval    = 10 * time.Minute
	DefaultReadFanout       = 8
)

type Config struct {
	Service   ServiceConfig   `toml:"service" yaml:"service"`
	Log       LogConfig       `toml:"log" yaml:"log"`
	Telemetry TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
	Auth      AuthConfig      `toml:"auth" yaml:"auth"`
	RateLimit RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
	Ledger    LedgerConfig    `toml:"ledger" yaml:"ledger"`
	Groups    []GroupConfig   `toml:"groups" yaml:"groups"`
	Shard     ShardConfig     `toml:"shard" yaml:"shard"`
}

// Load reads the configuration at path. Files ending in .yaml or .yml are
// YAML; anything else is TOML. Unknown keys are rejected. A missing file is
// written with defaults, as a first run would expect.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	if err := decode(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func decode(path string, cfg *Config) error {
	if isYAML(path) {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		decoder := yaml.NewDecoder(f)
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return fmt.Errorf("config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// Default returns a configuration suitable for a single-process dev ledger.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Service.Name) == "" {
		c.Service.Name = "ledgerd"
	}
	if strings.TrimSpace(c.Service.Env) == "" {
		c.Service.Env = "dev"
	}
	if c.Service.Listen == "" {
		c.Service.Listen = DefaultListen
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Auth.TokenTTL.Duration <= 0 {
		c.Auth.TokenTTL = Duration{time.Hour}
	}
	if c.Auth.HMACSecretEnv != "" {
		if secret := strings.TrimSpace(os.Getenv(c.Auth.HMACSecretEnv)); secret != "" {
			c.Auth.HMACSecret = secret
		}
	}
	if c.Ledger.GuardCapacity <= 0 {
		c.Ledger.GuardCapacity = DefaultGuardCapacity
	}
	if c.Ledger.AppliedRetention.Duration <= 0 {
		c.Ledger.AppliedRetention = Duration{DefaultAppliedRetention}
	}
	if c.Ledger.PruneInterval.Duration <= 0 {
		c.Ledger.PruneInterval = Duration{DefaultPruneInterval}
	}
	if c.Ledger.ReadFanout <= 0 {
		c.Ledger.ReadFanout = DefaultReadFanout
	}
	if len(c.Groups) == 0 {
		c.Groups = []GroupConfig{{Name: "default", Default: true, Partitions: 4}}
	}
	if c.Shard.Listen == "" {
		c.Shard.Listen = DefaultShardListen
	}
}

// createDefault writes the default configuration to path.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	cfg.Ledger.DataDir = "./ledger-data"
	cfg.Ledger.RecordStore = "./ledger-data/records.db"
	cfg.Ledger.Journal = "./ledger-data/journal.db"
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if isYAML(path) {
		encoder := yaml.NewEncoder(f)
		defer encoder.Close()
		return encoder.Encode(cfg)
	}
	return toml.NewEncoder(f).Encode(cfg)
}
