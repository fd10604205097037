package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"shardledger/core/types"
	"shardledger/native/logic"
	"shardledger/native/shard"
)

// Validate checks the ledger daemon sections.
func (c *Config) Validate() error {
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		return errors.New("log: rotation limits must not be negative")
	}
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.HMACSecret) == "" {
		return errors.New("auth: hmac secret required when auth is enabled")
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate_limit: values must not be negative")
	}
	if c.Ledger.Orchestrator != "" {
		if _, err := types.ParseAccount(c.Ledger.Orchestrator); err != nil {
			return fmt.Errorf("ledger: orchestrator: %w", err)
		}
	}
	if _, err := c.MinterAccounts(); err != nil {
		return err
	}
	groups, remote, err := c.LogicGroups()
	if err != nil {
		return err
	}
	if len(remote) > 0 && c.Ledger.Orchestrator == "" {
		return errors.New("ledger: orchestrator account required when shards are remote")
	}
	defaults := 0
	for _, g := range groups {
		if g.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return errors.New("groups: at most one default group")
	}
	return nil
}

// ValidateShard checks the sections the shard daemon needs.
func (c *Config) ValidateShard() error {
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if _, err := types.ParseAccount(c.Shard.Address); err != nil {
		return fmt.Errorf("shard: address: %w", err)
	}
	if _, err := types.ParseAccount(c.Shard.Logic); err != nil {
		return fmt.Errorf("shard: logic: %w", err)
	}
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.HMACSecret) == "" {
		return errors.New("auth: hmac secret required when auth is enabled")
	}
	return nil
}

// OrchestratorAccount returns the configured orchestrator account, or a
// stable derived one when none is set.
func (c *Config) OrchestratorAccount() types.Account {
	if acct, err := types.ParseAccount(c.Ledger.Orchestrator); err == nil {
		return acct
	}
	return shard.DeriveAddress("orchestrator", 0)
}

func (c *Config) MinterAccounts() ([]types.Account, error) {
	out := make([]types.Account, 0, len(c.Ledger.Minters))
	for _, raw := range c.Ledger.Minters {
		acct, err := types.ParseAccount(raw)
		if err != nil {
			return nil, fmt.Errorf("ledger: minter %q: %w", raw, err)
		}
		out = append(out, acct)
	}
	return out, nil
}

// LogicGroups converts the group sections. The returned map lists the
// shards reached over HTTP, keyed by address.
func (c *Config) LogicGroups() ([]logic.Group, map[types.Account]string, error) {
	groups := make([]logic.Group, 0, len(c.Groups))
	remote := make(map[types.Account]string)
	for _, gc := range c.Groups {
		g := logic.Group{
			Name:        strings.TrimSpace(gc.Name),
			Default:     gc.Default,
			Collections: append([]uint32(nil), gc.Collections...),
			Partitions:  gc.Partitions,
		}
		if g.Name == "" {
			return nil, nil, errors.New("groups: name required")
		}
		if gc.Partitions < 0 || gc.Partitions > logic.MaxPartitions {
			return nil, nil, fmt.Errorf("groups: %s: partitions must be within [0, %d]", g.Name, logic.MaxPartitions)
		}
		for _, raw := range gc.Tokens {
			id, err := types.ParseTokenID(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("groups: %s: %w", g.Name, err)
			}
			g.Tokens = append(g.Tokens, id)
		}
		for _, ep := range gc.Shards {
			var addr types.Account
			if strings.TrimSpace(ep.Address) != "" {
				parsed, err := types.ParseAccount(ep.Address)
				if err != nil {
					return nil, nil, fmt.Errorf("groups: %s: shard: %w", g.Name, err)
				}
				addr = parsed
			}
			if url := strings.TrimSpace(ep.URL); url != "" {
				if addr.IsZero() {
					return nil, nil, fmt.Errorf("groups: %s: remote shard %s needs an address", g.Name, url)
				}
				remote[addr] = url
			}
			g.Shards = append(g.Shards, addr)
		}
		groups = append(groups, g)
	}
	return groups, remote, nil
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	level, _ := parseLevel(c.Log.Level)
	return level
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(raw) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return level, fmt.Errorf("log: %w", err)
	}
	return level, nil
}
