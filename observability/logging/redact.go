package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces sensitive values in log lines.
const RedactedValue = "[REDACTED]"

// plainKeys may be logged verbatim by MaskField.
var plainKeys = map[string]struct{}{
	"service":     {},
	"env":         {},
	"component":   {},
	"error":       {},
	"reason":      {},
	"caller":      {},
	"owner":       {},
	"token":       {},
	"fingerprint": {},
	"shard":       {},
	"status":      {},
	"request_id":  {},
}

// IsAllowlisted reports whether key is exempt from masking.
func IsAllowlisted(key string) bool {
	_, ok := plainKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// RedactionAllowlist returns the sorted exempt keys.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(plainKeys))
	for key := range plainKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskField returns an attribute whose value is redacted unless key is
// allowlisted or value is blank.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
