package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// Keys containing any of these fragments never reach the log output in
// clear text.
var sensitiveFragments = []string{
	"secret",
	"seed",
	"password",
	"passphrase",
	"token",
	"authorization",
	"private",
}

var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"component": {},
	// network passphrases are public identifiers
	"network_passphrase": {},
}

// IsAllowlisted reports whether the provided key is exempt from automatic redaction.
func IsAllowlisted(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := redactionAllowlist[normalized]
	return ok
}

// IsSensitive reports whether values logged under key must be masked.
func IsSensitive(key string) bool {
	if IsAllowlisted(key) {
		return false
	}
	normalized := strings.ToLower(strings.TrimSpace(key))
	for _, fragment := range sensitiveFragments {
		if strings.Contains(normalized, fragment) {
			return true
		}
	}
	return false
}

// MaskValue returns the canonical redacted placeholder for non-empty values. Empty values
// are returned unchanged to avoid introducing noise in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// redactAttr masks attributes whose key, or any enclosing group name, is
// sensitive. slog calls it for every leaf attribute.
func redactAttr(groups []string, attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindGroup {
		return attr
	}
	sensitive := IsSensitive(attr.Key)
	for _, group := range groups {
		sensitive = sensitive || IsSensitive(group)
	}
	if sensitive {
		return slog.String(attr.Key, MaskValue(attr.Value.String()))
	}
	return attr
}
