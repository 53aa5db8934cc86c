package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

var secretKeyFragments = []string{"secret", "token", "password", "authorization"}

func isSecretKey(key string) bool {
	normalized := strings.ToLower(key)
	for _, fragment := range secretKeyFragments {
		if strings.Contains(normalized, fragment) {
			return true
		}
	}
	return false
}

// MaskValue returns the placeholder for non-empty values. Empty values are
// returned unchanged.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns an attribute whose value is redacted. Logging a webhook
// endpoint with its secret goes through here.
func MaskField(key, value string) slog.Attr {
	return slog.String(key, MaskValue(value))
}
