package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

// defaultDropKeys lists attributes never exported: credentials and raw
// request or response bodies seen by the transport.
var defaultDropKeys = map[string]struct{}{
	"http.request.header.authorization": {},
	"http.response.header.set_cookie":   {},
	"request.body":                      {},
	"response.body":                     {},
}

// RedactAttributes filters span attributes before export. Attributes on the
// default deny-list are dropped. The strategies map selects per-attribute
// handling: "drop" removes, "mask" keeps the edges of the value, "hash"
// keeps a correlation token, "redact" keeps a placeholder. Unlisted
// attributes pass through unchanged.
func RedactAttributes(strategies map[string]string, attrs []attribute.KeyValue) []attribute.KeyValue {
	if len(attrs) == 0 {
		return attrs
	}

	redacted := make([]attribute.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		key := string(kv.Key)
		if _, drop := defaultDropKeys[key]; drop {
			continue
		}

		switch strategies[key] {
		case "drop":
			continue
		case "mask":
			redacted = append(redacted, attribute.String(key, maskValue(kv.Value.AsString())))
		case "hash":
			redacted = append(redacted, attribute.String(key, hashValue(kv.Value.AsString())))
		case "replace", "redact":
			redacted = append(redacted, attribute.String(key, "[REDACTED]"))
		default:
			redacted = append(redacted, kv)
		}
	}

	return redacted
}

// maskValue keeps the first and last four characters of long values.
func maskValue(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "***" + s[len(s)-4:]
}

// hashValue produces a deterministic token usable for correlation without
// exposing the value itself.
func hashValue(s string) string {
	if s == "" {
		return "[REDACTED:empty]"
	}
	hash := 0
	for _, ch := range s {
		hash = hash*31 + int(ch)
	}
	return fmt.Sprintf("[REDACTED:hash:%08x]", hash&0xFFFFFFFF)
}
