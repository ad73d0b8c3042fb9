package safety

import "strings"

// sensitiveKeyFragments flags parameter names whose values must never
// reach an audit record or a log line.
var sensitiveKeyFragments = []string{
	"password", "passwd", "secret", "token", "credential",
	"api_key", "apikey", "private_key", "dsn", "connection_string",
	"auth",
}

const (
	redactedPlaceholder = "[REDACTED]"
	maxAuditValueLen    = 256
)

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// Redact returns a copy of params safe for audit records and logs:
// sensitive values are replaced, nested maps are walked, and oversized
// strings are truncated.
func Redact(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return nil
	}
	out := make(map[string]interface{}, len(params))
	for key, value := range params {
		if isSensitiveKey(key) {
			out[key] = redactedPlaceholder
			continue
		}
		out[key] = redactValue(value)
	}
	return out
}

func redactValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return Redact(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = redactValue(item)
		}
		return out
	case string:
		if len(v) > maxAuditValueLen {
			return v[:maxAuditValueLen] + "...(truncated)"
		}
		return v
	default:
		return v
	}
}
