package events

import "strings"

// maskedValue replaces secret-looking payload values in the audit trail.
const maskedValue = "***"

// secretFragments are matched case-insensitively against payload keys at
// every nesting level.
var secretFragments = []string{"api_key", "apikey", "token", "password", "secret", "credential"}

// MaskPayload returns a deep copy of payload with secret-looking string
// values replaced. The original map is never modified: node results keep
// their secrets in memory, only the durable audit copy is masked.
func MaskPayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	masked := make(map[string]any, len(payload))
	for key, value := range payload {
		if isSecretKey(key) {
			if _, ok := value.(string); ok {
				masked[key] = maskedValue
				continue
			}
		}
		switch v := value.(type) {
		case map[string]any:
			masked[key] = MaskPayload(v)
		case []any:
			masked[key] = maskSlice(v)
		default:
			masked[key] = value
		}
	}
	return masked
}

func maskSlice(values []any) []any {
	out := make([]any, len(values))
	for i, value := range values {
		switch v := value.(type) {
		case map[string]any:
			out[i] = MaskPayload(v)
		case []any:
			out[i] = maskSlice(v)
		default:
			out[i] = value
		}
	}
	return out
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range secretFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}
