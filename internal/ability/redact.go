package ability

import "strings"

const redacted = "[redacted]"

var secretKeyHints = []string{"password", "secret", "token", "api_key", "apikey"}

// redact copies input with secret values replaced. Nested maps are walked.
func redact(input map[string]any, secretFields []string) map[string]any {
	if input == nil {
		return nil
	}
	declared := make(map[string]bool, len(secretFields))
	for _, f := range secretFields {
		declared[f] = true
	}
	return redactMap(input, declared)
}

func redactMap(in map[string]any, declared map[string]bool) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if declared[k] || looksSecret(k) {
			out[k] = redacted
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = redactMap(nested, declared)
			continue
		}
		out[k] = v
	}
	return out
}

func looksSecret(key string) bool {
	k := strings.ToLower(key)
	for _, hint := range secretKeyHints {
		if strings.Contains(k, hint) {
			return true
		}
	}
	return false
}
