package generators

import "strings"

// Question-bank payloads are free-form JSON, so field access is defensive:
// take the first non-empty value among aliases and coerce loosely.

func caseString(payload map[string]any, fallback string, keys ...string) string {
	for _, key := range keys {
		if v, ok := payload[key].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return fallback
}

func caseStrings(payload map[string]any, keys ...string) []string {
	for _, key := range keys {
		switch v := payload[key].(type) {
		case []any:
			out := make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
					out = append(out, s)
				}
			}
			if len(out) > 0 {
				return out
			}
		case []string:
			if len(v) > 0 {
				return v
			}
		}
	}
	return nil
}

func caseMap(payload map[string]any, key string) map[string]any {
	if v, ok := payload[key].(map[string]any); ok {
		return v
	}
	return nil
}
