// Package review parses free-form reviewer model output into structured
// feedback. Reviewer models are asked for strict JSON but routinely wrap it
// in prose, so parsing is defensive throughout.
package review

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Feedback is the structured verdict extracted from a reviewer response.
type Feedback struct {
	Score          float64
	NeedsRevision  bool
	Feedback       string
	ChineseSummary string
}

const missingFeedbackSentinel = "Reviewer response missing; treat as requiring revision."

// Parse extracts a Feedback from raw reviewer text. When no usable JSON is
// found the result is fail-closed: score 0 and needs_revision true, with the
// raw text kept as feedback.
func Parse(raw string) Feedback {
	content := strings.TrimSpace(raw)

	var data map[string]any
	if candidate, ok := extractJSONObject(content); ok {
		if err := json.Unmarshal([]byte(candidate), &data); err != nil {
			data = nil
		}
	}

	out := Feedback{
		Score:         clampScore(data["score"]),
		NeedsRevision: true,
	}
	if val, ok := data["needs_revision"]; ok {
		out.NeedsRevision = coerceBool(val)
	}
	if text, ok := data["feedback"].(string); ok && text != "" {
		out.Feedback = text
	} else if content != "" {
		out.Feedback = content
	} else {
		out.Feedback = missingFeedbackSentinel
	}
	if summary, ok := data["chinese_summary"].(string); ok {
		out.ChineseSummary = summary
	}
	return out
}

// extractJSONObject returns the first balanced JSON object embedded in text.
// It scans tracking brace depth and string/escape state, so braces inside
// quoted strings do not terminate the span and a second object is never
// merged into the first.
func extractJSONObject(text string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escape := false

	for idx := 0; idx < len(text); idx++ {
		ch := text[idx]
		if start < 0 {
			if ch == '{' {
				start = idx
				depth = 1
			}
			continue
		}
		if inString {
			switch {
			case escape:
				escape = false
			case ch == '\\':
				escape = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : idx+1], true
			}
		}
	}
	return "", false
}

func clampScore(val any) float64 {
	score, ok := coerceFloat(val)
	if !ok {
		return 0.0
	}
	if score < 0 {
		return 0.0
	}
	if score > 1 {
		return 1.0
	}
	return score
}

func coerceFloat(val any) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	case bool:
		if v {
			return 1.0, true
		}
		return 0.0, true
	default:
		return 0, false
	}
}

// coerceBool interprets the truthy/falsy forms reviewer models actually
// emit: JSON booleans, numbers, and common yes/no strings.
func coerceBool(val any) bool {
	switch v := val.(type) {
	case bool:
		return v
	case nil:
		return false
	case float64:
		return v != 0
	case json.Number:
		f, err := v.Float64()
		return err == nil && f != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "false", "0", "no", "n", "off":
			return false
		case "true", "1", "yes", "y", "on":
			return true
		default:
			return strings.TrimSpace(v) != ""
		}
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return val != nil
	}
}
