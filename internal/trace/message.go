package trace

import "strings"

// Role identifies the author of a conversation message. The set is closed:
// every message in a trace is one of these four variants.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Segment is one structured content part. Providers that emit reasoning
// interleave segments typed "thinking"/"reasoning" with plain "text" parts.
type Segment struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolCall is a tool request emitted by an assistant message. Arguments is
// the raw JSON payload as returned by the provider.
type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// Message is one turn of a conversation. Text carries plain content; when
// Segments is non-empty it takes precedence and Text is ignored. Thinking
// holds reasoning segments reported outside the content body.
type Message struct {
	Role       Role       `json:"role"`
	Text       string     `json:"content,omitempty"`
	Segments   []Segment  `json:"segments,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Thinking   []Segment  `json:"thinking,omitempty"`
}

// ToolInvocation records one resolved tool call: the parsed arguments, the
// handler output (or error payload), and whether the handler succeeded.
// Success is nil when no handler was configured.
type ToolInvocation struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Output    map[string]any `json:"output,omitempty"`
	Success   *bool          `json:"success,omitempty"`
}

// Succeeded reports whether the invocation ran and succeeded.
func (ti ToolInvocation) Succeeded() bool {
	return ti.Success != nil && *ti.Success
}

// PlainText flattens the message content to text, skipping segments tagged
// as thinking/reasoning so that reasoning never leaks into the final answer.
func (m Message) PlainText() string {
	if len(m.Segments) == 0 {
		return strings.TrimSpace(m.Text)
	}
	parts := make([]string, 0, len(m.Segments))
	for _, seg := range m.Segments {
		if isThinkingType(seg.Type) {
			continue
		}
		if txt := strings.TrimSpace(seg.Text); txt != "" {
			parts = append(parts, txt)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// ThinkingSegments collects the de-duplicated reasoning segments of the
// message: the dedicated Thinking field first, then inline content segments
// tagged as thinking/reasoning. First-seen order is preserved.
func (m Message) ThinkingSegments() []Segment {
	var out []Segment
	seen := make(map[string]struct{})
	add := func(seg Segment) {
		txt := strings.TrimSpace(seg.Text)
		if txt == "" {
			return
		}
		typ := strings.TrimSpace(seg.Type)
		if typ == "" {
			typ = "text"
		}
		key := typ + ":" + txt
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, Segment{Type: typ, Text: txt})
	}
	for _, seg := range m.Thinking {
		add(seg)
	}
	for _, seg := range m.Segments {
		if isThinkingType(seg.Type) {
			add(seg)
		}
	}
	return out
}

func isThinkingType(typ string) bool {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "thinking", "reasoning", "thought":
		return true
	default:
		return false
	}
}
