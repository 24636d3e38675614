// Package generators produces scenario prompt packages and validates the
// trajectories that come back. Each generator family is registered
// explicitly; config references them by id.
package generators

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agenticlab/distill/internal/config"
	"github.com/agenticlab/distill/internal/modelclient"
	"github.com/agenticlab/distill/internal/trace"
)

// Sample is one concrete prompt package to feed into a teacher model.
type Sample struct {
	ScenarioID   string
	SystemPrompt string
	UserPrompt   string
	Tools        []modelclient.ToolDef
	TargetTools  []trace.ToolRef
	Meta         trace.Meta
}

// AvailableTools is the tool surface of the sample as persisted metadata.
func (s Sample) AvailableTools() []trace.ToolRef {
	out := make([]trace.ToolRef, 0, len(s.Tools))
	for _, tool := range s.Tools {
		out = append(out, trace.ToolRef{Name: tool.Name, Description: tool.Description})
	}
	return out
}

// ValidationResult is the verdict on a completed trajectory. RequireRetry
// marks structurally broken output that should be regenerated rather than
// merely rejected.
type ValidationResult struct {
	Score        float64
	Feedback     string
	RequireRetry bool
}

// Generator produces samples and judges trajectories for one scenario
// family. Sample is called under the scheduler's per-scenario lock, so
// implementations may keep unsynchronized draw state.
type Generator interface {
	Name() string
	Sample() (Sample, error)
	Validate(messages []trace.Message, meta trace.Meta) ValidationResult
}

// Factory builds a generator from its scenario config and the run seed.
type Factory func(sc config.Scenario, seed int64) (Generator, error)

var registry = map[string]Factory{
	"terminal": newTerminalGenerator,
	"telecom":  newTelecomGenerator,
	"mcp":      newMCPGenerator,
}

// New builds the generator the scenario names. Unknown ids are config
// errors and surface before any episode work starts.
func New(sc config.Scenario, seed int64) (Generator, error) {
	factory, ok := registry[strings.ToLower(strings.TrimSpace(sc.Generator))]
	if !ok {
		return nil, fmt.Errorf("scenario %s: unknown generator %q (known: %s)",
			sc.Name, sc.Generator, strings.Join(Known(), ", "))
	}
	return factory(sc, seed)
}

// Known lists registered generator ids.
func Known() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// lastAssistantText returns the final assistant message text, or "" when the
// trajectory has no assistant turn at all.
func lastAssistantText(messages []trace.Message) (string, bool) {
	found := false
	text := ""
	for _, msg := range messages {
		if msg.Role == trace.RoleAssistant {
			found = true
			if t := msg.PlainText(); t != "" {
				text = t
			}
		}
	}
	return text, found
}

func containsChinese(s string) bool {
	for _, r := range s {
		if r >= 0x4e00 && r <= 0x9fff {
			return true
		}
	}
	return false
}

// Param helpers. Scenario params come from YAML, so numbers may arrive as
// int or float64.

func stringParam(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

func intParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
