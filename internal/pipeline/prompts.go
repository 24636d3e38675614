package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agenticlab/distill/internal/config"
	"github.com/agenticlab/distill/internal/generators"
	"github.com/agenticlab/distill/internal/review"
	"github.com/agenticlab/distill/internal/trace"
)

// composeSystemPrompt prepends the run-level prefix to the scenario's system
// prompt.
func composeSystemPrompt(prompts config.Prompts, original string) string {
	prefix := strings.TrimSpace(prompts.GlobalSystemPrefix)
	if prefix == "" {
		return original
	}
	return strings.TrimSpace(prefix + "\n\n" + original)
}

// composeUserPrompt prepends the run-level guidelines to the scenario's user
// prompt.
func composeUserPrompt(prompts config.Prompts, original string) string {
	guidelines := strings.TrimSpace(prompts.UserGuidelines)
	if guidelines == "" {
		return original
	}
	return strings.TrimSpace(guidelines + "\n\n" + original)
}

var reflectionStyles = map[string]string{
	"default": "Review your previous answer. Identify mistakes or missing steps. " +
		"Revise the response to be explicit about tool usage and decision justifications.",
	"concise": "Check your last answer for gaps. Provide a crisp, corrected plan.",
	"exhaustive": "Examine every assumption in your last answer. Correct errors, fill in missing command outputs, " +
		"and ensure mitigation guidance is actionable. Provide both English reasoning and a short Chinese recap.",
}

// reflectionPrompt builds the user turn for reflection pass passIndex
// (zero-based).
func reflectionPrompt(style string, passIndex int) string {
	base, ok := reflectionStyles[style]
	if !ok {
		base = reflectionStyles["default"]
	}
	return fmt.Sprintf("Reflection pass %d: %s", passIndex+1, base)
}

// reviewerPrompt serializes the conversation for the reviewer model.
func reviewerPrompt(conversation []trace.Message, sample generators.Sample, roundIndex int) string {
	type transcriptEntry struct {
		Role      string           `json:"role"`
		Name      string           `json:"name,omitempty"`
		Content   string           `json:"content"`
		ToolCalls []trace.ToolCall `json:"tool_calls,omitempty"`
	}
	entries := make([]transcriptEntry, 0, len(conversation))
	for _, msg := range conversation {
		entries = append(entries, transcriptEntry{
			Role:      string(msg.Role),
			Name:      msg.Name,
			Content:   msg.PlainText(),
			ToolCalls: msg.ToolCalls,
		})
	}
	transcript, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		transcript = []byte("[]")
	}
	metadata := map[string]any{
		"scenario_type":   sample.Meta.ScenarioType,
		"risk_level":      sample.Meta.RiskLevel,
		"language_policy": sample.Meta.LanguagePolicy,
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		metadataJSON = []byte("{}")
	}
	return fmt.Sprintf(
		"Scenario ID: %s\nRound: %d\nMetadata: %s\nTranscript JSON:\n%s\n"+
			"Assess the assistant's latest answer for correctness, completeness, and agentic decision making.",
		sample.ScenarioID, roundIndex, metadataJSON, transcript)
}

// revisionPrompt builds the user turn asking the teacher to address reviewer
// feedback. The template's {feedback} placeholder receives the English
// feedback plus the Chinese summary when present.
func revisionPrompt(template string, feedback review.Feedback) string {
	text := feedback.Feedback
	if feedback.ChineseSummary != "" {
		text += "\n中文摘要: " + feedback.ChineseSummary
	}
	return strings.ReplaceAll(template, "{feedback}", text)
}
