package trace

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func baseMessages(systemPrompt, userPrompt, assistantReply string) []Message {
	return []Message{
		{Role: RoleSystem, Text: systemPrompt},
		{Role: RoleUser, Text: userPrompt},
		{Role: RoleAssistant, Text: assistantReply},
	}
}

func richEpisode() *Episode {
	systemPrompt := "You are an evaluator."
	userPrompt := "Describe workflows for the Kibela MCP server."
	assistantReply := "Here is the integration plan referencing search_notes and list_spaces." +
		" English narrative. 中文总结：覆盖核心步骤。"

	ok := true
	return &Episode{
		ScenarioID:   "mcp/kibela-123",
		CreatedAt:    time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Messages:     baseMessages(systemPrompt, userPrompt, assistantReply),
		ToolInvocations: []ToolInvocation{
			{Name: "search_notes", Arguments: map[string]any{"query": "runbooks"}, Success: &ok},
		},
		Score: 0.92,
		Meta: Meta{
			ScenarioType:         "mcp_integration",
			RiskLevel:            "high",
			LanguagePolicy:       "en-primary zh-secondary",
			Mission:              "stress-test the server",
			Analysis:             "Deep dive into the Kibela server",
			Overview:             "Knowledge management",
			TargetBenchmark:      "AgentBoard",
			SmallModelCandidates: []string{"Qwen2.5-7B-Instruct"},
			ToolFocus:            []string{"search_notes"},
			ToolSummaries: []ToolRef{
				{Name: "search_notes", Description: "Query notes"},
				{Name: "list_spaces", Description: "List workspaces"},
			},
			SelectedToolDetails: []ToolRef{
				{Name: "search_notes", Description: "Query notes"},
				{Name: "list_spaces", Description: "List workspaces"},
			},
			SourceServer: &ServerInfo{
				Name:            "Kibela MCP Server",
				PrimaryLabel:    "Knowledge Base",
				SecondaryLabels: []string{"Productivity"},
			},
			ValidationFeedback: "Reviewer confirmed workflow coverage.",
		},
		Generation: reviewedGeneration(),
		UUID:       NewEpisodeID(),
		AvailableTools: []ToolRef{
			{Name: "search_notes", Description: "Query notes", Source: "metadata.tool_summaries"},
			{Name: "list_spaces", Description: "List spaces", Source: "metadata.tool_summaries"},
		},
		TargetTools: []ToolRef{{Name: "search_notes"}, {Name: "list_spaces"}},
	}
}

// reviewedGeneration carries one completed review round.
func reviewedGeneration() GenerationInfo {
	return GenerationInfo{
		Review: []ReviewRecord{
			{Round: 0, ReviewerEndpoint: "reviewer-a", Score: 0.91, NeedsRevision: false, Feedback: "solid"},
		},
	}
}

func TestRecord_ContainsRichMetadata(t *testing.T) {
	t.Parallel()
	episode := richEpisode()
	rec := episode.Record()

	if rec.UUID == "" {
		t.Fatalf("uuid should be populated")
	}
	if rec.Subset != "multi_turn" {
		t.Fatalf("subset=%q, want multi_turn", rec.Subset)
	}
	mcp, ok := rec.Metadata["mcp"].(map[string]any)
	if !ok {
		t.Fatalf("mcp metadata should be normalised: %v", rec.Metadata)
	}
	if rec.Metadata["scenario_id"] != "mcp/kibela-123" {
		t.Fatalf("scenario_id=%v", rec.Metadata["scenario_id"])
	}
	hint, _ := rec.Metadata["subset_hint"].(string)
	found := false
	for _, subset := range rec.Subsets {
		if subset == hint {
			found = true
		}
	}
	if !found {
		t.Fatalf("subset_hint %q not in subsets %v", hint, rec.Subsets)
	}
	hasMCP, hasToolUse := false, false
	for _, subset := range rec.Subsets {
		switch subset {
		case "mcp":
			hasMCP = true
		case "tool_use":
			hasToolUse = true
		}
	}
	if !hasMCP {
		t.Fatalf("subsets=%v, want mcp tag", rec.Subsets)
	}
	if !hasToolUse {
		t.Fatalf("subsets=%v, tool invocation must add tool_use", rec.Subsets)
	}
	focus, _ := mcp["focus"].([]string)
	if len(focus) != 1 || focus[0] != "search_notes" {
		t.Fatalf("mcp focus=%v", mcp["focus"])
	}

	if rec.Question.Assessments.Difficulty.Reason == "" {
		t.Fatalf("difficulty reason missing")
	}
	if rec.Question.Metadata["analysis"] != "Deep dive into the Kibela server" {
		t.Fatalf("question metadata analysis=%v", rec.Question.Metadata["analysis"])
	}

	alignment := rec.Response.Assessments.ToolAlignment
	if alignment.Value != "excellent" {
		t.Fatalf("tool_alignment=%v, want excellent (%s)", alignment.Value, alignment.Reason)
	}
	if !strings.Contains(alignment.Reason, "search_notes") {
		t.Fatalf("tool_alignment reason=%q", alignment.Reason)
	}
	if rec.Response.Assessments.LanguageCompliance.Value != "pass" {
		t.Fatalf("language_compliance=%v", rec.Response.Assessments.LanguageCompliance)
	}
	gen, ok := rec.Response.Metadata["generation"].(map[string]any)
	if !ok || gen["review"] == nil {
		t.Fatalf("review metadata should persist: %v", rec.Response.Metadata)
	}
	if len(rec.Response.ThinkingTraces) != 0 {
		t.Fatalf("thinking traces=%v, want none", rec.Response.ThinkingTraces)
	}
}

func TestRecord_SingleTurnSubsetDetection(t *testing.T) {
	t.Parallel()
	episode := &Episode{
		ScenarioID:   "simple/1",
		CreatedAt:    time.Now().UTC(),
		SystemPrompt: "You are a helpful assistant.",
		UserPrompt:   "Answer briefly.",
		Messages:     baseMessages("You are a helpful assistant.", "Answer briefly.", "All done."),
		UUID:         NewEpisodeID(),
	}
	rec := episode.Record()

	if len(rec.Subsets) != 1 || rec.Subsets[0] != "single_turn" {
		t.Fatalf("subsets=%v, want exactly [single_turn]", rec.Subsets)
	}
	if rec.Subset != "single_turn" {
		t.Fatalf("subset=%q", rec.Subset)
	}
	if len(rec.Response.ThinkingTraces) != 0 {
		t.Fatalf("thinking traces=%v", rec.Response.ThinkingTraces)
	}
}

func TestRecord_ThinkingSegmentsPreserved(t *testing.T) {
	t.Parallel()
	episode := &Episode{
		ScenarioID:   "thinking/1",
		CreatedAt:    time.Now().UTC(),
		SystemPrompt: "System priming",
		UserPrompt:   "Explain the approach.",
		Messages: []Message{
			{Role: RoleSystem, Text: "System priming"},
			{Role: RoleUser, Text: "Explain the approach."},
			{Role: RoleAssistant, Segments: []Segment{
				{Type: "thinking", Text: "Evaluating requirements."},
				{Type: "output_text", Text: "Final answer ready."},
			}},
		},
		Generation: GenerationInfo{TeacherMode: "thinking"},
		UUID:       NewEpisodeID(),
	}
	rec := episode.Record()

	if rec.Subset != "single_turn" {
		t.Fatalf("subset=%q", rec.Subset)
	}
	hasThinkingModel := false
	for _, subset := range rec.Subsets {
		if subset == "thinking_model" {
			hasThinkingModel = true
		}
	}
	if !hasThinkingModel {
		t.Fatalf("subsets=%v, want thinking_model", rec.Subsets)
	}
	if rec.Response.FinalAnswer != "Final answer ready." {
		t.Fatalf("final answer=%q", rec.Response.FinalAnswer)
	}
	traces := rec.Response.ThinkingTraces
	if len(traces) != 1 {
		t.Fatalf("traces=%v, want 1", traces)
	}
	if traces[0].Turn != 2 {
		t.Fatalf("turn=%d, want 2", traces[0].Turn)
	}
	if traces[0].Segments[0].Text != "Evaluating requirements." {
		t.Fatalf("segment=%v", traces[0].Segments[0])
	}
}

func TestRecord_TargetToolNormalization(t *testing.T) {
	t.Parallel()
	episode := &Episode{
		ScenarioID:     "norm/1",
		CreatedAt:      time.Now().UTC(),
		Messages:       baseMessages("s", "u", "a"),
		UUID:           NewEpisodeID(),
		AvailableTools: []ToolRef{{Name: "present_tool"}},
		TargetTools: []ToolRef{
			{Name: "present_tool"},
			{Name: "absent_tool", Reason: "custom reason", Source: "catalog"},
			{Name: "   "},
		},
	}
	rec := episode.Record()

	if len(rec.TargetTools) != 2 {
		t.Fatalf("targets=%v, blank names must be dropped", rec.TargetTools)
	}
	first := rec.TargetTools[0]
	if first.Reason != defaultTargetToolReason || first.Source != "unspecified" {
		t.Fatalf("defaults not applied: %+v", first)
	}
	if !first.PresentInAvailableTools {
		t.Fatalf("present_tool should be marked available")
	}
	second := rec.TargetTools[1]
	if second.Reason != "custom reason" || second.Source != "catalog" {
		t.Fatalf("explicit fields overwritten: %+v", second)
	}
	if second.PresentInAvailableTools {
		t.Fatalf("absent_tool should not be marked available")
	}
}

func TestRecord_DerivationIsDeterministic(t *testing.T) {
	t.Parallel()
	episode := richEpisode()

	first, err := json.Marshal(episode.Record())
	if err != nil {
		t.Fatal(err)
	}
	second, err := json.Marshal(episode.Record())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("record derivation is not deterministic")
	}
}

func TestFinalAnswer_SkipsToolAndEmptyTurns(t *testing.T) {
	t.Parallel()
	episode := &Episode{
		Messages: []Message{
			{Role: RoleAssistant, Text: "first answer"},
			{Role: RoleTool, Text: "tool output"},
			{Role: RoleAssistant, Text: "   "},
		},
	}
	if got := episode.FinalAnswer(); got != "first answer" {
		t.Fatalf("final answer=%q", got)
	}
}

func TestMessage_ThinkingSegmentsDeduplicated(t *testing.T) {
	t.Parallel()
	msg := Message{
		Role:     RoleAssistant,
		Thinking: []Segment{{Type: "thinking", Text: "shared thought"}},
		Segments: []Segment{
			{Type: "thinking", Text: "shared thought"},
			{Type: "reasoning", Text: "another angle"},
			{Type: "text", Text: "visible answer"},
		},
	}
	segs := msg.ThinkingSegments()
	if len(segs) != 2 {
		t.Fatalf("segments=%v, want 2 after dedup", segs)
	}
	if msg.PlainText() != "visible answer" {
		t.Fatalf("plain text=%q, reasoning must not leak", msg.PlainText())
	}
}
