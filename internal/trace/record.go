package trace

import "strings"

// Record is the persisted shape of an episode: one line of a dataset shard.
type Record struct {
	UUID           string       `json:"uuid"`
	Subset         string       `json:"subset"`
	Subsets        []string     `json:"subsets"`
	Metadata       map[string]any `json:"metadata"`
	Question       Question     `json:"question"`
	AvailableTools []ToolRef    `json:"available_tools"`
	TargetTools    []TargetTool `json:"target_tools"`
	Response       Response     `json:"response"`
}

// Question is the prompt side of a record.
type Question struct {
	ID             string              `json:"id"`
	SystemPrompt   string              `json:"system_prompt"`
	Text           string              `json:"text"`
	LanguagePolicy string              `json:"language_policy,omitempty"`
	Metadata       map[string]any      `json:"metadata"`
	Assessments    QuestionAssessments `json:"assessments"`
}

// Response is the trajectory side of a record.
type Response struct {
	Messages        []Message           `json:"messages"`
	FinalAnswer     string              `json:"final_answer"`
	ToolInvocations []ToolInvocation    `json:"tool_invocations"`
	Assessments     ResponseAssessments `json:"assessments"`
	Metadata        map[string]any      `json:"metadata"`
	ThinkingTraces  []ThinkingTrace     `json:"thinking_traces"`
}

// TargetTool is a normalized target-tool entry: always named, always carries
// a reason/source, and states whether the tool is actually available.
type TargetTool struct {
	Name                    string `json:"name"`
	Description             string `json:"description,omitempty"`
	Reason                  string `json:"reason"`
	Source                  string `json:"source"`
	PresentInAvailableTools bool   `json:"present_in_available_tools"`
}

const defaultTargetToolReason = "Highlighted as a target tool by the scenario metadata."

// Record derives the persisted record from the episode. The derivation is
// pure: calling it twice on the same episode yields identical output.
func (e *Episode) Record() Record {
	md := e.metadataMap()

	subsets := e.inferSubsets(md)
	primary := ""
	if len(subsets) > 0 {
		primary = subsets[0]
		if _, ok := md["subset_hint"]; !ok {
			md["subset_hint"] = primary
		}
	}

	availableNames := make(map[string]struct{}, len(e.AvailableTools))
	for _, ref := range e.AvailableTools {
		if name := strings.TrimSpace(ref.Name); name != "" {
			availableNames[name] = struct{}{}
		}
	}

	targets := make([]TargetTool, 0, len(e.TargetTools))
	for _, ref := range e.TargetTools {
		name := strings.TrimSpace(ref.Name)
		if name == "" {
			continue
		}
		entry := TargetTool{
			Name:        name,
			Description: ref.Description,
			Reason:      ref.Reason,
			Source:      ref.Source,
		}
		if entry.Reason == "" {
			entry.Reason = defaultTargetToolReason
		}
		if entry.Source == "" {
			entry.Source = "unspecified"
		}
		_, entry.PresentInAvailableTools = availableNames[name]
		targets = append(targets, entry)
	}

	finalAnswer := e.FinalAnswer()

	return Record{
		UUID:     e.UUID,
		Subset:   primary,
		Subsets:  subsets,
		Metadata: md,
		Question: Question{
			ID:             e.ScenarioID,
			SystemPrompt:   e.SystemPrompt,
			Text:           e.UserPrompt,
			LanguagePolicy: e.Meta.LanguagePolicy,
			Metadata:       e.questionMetadata(md),
			Assessments:    e.questionAssessments(availableNames, targets),
		},
		AvailableTools: append([]ToolRef{}, e.AvailableTools...),
		TargetTools:    targets,
		Response: Response{
			Messages:        append([]Message{}, e.Messages...),
			FinalAnswer:     finalAnswer,
			ToolInvocations: append([]ToolInvocation{}, e.ToolInvocations...),
			Assessments:     e.responseAssessments(finalAnswer, targets),
			Metadata:        e.responseMetadata(md),
			ThinkingTraces:  e.ThinkingTraces(),
		},
	}
}

var questionMetadataKeys = []string{
	"scenario_type",
	"risk_level",
	"language_policy",
	"source_server",
	"mission",
	"target_benchmark",
	"small_model_candidates",
	"recommended_tools",
	"tool_focus",
	"tool_summaries",
	"selected_tool_details",
	"analysis",
	"overview",
}

var responseMetadataKeys = []string{
	"validation_feedback",
	"generation",
	"language_policy",
}

func (e *Episode) questionMetadata(md map[string]any) map[string]any {
	return pickKeys(md, questionMetadataKeys)
}

func (e *Episode) responseMetadata(md map[string]any) map[string]any {
	return pickKeys(md, responseMetadataKeys)
}

func pickKeys(md map[string]any, keys []string) map[string]any {
	out := map[string]any{}
	for _, key := range keys {
		if val, ok := md[key]; ok {
			out[key] = val
		}
	}
	return out
}
