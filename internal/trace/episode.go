package trace

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ToolRef names a tool that a scenario exposes or highlights.
type ToolRef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// ServerInfo describes the MCP server a scenario was derived from.
type ServerInfo struct {
	ID               int      `json:"id,omitempty"`
	Name             string   `json:"name,omitempty"`
	PrimaryLabel     string   `json:"primary_label,omitempty"`
	SecondaryLabels  []string `json:"secondary_labels,omitempty"`
	CustomLabel      string   `json:"custom_label,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	Categories       []string `json:"categories,omitempty"`
	Featured         bool     `json:"featured,omitempty"`
	UsageCount       int      `json:"usage_count,omitempty"`
	Author           string   `json:"author,omitempty"`
	Homepage         string   `json:"homepage,omitempty"`
	RepositoryURL    string   `json:"repository_url,omitempty"`
	SourceFile       string   `json:"source_file,omitempty"`
	ConnectionURL    string   `json:"connection_url,omitempty"`
	PythonSDKURL     string   `json:"python_sdk_url,omitempty"`
	PythonSDKSnippet string   `json:"python_sdk_snippet,omitempty"`
}

// Meta is the scenario-level metadata attached to a sample and carried into
// the episode. Fields the derivation logic depends on are typed; anything
// else a generator wants to persist goes in Extra.
type Meta struct {
	ScenarioType         string
	RiskLevel            string
	LanguagePolicy       string
	Mission              string
	Analysis             string
	Overview             string
	TargetBenchmark      string
	SmallModelCandidates []string
	RecommendedTools     []string
	ToolFocus            []string
	ToolSummaries        []ToolRef
	SelectedToolDetails  []ToolRef
	SourceServer         *ServerInfo
	ValidationFeedback   string
	Subsets              []string
	Extra                map[string]any
}

// ReviewRecord is one round of reviewer feedback on an episode.
type ReviewRecord struct {
	Round            int     `json:"round"`
	ReviewerEndpoint string  `json:"reviewer_endpoint"`
	Score            float64 `json:"score"`
	NeedsRevision    bool    `json:"needs_revision"`
	Feedback         string  `json:"feedback"`
	ChineseSummary   string  `json:"chinese_summary,omitempty"`
}

// GenerationInfo records how the episode was produced.
type GenerationInfo struct {
	TeacherEndpoint  string
	TeacherModel     string
	TeacherMode      string
	RunName          string
	ReflectionPasses int
	Review           []ReviewRecord
}

// Episode is one complete agentic trajectory plus everything needed to
// derive its persisted record. Owned by the producer until handed to the
// writer; immutable thereafter.
type Episode struct {
	ScenarioID      string
	CreatedAt       time.Time
	SystemPrompt    string
	UserPrompt      string
	Messages        []Message
	ToolInvocations []ToolInvocation
	Score           float64
	Meta            Meta
	Generation      GenerationInfo
	UUID            string
	AvailableTools  []ToolRef
	TargetTools     []ToolRef
}

// NewEpisodeID returns a fresh unique episode id.
func NewEpisodeID() string {
	return uuid.NewString()
}

// FinalAnswer is the trimmed text of the last assistant message with
// non-empty content, reasoning segments excluded.
func (e *Episode) FinalAnswer() string {
	for i := len(e.Messages) - 1; i >= 0; i-- {
		msg := e.Messages[i]
		if msg.Role != RoleAssistant {
			continue
		}
		if txt := msg.PlainText(); txt != "" {
			return txt
		}
	}
	return ""
}

// ThinkingTrace holds the reasoning segments of one assistant turn.
type ThinkingTrace struct {
	Turn     int       `json:"turn"`
	Segments []Segment `json:"segments"`
}

// ThinkingTraces collects per-turn reasoning across the conversation.
func (e *Episode) ThinkingTraces() []ThinkingTrace {
	traces := []ThinkingTrace{}
	for idx, msg := range e.Messages {
		if msg.Role != RoleAssistant {
			continue
		}
		if segs := msg.ThinkingSegments(); len(segs) > 0 {
			traces = append(traces, ThinkingTrace{Turn: idx, Segments: segs})
		}
	}
	return traces
}

// metadataMap builds the flattened free-form metadata persisted at the
// record top level: base identity fields, the typed scenario meta, the
// generation info, and any generator extras.
func (e *Episode) metadataMap() map[string]any {
	md := map[string]any{
		"scenario_id": e.ScenarioID,
		"created_at":  e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	for k, v := range e.Meta.Extra {
		md[k] = v
	}
	putStr := func(key, val string) {
		if strings.TrimSpace(val) != "" {
			md[key] = val
		}
	}
	putStr("scenario_type", e.Meta.ScenarioType)
	putStr("risk_level", e.Meta.RiskLevel)
	putStr("language_policy", e.Meta.LanguagePolicy)
	putStr("mission", e.Meta.Mission)
	putStr("analysis", e.Meta.Analysis)
	putStr("overview", e.Meta.Overview)
	putStr("target_benchmark", e.Meta.TargetBenchmark)
	putStr("validation_feedback", e.Meta.ValidationFeedback)
	if len(e.Meta.SmallModelCandidates) > 0 {
		md["small_model_candidates"] = e.Meta.SmallModelCandidates
	}
	if len(e.Meta.RecommendedTools) > 0 {
		md["recommended_tools"] = e.Meta.RecommendedTools
	}
	if len(e.Meta.ToolFocus) > 0 {
		md["tool_focus"] = e.Meta.ToolFocus
	}
	if len(e.Meta.ToolSummaries) > 0 {
		md["tool_summaries"] = toolRefMaps(e.Meta.ToolSummaries)
	}
	if len(e.Meta.SelectedToolDetails) > 0 {
		md["selected_tool_details"] = toolRefMaps(e.Meta.SelectedToolDetails)
	}
	if e.Meta.SourceServer != nil {
		md["source_server"] = serverMap(e.Meta.SourceServer)
	}
	md["generation"] = e.generationMap()
	if _, ok := md["mcp"]; !ok {
		if mcp := e.mcpMetadata(); len(mcp) > 0 {
			md["mcp"] = mcp
		}
	}
	return md
}

func (e *Episode) generationMap() map[string]any {
	gen := map[string]any{
		"reflection_passes": e.Generation.ReflectionPasses,
	}
	if e.Generation.RunName != "" {
		gen["run_name"] = e.Generation.RunName
	}
	teacher := map[string]any{}
	if e.Generation.TeacherEndpoint != "" {
		teacher["endpoint"] = e.Generation.TeacherEndpoint
	}
	if e.Generation.TeacherModel != "" {
		teacher["model"] = e.Generation.TeacherModel
	}
	if e.Generation.TeacherMode != "" {
		teacher["mode"] = e.Generation.TeacherMode
	}
	if len(teacher) > 0 {
		gen["teacher"] = teacher
	}
	if len(e.Generation.Review) > 0 {
		reviews := make([]map[string]any, 0, len(e.Generation.Review))
		for _, rec := range e.Generation.Review {
			entry := map[string]any{
				"round":             rec.Round,
				"reviewer_endpoint": rec.ReviewerEndpoint,
				"score":             rec.Score,
				"needs_revision":    rec.NeedsRevision,
				"feedback":          rec.Feedback,
			}
			if rec.ChineseSummary != "" {
				entry["chinese_summary"] = rec.ChineseSummary
			}
			reviews = append(reviews, entry)
		}
		gen["review"] = reviews
	}
	return gen
}

// mcpMetadata normalizes MCP-derived fields into one nested block, mirroring
// the shape consumers of the dataset expect.
func (e *Episode) mcpMetadata() map[string]any {
	summaries := toolRefMaps(e.Meta.ToolSummaries)
	featured := toolRefMaps(e.Meta.SelectedToolDetails)
	focus := cleanStrings(e.Meta.ToolFocus)
	var server map[string]any
	if e.Meta.SourceServer != nil {
		server = serverMap(e.Meta.SourceServer)
	}
	sdk := ""
	if e.Meta.SourceServer != nil {
		sdk = strings.TrimSpace(e.Meta.SourceServer.PythonSDKSnippet)
	}
	if len(server) == 0 && len(summaries) == 0 && len(featured) == 0 && len(focus) == 0 && sdk == "" {
		return nil
	}
	mcp := map[string]any{}
	if len(server) > 0 {
		mcp["server"] = server
	}
	if len(summaries) > 0 {
		mcp["tool_summaries"] = summaries
	}
	if len(featured) > 0 {
		mcp["featured_tools"] = featured
	}
	if len(focus) > 0 {
		mcp["focus"] = focus
	}
	if e.Meta.Mission != "" {
		mcp["mission"] = e.Meta.Mission
	}
	if e.Meta.Analysis != "" {
		mcp["analysis"] = e.Meta.Analysis
	}
	if e.Meta.Overview != "" {
		mcp["overview"] = e.Meta.Overview
	}
	if sdk != "" {
		mcp["python_sdk_snippet"] = sdk
	}
	return mcp
}

func toolRefMaps(refs []ToolRef) []map[string]any {
	out := make([]map[string]any, 0, len(refs))
	for _, ref := range refs {
		name := strings.TrimSpace(ref.Name)
		if name == "" {
			continue
		}
		entry := map[string]any{"name": name}
		if ref.Description != "" {
			entry["description"] = ref.Description
		}
		out = append(out, entry)
	}
	return out
}

func serverMap(s *ServerInfo) map[string]any {
	out := map[string]any{}
	if s.ID != 0 {
		out["id"] = s.ID
	}
	putStr := func(key, val string) {
		if strings.TrimSpace(val) != "" {
			out[key] = val
		}
	}
	putStr("name", s.Name)
	putStr("primary_label", s.PrimaryLabel)
	putStr("custom_label", s.CustomLabel)
	putStr("author", s.Author)
	putStr("homepage", s.Homepage)
	putStr("repository_url", s.RepositoryURL)
	putStr("source_file", s.SourceFile)
	putStr("connection_url", s.ConnectionURL)
	putStr("python_sdk_url", s.PythonSDKURL)
	putStr("python_sdk_snippet", s.PythonSDKSnippet)
	if list := cleanStrings(s.SecondaryLabels); len(list) > 0 {
		out["secondary_labels"] = list
	}
	if list := cleanStrings(s.Tags); len(list) > 0 {
		out["tags"] = list
	}
	if list := cleanStrings(s.Categories); len(list) > 0 {
		out["categories"] = list
	}
	if s.Featured {
		out["featured"] = true
	}
	if s.UsageCount > 0 {
		out["usage_count"] = s.UsageCount
	}
	return out
}

func cleanStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
