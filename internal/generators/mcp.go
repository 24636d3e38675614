package generators

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/agenticlab/distill/internal/config"
	"github.com/agenticlab/distill/internal/trace"
)

// MCPDescriptor is one catalog entry for an MCP server.
type MCPDescriptor struct {
	ServerID        int
	Name            string
	Analysis        string
	PrimaryLabel    string
	SecondaryLabels []string
	CustomLabel     string
	Overview        string
	ToolSummaries   []trace.ToolRef
	Featured        bool
	UsageCount      int
	Tags            []string
	Categories      []string
	SourceFile      string
	ConnectionURL   string
	SDKSnippet      string
	SDKURL          string
	Author          string
	Homepage        string
	RepositoryURL   string
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slug is a filesystem/id friendly name for the server.
func (d *MCPDescriptor) Slug() string {
	slug := strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(d.Name), "-"), "-")
	if slug == "" {
		return fmt.Sprintf("server-%d", d.ServerID)
	}
	return slug
}

// Weight favours highly used or featured servers when sampling.
func (d *MCPDescriptor) Weight() float64 {
	base := d.UsageCount
	if base < 1 {
		base = 1
	}
	multiplier := 1.0
	if d.Featured {
		multiplier = 1.5
	}
	return math.Log(float64(base)+1) * multiplier
}

// MCPRepository holds the loaded descriptor catalog. It is built once and
// handed to each generator that needs it, so repeated scenario configs over
// the same directory share nothing implicitly.
type MCPRepository struct {
	descriptors []MCPDescriptor
	cumWeights  []float64
	totalWeight float64
}

// LoadMCPRepository parses every *.json catalog file under dir. Files that
// fail to parse or describe no tools are skipped; an empty catalog is an
// error.
func LoadMCPRepository(dir string) (*MCPRepository, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	var descriptors []MCPDescriptor
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var data map[string]any
		if err := json.Unmarshal(raw, &data); err != nil {
			continue
		}
		if d, ok := parseDescriptor(data, filepath.Base(path)); ok {
			descriptors = append(descriptors, d)
		}
	}
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("no MCP descriptors found in %s", dir)
	}
	return NewMCPRepository(descriptors), nil
}

// NewMCPRepository builds a repository from already parsed descriptors.
func NewMCPRepository(descriptors []MCPDescriptor) *MCPRepository {
	repo := &MCPRepository{descriptors: descriptors}
	total := 0.0
	repo.cumWeights = make([]float64, len(descriptors))
	for i := range descriptors {
		total += descriptors[i].Weight()
		repo.cumWeights[i] = total
	}
	repo.totalWeight = total
	return repo
}

// Len returns the catalog size.
func (r *MCPRepository) Len() int { return len(r.descriptors) }

// Pick draws a descriptor proportionally to its weight.
func (r *MCPRepository) Pick(rng *rand.Rand) *MCPDescriptor {
	if r.totalWeight <= 0 {
		return &r.descriptors[rng.Intn(len(r.descriptors))]
	}
	target := rng.Float64() * r.totalWeight
	idx := sort.SearchFloat64s(r.cumWeights, target)
	if idx >= len(r.descriptors) {
		idx = len(r.descriptors) - 1
	}
	return &r.descriptors[idx]
}

func parseDescriptor(data map[string]any, sourceFile string) (MCPDescriptor, bool) {
	labels := caseMap(data, "labels")
	metadata := caseMap(data, "metadata")
	serverInfo := caseMap(metadata, "server_info_crawled")
	remote := caseMap(metadata, "remote_server_response")

	toolCandidates := anySlice(remote["tools"])
	if len(toolCandidates) == 0 {
		toolCandidates = anySlice(serverInfo["tools"])
	}
	var tools []trace.ToolRef
	for _, candidate := range toolCandidates {
		tool, ok := candidate.(map[string]any)
		if !ok {
			continue
		}
		name, _ := tool["name"].(string)
		if strings.TrimSpace(name) == "" {
			continue
		}
		desc, _ := tool["description"].(string)
		tools = append(tools, trace.ToolRef{Name: name, Description: strings.TrimSpace(desc)})
	}
	if len(tools) == 0 {
		return MCPDescriptor{}, false
	}

	name := caseString(serverInfo, "", "name")
	if name == "" {
		name = caseString(metadata, "", "server_name")
	}
	if name == "" {
		name = caseString(labels, "", "custom_label")
	}
	if name == "" {
		name = strings.TrimSuffix(sourceFile, ".json")
	}

	usage := parseCount(serverInfo["usage_count"])
	if usage == 0 {
		usage = parseCount(metadata["usage_count"])
	}

	primary := caseString(labels, "General Tools", "primary_label")
	overview := caseString(serverInfo, "", "overview")
	if overview == "" {
		overview = caseString(labels, "", "reasoning")
	}
	featured, _ := labels["featured_server"].(bool)

	return MCPDescriptor{
		ServerID:        parseCount(firstNonNil(serverInfo["id"], metadata["server_id"])),
		Name:            name,
		Analysis:        caseString(labels, "", "analysis"),
		PrimaryLabel:    primary,
		SecondaryLabels: caseStrings(labels, "secondary_labels"),
		CustomLabel:     caseString(labels, "", "custom_label"),
		Overview:        overview,
		ToolSummaries:   tools,
		Featured:        featured,
		UsageCount:      usage,
		Tags:            caseStrings(serverInfo, "tags"),
		Categories:      caseStrings(serverInfo, "categories"),
		SourceFile:      sourceFile,
		ConnectionURL:   caseString(remote, "", "url"),
		SDKSnippet:      caseString(remote, "", "python_sdk"),
		SDKURL:          caseString(remote, "", "python_sdk_url"),
		Author:          caseString(serverInfo, "", "author"),
		Homepage:        caseString(serverInfo, "", "homepage"),
		RepositoryURL:   caseString(serverInfo, "", "repository_url"),
	}, true
}

func anySlice(val any) []any {
	if v, ok := val.([]any); ok {
		return v
	}
	return nil
}

func firstNonNil(vals ...any) any {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

// parseCount handles usage counts as numbers or as display strings such as
// "12,345".
func parseCount(val any) int {
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		digits := strings.TrimSpace(strings.ReplaceAll(v, ",", ""))
		if digits == "" {
			return 0
		}
		if f, err := strconv.ParseFloat(digits, 64); err == nil {
			return int(f)
		}
	}
	return 0
}

var smallModelCandidates = []string{
	"Qwen2.5-7B-Instruct",
	"Qwen2.5-14B-Instruct",
	"Llama-3.1-8B-Instruct",
	"Mistral-Nemo-Instruct",
	"Gemma2-9B-it",
	"Yi-Lite-9B-Chat",
}

var benchmarkTargets = []string{
	"AgentBoard",
	"AGI-Eval Tool Bench",
	"TerminalBench",
	"BBH Toolformer Split",
	"Telecom-Contact-Center Eval",
	"Navigator-Instructions v2",
}

var missionFragments = []string{
	"spin up an agent skill library for %s",
	"stress-test the server for %s workflows before distilling traces",
	"curate high-agency exemplars for downstream fine-tuning in %s",
	"orchestrate prompt chains that favour low-latency execution in %s",
	"design evaluator rubrics for %s data generation",
}

// mcpGenerator produces scenarios that evaluate and orchestrate MCP servers.
type mcpGenerator struct {
	repo             *MCPRepository
	rng              *rand.Rand
	toolSummaryLimit int
}

func newMCPGenerator(sc config.Scenario, seed int64) (Generator, error) {
	dir := stringParam(sc.Params, "dataset_dir", "data/mcp_servers")
	repo, err := LoadMCPRepository(dir)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", sc.Name, err)
	}
	return NewMCPGenerator(repo, intParam(sc.Params, "tool_summary_limit", 4), seed), nil
}

// NewMCPGenerator builds a generator over an injected descriptor repository.
func NewMCPGenerator(repo *MCPRepository, toolSummaryLimit int, seed int64) Generator {
	if toolSummaryLimit < 1 {
		toolSummaryLimit = 1
	}
	return &mcpGenerator{
		repo:             repo,
		rng:              rand.New(rand.NewSource(seed)),
		toolSummaryLimit: toolSummaryLimit,
	}
}

func (g *mcpGenerator) Name() string { return "mcp" }

func (g *mcpGenerator) Sample() (Sample, error) {
	descriptor := g.repo.Pick(g.rng)

	selected := g.selectTools(descriptor.ToolSummaries)
	var summaryLines []string
	for _, tool := range selected {
		summaryLines = append(summaryLines, fmt.Sprintf("- `%s`: %s", tool.Name, tool.Description))
	}

	mission := fmt.Sprintf(missionFragments[g.rng.Intn(len(missionFragments))],
		strings.ToLower(descriptor.PrimaryLabel))
	benchmark := benchmarkTargets[g.rng.Intn(len(benchmarkTargets))]
	smallModels := g.sampleSmallModels(3)

	systemPrompt := "You are an autonomous solutions architect specialising in MCP server integrations. " +
		"Produce decision-grade analyses that small instruction-tuned models can learn from. " +
		"Keep the primary narrative in English and finish each major section with succinct Chinese bullet recaps."

	connectionHint := descriptor.ConnectionURL
	if connectionHint == "" {
		connectionHint = descriptor.SDKURL
	}
	if connectionHint == "" {
		connectionHint = "N/A"
	}
	secondary := strings.Join(descriptor.SecondaryLabels, ", ")
	if secondary == "" {
		secondary = "none"
	}
	customTag := descriptor.CustomLabel
	if customTag == "" {
		customTag = "N/A"
	}

	userPrompt := fmt.Sprintf(
		"Server dossier: **%s** (primary label: %s; secondary labels: %s; custom tag: %s).\n%s\n\n"+
			"Tools (subset):\n%s\n\n"+
			"Connection endpoint: %s\n"+
			"If referencing SDK usage, ensure snippets align with the official python client pattern.\n\n"+
			"Mission: %s while preparing data that will boost %s scores for compact agentic models.\n\n"+
			"Deliverables (all in English except the dedicated Chinese section):\n"+
			"1. **Capability Deep Dive** - map how each listed tool can be chained; include latency or risk considerations.\n"+
			"2. **Workflow Library** - design at least three end-to-end workflows referencing the tool names verbatim and "+
			"highlight which steps are good for distillation traces.\n"+
			"3. **Evaluation & Guardrails** - propose automatic checks, feedback signals, and telemetry for data quality, "+
			"especially for supervising smaller models.\n"+
			"4. **Chinese Recap (中文要点)** - 3-5 Chinese bullet points capturing essential actions.\n"+
			"5. **Metadata JSON** - output a JSON object with keys: `scenario_type`, `source_server`, "+
			"`recommended_small_model_targets`, `risk_level`, `benchmark_alignment`, `connection_url`. "+
			"Use double quotes and ensure it is valid JSON.\n\n"+
			"Contextual notes: prefer English reasoning, but adopt precise Chinese phrasing in the recap. "+
			"Cite tool names, reference potential rate limits, and justify why the workflows create high-agency traces.",
		descriptor.Name, descriptor.PrimaryLabel, secondary, customTag,
		descriptor.Analysis, strings.Join(summaryLines, "\n"), connectionHint, mission, benchmark,
	)

	focus := make([]string, 0, len(selected))
	targets := make([]trace.ToolRef, 0, len(selected))
	for _, tool := range selected {
		focus = append(focus, tool.Name)
		targets = append(targets, trace.ToolRef{
			Name:        tool.Name,
			Description: tool.Description,
			Source:      "mcp_catalog",
		})
	}

	scenarioID := fmt.Sprintf("mcp/%s-%d", descriptor.Slug(), g.rng.Intn(1_000_000))

	return Sample{
		ScenarioID:   scenarioID,
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		TargetTools:  targets,
		Meta: trace.Meta{
			ScenarioType:         "mcp_integration",
			LanguagePolicy:       "en-primary zh-secondary",
			Mission:              mission,
			Analysis:             descriptor.Analysis,
			Overview:             descriptor.Overview,
			TargetBenchmark:      benchmark,
			SmallModelCandidates: smallModels,
			ToolFocus:            focus,
			ToolSummaries:        descriptor.ToolSummaries,
			SelectedToolDetails:  targets,
			SourceServer: &trace.ServerInfo{
				ID:               descriptor.ServerID,
				Name:             descriptor.Name,
				PrimaryLabel:     descriptor.PrimaryLabel,
				SecondaryLabels:  descriptor.SecondaryLabels,
				CustomLabel:      descriptor.CustomLabel,
				Tags:             descriptor.Tags,
				Categories:       descriptor.Categories,
				Featured:         descriptor.Featured,
				UsageCount:       descriptor.UsageCount,
				Author:           descriptor.Author,
				Homepage:         descriptor.Homepage,
				RepositoryURL:    descriptor.RepositoryURL,
				SourceFile:       descriptor.SourceFile,
				ConnectionURL:    descriptor.ConnectionURL,
				PythonSDKURL:     descriptor.SDKURL,
				PythonSDKSnippet: descriptor.SDKSnippet,
			},
		},
	}, nil
}

func (g *mcpGenerator) Validate(messages []trace.Message, meta trace.Meta) ValidationResult {
	finalAnswer, hasAssistant := lastAssistantText(messages)
	if !hasAssistant {
		return missingAssistant
	}
	lowered := strings.ToLower(finalAnswer)

	toolMentioned := false
	for _, tool := range meta.ToolSummaries {
		if strings.Contains(lowered, strings.ToLower(tool.Name)) {
			toolMentioned = true
			break
		}
	}
	hasMetadataBlock := strings.Contains(lowered, `"scenario_type"`) &&
		strings.Contains(lowered, `"source_server"`)
	includesChinese := containsChinese(finalAnswer)

	score := scoreOf(toolMentioned, hasMetadataBlock, includesChinese)

	feedback := "Balanced tool analysis with metadata block."
	if score < 0.66 {
		feedback = "Ensure tool names, metadata JSON, and Chinese recap are present."
	}
	return ValidationResult{Score: score, Feedback: feedback, RequireRetry: score < 0.4}
}

// selectTools keeps at most the configured number of tool summaries, in
// catalog order.
func (g *mcpGenerator) selectTools(tools []trace.ToolRef) []trace.ToolRef {
	if len(tools) <= g.toolSummaryLimit {
		return tools
	}
	indices := g.rng.Perm(len(tools))[:g.toolSummaryLimit]
	sort.Ints(indices)
	out := make([]trace.ToolRef, 0, len(indices))
	for _, idx := range indices {
		out = append(out, tools[idx])
	}
	return out
}

func (g *mcpGenerator) sampleSmallModels(count int) []string {
	if count > len(smallModelCandidates) {
		count = len(smallModelCandidates)
	}
	perm := g.rng.Perm(len(smallModelCandidates))[:count]
	out := make([]string, 0, count)
	for _, idx := range perm {
		out = append(out, smallModelCandidates[idx])
	}
	return out
}
