package generators

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/agenticlab/distill/internal/config"
	"github.com/agenticlab/distill/internal/modelclient"
	"github.com/agenticlab/distill/internal/qbank"
	"github.com/agenticlab/distill/internal/trace"
)

// terminalGenerator produces SRE shell-troubleshooting workflows from a
// reviewed question bank.
type terminalGenerator struct {
	bank  *qbank.Bank
	rng   *rand.Rand
	tools []modelclient.ToolDef
}

func newTerminalGenerator(sc config.Scenario, seed int64) (Generator, error) {
	path := stringParam(sc.Params, "question_bank_path", "data/question_banks/terminal.jsonl")
	bank, err := qbank.Open(path, seed)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", sc.Name, err)
	}
	return &terminalGenerator{
		bank: bank,
		rng:  rand.New(rand.NewSource(seed)),
		tools: []modelclient.ToolDef{{
			Name:        "run_command",
			Description: "Execute a shell command and return its stdout/stderr.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{
						"type":        "string",
						"description": "Bash command to run.",
					},
				},
				"required": []string{"command"},
			},
		}},
	}, nil
}

func (g *terminalGenerator) Name() string { return "terminal" }

func (g *terminalGenerator) Sample() (Sample, error) {
	c := g.bank.Sample()

	task := caseString(c, "Investigate a latent production incident.", "task")
	environment := caseString(c, "Linux host (details unspecified)", "environment")
	systems := caseStrings(c, "systems")
	symptoms := caseStrings(c, "symptoms")
	telemetryClues := caseStrings(c, "telemetry_clues")
	recentChanges := caseStrings(c, "recent_changes")
	tools := caseStrings(c, "tools")
	constraints := caseStrings(c, "constraints")
	objectives := caseStrings(c, "objectives", "resolution_objectives")
	if len(objectives) == 0 {
		objectives = []string{"Determine root cause.", "Define remediation plan."}
	}
	riskLevel := caseString(c, "medium", "risk_level")
	languagePolicy := caseString(c, "en-primary zh-secondary", "language_policy")

	caseID := caseString(c, "", "id", "uid")
	if caseID == "" {
		caseID = fmt.Sprintf("%d", g.rng.Intn(1_000_000))
	}
	scenarioID := "terminal/" + caseID

	systemPrompt := "You are an SRE operating within a production shell (read-only unless otherwise stated). " +
		"Think aloud, detail the commands you intend to run, and never fabricate output. Explain what each command would reveal. " +
		"Keep the main reasoning in English and finish key sections with concise Chinese bullet recaps."

	sections := []string{
		"Task: " + task,
		"Environment: " + environment,
	}
	if len(systems) > 0 {
		sections = append(sections, "Systems involved: "+strings.Join(systems, ", "))
	}
	if len(symptoms) > 0 {
		sections = append(sections, "Primary symptoms: "+strings.Join(symptoms, ", "))
	}
	if len(telemetryClues) > 0 {
		sections = append(sections, "Telemetry clues: "+strings.Join(telemetryClues, ", "))
	}
	if len(recentChanges) > 0 {
		sections = append(sections, "Recent changes: "+strings.Join(recentChanges, ", "))
	}
	if len(tools) > 0 {
		sections = append(sections, "Candidate commands/tools: "+strings.Join(tools, ", "))
	}
	if len(constraints) > 0 {
		sections = append(sections, "Constraints: "+strings.Join(constraints, ", "))
	}
	sections = append(sections, "Risk level: "+riskLevel, "Objectives:")
	for _, obj := range objectives {
		sections = append(sections, "  - "+obj)
	}

	deliverables := "Deliverables:\n" +
		"1. Investigation blueprint: chronological plan referencing exact commands and expected observations.\n" +
		"2. Command log with anticipated outputs/errors and how each narrows the hypothesis space.\n" +
		"3. Findings & mitigations: root cause narrative, mitigations, and postmortem actions.\n" +
		"4. 中文要点: concise Chinese bullet recap emphasising actions and safeguards.\n" +
		"5. Metadata JSON containing keys `scenario_type`, `risk_level`, `recommended_tools`, `constraints`, `telemetry_clues`."

	userPrompt := strings.Join(append(sections, "", deliverables), "\n")

	extra := map[string]any{
		"benchmark":   "terminal-bench",
		"source_case": c,
	}
	if len(constraints) > 0 {
		extra["constraints"] = constraints
	}
	if len(telemetryClues) > 0 {
		extra["telemetry_clues"] = telemetryClues
	}
	if overrides := caseMap(c, "metadata"); len(overrides) > 0 {
		extra["metadata_overrides"] = overrides
	}

	targets := make([]trace.ToolRef, 0, len(tools))
	for _, name := range tools {
		targets = append(targets, trace.ToolRef{Name: name, Source: "question_bank"})
	}

	return Sample{
		ScenarioID:   scenarioID,
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Tools:        g.tools,
		TargetTools:  targets,
		Meta: trace.Meta{
			ScenarioType:     "terminal",
			RiskLevel:        riskLevel,
			LanguagePolicy:   languagePolicy,
			RecommendedTools: tools,
			Extra:            extra,
		},
	}, nil
}

func (g *terminalGenerator) Validate(messages []trace.Message, meta trace.Meta) ValidationResult {
	finalAnswer, hasAssistant := lastAssistantText(messages)
	if !hasAssistant {
		return missingAssistant
	}
	lowered := strings.ToLower(finalAnswer)

	includesSections := strings.Contains(lowered, "investigation") &&
		strings.Contains(lowered, "command") &&
		strings.Contains(lowered, "findings")
	mentionsTools := false
	for _, tool := range meta.RecommendedTools {
		if strings.Contains(lowered, strings.ToLower(tool)) {
			mentionsTools = true
			break
		}
	}
	includesMetadataJSON := strings.Contains(lowered, `"scenario_type"`) &&
		strings.Contains(lowered, `"recommended_tools"`)
	includesChinese := containsChinese(finalAnswer)

	score := scoreOf(includesSections, mentionsTools, includesMetadataJSON, includesChinese)

	feedback := "Robust shell troubleshooting playbook."
	if score < 0.75 {
		feedback = "Ensure investigation/command/findings sections, reference the provided tools, include metadata JSON and Chinese recap."
	}
	return ValidationResult{Score: score, Feedback: feedback, RequireRetry: score < 0.5}
}

// missingAssistant is the shared verdict for trajectories with no assistant
// turn at all.
var missingAssistant = ValidationResult{Score: 0.0, Feedback: "Missing assistant response.", RequireRetry: true}

func scoreOf(checks ...bool) float64 {
	if len(checks) == 0 {
		return 0
	}
	passed := 0
	for _, ok := range checks {
		if ok {
			passed++
		}
	}
	return float64(passed) / float64(len(checks))
}
