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

// telecomGenerator produces multi-step customer support flows with tool
// interactions, sourced from a reviewed question bank.
type telecomGenerator struct {
	bank  *qbank.Bank
	rng   *rand.Rand
	tools []modelclient.ToolDef
}

func newTelecomGenerator(sc config.Scenario, seed int64) (Generator, error) {
	path := stringParam(sc.Params, "question_bank_path", "data/question_banks/telecom.jsonl")
	bank, err := qbank.Open(path, seed)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", sc.Name, err)
	}
	return &telecomGenerator{
		bank: bank,
		rng:  rand.New(rand.NewSource(seed)),
		tools: []modelclient.ToolDef{{
			Name:        "invoke_tool",
			Description: "Interact with internal telecom tools.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"tool_name": map[string]any{"type": "string"},
					"inputs":    map[string]any{"type": "object"},
				},
				"required": []string{"tool_name"},
			},
		}},
	}, nil
}

func (g *telecomGenerator) Name() string { return "telecom" }

func (g *telecomGenerator) Sample() (Sample, error) {
	c := g.bank.Sample()

	issue := caseString(c, "Undiagnosed telecom escalation", "issue")
	customerTier := caseString(c, "unspecified tier", "customer_tier")
	region := caseString(c, "", "region")
	symptoms := caseStrings(c, "symptoms", "symptom_highlights")
	recentChanges := caseStrings(c, "recent_changes")
	objectives := caseStrings(c, "resolution_objectives", "objectives")
	if len(objectives) == 0 {
		objectives = []string{"Restore service stability", "Communicate status to stakeholders"}
	}
	riskLevel := caseString(c, "medium", "risk_level")
	evaluationFocus := caseStrings(c, "evaluation_focus", "quality_gates")
	recommendedTools := caseStrings(c, "tools", "recommended_tools")
	telemetry := caseString(c, "", "telemetry_context")
	languagePolicy := caseString(c, "en-primary zh-secondary", "language_policy")

	caseID := caseString(c, "", "id", "uid")
	if caseID == "" {
		caseID = fmt.Sprintf("%d", g.rng.Intn(1_000_000))
	}
	scenarioID := "telecom/" + caseID

	systemPrompt := "You are a senior telecom support agent coordinating across billing, NOC, and field teams. " +
		"Gather facts methodically, call tools to inspect systems, and output a clear resolution plan. " +
		"Deliver most of your reasoning in English, adding concise Chinese bullet recaps for stakeholder communication."

	lines := []string{
		"Issue: " + issue,
		"Customer tier: " + customerTier,
	}
	if region != "" {
		lines = append(lines, "Region: "+region)
	}
	if len(symptoms) > 0 {
		lines = append(lines, "Primary symptoms: "+strings.Join(symptoms, ", "))
	}
	if len(recentChanges) > 0 {
		lines = append(lines, "Recent changes: "+strings.Join(recentChanges, ", "))
	}
	if telemetry != "" {
		lines = append(lines, "Telemetry hints: "+telemetry)
	}
	if len(recommendedTools) > 0 {
		lines = append(lines, "Candidate tools: "+strings.Join(recommendedTools, ", "))
	}
	lines = append(lines, "Risk level: "+riskLevel, "Resolution objectives:")
	for _, objective := range objectives {
		lines = append(lines, "  - "+objective)
	}
	if len(evaluationFocus) > 0 {
		lines = append(lines, "Evaluation focus areas:")
		for _, item := range evaluationFocus {
			lines = append(lines, "  - "+item)
		}
	}

	deliverables := "Deliverables:\n" +
		"1. Diagnostic summary covering root-cause hypotheses and ruled-out factors.\n" +
		"2. Immediate remediation steps including tool invocation rationale and fallback options.\n" +
		"3. Communication plan tailored by stakeholder (Ops lead, account team, customer-facing comms).\n" +
		"4. 中文要点: concise Chinese bullet recap of the recovery plan.\n" +
		"5. Metadata JSON with keys `scenario_type`, `risk_level`, `telemetry_needed`, `recommended_tools`."

	userPrompt := strings.Join(append(lines, "", deliverables), "\n")

	targets := make([]trace.ToolRef, 0, len(recommendedTools))
	for _, name := range recommendedTools {
		targets = append(targets, trace.ToolRef{Name: name, Source: "question_bank"})
	}

	return Sample{
		ScenarioID:   scenarioID,
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Tools:        g.tools,
		TargetTools:  targets,
		Meta: trace.Meta{
			ScenarioType:     "telecom",
			RiskLevel:        riskLevel,
			LanguagePolicy:   languagePolicy,
			RecommendedTools: recommendedTools,
			Extra: map[string]any{
				"benchmark":   "telecom-agent",
				"source_case": c,
			},
		},
	}, nil
}

func (g *telecomGenerator) Validate(messages []trace.Message, meta trace.Meta) ValidationResult {
	finalAnswer, hasAssistant := lastAssistantText(messages)
	if !hasAssistant {
		return missingAssistant
	}
	lowered := strings.ToLower(finalAnswer)

	coverage := scoreOf(
		strings.Contains(lowered, "diagnostic"),
		strings.Contains(lowered, "remediation"),
		strings.Contains(lowered, "communication"),
	)

	recommended := make(map[string]struct{}, len(meta.RecommendedTools))
	for _, name := range meta.RecommendedTools {
		recommended[name] = struct{}{}
	}
	usedRecommended := false
	for _, msg := range messages {
		if msg.Role != trace.RoleAssistant {
			continue
		}
		for _, call := range msg.ToolCalls {
			if _, ok := recommended[call.Name]; ok {
				usedRecommended = true
			}
		}
	}

	includesMetadataJSON := strings.Contains(lowered, `"scenario_type"`) &&
		strings.Contains(lowered, `"recommended_tools"`)
	includesChinese := containsChinese(finalAnswer)

	score := (coverage + boolScore(usedRecommended) + boolScore(includesMetadataJSON) + boolScore(includesChinese)) / 4

	feedback := "Comprehensive telecom playbook with metadata."
	if score < 0.75 {
		feedback = "Ensure diagnostic/remediation/communication sections, metadata JSON, and Chinese recap."
	}
	return ValidationResult{Score: score, Feedback: feedback, RequireRetry: score < 0.5}
}

func boolScore(ok bool) float64 {
	if ok {
		return 1.0
	}
	return 0.0
}
