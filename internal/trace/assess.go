package trace

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Assessment is one scored judgment about a record, with the reasoning that
// produced it.
type Assessment struct {
	Value  any    `json:"value"`
	Reason string `json:"reason"`
}

// QuestionAssessments covers the prompt side. DomainRelevance is absent when
// neither a source server nor a scenario type is declared.
type QuestionAssessments struct {
	Difficulty      Assessment  `json:"difficulty"`
	ToolingIntent   Assessment  `json:"tooling_intent"`
	ContextDensity  Assessment  `json:"context_density"`
	DomainRelevance *Assessment `json:"domain_relevance,omitempty"`
}

// ResponseAssessments covers the trajectory side.
type ResponseAssessments struct {
	Quality            Assessment `json:"quality"`
	ToolAlignment      Assessment `json:"tool_alignment"`
	LanguageCompliance Assessment `json:"language_compliance"`
	ReviewAlignment    Assessment `json:"review_alignment"`
}

// inferSubsets tags the episode for dataset slicing. Tags are de-duplicated
// with first-seen order preserved; the first tag is the primary subset.
func (e *Episode) inferSubsets(md map[string]any) []string {
	var subsets []string
	seen := make(map[string]struct{})
	add := func(tag string) {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			return
		}
		if _, ok := seen[tag]; ok {
			return
		}
		seen[tag] = struct{}{}
		subsets = append(subsets, tag)
	}

	assistantTurns, userTurns := 0, 0
	for _, msg := range e.Messages {
		switch msg.Role {
		case RoleAssistant:
			assistantTurns++
		case RoleUser:
			userTurns++
		}
	}
	toolCount := len(e.ToolInvocations)
	reflections := e.Generation.ReflectionPasses

	if assistantTurns <= 1 && userTurns <= 1 && toolCount == 0 && reflections == 0 {
		add("single_turn")
	} else {
		add("multi_turn")
	}
	if toolCount > 0 {
		add("tool_use")
	}
	if reflections > 0 {
		add("reflection")
	}
	if strings.HasPrefix(strings.ToLower(e.Generation.TeacherMode), "thinking") {
		add("thinking_model")
	}
	if st := strings.TrimSpace(e.Meta.ScenarioType); st != "" {
		if strings.HasPrefix(strings.ToLower(st), "mcp") {
			add("mcp")
		} else {
			add(st)
		}
	}
	if _, ok := md["mcp"]; ok {
		add("mcp")
	}
	for _, extra := range e.Meta.Subsets {
		add(extra)
	}
	return subsets
}

func (e *Episode) questionAssessments(availableNames map[string]struct{}, targets []TargetTool) QuestionAssessments {
	var qa QuestionAssessments

	if risk := strings.TrimSpace(e.Meta.RiskLevel); risk != "" {
		qa.Difficulty = Assessment{
			Value:  risk,
			Reason: "Scenario metadata specifies risk_level='" + risk + "'.",
		}
	} else {
		toolCount := len(availableNames)
		level := "low"
		switch {
		case toolCount >= 5:
			level = "high"
		case toolCount >= 2:
			level = "medium"
		}
		qa.Difficulty = Assessment{
			Value:  level,
			Reason: fmt.Sprintf("Inferred from %d available tool(s) when no explicit risk level was provided.", toolCount),
		}
	}

	if len(targets) > 0 {
		names := make([]string, 0, len(targets))
		for _, t := range targets {
			names = append(names, t.Name)
		}
		sort.Strings(names)
		focus := "focused"
		if len(names) > 4 {
			focus = "broad"
		}
		qa.ToolingIntent = Assessment{
			Value:  focus,
			Reason: "Scenario highlights target tools: " + strings.Join(names, ", "),
		}
	} else {
		qa.ToolingIntent = Assessment{
			Value:  "exploratory",
			Reason: "Scenario does not mandate specific tools, encouraging exploration.",
		}
	}

	wordCount := len(strings.Fields(e.UserPrompt))
	density := "concise"
	switch {
	case wordCount >= 600:
		density = "dense"
	case wordCount >= 250:
		density = "balanced"
	}
	qa.ContextDensity = Assessment{
		Value:  density,
		Reason: fmt.Sprintf("User prompt contains %d words providing contextual guidance.", wordCount),
	}

	if server := e.Meta.SourceServer; server != nil {
		var reasons []string
		if server.Name != "" {
			reasons = append(reasons, fmt.Sprintf("Server '%s' drives the scenario focus.", server.Name))
		}
		if server.PrimaryLabel != "" {
			reasons = append(reasons, "Primary label: "+server.PrimaryLabel+".")
		}
		if labels := cleanStrings(server.SecondaryLabels); len(labels) > 0 {
			reasons = append(reasons, "Secondary labels: "+strings.Join(labels, ", ")+".")
		}
		value := server.PrimaryLabel
		if value == "" {
			value = "unspecified"
		}
		reason := strings.Join(reasons, " ")
		if reason == "" {
			reason = "Derived from MCP metadata."
		}
		qa.DomainRelevance = &Assessment{Value: value, Reason: reason}
	} else if st := strings.TrimSpace(e.Meta.ScenarioType); st != "" {
		qa.DomainRelevance = &Assessment{
			Value:  st,
			Reason: fmt.Sprintf("Scenario declared type '%s'.", st),
		}
	}

	return qa
}

func (e *Episode) responseAssessments(finalAnswer string, targets []TargetTool) ResponseAssessments {
	var ra ResponseAssessments

	feedback := e.Meta.ValidationFeedback
	if feedback == "" {
		feedback = "No validation feedback recorded."
	}
	ra.Quality = Assessment{
		Value:  round3(e.Score),
		Reason: fmt.Sprintf("Validation scored %.2f. %s", e.Score, feedback),
	}

	if len(targets) > 0 {
		lowerAnswer := strings.ToLower(finalAnswer)
		mentioned := make([]string, 0, len(targets))
		invoked := make([]string, 0, len(targets))
		covered := make(map[string]struct{}, len(targets))
		targetSet := make(map[string]struct{}, len(targets))
		for _, t := range targets {
			targetSet[t.Name] = struct{}{}
		}
		for _, t := range targets {
			if strings.Contains(lowerAnswer, strings.ToLower(t.Name)) {
				mentioned = append(mentioned, t.Name)
				covered[t.Name] = struct{}{}
			}
		}
		for _, inv := range e.ToolInvocations {
			if !inv.Succeeded() {
				continue
			}
			if _, ok := targetSet[inv.Name]; !ok {
				continue
			}
			if _, dup := covered[inv.Name]; !dup {
				covered[inv.Name] = struct{}{}
			}
			invoked = append(invoked, inv.Name)
		}
		sort.Strings(mentioned)
		invoked = uniqueSorted(invoked)
		ratio := float64(len(covered)) / float64(len(targets))
		value := "insufficient"
		switch {
		case ratio >= 0.9:
			value = "excellent"
		case ratio >= 0.5:
			value = "adequate"
		}
		ra.ToolAlignment = Assessment{
			Value: value,
			Reason: fmt.Sprintf("Covered %d of %d highlighted tool(s) (mentioned: %v, invoked: %v).",
				len(covered), len(targets), mentioned, invoked),
		}
	} else {
		ra.ToolAlignment = Assessment{
			Value:  "not_applicable",
			Reason: "No scenario-level target tools to assess alignment against.",
		}
	}

	ra.LanguageCompliance = languageCompliance(e.Meta.LanguagePolicy, finalAnswer)

	if n := len(e.Generation.Review); n > 0 {
		final := e.Generation.Review[n-1]
		reviewer := final.ReviewerEndpoint
		if reviewer == "" {
			reviewer = "reviewer"
		}
		score := round3(final.Score)
		ra.ReviewAlignment = Assessment{
			Value:  score,
			Reason: fmt.Sprintf("Final review by %s scored %v and needs_revision=%t.", reviewer, score, final.NeedsRevision),
		}
	} else {
		ra.ReviewAlignment = Assessment{
			Value:  "not_requested",
			Reason: "No reviewer feedback captured for this episode.",
		}
	}

	return ra
}

func languageCompliance(policy, finalAnswer string) Assessment {
	containsChinese := false
	containsASCII := false
	for _, r := range finalAnswer {
		if r >= 0x4e00 && r <= 0x9fff {
			containsChinese = true
		}
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			containsASCII = true
		}
	}
	if strings.Contains(strings.ToLower(policy), "zh") {
		switch {
		case containsChinese && containsASCII:
			return Assessment{Value: "pass", Reason: "Answer includes both English reasoning and Chinese recap as required."}
		case containsChinese:
			return Assessment{Value: "partial", Reason: "Chinese recap present but English coverage appears limited."}
		default:
			return Assessment{Value: "partial", Reason: "Chinese recap missing despite language policy expectations."}
		}
	}
	if containsASCII {
		return Assessment{Value: "pass", Reason: "English narrative detected."}
	}
	return Assessment{Value: "partial", Reason: "English narrative missing."}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, item := range in {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}
