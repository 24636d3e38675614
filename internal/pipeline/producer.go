package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agenticlab/distill/internal/config"
	"github.com/agenticlab/distill/internal/generators"
	"github.com/agenticlab/distill/internal/modelclient"
	"github.com/agenticlab/distill/internal/review"
	"github.com/agenticlab/distill/internal/trace"
)

// ToolHandler resolves a tool call into a structured result. A nil handler
// leaves calls recorded but unresolved, which is the normal mode for
// distillation runs where tool output is narrated by the teacher.
type ToolHandler func(name string, arguments map[string]any) (map[string]any, error)

// produceResult is one worker's outcome. Exactly one of Episode and
// RejectReason is meaningful when Err is nil; a nil Episode with a reason is
// a clean rejection, not a failure.
type produceResult struct {
	Scenario     string
	ScenarioID   string
	Episode      *trace.Episode
	Score        float64
	RejectReason string
	Err          error
}

// produceEpisode drives one full episode attempt: sample, teacher call,
// tool resolution, reflection passes, review cycle, validation.
func (p *Pipeline) produceEpisode(ctx context.Context, sc config.Scenario) produceResult {
	gen := p.generators[sc.Name]

	p.generatorLocks[sc.Name].Lock()
	sample, err := gen.Sample()
	p.generatorLocks[sc.Name].Unlock()
	if err != nil {
		return produceResult{Scenario: sc.Name, Err: fmt.Errorf("sample scenario %s: %w", sc.Name, err)}
	}

	systemPrompt := composeSystemPrompt(p.cfg.Prompts, sample.SystemPrompt)
	userPrompt := composeUserPrompt(p.cfg.Prompts, sample.UserPrompt)
	conversation := []trace.Message{
		{Role: trace.RoleSystem, Text: systemPrompt},
		{Role: trace.RoleUser, Text: userPrompt},
	}
	var invocations []trace.ToolInvocation

	teacherEP := p.teacherSelector.Select()
	teacher := p.teacherClients[teacherEP.Name]

	reply, err := teacher.Complete(ctx, modelclient.Request{Messages: conversation, Tools: sample.Tools})
	if err != nil {
		return produceResult{Scenario: sc.Name, ScenarioID: sample.ScenarioID, Err: err}
	}
	conversation = append(conversation, reply)
	conversation = p.recordToolCalls(reply, &invocations, conversation)

	if p.cfg.Reflection.Enabled && p.cfg.Reflection.Passes > 0 {
		for idx := 0; idx < p.cfg.Reflection.Passes; idx++ {
			conversation = append(conversation, trace.Message{
				Role: trace.RoleUser,
				Text: reflectionPrompt(p.cfg.Reflection.CritiqueStyle, idx),
			})
			reflection, err := teacher.Complete(ctx, modelclient.Request{Messages: conversation, Tools: sample.Tools})
			if err != nil {
				return produceResult{Scenario: sc.Name, ScenarioID: sample.ScenarioID, Err: err}
			}
			conversation = append(conversation, reflection)
			conversation = p.recordToolCalls(reflection, &invocations, conversation)
		}
	}

	conversation, invocations, reviews, err := p.runReviewCycle(ctx, conversation, invocations, sample, teacher)
	if err != nil {
		return produceResult{Scenario: sc.Name, ScenarioID: sample.ScenarioID, Err: err}
	}

	// The scenario validator only sees the trajectory, not the seeded
	// system/user turns.
	validation := gen.Validate(conversation[2:], sample.Meta)
	if validation.RequireRetry || validation.Score < p.cfg.Validation.MinScore {
		return produceResult{
			Scenario:     sc.Name,
			ScenarioID:   sample.ScenarioID,
			Score:        validation.Score,
			RejectReason: fmt.Sprintf("validation score %.2f: %s", validation.Score, validation.Feedback),
		}
	}

	if p.cfg.ReviewFlow.Enabled && len(reviews) > 0 {
		final := reviews[len(reviews)-1]
		if final.Score < p.cfg.ReviewFlow.MinScore || final.NeedsRevision {
			return produceResult{
				Scenario:     sc.Name,
				ScenarioID:   sample.ScenarioID,
				Score:        validation.Score,
				RejectReason: fmt.Sprintf("reviewer score %.2f (needs_revision=%t)", final.Score, final.NeedsRevision),
			}
		}
	}

	meta := sample.Meta
	meta.ValidationFeedback = validation.Feedback

	reflectionPasses := 0
	if p.cfg.Reflection.Enabled {
		reflectionPasses = p.cfg.Reflection.Passes
	}

	episode := &trace.Episode{
		ScenarioID:      sample.ScenarioID,
		CreatedAt:       time.Now().UTC(),
		SystemPrompt:    systemPrompt,
		UserPrompt:      userPrompt,
		Messages:        conversation,
		ToolInvocations: invocations,
		Score:           validation.Score,
		Meta:            meta,
		Generation: trace.GenerationInfo{
			TeacherEndpoint:  teacherEP.Name,
			TeacherModel:     teacherEP.Model,
			TeacherMode:      teacherEP.InteractionMode,
			RunName:          p.cfg.RunName,
			ReflectionPasses: reflectionPasses,
			Review:           reviews,
		},
		UUID:           trace.NewEpisodeID(),
		AvailableTools: sample.AvailableTools(),
		TargetTools:    sample.TargetTools,
	}
	return produceResult{Scenario: sc.Name, ScenarioID: sample.ScenarioID, Episode: episode, Score: validation.Score}
}

// recordToolCalls turns the reply's tool calls into invocations and, when a
// handler is configured, resolves them and appends the tool result turns.
// Handler failures are captured on the invocation rather than aborting the
// episode.
func (p *Pipeline) recordToolCalls(msg trace.Message, invocations *[]trace.ToolInvocation, conversation []trace.Message) []trace.Message {
	for _, call := range msg.ToolCalls {
		name := call.Name
		if name == "" {
			name = "unknown_tool"
		}
		var arguments map[string]any
		if err := json.Unmarshal([]byte(call.Arguments), &arguments); err != nil || arguments == nil {
			arguments = map[string]any{"raw": call.Arguments}
		}

		invocation := trace.ToolInvocation{Name: name, Arguments: arguments}

		if p.toolHandler != nil {
			result, err := p.toolHandler(name, arguments)
			if err != nil {
				failed := false
				invocation.Output = map[string]any{"error": err.Error()}
				invocation.Success = &failed
				conversation = append(conversation, trace.Message{
					Role:       trace.RoleTool,
					Name:       name,
					Text:       "Tool execution failed: " + err.Error(),
					ToolCallID: call.ID,
				})
			} else {
				if result == nil {
					result = map[string]any{}
				}
				ok := true
				invocation.Output = result
				invocation.Success = &ok
				conversation = append(conversation, trace.Message{
					Role:       trace.RoleTool,
					Name:       name,
					Text:       toolResultContent(result),
					ToolCallID: call.ID,
				})
			}
		}
		*invocations = append(*invocations, invocation)
	}
	return conversation
}

func toolResultContent(result map[string]any) string {
	if content, ok := result["content"].(string); ok {
		return content
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return ""
	}
	return string(raw)
}

// runReviewCycle asks a reviewer to judge the trajectory and, when
// auto-refine is on, loops feedback back to the teacher. Returns the updated
// conversation plus every review round captured.
func (p *Pipeline) runReviewCycle(
	ctx context.Context,
	conversation []trace.Message,
	invocations []trace.ToolInvocation,
	sample generators.Sample,
	teacher modelclient.Client,
) ([]trace.Message, []trace.ToolInvocation, []trace.ReviewRecord, error) {
	if !p.cfg.ReviewFlow.Enabled || p.reviewerSelector == nil {
		return conversation, invocations, nil, nil
	}

	var records []trace.ReviewRecord
	for round := 0; round <= p.cfg.ReviewFlow.MaxRounds; round++ {
		reviewerEP := p.reviewerSelector.Select()
		reviewer := p.reviewerClients[reviewerEP.Name]

		reviewMessages := []trace.Message{
			{Role: trace.RoleUser, Text: strings.ReplaceAll(
				p.cfg.Prompts.ReviewerTemplate, "{transcript}", reviewerPrompt(conversation, sample, round))},
		}
		reply, err := reviewer.Complete(ctx, modelclient.Request{
			Messages:        reviewMessages,
			Temperature:     modelclient.Float(0.0),
			TopP:            modelclient.Float(0.9),
			MaxOutputTokens: 1024,
		})
		if err != nil {
			return conversation, invocations, records, err
		}

		feedback := review.Parse(reply.PlainText())
		records = append(records, trace.ReviewRecord{
			Round:            round,
			ReviewerEndpoint: reviewerEP.Name,
			Score:            feedback.Score,
			NeedsRevision:    feedback.NeedsRevision,
			Feedback:         feedback.Feedback,
			ChineseSummary:   feedback.ChineseSummary,
		})

		if feedback.Score >= p.cfg.ReviewFlow.MinScore && !feedback.NeedsRevision {
			break
		}
		if !p.cfg.ReviewFlow.AutoRefine || round >= p.cfg.ReviewFlow.MaxRounds {
			break
		}

		conversation = append(conversation, trace.Message{
			Role: trace.RoleUser,
			Text: revisionPrompt(p.cfg.Prompts.RevisionTemplate, feedback),
		})
		revision, err := teacher.Complete(ctx, modelclient.Request{Messages: conversation, Tools: sample.Tools})
		if err != nil {
			return conversation, invocations, records, err
		}
		conversation = append(conversation, revision)
		conversation = p.recordToolCalls(revision, &invocations, conversation)
	}
	return conversation, invocations, records, nil
}
