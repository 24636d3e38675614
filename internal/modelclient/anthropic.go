package modelclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agenticlab/distill/internal/config"
	"github.com/agenticlab/distill/internal/trace"
)

type anthropicClient struct {
	ep     config.Endpoint
	client anthropic.Client
}

func newAnthropicClient(ep config.Endpoint, apiKey string) *anthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(ep.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(ep.BaseURL))
	}
	for key, val := range ep.ExtraHeaders {
		opts = append(opts, option.WithHeader(key, val))
	}
	return &anthropicClient{ep: ep, client: anthropic.NewClient(opts...)}
}

func (c *anthropicClient) Endpoint() config.Endpoint { return c.ep }

func (c *anthropicClient) Complete(ctx context.Context, req Request) (trace.Message, error) {
	maxTokens := req.maxTokens(c.ep)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(strings.TrimSpace(c.ep.Model)),
		MaxTokens: int64(maxTokens),
		Messages:  toAnthropicMessages(req.Messages),
	}
	if system := systemText(req.Messages); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		params.Tools = toAnthropicTools(req.Tools)
	}
	if strings.EqualFold(c.ep.InteractionMode, "thinking") {
		budget := int64(maxTokens / 2)
		if budget < 1024 {
			budget = 1024
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
		// The API rejects sampling adjustments while thinking is on.
	} else {
		params.Temperature = anthropic.Float(req.temperature(c.ep))
		params.TopP = anthropic.Float(req.topP(c.ep))
	}

	var extraOpts []option.RequestOption
	for key, val := range c.ep.Overrides {
		extraOpts = append(extraOpts, option.WithJSONSet(key, val))
	}
	for key, val := range req.Overrides {
		extraOpts = append(extraOpts, option.WithJSONSet(key, val))
	}

	return withRetries(ctx, c.ep, func(callCtx context.Context) (trace.Message, error) {
		resp, err := c.client.Messages.New(callCtx, params, extraOpts...)
		if err != nil {
			return trace.Message{}, c.wrapError(err)
		}
		return c.fromMessage(resp), nil
	})
}

func (c *anthropicClient) wrapError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &APIError{
			Provider:  "anthropic",
			Endpoint:  c.ep.Name,
			Model:     c.ep.Model,
			Status:    apierr.StatusCode,
			RequestID: apierr.RequestID,
			Body:      apierr.Error(),
		}
	}
	return fmt.Errorf("endpoint %s: %w", c.ep.Name, err)
}

func (c *anthropicClient) fromMessage(resp *anthropic.Message) trace.Message {
	msg := trace.Message{Role: trace.RoleAssistant}
	var texts []string
	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			texts = append(texts, b.Text)
		case anthropic.ToolUseBlock:
			msg.ToolCalls = append(msg.ToolCalls, trace.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: string(b.Input),
			})
		case anthropic.ThinkingBlock:
			if strings.TrimSpace(b.Thinking) != "" {
				msg.Thinking = append(msg.Thinking, trace.Segment{Type: "thinking", Text: b.Thinking})
			}
		}
	}
	msg.Text = strings.Join(texts, "\n")
	return msg
}

func systemText(messages []trace.Message) string {
	var parts []string
	for _, msg := range messages {
		if msg.Role == trace.RoleSystem {
			if text := strings.TrimSpace(msg.PlainText()); text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

func toAnthropicMessages(messages []trace.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case trace.RoleSystem:
			// Carried separately in the system parameter.
		case trace.RoleUser:
			if text := msg.PlainText(); text != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
			}
		case trace.RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(msg.ToolCalls))
			if text := msg.PlainText(); text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(text))
			}
			for _, call := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, json.RawMessage(call.Arguments), call.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case trace.RoleTool:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.PlainText(), false)))
		}
	}
	if len(out) == 0 {
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock("Continue.")))
	}
	return out
}

func toAnthropicTools(tools []ToolDef) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		schema := tool.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		param := anthropic.ToolParam{
			Name:        tool.Name,
			Description: anthropic.String(tool.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Type:       "object",
				Properties: schema["properties"],
			},
		}
		if required, ok := schema["required"]; ok {
			param.InputSchema.Required = toStringSlice(required)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}

func toStringSlice(val any) []string {
	switch v := val.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
