package modelclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/agenticlab/distill/internal/config"
	"github.com/agenticlab/distill/internal/trace"
)

// openaiClient covers both api.openai.com and OpenAI-compatible gateways
// (the usual teacher deployment is a compatible vLLM or provider gateway).
type openaiClient struct {
	ep     config.Endpoint
	client openai.Client
}

func newOpenAIClient(ep config.Endpoint, apiKey string) *openaiClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(ep.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(ep.BaseURL))
	}
	for key, val := range ep.ExtraHeaders {
		opts = append(opts, option.WithHeader(key, val))
	}
	return &openaiClient{ep: ep, client: openai.NewClient(opts...)}
}

func (c *openaiClient) Endpoint() config.Endpoint { return c.ep }

func (c *openaiClient) Complete(ctx context.Context, req Request) (trace.Message, error) {
	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(c.ep.Model),
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: openai.Float(req.temperature(c.ep)),
		TopP:        openai.Float(req.topP(c.ep)),
		MaxTokens:   openai.Int(int64(req.maxTokens(c.ep))),
	}
	if len(req.Tools) > 0 {
		params.Tools = toOpenAITools(req.Tools)
	}

	var extraOpts []option.RequestOption
	for key, val := range c.ep.Overrides {
		extraOpts = append(extraOpts, option.WithJSONSet(key, val))
	}
	for key, val := range req.Overrides {
		extraOpts = append(extraOpts, option.WithJSONSet(key, val))
	}

	return withRetries(ctx, c.ep, func(callCtx context.Context) (trace.Message, error) {
		completion, err := c.client.Chat.Completions.New(callCtx, params, extraOpts...)
		if err != nil {
			return trace.Message{}, c.wrapError(err)
		}
		if len(completion.Choices) == 0 {
			return trace.Message{}, &APIError{
				Provider: "openai", Endpoint: c.ep.Name, Model: c.ep.Model,
				Status: 0, Body: "completion contained no choices",
			}
		}
		return c.fromChoice(completion.Choices[0]), nil
	})
}

func (c *openaiClient) wrapError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		var requestID string
		if apierr.Response != nil {
			requestID = apierr.Response.Header.Get("X-Request-Id")
		}
		return &APIError{
			Provider:  "openai",
			Endpoint:  c.ep.Name,
			Model:     c.ep.Model,
			Status:    apierr.StatusCode,
			RequestID: requestID,
			Body:      apierr.Error(),
		}
	}
	return fmt.Errorf("endpoint %s: %w", c.ep.Name, err)
}

func (c *openaiClient) fromChoice(choice openai.ChatCompletionChoice) trace.Message {
	msg := trace.Message{Role: trace.RoleAssistant, Text: choice.Message.Content}
	for _, call := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, trace.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	// Compatible gateways surface thinking traces as reasoning_content.
	if raw, ok := choice.Message.JSON.ExtraFields["reasoning_content"]; ok {
		var reasoning string
		if err := json.Unmarshal([]byte(raw.Raw()), &reasoning); err == nil && strings.TrimSpace(reasoning) != "" {
			msg.Thinking = append(msg.Thinking, trace.Segment{Type: "thinking", Text: reasoning})
		}
	}
	return msg
}

func toOpenAIMessages(messages []trace.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case trace.RoleSystem:
			out = append(out, openai.SystemMessage(msg.PlainText()))
		case trace.RoleUser:
			out = append(out, openai.UserMessage(msg.PlainText()))
		case trace.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(msg.PlainText()))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if text := msg.PlainText(); text != "" {
				assistant.Content.OfString = openai.String(text)
			}
			for _, call := range msg.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: call.Arguments,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case trace.RoleTool:
			out = append(out, openai.ToolMessage(msg.PlainText(), msg.ToolCallID))
		}
	}
	return out
}

func toOpenAITools(tools []ToolDef) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, tool := range tools {
		params := tool.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: openai.String(tool.Description),
				Parameters:  shared.FunctionParameters(params),
			},
		})
	}
	return out
}
