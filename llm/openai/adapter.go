// Package openai converts between llm types and the OpenAI-compatible wire
// format used by OpenRouter.
package openai

import (
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/aschepis/backscratcher/relay/llm"
)

// ErrEmptyResponse is returned when a completion carries no choices.
var ErrEmptyResponse = errors.New("completion response has no choices")

// ToOpenAIMessages converts the system prompt and messages of req to OpenAI
// chat message format.
func ToOpenAIMessages(system string, msgs []llm.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, msg := range msgs {
		result = append(result, ToOpenAIMessage(msg))
	}
	return result
}

// ToOpenAIMessage converts a single llm.Message to OpenAI format.
func ToOpenAIMessage(msg llm.Message) openai.ChatCompletionMessage {
	var role string
	switch msg.Role {
	case llm.RoleAssistant:
		role = openai.ChatMessageRoleAssistant
	case llm.RoleSystem:
		role = openai.ChatMessageRoleSystem
	case llm.RoleTool:
		role = openai.ChatMessageRoleTool
	default:
		role = openai.ChatMessageRoleUser
	}

	out := openai.ChatCompletionMessage{
		Role:       role,
		Content:    msg.Content,
		Name:       msg.Name,
		ToolCallID: msg.ToolCallID,
	}
	for _, tc := range msg.ToolCalls {
		args := string(tc.Arguments)
		if args == "" {
			args = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
			ID:   tc.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      tc.Name,
				Arguments: args,
			},
		})
	}
	return out
}

// ToOpenAITools converts llm.ToolSpecs to OpenAI function format.
func ToOpenAITools(specs []llm.ToolSpec) []openai.Tool {
	result := make([]openai.Tool, 0, len(specs))
	for _, spec := range specs {
		params := spec.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  params,
			},
		})
	}
	return result
}

// FromOpenAIToolCalls converts tool calls from a response message.
func FromOpenAIToolCalls(calls []openai.ToolCall) []llm.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]llm.ToolCall, 0, len(calls))
	for _, tc := range calls {
		args := json.RawMessage(tc.Function.Arguments)
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		out = append(out, llm.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return out
}

// ToChatCompletionRequest converts req to the go-openai request type.
// Temperature and TopP are left unset here; MarshalRequest writes them so an
// explicit zero survives.
func ToChatCompletionRequest(req *llm.Request, stream bool) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  ToOpenAIMessages(req.System, req.Messages),
		MaxTokens: req.MaxTokens,
		User:      req.User,
		Metadata:  req.Metadata,
	}
	if len(req.Tools) > 0 {
		out.Tools = ToOpenAITools(req.Tools)
		if req.ToolChoice != "" {
			out.ToolChoice = req.ToolChoice
		}
		if req.ParallelToolCalls != nil {
			out.ParallelToolCalls = *req.ParallelToolCalls
		}
	}
	if rf := req.ResponseFormat; rf != nil {
		out.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   rf.Name,
				Schema: rf.Schema,
				Strict: rf.Strict,
			},
		}
	}
	if stream {
		out.Stream = true
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return out
}

// MarshalRequest encodes req as an OpenRouter chat-completion body: the
// OpenAI-compatible fields plus plugins, provider, models and session_id.
func MarshalRequest(req *llm.Request, stream bool) ([]byte, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	base, err := json.Marshal(ToChatCompletionRequest(req, stream))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	extras := map[string]any{}
	if req.Temperature != nil {
		extras["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		extras["top_p"] = *req.TopP
	}
	if len(req.Plugins) > 0 {
		extras["plugins"] = req.Plugins
	}
	if req.Provider != nil {
		extras["provider"] = req.Provider
	}
	if len(req.Models) > 0 {
		extras["models"] = req.Models
	}
	if req.SessionID != "" {
		extras["session_id"] = req.SessionID
	}
	if len(extras) == 0 {
		return base, nil
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(base, &body); err != nil {
		return nil, fmt.Errorf("failed to re-read request: %w", err)
	}
	for k, v := range extras {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s: %w", k, err)
		}
		body[k] = raw
	}
	return json.Marshal(body)
}

// usageCost captures the cost OpenRouter adds to the usage object.
type usageCost struct {
	Usage struct {
		Cost float64 `json:"cost"`
	} `json:"usage"`
}

// UnmarshalResponse decodes a non-streamed chat-completion body.
func UnmarshalResponse(data []byte) (*llm.Response, error) {
	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		if body, ok := llm.ParseErrorEnvelope(data); ok {
			return nil, llm.NewStreamError(body)
		}
		return nil, ErrEmptyResponse
	}
	var cost usageCost
	_ = json.Unmarshal(data, &cost)

	choice := resp.Choices[0]
	return &llm.Response{
		ID:    resp.ID,
		Model: resp.Model,
		Message: llm.Message{
			Role:      llm.RoleAssistant,
			Content:   choice.Message.Content,
			ToolCalls: FromOpenAIToolCalls(choice.Message.ToolCalls),
		},
		FinishReason: string(choice.FinishReason),
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
			Cost:             cost.Usage.Cost,
		},
	}, nil
}
