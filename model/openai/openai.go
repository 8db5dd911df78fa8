//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

// Package openai adapts the OpenAI chat completion API to the model
// provider contract.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"

	"github.com/agentrun/agentrun/model"
)

// Provider streams chat completions from an OpenAI-compatible endpoint.
type Provider struct {
	client openai.Client
}

// Option configures a Provider.
type Option func(*options)

type options struct {
	apiKey  string
	baseURL string
}

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = url }
}

// New creates a Provider.
func New(opts ...Option) *Provider {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	var clientOpts []openaiopt.RequestOption
	if o.apiKey != "" {
		clientOpts = append(clientOpts, openaiopt.WithAPIKey(o.apiKey))
	}
	if o.baseURL != "" {
		clientOpts = append(clientOpts, openaiopt.WithBaseURL(o.baseURL))
	}
	return &Provider{client: openai.NewClient(clientOpts...)}
}

// StreamChat implements model.Provider.
func (p *Provider) StreamChat(ctx context.Context, modelID string, req *model.Request) (<-chan *model.Chunk, error) {
	if req == nil {
		return nil, fmt.Errorf("openai: nil request")
	}
	params := p.buildParams(modelID, req)
	out := make(chan *model.Chunk, 64)
	go func() {
		defer close(out)
		stream := p.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		acc := openai.ChatCompletionAccumulator{}
		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)
			if len(chunk.Choices) == 0 {
				continue
			}
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				select {
				case out <- &model.Chunk{Delta: delta}:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			out <- &model.Chunk{Err: fmt.Errorf("openai stream: %w", err), Done: true}
			return
		}
		final := &model.Chunk{Done: true}
		if len(acc.Choices) > 0 {
			msg := acc.Choices[0].Message
			final.Content = msg.Content
			for _, tc := range msg.ToolCalls {
				// The accumulator can surface empty placeholder calls.
				if tc.Function.Name == "" {
					continue
				}
				final.ToolCalls = append(final.ToolCalls, model.ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: []byte(tc.Function.Arguments),
				})
			}
		}
		select {
		case out <- final:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// buildParams converts the request to OpenAI chat completion params.
func (p *Provider) buildParams(modelID string, req *model.Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(modelID),
		Messages: convertMessages(req.Messages),
	}
	if req.GenerationConfig.Temperature != nil {
		params.Temperature = openai.Float(*req.GenerationConfig.Temperature)
	}
	if req.GenerationConfig.MaxTokens != nil {
		params.MaxCompletionTokens = openai.Int(int64(*req.GenerationConfig.MaxTokens))
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  openai.FunctionParameters(t.InputSchema),
			},
		})
	}
	return params
}

func convertMessages(messages []model.Message) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			result = append(result, openai.SystemMessage(msg.Content))
		case model.RoleAssistant:
			assistant := &openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(msg.Content),
				}
			}
			for _, tc := range msg.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			result = append(result, openai.ChatCompletionMessageParamUnion{OfAssistant: assistant})
		case model.RoleTool:
			result = append(result, openai.ToolMessage(msg.Content, msg.ToolID))
		default:
			result = append(result, openai.UserMessage(msg.Content))
		}
	}
	return result
}
