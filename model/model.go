//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

// Package model defines the model provider contract: messages, requests
// and the streamed response chunks consumed by agent nodes.
package model

import "context"

// Role is the role of a chat message author.
type Role string

const (
	// RoleSystem is the system prompt role.
	RoleSystem Role = "system"
	// RoleUser is the end-user role.
	RoleUser Role = "user"
	// RoleAssistant is the model role.
	RoleAssistant Role = "assistant"
	// RoleTool is the tool-result role.
	RoleTool Role = "tool"
)

// Message is a single chat message.
type Message struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	ToolID    string     `json:"tool_id,omitempty"`
	ToolName  string     `json:"tool_name,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// NewToolMessage creates a tool-result message.
func NewToolMessage(toolID, toolName, content string) Message {
	return Message{Role: RoleTool, ToolID: toolID, ToolName: toolName, Content: content}
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned call id, echoed back in tool messages.
	ID string `json:"id"`
	// Name is the tool name.
	Name string `json:"name"`
	// Arguments is the raw JSON argument payload.
	Arguments []byte `json:"arguments"`
}

// ToolDeclaration describes a tool offered to the model.
type ToolDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// GenerationConfig carries per-request generation options.
type GenerationConfig struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stream      bool     `json:"stream"`
}

// Request is a chat completion request.
type Request struct {
	Messages         []Message         `json:"messages"`
	Tools            []ToolDeclaration `json:"tools,omitempty"`
	GenerationConfig GenerationConfig  `json:"generation_config"`
}

// Chunk is one element of a streamed model response. Exactly one of the
// variant fields is meaningful per chunk:
//
//   - Delta carries incremental token text,
//   - ToolCalls carries tool-call fragments assembled by the provider,
//   - Done marks the final chunk and carries the complete content.
type Chunk struct {
	// Delta is the incremental token text for this chunk.
	Delta string `json:"delta,omitempty"`
	// ToolCalls are complete tool calls requested by the model.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// Done marks the final chunk of the stream.
	Done bool `json:"done,omitempty"`
	// Content is the full accumulated content, set on the final chunk.
	Content string `json:"content,omitempty"`
	// Err reports a provider-side failure; the stream ends after it.
	Err error `json:"-"`
}

// Provider streams chat completions. Implementations must deliver
// chunks in generation order and close the channel when done.
type Provider interface {
	// StreamChat starts a streamed completion for the given model.
	StreamChat(ctx context.Context, modelID string, req *Request) (<-chan *Chunk, error)
}
