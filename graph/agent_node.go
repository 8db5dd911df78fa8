//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonrepair"
	"github.com/panjf2000/ants/v2"

	"github.com/agentrun/agentrun/log"
	"github.com/agentrun/agentrun/model"
	"github.com/agentrun/agentrun/tool"
	"github.com/agentrun/agentrun/tool/invoker"
)

// Tool execution modes for agent nodes.
const (
	ToolModeSequential   = "sequential"
	ToolModeParallelSafe = "parallel_safe"
)

const (
	defaultMaxToolIterations = 5
	defaultMaxParallelTools  = 4
)

// executeAgent drives the model/tool loop for agent and llm nodes:
// stream the model, dispatch any requested tool calls, feed results
// back, and repeat up to max_tool_iterations.
func executeAgent(ctx context.Context, s *State, n *Node, resolved map[string]any, ec *ExecContext) (*Delta, error) {
	if ec.Provider == nil {
		return nil, fmt.Errorf("agent node %s: no model provider configured", n.ID)
	}
	modelID := n.ConfigString("model_id")
	instructions := Interpolate(n.ConfigString("instructions"), s)

	maxIterations := n.ConfigInt("max_tool_iterations")
	if maxIterations <= 0 {
		maxIterations = defaultMaxToolIterations
	}

	messages := buildMessages(s, instructions, resolved)
	decls := toolDeclarations(n, ec)
	spanID := newSpanID()

	var newMessages []model.Message
	var finalText string
	for iteration := 0; ; iteration++ {
		req := &model.Request{
			Messages:         messages,
			Tools:            decls,
			GenerationConfig: model.GenerationConfig{Stream: true},
		}
		content, toolCalls, err := streamModel(ctx, ec, n.ID, spanID, modelID, req)
		if err != nil {
			return nil, fmt.Errorf("agent node %s: %w", n.ID, err)
		}

		assistant := model.Message{
			Role:      model.RoleAssistant,
			Content:   content,
			ToolCalls: toolCalls,
		}
		messages = append(messages, assistant)
		newMessages = append(newMessages, assistant)

		if len(toolCalls) == 0 {
			finalText = content
			break
		}
		if iteration >= maxIterations {
			log.Warnf("agent node %s: max tool iterations (%d) reached", n.ID, maxIterations)
			finalText = content
			break
		}

		toolMessages, err := dispatchToolCalls(ctx, toolCalls, n, ec, spanID)
		if err != nil {
			return nil, err
		}
		messages = append(messages, toolMessages...)
		newMessages = append(newMessages, toolMessages...)
	}

	output := parseAgentOutput(n, finalText)
	delta := &Delta{
		Messages:           newMessages,
		Output:             map[string]any{"output": output, "text": finalText},
		LastAgentOutput:    output,
		SetLastAgentOutput: true,
	}
	if n.ConfigBool("write_output_to_context") {
		delta.Context = map[string]any{"last_agent_output": output}
	}
	return delta, nil
}

// streamModel consumes one model stream, emitting token events in
// generation order, and returns the final content and tool calls.
func streamModel(ctx context.Context, ec *ExecContext, nodeID, spanID, modelID string, req *model.Request) (string, []model.ToolCall, error) {
	chunks, err := ec.Provider.StreamChat(ctx, modelID, req)
	if err != nil {
		return "", nil, err
	}
	var content strings.Builder
	var toolCalls []model.ToolCall
	var finalContent string
	for chunk := range chunks {
		if chunk.Err != nil {
			return "", nil, chunk.Err
		}
		if chunk.Delta != "" {
			content.WriteString(chunk.Delta)
			ec.Emitter.EmitToken(chunk.Delta, nodeID, spanID)
		}
		if chunk.Done {
			toolCalls = append(toolCalls, chunk.ToolCalls...)
			finalContent = chunk.Content
		}
		if err := ctx.Err(); err != nil {
			return "", nil, err
		}
	}
	if finalContent == "" {
		finalContent = content.String()
	}
	return finalContent, toolCalls, nil
}

// dispatchToolCalls runs the requested tool calls sequentially or in
// parallel depending on the node's tool_execution_mode.
func dispatchToolCalls(ctx context.Context, calls []model.ToolCall, n *Node, ec *ExecContext, spanID string) ([]model.Message, error) {
	mode := n.ConfigString("tool_execution_mode")
	if mode != ToolModeParallelSafe || len(calls) == 1 {
		return dispatchSequential(ctx, calls, n, ec, spanID)
	}
	return dispatchParallel(ctx, calls, n, ec, spanID)
}

func dispatchSequential(ctx context.Context, calls []model.ToolCall, n *Node, ec *ExecContext, spanID string) ([]model.Message, error) {
	messages := make([]model.Message, 0, len(calls))
	for _, call := range calls {
		msg, err := invokeOne(ctx, call, n, ec, spanID)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// serializationGroup returns the concurrency group a call must
// serialize on during parallel dispatch. Pure tools never serialize.
func serializationGroup(def *tool.Definition) string {
	if def == nil || def.IsPure {
		return ""
	}
	return def.ConcurrencyGroup
}

// dispatchParallel fans tool calls out over a bounded worker pool.
// Calls sharing a concurrency group are serialized within the group
// unless the tool is pure; tool result messages are appended in
// completion order.
func dispatchParallel(ctx context.Context, calls []model.ToolCall, n *Node, ec *ExecContext, spanID string) ([]model.Message, error) {
	maxParallel := n.ConfigInt("max_parallel_tools")
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallelTools
	}
	pool, err := ants.NewPool(maxParallel)
	if err != nil {
		return nil, fmt.Errorf("create tool pool: %w", err)
	}
	defer pool.Release()

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		messages   []model.Message
		firstErr   error
		groupLocks = make(map[string]*sync.Mutex)
	)
	lockFor := func(group string) *sync.Mutex {
		if group == "" {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if l, ok := groupLocks[group]; ok {
			return l
		}
		l := &sync.Mutex{}
		groupLocks[group] = l
		return l
	}

	for _, call := range calls {
		call := call
		group := serializationGroup(ec.Tools[call.Name])
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			if l := lockFor(group); l != nil {
				l.Lock()
				defer l.Unlock()
			}
			msg, err := invokeOne(ctx, call, n, ec, spanID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			messages = append(messages, msg)
		})
		if submitErr != nil {
			wg.Done()
			mu.Lock()
			if firstErr == nil {
				firstErr = submitErr
			}
			mu.Unlock()
		}
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return messages, nil
}

// invokeOne runs a single tool call through the invocation layer and
// wraps the outcome as a tool message.
func invokeOne(ctx context.Context, call model.ToolCall, n *Node, ec *ExecContext, spanID string) (model.Message, error) {
	def, ok := ec.Tools[call.Name]
	if !ok {
		// Unknown tool names come from the model; report them back
		// instead of failing the run.
		payload, _ := json.Marshal(map[string]any{"error": fmt.Sprintf("unknown tool %q", call.Name)})
		return model.NewToolMessage(call.ID, call.Name, string(payload)), nil
	}
	var input map[string]any
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &input); err != nil {
			payload, _ := json.Marshal(map[string]any{"error": fmt.Sprintf("invalid arguments: %v", err)})
			return model.NewToolMessage(call.ID, call.Name, string(payload)), nil
		}
	}
	res, err := invoker.Invoke(ctx, def, input, &invoker.Context{
		RunID:   ec.RunID,
		NodeID:  n.ID,
		SpanID:  spanID,
		Emitter: ec.Emitter,
		Breaker: ec.Breaker,
		Clock:   ec.Clock,
	})
	if err != nil {
		return model.Message{}, err
	}
	var payload []byte
	if res.Failed() {
		payload, _ = json.Marshal(map[string]any{"error": res.ErrorMessage, "code": res.Code})
	} else {
		payload, _ = json.Marshal(res.Output)
	}
	return model.NewToolMessage(call.ID, call.Name, string(payload)), nil
}

// buildMessages assembles the request history: system instructions,
// accumulated messages, and the optional mapped user input.
func buildMessages(s *State, instructions string, resolved map[string]any) []model.Message {
	var messages []model.Message
	if instructions != "" && (len(s.Messages) == 0 || s.Messages[0].Role != model.RoleSystem) {
		messages = append(messages, model.NewSystemMessage(instructions))
	}
	messages = append(messages, s.Messages...)
	if v, ok := resolved["input"]; ok {
		if input := stringify(v); input != "" {
			messages = append(messages, model.NewUserMessage(input))
		}
	}
	return messages
}

// toolDeclarations collects the declarations for the node's tool list.
func toolDeclarations(n *Node, ec *ExecContext) []model.ToolDeclaration {
	var decls []model.ToolDeclaration
	for _, slug := range configStrings(n, "tools") {
		def, ok := ec.Tools[slug]
		if !ok {
			log.Warnf("agent node %s: tool %q not registered", n.ID, slug)
			continue
		}
		d := def.Declaration()
		decls = append(decls, model.ToolDeclaration{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	return decls
}

// parseAgentOutput applies the node's output_format to the final text.
// JSON output is repaired before parsing to tolerate model formatting
// noise; unparseable output falls back to the raw text.
func parseAgentOutput(n *Node, text string) any {
	if n.ConfigString("output_format") != "json" {
		return text
	}
	repaired, err := jsonrepair.JSONRepair(text)
	if err != nil {
		log.Warnf("agent node %s: json repair failed: %v", n.ID, err)
		return text
	}
	var out any
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		log.Warnf("agent node %s: json parse failed: %v", n.ID, err)
		return text
	}
	return out
}

// executeClassify asks the model to label the input with one of the
// configured categories; the label becomes the branch taken.
func executeClassify(ctx context.Context, s *State, n *Node, resolved map[string]any, ec *ExecContext) (*Delta, error) {
	if ec.Provider == nil {
		return nil, fmt.Errorf("classify node %s: no model provider configured", n.ID)
	}
	categories := configStrings(n, "categories")
	if len(categories) == 0 {
		return nil, fmt.Errorf("classify node %s: no categories configured", n.ID)
	}
	instructions := Interpolate(n.ConfigString("instructions"), s)

	var input string
	if v, ok := resolved["input"]; ok {
		input = stringify(v)
	} else if len(s.Messages) > 0 {
		input = s.Messages[len(s.Messages)-1].Content
	}

	prompt := fmt.Sprintf(
		"%s\n\nClassify the following input into exactly one of these categories: %s.\nRespond with the category name only.\n\nInput: %s",
		instructions, strings.Join(categories, ", "), input)

	req := &model.Request{
		Messages:         []model.Message{model.NewUserMessage(prompt)},
		GenerationConfig: model.GenerationConfig{Stream: true},
	}
	chunks, err := ec.Provider.StreamChat(ctx, n.ConfigString("model_id"), req)
	if err != nil {
		return nil, fmt.Errorf("classify node %s: %w", n.ID, err)
	}
	var content strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			return nil, fmt.Errorf("classify node %s: %w", n.ID, chunk.Err)
		}
		if chunk.Done && chunk.Content != "" {
			content.Reset()
			content.WriteString(chunk.Content)
			break
		}
		content.WriteString(chunk.Delta)
	}

	label := strings.TrimSpace(content.String())
	branch := BranchDefault
	for _, c := range categories {
		if strings.EqualFold(label, c) {
			branch = c
			break
		}
	}
	return &Delta{
		BranchTaken: branch,
		Output:      map[string]any{"branch_taken": branch, "label": label},
	}, nil
}
