//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

// Package invoker executes tool definitions with schema validation,
// retry, per-attempt timeouts and a per-run circuit breaker, emitting
// tool lifecycle events along the way.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentrun/agentrun/event"
	"github.com/agentrun/agentrun/internal/clock"
	"github.com/agentrun/agentrun/log"
	"github.com/agentrun/agentrun/tool"
)

// Error codes surfaced in on_tool_end payloads.
const (
	CodeSchemaInvalid = "schema_invalid"
	CodeCircuitOpen   = "circuit_open"
	CodeTimeout       = "timeout"
	CodeToolFailure   = "tool_failure"
)

// ErrToolFailed marks a terminal tool failure escalated under the
// fail_fast policy.
var ErrToolFailed = errors.New("tool invocation failed")

// ErrToolDisabled marks an invocation short-circuited by the breaker.
var ErrToolDisabled = errors.New("tool disabled by circuit breaker")

// Result is the outcome of a tool invocation.
type Result struct {
	// Output is the normalized tool output on success.
	Output map[string]any `json:"output,omitempty"`
	// ErrorMessage is set on failure.
	ErrorMessage string `json:"error,omitempty"`
	// Code classifies the failure.
	Code string `json:"code,omitempty"`
	// Attempts is how many attempts ran.
	Attempts int `json:"attempt_count"`
}

// Failed reports whether the invocation ended in failure.
func (r *Result) Failed() bool { return r.ErrorMessage != "" }

// Breaker tracks per-tool consecutive failures within one run. It is
// never shared across runs.
type Breaker struct {
	consecutive map[string]int
	disabled    map[string]bool
}

// NewBreaker creates an empty per-run breaker.
func NewBreaker() *Breaker {
	return &Breaker{
		consecutive: make(map[string]int),
		disabled:    make(map[string]bool),
	}
}

// Disabled reports whether the tool is disabled for the run.
func (b *Breaker) Disabled(name string) bool {
	return b.disabled[name]
}

// RecordFailure bumps the consecutive-failure counter and disables the
// tool once the threshold is reached. A threshold <= 0 disables the
// breaker entirely.
func (b *Breaker) RecordFailure(name string, threshold int) bool {
	b.consecutive[name]++
	if threshold > 0 && b.consecutive[name] >= threshold {
		b.disabled[name] = true
	}
	return b.disabled[name]
}

// RecordSuccess resets the consecutive-failure counter.
func (b *Breaker) RecordSuccess(name string) {
	b.consecutive[name] = 0
}

// Context carries the per-invocation ambient state.
type Context struct {
	RunID   string
	NodeID  string
	SpanID  string
	Emitter event.Emitter
	Breaker *Breaker
	Clock   clock.Clock
}

func (ic *Context) emitter() event.Emitter {
	if ic.Emitter == nil {
		return event.NopEmitter{}
	}
	return ic.Emitter
}

func (ic *Context) clock() clock.Clock {
	if ic.Clock == nil {
		return clock.Real{}
	}
	return ic.Clock
}

// Invoke runs one tool invocation end to end.
//
// The returned error is non-nil only when the failure must escalate to
// the engine (fail_fast policy, or context cancellation). Under the
// continue policy failures come back inside the Result.
func Invoke(ctx context.Context, def *tool.Definition, input map[string]any, ic *Context) (*Result, error) {
	if def == nil {
		return nil, errors.New("invoker: nil tool definition")
	}
	if ic == nil {
		ic = &Context{}
	}
	em := ic.emitter()
	name := def.Slug
	em.EmitToolStart(name, ic.NodeID, ic.SpanID, input)

	if ic.Breaker != nil && ic.Breaker.Disabled(name) {
		res := &Result{
			ErrorMessage: fmt.Sprintf("tool %s disabled by circuit breaker", name),
			Code:         CodeCircuitOpen,
		}
		emitEnd(em, name, ic, res)
		return res, failurePolicyError(def, res, ErrToolDisabled)
	}

	if err := validateSchema(def.InputSchema, input); err != nil {
		res := &Result{
			ErrorMessage: fmt.Sprintf("input schema validation failed: %v", err),
			Code:         CodeSchemaInvalid,
		}
		emitEnd(em, name, ic, res)
		// Schema failures are non-retryable and never trip the breaker.
		return res, nil
	}

	res := runAttempts(ctx, def, input, ic)
	if res.Failed() {
		if ic.Breaker != nil {
			ic.Breaker.RecordFailure(name, def.Execution.CircuitBreakerThreshold)
		}
		emitEnd(em, name, ic, res)
		return res, failurePolicyError(def, res, ErrToolFailed)
	}
	if ic.Breaker != nil {
		ic.Breaker.RecordSuccess(name)
	}
	emitEnd(em, name, ic, res)
	return res, nil
}

// runAttempts drives the bounded retry loop.
func runAttempts(ctx context.Context, def *tool.Definition, input map[string]any, ic *Context) *Result {
	cfg := def.Execution
	maxAttempts := cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	res := &Result{}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		if err := ctx.Err(); err != nil {
			res.ErrorMessage = err.Error()
			res.Code = CodeToolFailure
			return res
		}
		output, err := runOneAttempt(ctx, def, input)
		if err == nil {
			if verr := validateSchema(def.OutputSchema, output); verr != nil {
				res.ErrorMessage = fmt.Sprintf("output schema validation failed: %v", verr)
				res.Code = CodeSchemaInvalid
				return res
			}
			res.Output = output
			return res
		}
		lastErr = err
		if attempt < maxAttempts {
			delay := backoffDelay(cfg.Retry, attempt)
			log.Debugf("invoker: tool %s attempt %d/%d failed, retrying in %s: %v",
				def.Slug, attempt, maxAttempts, delay, err)
			ic.clock().Sleep(ctx, delay)
		}
	}
	res.ErrorMessage = lastErr.Error()
	if errors.Is(lastErr, context.DeadlineExceeded) {
		res.Code = CodeTimeout
	} else {
		res.Code = CodeToolFailure
	}
	return res
}

// runOneAttempt dispatches a single attempt under the per-attempt timeout.
func runOneAttempt(ctx context.Context, def *tool.Definition, input map[string]any) (map[string]any, error) {
	if def.Handler == nil {
		return nil, fmt.Errorf("tool %s has no bound implementation (%s)", def.Slug, def.Type)
	}
	if def.Execution.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		timeout := time.Duration(def.Execution.TimeoutSeconds * float64(time.Second))
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out, err := def.Handler.Invoke(ctx, input)
	if err != nil {
		// Attribute deadline expiry to the attempt timeout.
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("tool %s attempt timed out: %w", def.Slug, context.DeadlineExceeded)
		}
		return nil, err
	}
	return out, nil
}

// backoffDelay computes min(initial * multiplier^(attempt-1), max).
func backoffDelay(cfg tool.RetryConfig, attempt int) time.Duration {
	initial := float64(cfg.InitialDelayMs)
	if initial <= 0 {
		initial = 100
	}
	mult := cfg.BackoffMultiplier
	if mult <= 0 {
		mult = 2
	}
	delayMs := initial * math.Pow(mult, float64(attempt-1))
	if cfg.MaxDelayMs > 0 && delayMs > float64(cfg.MaxDelayMs) {
		delayMs = float64(cfg.MaxDelayMs)
	}
	return time.Duration(delayMs) * time.Millisecond
}

// validateSchema validates a payload against a JSON Schema document.
// A nil schema accepts everything.
func validateSchema(schemaDoc map[string]any, payload map[string]any) error {
	if len(schemaDoc) == 0 {
		return nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	// The validator expects generic JSON values.
	var instance any = map[string]any{}
	if payload != nil {
		instance = toJSONValue(payload)
	}
	return schema.Validate(instance)
}

// toJSONValue rewrites Go-typed values into the generic JSON shapes the
// schema validator understands (e.g. int -> float64 is not needed, but
// map[string]string -> map[string]any is).
func toJSONValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = toJSONValue(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = toJSONValue(val)
		}
		return s
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

// emitEnd publishes the on_tool_end event for a result.
func emitEnd(em event.Emitter, name string, ic *Context, res *Result) {
	data := map[string]any{"attempt_count": res.Attempts}
	if res.Failed() {
		data["error"] = res.ErrorMessage
		data["code"] = res.Code
	} else {
		data["output"] = res.Output
	}
	em.EmitToolEnd(name, ic.NodeID, ic.SpanID, data)
}

// failurePolicyError maps a terminal failure through the tool's policy.
func failurePolicyError(def *tool.Definition, res *Result, sentinel error) error {
	if def.Execution.FailurePolicy == tool.FailFast {
		return fmt.Errorf("%w: %s (%s)", sentinel, def.Slug, res.ErrorMessage)
	}
	return nil
}
