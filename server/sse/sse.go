//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

// Package sse encodes execution events as Server-Sent Events frames.
// It handles framing only; attaching the stream to an HTTP response is
// the caller's concern.
package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/agentrun/agentrun/event"
)

// preambleSize is the padding written before the first frame so that
// intermediary buffers flush early.
const preambleSize = 2048

// doneSentinel terminates the stream.
const doneSentinel = "data: {\"type\":\"done\"}\n\n"

// Encoder writes SSE frames to an underlying writer.
type Encoder struct {
	w           io.Writer
	wrotePrefix bool
}

// NewEncoder creates an encoder over w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// WriteEvent writes one event as a data frame. The first write is
// preceded by the anti-buffering preamble.
func (e *Encoder) WriteEvent(ev *event.Event) error {
	if ev == nil {
		return nil
	}
	if err := e.writePreamble(); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("sse: marshal event: %w", err)
	}
	_, err = fmt.Fprintf(e.w, "data: %s\n\n", payload)
	if err != nil {
		return fmt.Errorf("sse: write frame: %w", err)
	}
	e.flush()
	return nil
}

// WriteDone writes the stream-terminating sentinel.
func (e *Encoder) WriteDone() error {
	if err := e.writePreamble(); err != nil {
		return err
	}
	if _, err := io.WriteString(e.w, doneSentinel); err != nil {
		return fmt.Errorf("sse: write done: %w", err)
	}
	e.flush()
	return nil
}

func (e *Encoder) writePreamble() error {
	if e.wrotePrefix {
		return nil
	}
	e.wrotePrefix = true
	pad := ":" + strings.Repeat(" ", preambleSize) + "\n\n"
	if _, err := io.WriteString(e.w, pad); err != nil {
		return fmt.Errorf("sse: write preamble: %w", err)
	}
	return nil
}

func (e *Encoder) flush() {
	if f, ok := e.w.(interface{ Flush() }); ok {
		f.Flush()
	}
}
