//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

package event

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentrun/agentrun/log"
)

// DefaultQueueCapacity is the default bound of a per-run event queue.
const DefaultQueueCapacity = 1000

// Queue is the bounded per-run event queue. Producers never block: when
// the queue is full the incoming event is dropped and counted. There is
// a single consumer per queue.
type Queue struct {
	ch        chan *Event
	dropped   atomic.Int64
	closeOnce sync.Once
	runID     string
}

// NewQueue creates a queue with the given capacity. A non-positive
// capacity falls back to DefaultQueueCapacity.
func NewQueue(runID string, capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		ch:    make(chan *Event, capacity),
		runID: runID,
	}
}

// Put enqueues an event without blocking. On overflow the event is
// dropped, the drop counter incremented, and a warning logged. Put on a
// closed queue is a silent no-op.
func (q *Queue) Put(e *Event) {
	if e == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			// Send on closed channel: the run already finished draining.
			log.Debugf("event: put on closed queue run=%s kind=%s", q.runID, e.Event)
		}
	}()
	select {
	case q.ch <- e:
	default:
		n := q.dropped.Add(1)
		log.Warnf("event: queue full, dropping event run=%s kind=%s dropped_total=%d",
			q.runID, e.Event, n)
	}
}

// Get dequeues the next event, waiting up to timeout. It returns
// (nil, false) when the timeout elapses or the queue is closed and empty.
func (q *Queue) Get(ctx context.Context, timeout time.Duration) (*Event, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case e, ok := <-q.ch:
		return e, ok
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// TryGet dequeues without waiting.
func (q *Queue) TryGet() (*Event, bool) {
	select {
	case e, ok := <-q.ch:
		return e, ok
	default:
		return nil, false
	}
}

// Close marks the producer side finished. Safe to call multiple times.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.ch) })
}

// Dropped reports how many events have been dropped due to overflow.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Len reports the number of buffered events.
func (q *Queue) Len() int {
	return len(q.ch)
}
