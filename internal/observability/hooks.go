package observability

import (
	"context"
	"sync"
)

// Hooks observes upstream requests. It supports configurable verbosity levels:
//   - 0: Silent (collect stats only, no output)
//   - 1: Retries and failures
//   - 2: Every request
type Hooks struct {
	mu        sync.Mutex
	level     int
	collector *Collector
	writer    *TraceWriter
}

// NewHooks creates Hooks with the given verbosity level.
// If collector is nil, metrics are not collected.
// If writer is nil, no trace output is produced.
func NewHooks(level int, collector *Collector, writer *TraceWriter) *Hooks {
	return &Hooks{
		level:     level,
		collector: collector,
		writer:    writer,
	}
}

// SetLevel changes the verbosity level at runtime.
func (h *Hooks) SetLevel(level int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.level = level
}

// Level returns the current verbosity level.
func (h *Hooks) Level() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.level
}

func (h *Hooks) snapshot() (int, *Collector, *TraceWriter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.level, h.collector, h.writer
}

// OnRequestStart is called before an HTTP request is sent.
func (h *Hooks) OnRequestStart(ctx context.Context, info RequestInfo) context.Context {
	level, _, writer := h.snapshot()
	if level >= 2 && writer != nil {
		writer.WriteRequestStart(info)
	}
	return ctx
}

// OnRequestEnd is called after an HTTP request completes.
func (h *Hooks) OnRequestEnd(_ context.Context, info RequestInfo, result RequestResult) {
	level, collector, writer := h.snapshot()
	if collector != nil {
		collector.RecordRequest(info, result)
	}
	if writer == nil {
		return
	}
	if level >= 2 || (level >= 1 && result.Error != nil) {
		writer.WriteRequestEnd(info, result)
	}
}

// OnRetry is called before a retry attempt.
func (h *Hooks) OnRetry(_ context.Context, info RequestInfo, attempt int, err error) {
	level, collector, writer := h.snapshot()
	if collector != nil {
		collector.RecordRetry(info)
	}
	if level >= 1 && writer != nil {
		writer.WriteRetry(info, attempt, err)
	}
}
