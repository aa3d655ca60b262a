package observability

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// sensitiveParams are query parameter names that should be scrubbed from trace output.
var sensitiveParams = map[string]bool{
	"private_token": true, // GitLab personal access tokens
	"access_token":  true,
	"job_token":     true,
	"token":         true,
	"password":      true,
	"secret":        true,
}

// TraceWriter outputs human-readable request traces.
// Timestamps are relative to when the writer was created.
type TraceWriter struct {
	mu        sync.Mutex
	writer    io.Writer
	startTime time.Time
}

// NewTraceWriter creates a new TraceWriter that writes to stderr.
func NewTraceWriter() *TraceWriter {
	return NewTraceWriterTo(os.Stderr)
}

// NewTraceWriterTo creates a new TraceWriter that writes to the given writer.
func NewTraceWriterTo(w io.Writer) *TraceWriter {
	return &TraceWriter{
		writer:    w,
		startTime: time.Now(),
	}
}

// WriteRequestStart writes a request start trace line.
// Format: [0.234s] gitlab -> GET https://gitlab.example.com/api/v4/groups
func (t *TraceWriter) WriteRequestStart(info RequestInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.startTime).Seconds()
	fmt.Fprintf(t.writer, "[%.3fs] %s -> %s %s\n", elapsed, info.Server, info.Method, scrubURL(info.URL))
}

// WriteRequestEnd writes a request completion trace line.
// Format: [0.234s] gitlab <- 200 (45ms)
func (t *TraceWriter) WriteRequestEnd(info RequestInfo, result RequestResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.startTime).Seconds()
	if result.Error != nil {
		fmt.Fprintf(t.writer, "[%.3fs] %s <- ERROR: %v\n", elapsed, info.Server, result.Error)
		return
	}
	fmt.Fprintf(t.writer, "[%.3fs] %s <- %d (%dms)\n", elapsed, info.Server, result.StatusCode, result.Duration.Milliseconds())
}

// WriteRetry writes a retry trace line.
// Format: [0.234s] gitlab RETRY #2: connection reset
func (t *TraceWriter) WriteRetry(info RequestInfo, attempt int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.startTime).Seconds()
	fmt.Fprintf(t.writer, "[%.3fs] %s RETRY #%d: %v\n", elapsed, info.Server, attempt, err)
}

// scrubURL redacts sensitive query parameters from a URL for safe logging.
// Returns a safe placeholder if the URL cannot be parsed.
func scrubURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "[unparseable URL]"
	}

	query := u.Query()
	modified := false
	for key := range query {
		if sensitiveParams[strings.ToLower(key)] {
			query.Set(key, "[REDACTED]")
			modified = true
		}
	}
	if !modified {
		return rawURL
	}

	u.RawQuery = query.Encode()
	return u.String()
}
