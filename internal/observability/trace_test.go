package observability

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestTraceWriter_WriteRequestStart(t *testing.T) {
	var buf bytes.Buffer
	w := NewTraceWriterTo(&buf)

	w.WriteRequestStart(RequestInfo{Server: "gl", Method: "GET", URL: "https://gl.example.com/api/v4/projects?private_token=secret&page=2"})

	output := buf.String()
	if strings.Contains(output, "secret") {
		t.Errorf("token leaked into trace: %s", output)
	}
	if !strings.Contains(output, "page=2") {
		t.Errorf("expected non-sensitive params to survive, got: %s", output)
	}
	if !strings.HasPrefix(output, "[") {
		t.Errorf("expected timestamp prefix, got: %s", output)
	}
}

func TestTraceWriter_WriteRequestEnd(t *testing.T) {
	var buf bytes.Buffer
	w := NewTraceWriterTo(&buf)

	w.WriteRequestEnd(RequestInfo{Server: "gl"}, RequestResult{StatusCode: 200, Duration: 45 * time.Millisecond})

	if !strings.Contains(buf.String(), "gl <- 200 (45ms)") {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

func TestTraceWriter_WriteRequestEnd_Error(t *testing.T) {
	var buf bytes.Buffer
	w := NewTraceWriterTo(&buf)

	w.WriteRequestEnd(RequestInfo{Server: "gl"}, RequestResult{Error: errors.New("connection refused")})

	if !strings.Contains(buf.String(), "ERROR: connection refused") {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

func TestTraceWriter_WriteRetry(t *testing.T) {
	var buf bytes.Buffer
	w := NewTraceWriterTo(&buf)

	w.WriteRetry(RequestInfo{Server: "gl"}, 2, errors.New("timeout"))

	output := buf.String()
	if !strings.Contains(output, "RETRY #2") {
		t.Errorf("expected 'RETRY #2', got: %s", output)
	}
	if !strings.Contains(output, "timeout") {
		t.Errorf("expected error message, got: %s", output)
	}
}

func TestScrubURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://gl/api/v4/groups", "https://gl/api/v4/groups"},
		{"https://gl/api?job_token=abc", "https://gl/api?job_token=%5BREDACTED%5D"},
		{"://bad", "[unparseable URL]"},
	}
	for _, tt := range tests {
		if got := scrubURL(tt.in); got != tt.want {
			t.Errorf("scrubURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
