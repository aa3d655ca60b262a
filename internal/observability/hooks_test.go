package observability

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHooks_SetLevel(t *testing.T) {
	h := NewHooks(0, nil, nil)
	assert.Equal(t, 0, h.Level())

	h.SetLevel(2)
	assert.Equal(t, 2, h.Level())
}

func TestHooks_Level0_Silent(t *testing.T) {
	var buf bytes.Buffer
	collector, err := NewCollector(nil)
	require.NoError(t, err)
	h := NewHooks(0, collector, NewTraceWriterTo(&buf))

	ctx := context.Background()
	info := RequestInfo{Server: "gitlab", Method: "GET", URL: "https://gitlab.example.com/api/v4/groups", Attempt: 1}
	ctx = h.OnRequestStart(ctx, info)
	h.OnRequestEnd(ctx, info, RequestResult{StatusCode: 200, Duration: 45 * time.Millisecond})
	h.OnRetry(ctx, info, 2, errors.New("reset"))

	assert.Equal(t, 0, buf.Len(), "expected no output at level 0")
	assert.Equal(t, 1, collector.Summary().TotalRequests)
	assert.Equal(t, 1, collector.Summary().TotalRetries)
}

func TestHooks_Level1_FailuresOnly(t *testing.T) {
	var buf bytes.Buffer
	h := NewHooks(1, nil, NewTraceWriterTo(&buf))

	ctx := context.Background()
	info := RequestInfo{Server: "gitlab", Method: "GET", URL: "https://gitlab.example.com/api/v4/groups", Attempt: 1}
	ctx = h.OnRequestStart(ctx, info)
	h.OnRequestEnd(ctx, info, RequestResult{StatusCode: 200})
	assert.Equal(t, 0, buf.Len(), "successful requests are not traced at level 1")

	h.OnRequestEnd(ctx, info, RequestResult{StatusCode: 502, Error: errors.New("bad gateway")})
	assert.Contains(t, buf.String(), "ERROR: bad gateway")
}

func TestHooks_Level2_AllRequests(t *testing.T) {
	var buf bytes.Buffer
	h := NewHooks(2, nil, NewTraceWriterTo(&buf))

	ctx := context.Background()
	info := RequestInfo{Server: "gitlab", Method: "GET", URL: "https://gitlab.example.com/api/v4/groups", Attempt: 1}
	ctx = h.OnRequestStart(ctx, info)
	h.OnRequestEnd(ctx, info, RequestResult{StatusCode: 200, Duration: 12 * time.Millisecond})

	out := buf.String()
	assert.Contains(t, out, "gitlab -> GET https://gitlab.example.com/api/v4/groups")
	assert.Contains(t, out, "gitlab <- 200 (12ms)")
}

func TestHooks_NilCollectorAndWriter(t *testing.T) {
	h := NewHooks(2, nil, nil)
	info := RequestInfo{Server: "gitlab"}
	assert.NotPanics(t, func() {
		ctx := h.OnRequestStart(context.Background(), info)
		h.OnRequestEnd(ctx, info, RequestResult{StatusCode: 200})
		h.OnRetry(ctx, info, 2, errors.New("x"))
	})
}
