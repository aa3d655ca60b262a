package output

import (
	"encoding/json"
	"io"
	"math"
	"os"
	"time"
)

// Response is the success envelope.
type Response struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
	*Freshness
	Summary string         `json:"summary,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Freshness describes the cache entry a response was served from.
// It is omitted from responses that are not backed by a cache entry.
type Freshness struct {
	Stale      bool       `json:"stale"`
	AgeSeconds float64    `json:"age_seconds"`
	FetchedAt  *time.Time `json:"fetched_at,omitempty"`
}

// NewFreshness builds a Freshness, rounding the age to milliseconds.
// A zero fetchedAt is omitted.
func NewFreshness(stale bool, age time.Duration, fetchedAt time.Time) *Freshness {
	f := &Freshness{
		Stale:      stale,
		AgeSeconds: math.Round(age.Seconds()*1000) / 1000,
	}
	if !fetchedAt.IsZero() {
		t := fetchedAt.UTC()
		f.FetchedAt = &t
	}
	return f
}

// ErrorResponse is the error envelope.
type ErrorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Code  string `json:"code"`
	Hint  string `json:"hint,omitempty"`
}

// NewErrorResponse builds the envelope for err.
func NewErrorResponse(err error) *ErrorResponse {
	e := AsError(err)
	return &ErrorResponse{
		OK:    false,
		Error: e.Message,
		Code:  e.Code,
		Hint:  e.Hint,
	}
}

// Format specifies the output format.
type Format int

const (
	FormatAuto   Format = iota // Auto-detect: TTY → Styled, non-TTY → JSON
	FormatJSON
	FormatStyled // ANSI styled output (forced, even when piped)
	FormatQuiet  // Data only, as JSON
)

// ParseFormat maps a --format value to a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "auto":
		return FormatAuto, nil
	case "json":
		return FormatJSON, nil
	case "styled":
		return FormatStyled, nil
	case "quiet":
		return FormatQuiet, nil
	default:
		return FormatAuto, ErrUsageHint("unknown format: "+s, "Use one of: auto, json, styled, quiet")
	}
}

// Options controls output behavior.
type Options struct {
	Format Format
	Writer io.Writer
}

// DefaultOptions returns options for standard output.
func DefaultOptions() Options {
	return Options{
		Format: FormatAuto,
		Writer: os.Stdout,
	}
}

// Writer handles all output formatting.
type Writer struct {
	opts Options
}

// New creates a new output writer.
func New(opts Options) *Writer {
	if opts.Writer == nil {
		opts.Writer = os.Stdout
	}
	return &Writer{opts: opts}
}

// OK outputs a success response.
func (w *Writer) OK(data any, opts ...ResponseOption) error {
	resp := &Response{OK: true, Data: data}
	for _, opt := range opts {
		opt(resp)
	}
	return w.write(resp)
}

// Err outputs an error response.
func (w *Writer) Err(err error) error {
	return w.write(NewErrorResponse(err))
}

func (w *Writer) write(v any) error {
	format := w.opts.Format
	if format == FormatAuto {
		if isTTY(w.opts.Writer) {
			format = FormatStyled
		} else {
			format = FormatJSON
		}
	}

	switch format {
	case FormatQuiet:
		if resp, ok := v.(*Response); ok {
			return w.writeJSON(resp.Data)
		}
		return w.writeJSON(v)
	case FormatStyled:
		return w.writeStyled(v)
	default:
		return w.writeJSON(v)
	}
}

func (w *Writer) writeJSON(v any) error {
	enc := json.NewEncoder(w.opts.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (w *Writer) writeStyled(v any) error {
	r := NewRenderer(w.opts.Writer, true)
	switch resp := v.(type) {
	case *Response:
		return r.RenderResponse(w.opts.Writer, resp)
	case *ErrorResponse:
		return r.RenderError(w.opts.Writer, resp)
	default:
		return w.writeJSON(v)
	}
}

// ResponseOption modifies a Response.
type ResponseOption func(*Response)

// WithSummary adds a summary to the response.
func WithSummary(s string) ResponseOption {
	return func(r *Response) { r.Summary = s }
}

// WithFreshness attaches cache freshness to the response.
func WithFreshness(f *Freshness) ResponseOption {
	return func(r *Response) { r.Freshness = f }
}

// WithMeta adds metadata to the response.
func WithMeta(key string, value any) ResponseOption {
	return func(r *Response) {
		if r.Meta == nil {
			r.Meta = make(map[string]any)
		}
		r.Meta[key] = value
	}
}
