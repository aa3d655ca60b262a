// Package gitlab provides an HTTP client for the GitLab REST v4 API, reduced
// to the reads pipeboard needs and normalized into internal/models types.
package gitlab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pipeboard/pipeboard/internal/config"
	"github.com/pipeboard/pipeboard/internal/observability"
	"github.com/pipeboard/pipeboard/internal/output"
	"github.com/pipeboard/pipeboard/internal/resilience"
	"github.com/pipeboard/pipeboard/internal/version"
)

const (
	defaultMaxRetries = 5
	defaultBaseDelay  = 1 * time.Second
	defaultPerPage    = 100
	defaultMaxPages   = 50
)

// errTokenRotated signals that the request should be retried immediately with
// the next token.
var errTokenRotated = errors.New("token rejected, trying next token")

// Hooks observes requests made by the client.
type Hooks interface {
	OnRequestStart(ctx context.Context, info observability.RequestInfo) context.Context
	OnRequestEnd(ctx context.Context, info observability.RequestInfo, result observability.RequestResult)
	OnRetry(ctx context.Context, info observability.RequestInfo, attempt int, err error)
}

type nopHooks struct{}

func (nopHooks) OnRequestStart(ctx context.Context, _ observability.RequestInfo) context.Context {
	return ctx
}
func (nopHooks) OnRequestEnd(context.Context, observability.RequestInfo, observability.RequestResult) {
}
func (nopHooks) OnRetry(context.Context, observability.RequestInfo, int, error) {}

// Options configures a Client. Zero values select defaults.
type Options struct {
	HTTPClient *http.Client
	Hooks      Hooks
	Logger     *slog.Logger
	MaxRetries int
	BaseDelay  time.Duration
	PerPage    int
	MaxPages   int

	// Breaker and RetryGate default to fresh instances from
	// resilience.DefaultConfig.
	Breaker   *resilience.CircuitBreaker
	RetryGate *resilience.RetryGate
}

// Client is an HTTP client for one GitLab server.
type Client struct {
	server     config.Server
	baseURL    string
	tokens     *TokenSet
	httpClient *http.Client
	hooks      Hooks
	logger     *slog.Logger
	breaker    *resilience.CircuitBreaker
	gate       *resilience.RetryGate

	maxRetries int
	baseDelay  time.Duration
	perPage    int
	maxPages   int
}

// NewClient creates a client for srv using tokens in priority order.
func NewClient(srv config.Server, tokens []string, opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if opts.Hooks == nil {
		opts.Hooks = nopHooks{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.PerPage <= 0 {
		opts.PerPage = defaultPerPage
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPages
	}
	if opts.Breaker == nil || opts.RetryGate == nil {
		rc := resilience.DefaultConfig()
		if opts.Breaker == nil {
			opts.Breaker = resilience.NewCircuitBreaker(rc.CircuitBreaker, nil)
		}
		if opts.RetryGate == nil {
			opts.RetryGate = resilience.NewRetryGate(rc.MaxRetryAfter, nil)
		}
	}

	return &Client{
		server:     srv,
		baseURL:    config.NormalizeBaseURL(srv.URL) + "/api/v4",
		tokens:     NewTokenSet(tokens),
		httpClient: opts.HTTPClient,
		hooks:      opts.Hooks,
		logger:     opts.Logger.With("server", srv.Name),
		breaker:    opts.Breaker,
		gate:       opts.RetryGate,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		perPage:    opts.PerPage,
		maxPages:   opts.MaxPages,
	}
}

// Server returns the configured server name.
func (c *Client) Server() string {
	return c.server.Name
}

// Tokens exposes the token set for health reporting.
func (c *Client) Tokens() *TokenSet {
	return c.tokens
}

// Circuit returns the state of the server's circuit breaker.
func (c *Client) Circuit() string {
	return c.breaker.State()
}

// response wraps a successful API response.
type response struct {
	Data    json.RawMessage
	Headers http.Header
}

// get fetches a single resource into v.
func (c *Client) get(ctx context.Context, path string, query url.Values, v any) error {
	resp, err := c.doRequest(ctx, c.buildURL(path, query))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Data, v); err != nil {
		return output.ErrAPI(http.StatusOK, fmt.Sprintf("unexpected response from %s: %v", path, err))
	}
	return nil
}

// paginate walks a list endpoint following Link rel="next" headers. visit
// receives each page and returns false to stop early.
func (c *Client) paginate(ctx context.Context, path string, query url.Values, visit func(page json.RawMessage) (bool, error)) error {
	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	if q.Get("per_page") == "" {
		q.Set("per_page", strconv.Itoa(c.perPage))
	}

	next := c.buildURL(path, q)
	for page := 1; next != ""; page++ {
		if page > c.maxPages {
			c.logger.Warn("pagination capped; results may be incomplete", "path", path, "pages", c.maxPages)
			return nil
		}
		resp, err := c.doRequest(ctx, next)
		if err != nil {
			return err
		}
		more, err := visit(resp.Data)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
		next = parseNextLink(resp.Headers.Get("Link"))
	}
	return nil
}

// getAll fetches every page of a list endpoint.
func getAll[T any](ctx context.Context, c *Client, path string, query url.Values) ([]T, error) {
	var all []T
	err := c.paginate(ctx, path, query, func(page json.RawMessage) (bool, error) {
		var items []T
		if err := json.Unmarshal(page, &items); err != nil {
			return false, output.ErrAPI(http.StatusOK, fmt.Sprintf("unexpected response from %s: %v", path, err))
		}
		all = append(all, items...)
		return true, nil
	})
	return all, err
}

func (c *Client) doRequest(ctx context.Context, rawURL string) (*response, error) {
	var lastErr error

	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		// A fresh request inside a Retry-After window fails fast; the
		// caller usually has a stale value to serve instead.
		if wait := c.gate.BlockedFor(); wait > 0 && attempt == 1 {
			return nil, output.ErrRateLimit(int(math.Ceil(wait.Seconds())))
		}
		if !c.breaker.Allow() {
			c.logger.Debug("circuit open, request rejected", "url", rawURL)
			return nil, output.ErrCircuitOpen(c.server.Name, c.breaker.RetryIn())
		}

		resp, err := c.singleRequest(ctx, rawURL, attempt)
		c.recordOutcome(ctx, err)
		if err == nil {
			return resp, nil
		}

		info := observability.RequestInfo{Server: c.server.Name, Method: http.MethodGet, URL: rawURL, Attempt: attempt}
		if errors.Is(err, errTokenRotated) {
			// Each token is rotated away from at most once, so switching
			// tokens does not use up a retry.
			c.hooks.OnRetry(ctx, info, attempt+1, err)
			attempt--
			continue
		}
		if !output.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
		if attempt == c.maxRetries {
			break
		}

		delay := max(c.backoffDelay(attempt), c.gate.BlockedFor())
		c.hooks.OnRetry(ctx, info, attempt+1, err)
		c.logger.Debug("retrying upstream request", "attempt", attempt+1, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return nil, output.ErrNetwork(ctx.Err())
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", c.maxRetries, lastErr)
}

// recordOutcome feeds the circuit breaker. Only transport failures and
// gateway errors count against the server; any other answer proves it is up.
func (c *Client) recordOutcome(ctx context.Context, err error) {
	if err != nil && ctx.Err() == nil {
		var e *output.Error
		if errors.As(err, &e) && (e.Code == output.CodeNetwork || e.Code == output.CodeUnavailable) {
			c.breaker.RecordFailure()
			return
		}
	}
	c.breaker.RecordSuccess()
}

func (c *Client) singleRequest(ctx context.Context, rawURL string, attempt int) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}

	token := c.tokens.Current()
	if token != "" {
		req.Header.Set("PRIVATE-TOKEN", token)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("Accept", "application/json")

	info := observability.RequestInfo{Server: c.server.Name, Method: http.MethodGet, URL: rawURL, Attempt: attempt}
	ctx = c.hooks.OnRequestStart(ctx, info)
	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		netErr := output.ErrNetwork(err)
		c.hooks.OnRequestEnd(ctx, info, observability.RequestResult{Duration: time.Since(start), Retryable: true, Error: netErr})
		return nil, netErr
	}
	defer resp.Body.Close()

	result, err := c.handleResponse(resp, token, rawURL)
	c.hooks.OnRequestEnd(ctx, info, observability.RequestResult{
		StatusCode: resp.StatusCode,
		Duration:   time.Since(start),
		Retryable:  output.IsRetryable(err),
		Error:      err,
	})
	return result, err
}

func (c *Client) handleResponse(resp *http.Response, token, rawURL string) (*response, error) {
	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, output.ErrNetwork(fmt.Errorf("reading response: %w", err))
		}
		return &response{Data: body, Headers: resp.Header}, nil

	case http.StatusUnauthorized:
		if c.tokens.MarkUnhealthy(token) {
			c.logger.Warn("token rejected, switching to next token", "healthy", c.tokens.Healthy())
			return nil, errTokenRotated
		}
		if token == "" {
			return nil, output.ErrAuth(c.server.Name, "No token configured for "+c.server.Name)
		}
		return nil, output.ErrAuth(c.server.Name, "Token rejected by "+c.server.Name)

	case http.StatusForbidden:
		return nil, output.ErrForbidden("Access denied by " + c.server.Name)

	case http.StatusNotFound:
		return nil, output.ErrNotFound("Resource", c.displayPath(rawURL))

	case http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		c.gate.Block(time.Duration(retryAfter) * time.Second)
		return nil, output.ErrRateLimit(retryAfter)

	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return nil, output.ErrUnavailable(resp.StatusCode)

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if msg := errorMessage(body); msg != "" {
			return nil, output.ErrAPI(resp.StatusCode, msg)
		}
		return nil, output.ErrAPI(resp.StatusCode, fmt.Sprintf("Request failed (HTTP %d)", resp.StatusCode))
	}
}

// errorMessage extracts GitLab's error text. "message" may be a string or an
// object of field errors.
func errorMessage(body []byte) string {
	var apiErr struct {
		Error   string `json:"error"`
		Message any    `json:"message"`
	}
	if json.Unmarshal(body, &apiErr) != nil {
		return ""
	}
	switch m := apiErr.Message.(type) {
	case string:
		if m != "" {
			return m
		}
	case nil:
	default:
		if b, err := json.Marshal(m); err == nil {
			return string(b)
		}
	}
	return apiErr.Error
}

func (c *Client) buildURL(path string, query url.Values) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// displayPath strips the API base from a URL for error messages.
func (c *Client) displayPath(rawURL string) string {
	p := strings.TrimPrefix(rawURL, c.baseURL)
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if unescaped, err := url.PathUnescape(p); err == nil {
		return unescaped
	}
	return p
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	// Exponential backoff: base * 2^(attempt-1), plus up to half a base of jitter.
	delay := c.baseDelay * time.Duration(1<<(attempt-1))
	jitter := time.Duration(rand.Int64N(int64(c.baseDelay/2) + 1)) //nolint:gosec // G404: Jitter doesn't need crypto rand
	return delay + jitter
}

// parseNextLink extracts the next URL from a Link header.
// Example: <https://...?page=2>; rel="next", <https://...?page=5>; rel="last"
func parseNextLink(linkHeader string) string {
	if linkHeader == "" {
		return ""
	}

	for _, part := range strings.Split(linkHeader, ",") {
		part = strings.TrimSpace(part)
		if strings.Contains(part, `rel="next"`) {
			start := strings.Index(part, "<")
			end := strings.Index(part, ">")
			if start >= 0 && end > start {
				return part[start+1 : end]
			}
		}
	}

	return ""
}

// parseRetryAfter parses the Retry-After header value.
func parseRetryAfter(header string) int {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return seconds
	}
	return 0
}
