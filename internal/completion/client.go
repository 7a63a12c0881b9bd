// Package completion calls the hosted chat-completions API.
//
// Complete is a request/response boundary: it knows nothing about chats or
// history, applies a per-call deadline, retries transient failures with
// exponential backoff and classifies every failure into a Kind.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"RelayChat/internal/backend"
	"RelayChat/internal/cache"
	"RelayChat/internal/registry"
	"RelayChat/internal/session"
)

const (
	// MaxResponseSize bounds the response body read from the API.
	MaxResponseSize = 10 * 1024 * 1024

	maxErrorExcerpt = 200
)

// Config holds the transport and retry settings of the client.
type Config struct {
	APIKey         string
	Timeout        time.Duration // per Complete call, across all attempts
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Options are the generation parameters of one call.
type Options struct {
	Temperature      float64
	MaxTokens        int
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
}

// Generation holds the configured sampling parameters shared by all models.
type Generation struct {
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
}

// OptionsFor combines the model's own limits with the shared generation settings.
func OptionsFor(d registry.Descriptor, g Generation) Options {
	return Options{
		Temperature:      d.Temperature,
		MaxTokens:        d.MaxTokens,
		TopP:             g.TopP,
		FrequencyPenalty: g.FrequencyPenalty,
		PresencePenalty:  g.PresencePenalty,
	}
}

// Usage is the token accounting reported by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Result is a successful completion.
type Result struct {
	Text         string
	FinishReason string
	Model        string
	Usage        Usage
	Attempts     int
	Cached       bool
}

// Client is safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	cache      *cache.Cache[Result]

	duration         metric.Float64Histogram
	promptTokens     metric.Int64Counter
	completionTokens metric.Int64Counter
	totalTokens      metric.Int64Counter
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// WithCache enables response caching for identical requests.
func WithCache(rc *cache.Cache[Result]) Option {
	return func(c *Client) { c.cache = rc }
}

// WithMeter registers the request duration histogram and token usage counters.
func WithMeter(m metric.Meter) Option {
	return func(c *Client) { c.initInstruments(m) }
}

// New creates a client. Zero config values fall back to package defaults.
func New(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}

	c := &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger: slog.Default(),
		tracer: tracenoop.NewTracerProvider().Tracer("completion"),
	}
	c.initInstruments(metricnoop.NewMeterProvider().Meter("completion"))

	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) initInstruments(m metric.Meter) {
	var err error
	if c.duration, err = m.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("Completion request duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		c.duration, _ = metricnoop.Meter{}.Float64Histogram("")
	}
	c.promptTokens = counter(m, "llm.usage.prompt_tokens", "Prompt tokens consumed")
	c.completionTokens = counter(m, "llm.usage.completion_tokens", "Completion tokens generated")
	c.totalTokens = counter(m, "llm.usage.total_tokens", "Total tokens billed")
}

func counter(m metric.Meter, name, desc string) metric.Int64Counter {
	ctr, err := m.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		ctr, _ = metricnoop.Meter{}.Int64Counter(name)
	}
	return ctr
}

// Fit drops the oldest non-system messages until the conversation leaves room
// for the model's output inside its context window.
func Fit(d registry.Descriptor, messages []session.Message) []session.Message {
	if d.ContextTokens <= 0 {
		return messages
	}
	budget := d.ContextTokens - d.MaxTokens
	if budget <= 0 {
		return messages
	}
	return session.Policy{MaxTokens: budget}.Apply(messages)
}

// Complete sends messages to the model described by d.
func (c *Client) Complete(ctx context.Context, d registry.Descriptor, messages []session.Message, opts Options) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "completion.call", trace.WithAttributes(
		attribute.String("llm.model", d.ID),
		attribute.String("llm.deployment", d.Deployment),
	))
	defer span.End()

	messages = Fit(d, messages)
	if len(messages) == 0 {
		err := &Error{Kind: KindInvalidRequest, Err: errors.New("no messages to send")}
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	reqBody := backend.ChatCompletionRequest{
		Messages:         make([]backend.ChatMessage, len(messages)),
		MaxTokens:        opts.MaxTokens,
		Temperature:      opts.Temperature,
		TopP:             opts.TopP,
		FrequencyPenalty: opts.FrequencyPenalty,
		PresencePenalty:  opts.PresencePenalty,
	}
	for i, msg := range messages {
		reqBody.Messages[i] = backend.ChatMessage{Role: msg.Role, Content: msg.Content}
	}

	var cacheKey string
	if c.cache != nil {
		cacheKey = cache.GenerateCacheKey(fmt.Sprintf("%s|%s|%s|%+v", d.Endpoint, d.Deployment, d.APIVersion, opts), messages)
		if cached, ok := c.cache.Get(cacheKey); ok {
			c.logger.Debug("cache hit", "model", d.ID, "key", cacheKey[:16])
			span.SetAttributes(attribute.Bool("llm.cached", true))
			cached.Cached = true
			return cached, nil
		}
	}

	start := time.Now()
	result, err := c.completeWithRetry(ctx, d, reqBody)
	elapsed := time.Since(start)

	outcome := "ok"
	if kind, ok := KindOf(err); ok {
		outcome = kind.String()
	}
	attrs := metric.WithAttributes(attribute.String("llm.model", d.ID), attribute.String("outcome", outcome))
	c.duration.Record(ctx, float64(elapsed.Milliseconds()), attrs)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("completion failed",
			"model", d.ID,
			"duration_ms", elapsed.Milliseconds(),
			"error", err)
		return Result{}, err
	}

	span.SetAttributes(
		attribute.Int("llm.attempts", result.Attempts),
		attribute.Int("llm.usage.total_tokens", result.Usage.TotalTokens),
	)
	c.recordUsage(ctx, d.ID, result.Usage)
	c.logger.Info("completion succeeded",
		"model", d.ID,
		"attempts", result.Attempts,
		"duration_ms", elapsed.Milliseconds(),
		"total_tokens", result.Usage.TotalTokens)

	if c.cache != nil {
		c.cache.Store(cacheKey, result)
	}
	return result, nil
}

func (c *Client) recordUsage(ctx context.Context, model string, u Usage) {
	attrs := metric.WithAttributes(attribute.String("llm.model", model))
	c.promptTokens.Add(ctx, int64(u.PromptTokens), attrs)
	c.completionTokens.Add(ctx, int64(u.CompletionTokens), attrs)
	c.totalTokens.Add(ctx, int64(u.TotalTokens), attrs)
}

func (c *Client) completeWithRetry(parent context.Context, d registry.Descriptor, reqBody backend.ChatCompletionRequest) (Result, error) {
	ctx, cancel := context.WithTimeout(parent, c.cfg.Timeout)
	defer cancel()

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, &Error{Kind: KindInvalidRequest, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}
	requestURL := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		strings.TrimRight(d.Endpoint, "/"), url.PathEscape(d.Deployment), url.QueryEscape(d.APIVersion))

	var last *attemptError
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.backoff(attempt-1, last.retryAfter)
			c.logger.Info("retrying completion",
				"model", d.ID, "attempt", attempt, "delay", delay.String(), "status", last.status)
			select {
			case <-ctx.Done():
				return Result{}, c.contextError(parent, ctx, last, attempt-1)
			case <-time.After(delay):
			}
		}

		result, aerr := c.doRequest(ctx, requestURL, payload)
		if aerr == nil {
			result.Attempts = attempt
			return result, nil
		}
		if ctx.Err() != nil {
			return Result{}, c.contextError(parent, ctx, aerr, attempt)
		}
		last = aerr
		if !aerr.retryable {
			return Result{}, &Error{Kind: aerr.kind, Status: aerr.status, Attempts: attempt, Err: aerr.err}
		}
		c.logger.Warn("completion attempt failed",
			"model", d.ID, "attempt", attempt, "status", aerr.status, "error", aerr.err)
	}

	return Result{}, &Error{
		Kind:     KindUnavailable,
		Status:   last.status,
		Attempts: c.cfg.MaxAttempts,
		Err:      fmt.Errorf("max retries exceeded: %w", last.err),
	}
}

// contextError maps an expired call context to Timeout, or a cancelled parent to Unavailable.
func (c *Client) contextError(parent, ctx context.Context, last *attemptError, attempts int) error {
	status := 0
	if last != nil {
		status = last.status
	}
	if errors.Is(parent.Err(), context.Canceled) {
		return &Error{Kind: KindUnavailable, Status: status, Attempts: attempts, Err: parent.Err()}
	}
	return &Error{Kind: KindTimeout, Status: status, Attempts: attempts, Err: ctx.Err()}
}

// backoff returns base * 2^(retry-1), raised to the server's Retry-After, capped at the max delay.
func (c *Client) backoff(retry int, retryAfter time.Duration) time.Duration {
	delay := c.cfg.RetryBaseDelay
	for i := 1; i < retry && delay < c.cfg.RetryMaxDelay; i++ {
		delay *= 2
	}
	if retryAfter > delay {
		delay = retryAfter
	}
	if delay > c.cfg.RetryMaxDelay {
		delay = c.cfg.RetryMaxDelay
	}
	return delay
}

func (c *Client) doRequest(ctx context.Context, requestURL string, payload []byte) (Result, *attemptError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(payload))
	if err != nil {
		return Result{}, &attemptError{kind: KindInvalidRequest, err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("api-key", c.cfg.APIKey)
	req.Header.Set("content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// url.Error carries the request URL, never headers
		return Result{}, &attemptError{kind: KindUnavailable, retryable: true, err: fmt.Errorf("failed to send request: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return Result{}, &attemptError{kind: KindUnavailable, status: resp.StatusCode, retryable: true, err: fmt.Errorf("failed to read response: %w", err)}
	}
	if len(body) > MaxResponseSize {
		return Result{}, &attemptError{kind: KindUnavailable, status: resp.StatusCode, err: fmt.Errorf("response exceeded %d bytes", MaxResponseSize)}
	}

	if resp.StatusCode != http.StatusOK {
		return Result{}, classify(resp, body)
	}

	var apiResp backend.ChatCompletionResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return Result{}, &attemptError{kind: KindUnavailable, status: resp.StatusCode, err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}
	if len(apiResp.Choices) == 0 {
		return Result{}, &attemptError{kind: KindUnavailable, status: resp.StatusCode, err: errors.New("empty response from API")}
	}

	choice := apiResp.Choices[0]
	if choice.FinishReason == backend.FinishReasonContentFilter {
		return Result{}, &attemptError{kind: KindContentRejected, status: resp.StatusCode, err: errors.New("completion filtered by content policy")}
	}

	result := Result{
		Text:         choice.Message.Content,
		FinishReason: choice.FinishReason,
		Model:        apiResp.Model,
	}
	if apiResp.Usage != nil {
		result.Usage = Usage{
			PromptTokens:     apiResp.Usage.PromptTokens,
			CompletionTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:      apiResp.Usage.TotalTokens,
		}
	}
	return result, nil
}

// classify maps a non-200 response to an attempt error.
func classify(resp *http.Response, body []byte) *attemptError {
	status := resp.StatusCode

	var envelope backend.ErrorResponse
	detail := excerpt(string(body))
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		detail = excerpt(envelope.Error.Message)
		if envelope.IsContentFilter() {
			return &attemptError{kind: KindContentRejected, status: status, err: fmt.Errorf("content filter: %s", detail)}
		}
	}
	err := fmt.Errorf("API error: %s - %s", resp.Status, detail)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &attemptError{kind: KindUnauthorized, status: status, err: err}
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return &attemptError{
			kind:       KindUnavailable,
			status:     status,
			retryable:  true,
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			err:        err,
		}
	default:
		return &attemptError{kind: KindInvalidRequest, status: status, err: err}
	}
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxErrorExcerpt {
		return s[:maxErrorExcerpt] + "..."
	}
	return s
}
