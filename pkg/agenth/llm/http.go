package llm

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
)

const defaultBaseURL = "https://api.openai.com/v1"

// Config configures the OpenAI-compatible HTTP client.
type Config struct {
	BaseURL   string         `yaml:"base_url"`
	APIKey    string         `yaml:"api_key"`
	Model     string         `yaml:"model"`
	Fallbacks []string       `yaml:"fallbacks"`
	Cooldowns CooldownConfig `yaml:"cooldowns"`
	Timeout   time.Duration  `yaml:"timeout"`
}

// HTTPClient talks to an OpenAI-compatible API. It implements both
// ChatClient and AssistantClient.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	failover   *Failover
	usage      *UsageTracker
	logger     *slog.Logger
}

// NewHTTPClient creates a client from cfg.
func NewHTTPClient(cfg Config, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPClient{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		failover: NewFailover(FallbackConfig{
			Primary:   cfg.Model,
			Fallbacks: cfg.Fallbacks,
			Cooldowns: cfg.Cooldowns,
		}, logger),
		logger: logger.With("component", "llm"),
	}
}

// SetUsageTracker records token usage of every completion.
func (c *HTTPClient) SetUsageTracker(u *UsageTracker) { c.usage = u }

// Failover exposes the model cooldown state.
func (c *HTTPClient) Failover() *Failover { return c.failover }

// CreateCompletion sends a chat-completions request. When req.Model is
// empty the configured model chain is used, rotating past models that fail
// with retryable errors.
func (c *HTTPClient) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	models := []string{req.Model}
	if req.Model == "" {
		models = c.failover.Candidates()
	}

	var lastErr error
	for _, model := range models {
		attempt := req
		attempt.Model = model

		var resp CompletionResponse
		err := c.doJSON(ctx, http.MethodPost, "/chat/completions", attempt, &resp)
		if err == nil {
			if len(resp.Choices) == 0 {
				return nil, ErrNoChoices
			}
			c.failover.ReportSuccess(model)
			if c.usage != nil {
				c.usage.Record(UsageScopeFromContext(ctx), model, resp.Usage)
			}
			return &resp, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
		reason := c.failover.ReportFailure(model, err)
		if !reason.Retryable() {
			return nil, err
		}
		c.logger.Warn("completion failed, trying next model", "model", model, "reason", reason, "error", err)
	}
	return nil, lastErr
}

func (c *HTTPClient) CreateThread(ctx context.Context) (*Thread, error) {
	var t Thread
	if err := c.doJSON(ctx, http.MethodPost, "/threads", map[string]any{}, &t); err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	return &t, nil
}

func (c *HTTPClient) CreateMessage(ctx context.Context, threadID, role, content string) (*ThreadMessage, error) {
	var m ThreadMessage
	body := map[string]string{"role": role, "content": content}
	if err := c.doJSON(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/messages", body, &m); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return &m, nil
}

func (c *HTTPClient) CreateRun(ctx context.Context, threadID, assistantID string, tools []ToolSpec) (*Run, error) {
	body := map[string]any{"assistant_id": assistantID}
	if len(tools) > 0 {
		body["tools"] = tools
	}
	var r Run
	if err := c.doJSON(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/runs", body, &r); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return &r, nil
}

func (c *HTTPClient) RetrieveRun(ctx context.Context, threadID, runID string) (*Run, error) {
	var r Run
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &r); err != nil {
		return nil, fmt.Errorf("retrieve run: %w", err)
	}
	return &r, nil
}

func (c *HTTPClient) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (*Run, error) {
	var r Run
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID) + "/submit_tool_outputs"
	if err := c.doJSON(ctx, http.MethodPost, path, map[string]any{"tool_outputs": outputs}, &r); err != nil {
		return nil, fmt.Errorf("submit tool outputs: %w", err)
	}
	return &r, nil
}

func (c *HTTPClient) ListMessages(ctx context.Context, threadID string, limit int) ([]ThreadMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	path := fmt.Sprintf("/threads/%s/messages?order=desc&limit=%d", url.PathEscape(threadID), limit)
	var page struct {
		Data []ThreadMessage `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return page.Data, nil
}

// doJSON performs a request with a JSON body and decodes a JSON response.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if strings.HasPrefix(path, "/threads") {
		req.Header.Set("OpenAI-Beta", "assistants=v2")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(respBody),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}

func parseRetryAfter(v string) time.Duration {
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

// IsRateLimited reports whether err is a provider 429.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}
