// Package anthropic is the secondary LLM provider, speaking the Anthropic
// Messages API directly over net/http.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"mesh-assistant/internal/domain"
	"mesh-assistant/internal/integrations/paramstore"
	"mesh-assistant/internal/provider"
)

const (
	Name = "anthropic"

	defaultBaseURL    = "https://api.anthropic.com"
	defaultModel      = "claude-3-5-haiku-latest"
	defaultAPIVersion = "2023-06-01"
	defaultMaxTokens  = 1000
)

// ErrNoEmbeddings is returned by Embed; the Messages API has no embedding endpoint.
var ErrNoEmbeddings = errors.New("anthropic: embeddings are not supported")

// messagesRequest is the minimal request shape for the Messages endpoint.
type messagesRequest struct {
	Model       string               `json:"model"`
	MaxTokens   int                  `json:"max_tokens"`
	System      string               `json:"system,omitempty"`
	Messages    []domain.ChatMessage `json:"messages"`
	Temperature *float32             `json:"temperature,omitempty"`
}

// messagesResponse is the minimal response shape returned by the Messages endpoint.
type messagesResponse struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("anthropic: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused Anthropic Messages API client.
type Client struct {
	baseURL     string
	apiVersion  string
	model       string
	maxTokens   int
	temperature float32
	httpClient  *http.Client
	tokens      paramstore.TokenSource

	disabled atomic.Bool
}

var _ provider.Provider = (*Client)(nil)

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.model = m
		}
	}
}

func WithAPIVersion(version string) Option {
	return func(c *Client) {
		if v := strings.TrimSpace(version); v != "" {
			c.apiVersion = v
		}
	}
}

func WithSampling(maxTokens int, temperature float32) Option {
	return func(c *Client) {
		if maxTokens > 0 {
			c.maxTokens = maxTokens
		}
		c.temperature = temperature
	}
}

// NewClient creates a Client whose API key comes from tokens.
func NewClient(tokens paramstore.TokenSource, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("anthropic: token source must not be nil")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		apiVersion:  defaultAPIVersion,
		model:       defaultModel,
		maxTokens:   defaultMaxTokens,
		temperature: 0.7,
		httpClient:  &http.Client{Timeout: 40 * time.Second},
		tokens:      tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Name() string { return Name }

func (c *Client) Available() bool { return !c.disabled.Load() }

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 40 * time.Second}
}

func messagesURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/messages"
	}
	return base + "/v1/messages"
}

func (c *Client) Generate(ctx context.Context, req provider.Request) (provider.Answer, error) {
	apiKey, err := c.tokens.Token(ctx)
	if err != nil {
		c.disabled.Store(true)
		return provider.Answer{}, &provider.Error{Provider: Name, Kind: provider.KindAuth, Err: err}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	body, err := json.Marshal(messagesRequest{
		Model:       c.model,
		MaxTokens:   maxTokens,
		System:      req.System,
		Messages:    []domain.ChatMessage{{Role: "user", Content: req.Prompt}},
		Temperature: &temperature,
	})
	if err != nil {
		return provider.Answer{}, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	url := messagesURL(c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return provider.Answer{}, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", c.apiVersion)

	raw, err := c.doJSONRequest(httpReq, url)
	if err != nil {
		if provider.Classify(err) == provider.KindAuth {
			c.disabled.Store(true)
		}
		return provider.Answer{}, fmt.Errorf("anthropic: request failed: %w", err)
	}

	var payload messagesResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return provider.Answer{}, fmt.Errorf("anthropic: decode response: %w", err)
	}
	var sb strings.Builder
	for _, block := range payload.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return provider.Answer{}, errors.New("anthropic: no text content in response")
	}
	return provider.Answer{
		Text: text,
		Usage: domain.Usage{
			PromptTokens:     payload.Usage.InputTokens,
			CompletionTokens: payload.Usage.OutputTokens,
			TotalTokens:      payload.Usage.InputTokens + payload.Usage.OutputTokens,
		},
		ResponseID: payload.ID,
	}, nil
}

func (c *Client) Embed(context.Context, string) ([]float32, error) {
	return nil, &provider.Error{Provider: Name, Kind: provider.KindNotFound, Err: ErrNoEmbeddings}
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
