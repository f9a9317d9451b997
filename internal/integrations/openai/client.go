// Package openai is the primary LLM provider, backed by the OpenAI or Azure
// OpenAI chat completion and embedding APIs.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gopenai "github.com/sashabaranov/go-openai"

	"mesh-assistant/internal/domain"
	"mesh-assistant/internal/integrations/paramstore"
	"mesh-assistant/internal/provider"
)

const (
	Name      = "openai"
	AzureName = "azure_openai"

	defaultModel          = "gpt-4o-mini"
	defaultEmbeddingModel = "text-embedding-3-small"
	defaultMaxTokens      = 1000
)

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

func (e *HTTPStatusError) Unwrap() error {
	return e.Err
}

// Client adapts go-openai to provider.Provider.
type Client struct {
	name           string
	tokens         paramstore.TokenSource
	azure          bool
	baseURL        string
	apiVersion     string
	model          string
	embeddingModel string
	maxTokens      int
	temperature    float32
	httpClient     *http.Client

	once     sync.Once
	api      *gopenai.Client
	initErr  error
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

// WithAzure switches the client to Azure OpenAI. baseURL is the resource
// endpoint and the model names are deployment names.
func WithAzure(baseURL, apiVersion string) Option {
	return func(c *Client) {
		c.azure = true
		c.name = AzureName
		c.baseURL = strings.TrimSpace(baseURL)
		c.apiVersion = strings.TrimSpace(apiVersion)
	}
}

func WithModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.model = m
		}
	}
}

func WithEmbeddingModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.embeddingModel = m
		}
	}
}

// WithSampling sets max tokens and temperature for chat completions.
func WithSampling(maxTokens int, temperature float32) Option {
	return func(c *Client) {
		if maxTokens > 0 {
			c.maxTokens = maxTokens
		}
		c.temperature = temperature
	}
}

// NewClient creates a Client whose API key comes from tokens. The key is
// resolved on the first call and reused for the lifetime of the process.
func NewClient(tokens paramstore.TokenSource, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("openai: token source must not be nil")
	}
	c := &Client{
		name:           Name,
		tokens:         tokens,
		model:          defaultModel,
		embeddingModel: defaultEmbeddingModel,
		maxTokens:      defaultMaxTokens,
		temperature:    0.7,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.azure && c.baseURL == "" {
		return nil, errors.New("openai: azure endpoint must not be empty")
	}
	return c, nil
}

func (c *Client) Name() string { return c.name }

// Available is false once the API key could not be resolved or was rejected.
func (c *Client) Available() bool {
	return !c.disabled.Load()
}

func (c *Client) client(ctx context.Context) (*gopenai.Client, error) {
	c.once.Do(func() {
		key, err := c.tokens.Token(ctx)
		if err != nil {
			c.initErr = &provider.Error{Provider: c.name, Kind: provider.KindAuth, Err: err}
			c.disabled.Store(true)
			return
		}
		var cfg gopenai.ClientConfig
		if c.azure {
			cfg = gopenai.DefaultAzureConfig(key, c.baseURL)
			if c.apiVersion != "" {
				cfg.APIVersion = c.apiVersion
			}
		} else {
			cfg = gopenai.DefaultConfig(key)
			if c.baseURL != "" {
				cfg.BaseURL = c.baseURL
			}
		}
		if c.httpClient != nil {
			cfg.HTTPClient = c.httpClient
		}
		c.api = gopenai.NewClientWithConfig(cfg)
	})
	return c.api, c.initErr
}

func (c *Client) Generate(ctx context.Context, req provider.Request) (provider.Answer, error) {
	api, err := c.client(ctx)
	if err != nil {
		return provider.Answer{}, err
	}

	messages := make([]gopenai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, gopenai.ChatCompletionMessage{Role: gopenai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, gopenai.ChatCompletionMessage{Role: gopenai.ChatMessageRoleUser, Content: req.Prompt})

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	resp, err := api.CreateChatCompletion(ctx, gopenai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return provider.Answer{}, c.fail(fmt.Errorf("openai: chat completion: %w", wrapAPIError(err)))
	}
	if len(resp.Choices) == 0 {
		return provider.Answer{}, errors.New("openai: no choices in response")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return provider.Answer{}, errors.New("openai: empty completion")
	}
	return provider.Answer{
		Text: text,
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		ResponseID: resp.ID,
	}, nil
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("openai: embed text must not be empty")
	}
	api, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := api.CreateEmbeddings(ctx, gopenai.EmbeddingRequest{
		Input: []string{text},
		Model: gopenai.EmbeddingModel(c.embeddingModel),
	})
	if err != nil {
		return nil, c.fail(fmt.Errorf("openai: embeddings: %w", wrapAPIError(err)))
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai: empty embedding result")
	}
	return resp.Data[0].Embedding, nil
}

// fail marks the client unavailable when the upstream rejected the key.
func (c *Client) fail(err error) error {
	if provider.Classify(err) == provider.KindAuth {
		c.disabled.Store(true)
	}
	return err
}

// wrapAPIError surfaces the HTTP status of go-openai errors so provider.Classify can see it.
func wrapAPIError(err error) error {
	var apiErr *gopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &HTTPStatusError{StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message, Err: err}
	}
	var reqErr *gopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &HTTPStatusError{StatusCode: reqErr.HTTPStatusCode, Message: string(reqErr.Body), Err: err}
	}
	return err
}
