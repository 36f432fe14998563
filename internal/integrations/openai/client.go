package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"virtual-product-owner/internal/integrations/paramstore"
)

const (
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 30 * time.Second
	temperature    = 0.2

	systemPrompt = "You are a helpful assistant that outputs strict JSON."
)

// ErrDisabled is returned when the model backend is switched off.
var ErrDisabled = errors.New("openai: model backend is disabled")

// Client generates text with the Chat Completions API. The API token is read
// from SSM on first successful use and kept for the life of the process.
type Client struct {
	getter      paramstore.Getter
	paramPrefix string
	model       string
	baseURL     string
	httpClient  *http.Client
	timeout     time.Duration
	enabled     bool

	mu    sync.Mutex
	sdk   oai.Client
	ready bool
}

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

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithEnabled switches the backend on or off. A disabled client never reads
// the token and fails every call with ErrDisabled.
func WithEnabled(enabled bool) Option {
	return func(c *Client) {
		c.enabled = enabled
	}
}

// NewClient creates a Client that reads its token from
// {paramPrefix}/open-ai-token.
func NewClient(ps paramstore.Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{
		getter:      ps,
		paramPrefix: paramPrefix,
		model:       defaultModel,
		timeout:     defaultTimeout,
		enabled:     true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/open-ai-token"
}

// resolveClient builds the SDK client once a token has been read. A failed
// read is not remembered, so the next call tries again. The read is detached
// from ctx's cancellation so one dropped request cannot poison it.
func (c *Client) resolveClient(ctx context.Context) (oai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready {
		return c.sdk, nil
	}
	key, err := paramstore.ReadToken(context.WithoutCancel(ctx), c.getter, c.tokenParameterName())
	if err != nil {
		return oai.Client{}, fmt.Errorf("openai: %w", err)
	}
	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithMaxRetries(1),
	}
	if c.baseURL != "" {
		opts = append(opts, option.WithBaseURL(c.baseURL))
	}
	if c.httpClient != nil {
		opts = append(opts, option.WithHTTPClient(c.httpClient))
	}
	c.sdk = oai.NewClient(opts...)
	c.ready = true
	return c.sdk, nil
}

// Generate sends prompt as the user turn and returns the first choice's
// content. The reply is requested in JSON object mode.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if !c.enabled {
		return "", ErrDisabled
	}
	sdk, err := c.resolveClient(ctx)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := sdk.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: oai.ChatModel(c.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(systemPrompt),
			oai.UserMessage(prompt),
		},
		Temperature: oai.Float(temperature),
		ResponseFormat: oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			return "", &HTTPStatusError{StatusCode: apiErr.StatusCode, Err: err}
		}
		return "", fmt.Errorf("openai: request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// HTTPStatusError captures non-2xx upstream responses.
type HTTPStatusError struct {
	StatusCode int
	Err        error
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d: %v", e.StatusCode, e.Err)
}

func (e *HTTPStatusError) Unwrap() error {
	return e.Err
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}
