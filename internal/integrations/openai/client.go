package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"ai-coordinator/internal/domain"
)

const defaultBaseURL = "https://api.openai.com/v1"

type chatRequest struct {
	Model          string               `json:"model"`
	Messages       []domain.ChatMessage `json:"messages"`
	ResponseFormat *ResponseFormat      `json:"response_format,omitempty"`
}

// ResponseFormat constrains a chat completion to structured output.
type ResponseFormat struct {
	Type       string           `json:"type"`
	JSONSchema jsonSchemaConfig `json:"json_schema"`
}

type jsonSchemaConfig struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

// JSONSchema returns a strict json_schema response format.
func JSONSchema(name string, schema json.RawMessage) *ResponseFormat {
	return &ResponseFormat{
		Type:       "json_schema",
		JSONSchema: jsonSchemaConfig{Name: name, Strict: true, Schema: schema},
	}
}

type chatResponse struct {
	Choices []struct {
		Message domain.ChatMessage `json:"message"`
	} `json:"choices"`
}

type moderationResponse struct {
	Results []struct {
		Flagged bool `json:"flagged"`
	} `json:"results"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError is a non-2xx reply from the API.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client calls the chat completion and moderation endpoints of an
// OpenAI-compatible API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	getter     Getter
	paramName  string

	keyOnce sync.Once
	apiKey  string
	keyErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithAPIKey uses a fixed API key instead of Parameter Store.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = strings.TrimSpace(key)
	}
}

// WithParamStore reads the key from the SSM parameter name, which holds
// {"token": "..."}. The value is fetched on first use and cached.
func WithParamStore(getter Getter, name string) Option {
	return func(c *Client) {
		c.getter = getter
		c.paramName = strings.TrimSpace(name)
	}
}

// NewClient creates a Client. Either WithAPIKey or WithParamStore is required.
func NewClient(opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.apiKey == "" && (c.getter == nil || c.paramName == "") {
		return nil, errors.New("openai: an API key or a paramstore getter and parameter name is required")
	}
	return c, nil
}

func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		if c.apiKey == "" {
			c.apiKey, c.keyErr = readToken(ctx, c.getter, c.paramName)
		}
	})
	return c.apiKey, c.keyErr
}

func readToken(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil || name == "" {
		return "", errors.New("openai: paramstore getter is nil or token parameter name is empty")
	}
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return "", fmt.Errorf("openai: unmarshal paramstore token value as JSON: %w", err)
	}
	if payload.Token == "" {
		return "", errors.New("openai: API token is empty")
	}
	return payload.Token, nil
}

func endpointURL(baseURL, path string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + path
	}
	return base + "/v1" + path
}

// Chat sends messages to model and returns the first choice's content. When
// format is set the reply is constrained to it.
func (c *Client) Chat(ctx context.Context, model string, messages []domain.ChatMessage, format *ResponseFormat) (string, error) {
	if model == "" {
		return "", errors.New("openai: model must not be empty")
	}
	var payload chatResponse
	err := c.post(ctx, "/chat/completions", chatRequest{Model: model, Messages: messages, ResponseFormat: format}, &payload)
	if err != nil {
		return "", err
	}
	if len(payload.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return payload.Choices[0].Message.Content, nil
}

// Moderate reports whether the moderation endpoint flags input.
func (c *Client) Moderate(ctx context.Context, input string) (bool, error) {
	var payload moderationResponse
	if err := c.post(ctx, "/moderations", map[string]string{"input": input}, &payload); err != nil {
		return false, err
	}
	if len(payload.Results) == 0 {
		return false, errors.New("openai: no results in moderation response")
	}
	return payload.Results[0].Flagged, nil
}

// post sends in as JSON to path and decodes a 2xx reply into out.
func (c *Client) post(ctx context.Context, path string, in, out any) error {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("openai: marshal %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL(c.baseURL, path), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("openai: create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("openai: %s request failed: %w", path, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("openai: %s: %w", path, &HTTPStatusError{StatusCode: res.StatusCode, Body: string(buf)})
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("openai: decode %s response: %w", path, err)
	}
	return nil
}
