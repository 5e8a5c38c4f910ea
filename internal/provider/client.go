// Package provider talks to an OpenAI-compatible chat-completions endpoint.
// It opens token streams for advisor turns and runs single-shot completions
// for raters, classifying failures for the retry policy.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kingrea/council/internal/retry"
)

const maxErrorBody = 4 << 10

// Role values accepted by the endpoint.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one message in a chat-completions request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Stream    bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Logger matches logging.Logger.
type Logger interface {
	Printf(format string, args ...any)
}

// Settings configures a Client.
type Settings struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	// Timeout bounds single-shot completions. Streams are bounded only by the
	// caller's context.
	Timeout time.Duration
	Retry   retry.Policy
}

// Client is safe for concurrent use.
type Client struct {
	settings Settings
	http     *http.Client
	logger   Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger injects a logger.
func WithLogger(l Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New builds a client.
func New(settings Settings, opts ...Option) (*Client, error) {
	settings.BaseURL = strings.TrimRight(strings.TrimSpace(settings.BaseURL), "/")
	if settings.BaseURL == "" {
		return nil, fmt.Errorf("provider: base url is required")
	}
	if strings.TrimSpace(settings.Model) == "" {
		return nil, fmt.Errorf("provider: model is required")
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 60 * time.Second
	}
	if settings.Retry.Classify == nil {
		settings.Retry.Classify = Classify
	}
	c := &Client{
		settings: settings,
		http:     &http.Client{},
		logger:   nopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.settings.Retry.OnRetry == nil {
		c.settings.Retry.OnRetry = func(attempt int, delay time.Duration, err error) {
			c.logger.Printf("provider: attempt %d failed, retrying in %s: %v", attempt, delay, err)
		}
	}
	return c, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.settings.Model
}

// StreamChat opens a streamed completion and returns its body. Transient
// failures while opening are retried; once the body is returned, reading it
// is the caller's job and cancelling ctx aborts the read.
func (c *Client) StreamChat(ctx context.Context, messages []ChatMessage) (io.ReadCloser, error) {
	payload := chatRequest{
		Model:     c.settings.Model,
		Messages:  messages,
		MaxTokens: c.settings.MaxTokens,
		Stream:    true,
	}
	return retry.Execute(ctx, c.settings.Retry, func(ctx context.Context) (io.ReadCloser, error) {
		resp, err := c.post(ctx, payload, "text/event-stream")
		if err != nil {
			return nil, err
		}
		return resp.Body, nil
	})
}

// Complete runs a single-shot completion and returns the first choice's text.
func (c *Client) Complete(ctx context.Context, messages []ChatMessage) (string, error) {
	payload := chatRequest{
		Model:     c.settings.Model,
		Messages:  messages,
		MaxTokens: c.settings.MaxTokens,
	}
	return retry.Execute(ctx, c.settings.Retry, func(ctx context.Context) (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.settings.Timeout)
		defer cancel()
		resp, err := c.post(callCtx, payload, "application/json")
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		var decoded chatResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			if callCtx.Err() != nil {
				return "", callCtx.Err()
			}
			return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		if len(decoded.Choices) == 0 {
			return "", fmt.Errorf("%w: no choices", ErrMalformedResponse)
		}
		return decoded.Choices[0].Message.Content, nil
	})
}

func (c *Client) post(ctx context.Context, payload chatRequest, accept string) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("provider: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.settings.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("provider: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	if c.settings.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.settings.APIKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, classifyStatus(resp.StatusCode, string(snippet))
	}
	return resp, nil
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
