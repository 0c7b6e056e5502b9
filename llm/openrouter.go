package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/mrsingh-rishi/ziya-twin/model"
)

var (
	// ErrUpstream covers transport failures and API errors from the provider.
	ErrUpstream = errors.New("chat completion request failed")
	// ErrNoChoices is returned when a successful response carries no choices.
	ErrNoChoices = errors.New("chat completion returned no choices")
)

type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	Referer    string
	Title      string
	HTTPClient *http.Client
	Logger     *logrus.Logger
}

// OpenRouterClient sends one persona-prefixed chat completion per transcript.
type OpenRouterClient struct {
	client *openai.Client
	model  string
	logger *logrus.Logger
}

func NewOpenRouterClient(opts Options) (*OpenRouterClient, error) {
	if opts.APIKey == "" {
		return nil, errors.New("openrouter api key is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	base := httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	withHeaders := *httpClient
	withHeaders.Transport = &headerTransport{
		base: base,
		headers: map[string]string{
			"HTTP-Referer": opts.Referer,
			"X-Title":      opts.Title,
		},
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	cfg.HTTPClient = &withHeaders

	return &OpenRouterClient{
		client: openai.NewClientWithConfig(cfg),
		model:  opts.Model,
		logger: opts.Logger,
	}, nil
}

// Exchange builds the two-message conversation for a transcript.
func Exchange(transcript model.Transcript) model.ChatExchange {
	return model.ChatExchange{System: PersonaPrompt, User: transcript}
}

// Reply returns the content of the first choice for the transcript.
func (c *OpenRouterClient) Reply(ctx context.Context, transcript model.Transcript) (model.ReplyText, error) {
	exchange := Exchange(transcript)
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: exchange.System},
			{Role: openai.ChatMessageRoleUser, Content: string(exchange.User)},
		},
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("%w: status %d: %w", ErrUpstream, apiErr.HTTPStatusCode, apiErr)
		}
		return "", fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}

	reply := resp.Choices[0].Message.Content
	c.logger.WithFields(logrus.Fields{
		"model":             c.model,
		"latency_ms":        time.Since(start).Milliseconds(),
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
	}).Info("chat completion received")
	return model.ReplyText(reply), nil
}

// headerTransport adds the attribution headers OpenRouter uses for routing.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	return t.base.RoundTrip(req)
}
