package llm

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

const (
	anthropicHost       = "api.anthropic.com"
	anthropicAPIVersion = "2023-06-01"
	anthropicMaxTokens  = 1024
)

// Cloud talks to a hosted chat API. The OpenAI-compatible dialect is
// the default; endpoints on api.anthropic.com use the Messages API.
type Cloud struct {
	endpoint  string
	apiKey    string
	model     string
	anthropic bool
	client    *http.Client
	logger    *slog.Logger
}

// NewCloud creates a cloud provider. endpoint is the API base, for
// example https://api.openai.com/v1.
func NewCloud(endpoint, apiKey, model string, logger *slog.Logger) *Cloud {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cloud{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		model:    model,
		client:   chatClient(),
	}
	if u, err := url.Parse(c.endpoint); err == nil && strings.EqualFold(u.Hostname(), anthropicHost) {
		c.anthropic = true
	}
	c.logger = logger.With("provider", c.Name())
	return c
}

// Name implements [Provider].
func (c *Cloud) Name() string {
	if c.anthropic {
		return "anthropic"
	}
	return "openai"
}

type openAIChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type anthropicRequest struct {
	Model     string    `json:"model"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
}

type anthropicResponse struct {
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

// Send implements [Provider].
func (c *Cloud) Send(ctx context.Context, msgs []Message) (string, error) {
	if c.anthropic {
		return c.sendAnthropic(ctx, msgs)
	}

	var resp openAIChatResponse
	err := doJSON(ctx, c.client, c.logger, c.Name(), http.MethodPost, c.endpoint+"/chat/completions",
		c.header(), openAIChatRequest{Model: c.model, Messages: msgs}, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", networkError(c.Name(), errors.New("response has no choices"))
	}
	c.logger.Debug("response received",
		"model", c.model,
		"input_tokens", resp.Usage.PromptTokens,
		"output_tokens", resp.Usage.CompletionTokens,
		"finish_reason", resp.Choices[0].FinishReason,
	)
	return resp.Choices[0].Message.Content, nil
}

func (c *Cloud) sendAnthropic(ctx context.Context, msgs []Message) (string, error) {
	system, rest := splitSystem(msgs)
	var resp anthropicResponse
	err := doJSON(ctx, c.client, c.logger, c.Name(), http.MethodPost, c.endpoint+"/messages",
		c.header(), anthropicRequest{Model: c.model, System: system, Messages: rest, MaxTokens: anthropicMaxTokens}, &resp)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	c.logger.Debug("response received",
		"model", c.model,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"stop_reason", resp.StopReason,
	)
	return sb.String(), nil
}

// Ping implements [Provider] by listing models, which also checks the
// credential.
func (c *Cloud) Ping(ctx context.Context) error {
	ctx, cancel := probeContext(ctx)
	defer cancel()
	return doJSON(ctx, c.client, c.logger, c.Name(), http.MethodGet, c.endpoint+"/models", c.header(), nil, nil)
}

func (c *Cloud) header() http.Header {
	h := http.Header{}
	if c.anthropic {
		h.Set("x-api-key", c.apiKey)
		h.Set("anthropic-version", anthropicAPIVersion)
	} else {
		h.Set("Authorization", "Bearer "+c.apiKey)
	}
	return h
}
