package llm

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// Ollama talks to an Ollama server on the local network.
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

// NewOllama creates an Ollama provider. An empty baseURL means the
// default local port.
func NewOllama(baseURL, model string, logger *slog.Logger) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  chatClient(),
		logger:  logger.With("provider", "ollama"),
	}
}

type ollamaChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type ollamaChatResponse struct {
	Model   string  `json:"model"`
	Message Message `json:"message"`
	Done    bool    `json:"done"`

	PromptEvalCount int `json:"prompt_eval_count,omitempty"`
	EvalCount       int `json:"eval_count,omitempty"`
}

// Name implements [Provider].
func (o *Ollama) Name() string { return "ollama" }

// Send implements [Provider] with a single non-streaming /api/chat call.
func (o *Ollama) Send(ctx context.Context, msgs []Message) (string, error) {
	var resp ollamaChatResponse
	err := doJSON(ctx, o.client, o.logger, o.Name(), http.MethodPost, o.baseURL+"/api/chat", nil,
		ollamaChatRequest{Model: o.model, Messages: msgs}, &resp)
	if err != nil {
		return "", err
	}
	o.logger.Debug("response received",
		"model", resp.Model,
		"input_tokens", resp.PromptEvalCount,
		"output_tokens", resp.EvalCount,
	)
	return resp.Message.Content, nil
}

// Ping implements [Provider] by listing models.
func (o *Ollama) Ping(ctx context.Context) error {
	ctx, cancel := probeContext(ctx)
	defer cancel()
	return doJSON(ctx, o.client, o.logger, o.Name(), http.MethodGet, o.baseURL+"/api/tags", nil, nil, nil)
}
