package llm

import (
	"context"
	"log/slog"

	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/engine"
)

// Local generation settings. The stop sequences keep small models from
// writing the user's next turn themselves.
var (
	LocalStop        = []string{"<|im_end|>", "\nUser:", "\nuser:", "<|eot_id|>"}
	LocalMaxTokens   = 512
	LocalTemperature = 0.6
)

// Local runs completions on the engine owned by this process.
type Local struct {
	loader EngineLoader
	logger *slog.Logger
}

// NewLocal creates a local provider.
func NewLocal(loader EngineLoader, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{loader: loader, logger: logger.With("provider", "local")}
}

// Name implements [Provider].
func (l *Local) Name() string { return "local" }

// Send implements [Provider]. The engine is loaded on first use.
func (l *Local) Send(ctx context.Context, msgs []Message) (string, error) {
	inst, err := l.loader.Load(ctx)
	if err != nil {
		return "", &ProviderError{Kind: ErrEngine, Provider: l.Name(), Err: err}
	}

	req := engine.CompletionRequest{
		Messages:    make([]engine.ChatMessage, len(msgs)),
		Stop:        LocalStop,
		MaxTokens:   LocalMaxTokens,
		Temperature: LocalTemperature,
	}
	for i, m := range msgs {
		req.Messages[i] = engine.ChatMessage{Role: m.Role, Content: m.Content}
	}

	out, err := inst.Complete(ctx, req)
	if err != nil {
		return "", &ProviderError{Kind: ErrEngine, Provider: l.Name(), Err: err}
	}
	return out, nil
}

// Ping implements [Provider]. For the local engine reachability means a
// successful load.
func (l *Local) Ping(ctx context.Context) error {
	if _, err := l.loader.Load(ctx); err != nil {
		return &ProviderError{Kind: ErrEngine, Provider: l.Name(), Err: err}
	}
	return nil
}
