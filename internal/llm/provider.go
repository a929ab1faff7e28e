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

	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/config"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/engine"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/httpkit"
)

// Provider is the uniform contract over every inference backend.
type Provider interface {
	// Send returns the raw reply text for the conversation. Failures
	// are *ProviderError.
	Send(ctx context.Context, msgs []Message) (string, error)
	// Ping checks that the backend is reachable and the configuration
	// is accepted.
	Ping(ctx context.Context) error
	// Name identifies the backend in logs and reports.
	Name() string
}

// EngineLoader hands out the ready local engine.
type EngineLoader interface {
	Load(ctx context.Context) (engine.Instance, error)
}

// NewProvider builds the adapter for cfg. loader is required for the
// local kind and ignored otherwise.
func NewProvider(cfg config.ProviderConfig, loader EngineLoader, logger *slog.Logger) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Kind {
	case config.KindLocal:
		if loader == nil {
			return nil, errors.New("local provider requires an engine")
		}
		return NewLocal(loader, logger), nil
	case config.KindNetworkLocal:
		return NewOllama(cfg.Endpoint, cfg.Model, logger), nil
	case config.KindCloud:
		return NewCloud(cfg.Endpoint, cfg.Credential, cfg.Model, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}
}

// chatClient is the shared client for chat calls: no overall timeout,
// the caller's context decides.
func chatClient() *http.Client {
	return httpkit.NewClient(httpkit.WithTimeout(0))
}

// probeContext bounds a reachability check unless the caller already
// set a tighter deadline.
func probeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, httpkit.ProbeTimeout)
}

// doJSON performs one request and decodes a 2xx JSON body into out
// (skipped when out is nil). Every failure is a *ProviderError.
func doJSON(ctx context.Context, client *http.Client, logger *slog.Logger, provider, method, url string, header http.Header, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return networkError(provider, fmt.Errorf("marshal request: %w", err))
		}
		logger.Log(ctx, config.LevelTrace, "request payload", "url", url, "json", string(data))
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return networkError(provider, fmt.Errorf("create request: %w", err))
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return networkError(provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		logger.Warn("provider API error", "status", resp.StatusCode, "body", errBody)
		return statusError(provider, resp.StatusCode, errBody)
	}
	if out == nil {
		httpkit.DrainAndClose(resp.Body, 64*1024)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return networkError(provider, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
