package config

import (
	"fmt"
	"strings"
)

// ProviderKind selects one of the interchangeable inference backends.
type ProviderKind string

const (
	// KindLocal runs the model in a runtime owned by this process.
	KindLocal ProviderKind = "local"
	// KindNetworkLocal talks to a model server on the local network
	// (Ollama).
	KindNetworkLocal ProviderKind = "network_local"
	// KindCloud talks to a hosted chat completion API.
	KindCloud ProviderKind = "cloud"
)

// ParseProviderKind accepts the canonical names plus a few aliases used
// by older settings files.
func ParseProviderKind(s string) (ProviderKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local", "webllm", "engine":
		return KindLocal, nil
	case "network_local", "ollama", "network":
		return KindNetworkLocal, nil
	case "cloud", "openai", "anthropic":
		return KindCloud, nil
	default:
		return "", fmt.Errorf("unknown provider kind %q (valid: local, network_local, cloud)", s)
	}
}

// ProviderConfig selects and addresses an inference backend. It is
// persisted as a flat key/value record.
type ProviderConfig struct {
	Kind       ProviderKind `yaml:"kind" json:"kind"`
	Endpoint   string       `yaml:"endpoint" json:"endpoint,omitempty"`
	Credential string       `yaml:"credential" json:"-"`
	Model      string       `yaml:"model" json:"model"`
}

// ConfigurationError reports a field the chosen provider kind requires
// but the configuration does not supply.
type ConfigurationError struct {
	Kind  ProviderKind
	Field string
}

func (e *ConfigurationError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("provider configuration missing %s", e.Field)
	}
	return fmt.Sprintf("provider %q requires %s", e.Kind, e.Field)
}

// Validate returns a *ConfigurationError for the first missing field.
func (p ProviderConfig) Validate() error {
	switch p.Kind {
	case KindLocal:
	case KindNetworkLocal:
		if p.Endpoint == "" {
			return &ConfigurationError{Kind: p.Kind, Field: "endpoint"}
		}
	case KindCloud:
		if p.Endpoint == "" {
			return &ConfigurationError{Kind: p.Kind, Field: "endpoint"}
		}
		if p.Credential == "" {
			return &ConfigurationError{Kind: p.Kind, Field: "credential"}
		}
	case "":
		return &ConfigurationError{Field: "kind"}
	default:
		return fmt.Errorf("unknown provider kind %q", p.Kind)
	}
	if p.Model == "" {
		return &ConfigurationError{Kind: p.Kind, Field: "model"}
	}
	return nil
}

// Record flattens the config into the persisted key/value shape.
func (p ProviderConfig) Record() map[string]string {
	rec := map[string]string{
		"kind":     string(p.Kind),
		"endpoint": p.Endpoint,
		"model":    p.Model,
	}
	if p.Credential != "" {
		rec["credential"] = p.Credential
	}
	return rec
}

// ProviderConfigFromRecord is the inverse of [ProviderConfig.Record].
func ProviderConfigFromRecord(rec map[string]string) (ProviderConfig, error) {
	kind, err := ParseProviderKind(rec["kind"])
	if err != nil {
		return ProviderConfig{}, err
	}
	return ProviderConfig{
		Kind:       kind,
		Endpoint:   rec["endpoint"],
		Credential: rec["credential"],
		Model:      rec["model"],
	}, nil
}
