package opstate

import (
	"fmt"

	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/config"
)

// ProviderNamespace holds the saved provider configuration as the flat
// keys kind, endpoint, credential and model.
const ProviderNamespace = "provider"

// SaveProvider persists cfg, replacing whatever was saved before.
func (s *Store) SaveProvider(cfg config.ProviderConfig) error {
	return s.Replace(ProviderNamespace, cfg.Record())
}

// LoadProvider returns the saved provider configuration. ok is false
// when nothing has been saved yet.
func (s *Store) LoadProvider() (cfg config.ProviderConfig, ok bool, err error) {
	rec, err := s.List(ProviderNamespace)
	if err != nil {
		return config.ProviderConfig{}, false, err
	}
	if len(rec) == 0 {
		return config.ProviderConfig{}, false, nil
	}
	cfg, err = config.ProviderConfigFromRecord(rec)
	if err != nil {
		return config.ProviderConfig{}, false, fmt.Errorf("saved provider: %w", err)
	}
	return cfg, true, nil
}
