package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// instanceFile holds the stable identity of this installation.
const instanceFile = "instance_id"

// LoadOrCreateInstanceID reads the instance ID from dataDir, or
// generates a UUIDv7 and persists it when none exists yet. Consumers
// of the state topic use it to tell two machines with the same
// client_id apart.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, instanceFile)

	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", dataDir, err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
	}
	return id.String(), nil
}
