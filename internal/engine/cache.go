package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"syscall"
)

// Store names used by the runtime.
const (
	StoreWeights = "model-weights"
	StoreConfig  = "model-config"
	StoreLibrary = "model-library"
	StoreKV      = "kv-cache"
)

// DefaultStores is the purge order. Weights go first since they are the
// usual culprit.
var DefaultStores = []string{StoreWeights, StoreConfig, StoreLibrary, StoreKV}

// DirCache keeps each store in its own directory under Root.
//
// Stores named in Preserve are left out of purges. User-supplied
// weights that cannot be fetched again belong there.
type DirCache struct {
	Root     string
	Preserve []string
}

// Stores implements [CacheStore].
func (c DirCache) Stores() []string {
	stores := make([]string, 0, len(DefaultStores))
	for _, name := range DefaultStores {
		if !slices.Contains(c.Preserve, name) {
			stores = append(stores, name)
		}
	}
	return stores
}

// Path returns the directory of a store.
func (c DirCache) Path(name string) string {
	return filepath.Join(c.Root, name)
}

// Ensure creates every store directory.
func (c DirCache) Ensure() error {
	for _, name := range DefaultStores {
		if err := os.MkdirAll(c.Path(name), 0o755); err != nil {
			return fmt.Errorf("create store %s: %w", name, err)
		}
	}
	return nil
}

// Delete implements [CacheStore]. Deleting a store that does not exist
// succeeds. A store held busy by another process reports
// [ErrDeleteBlocked].
func (c DirCache) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !slices.Contains(DefaultStores, name) {
		return fmt.Errorf("unknown store %q", name)
	}
	if slices.Contains(c.Preserve, name) {
		return fmt.Errorf("store %q is preserved", name)
	}
	err := os.RemoveAll(c.Path(name))
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.EBUSY) || errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EACCES) {
		return fmt.Errorf("%s: %w: %v", name, ErrDeleteBlocked, err)
	}
	return fmt.Errorf("delete store %s: %w", name, err)
}
