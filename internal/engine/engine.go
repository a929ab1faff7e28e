// Package engine owns the locally-resident inference runtime. The
// [Manager] loads it lazily, collapses concurrent loads into one, and
// repairs a corrupted persistent cache by purging it and retrying once.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// State is the lifecycle state of the local engine.
type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ChatMessage is one turn of the conversation handed to the runtime.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is a single non-streaming completion.
type CompletionRequest struct {
	Messages    []ChatMessage
	Stop        []string
	MaxTokens   int
	Temperature float64
}

// Instance is a loaded, ready runtime.
type Instance interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	Close() error
}

// Progress is one load progress report. Percent is negative when the
// phase has no meaningful percentage.
type Progress struct {
	Phase   string
	Percent float64
	Text    string
}

// Runtime starts instances. Start reports progress through report,
// which is never nil.
type Runtime interface {
	Start(ctx context.Context, report func(Progress)) (Instance, error)
}

// CacheStore is the fixed set of persistent stores the runtime keeps
// between launches.
type CacheStore interface {
	Stores() []string
	Delete(ctx context.Context, name string) error
}

// ErrDeleteBlocked is returned by [CacheStore.Delete] when the store is
// held open by someone else. Purges log it and move on.
var ErrDeleteBlocked = errors.New("store delete blocked")

// ErrLoadInProgress is returned by ResetCache while a load is running.
var ErrLoadInProgress = errors.New("engine load in progress")

// ErrUnloaded is returned to callers of a load that was overtaken by
// Unload before it finished.
var ErrUnloaded = errors.New("engine unloaded during load")

// InitError is a failed engine load. CacheCorruption reports that the
// load hit a corrupted cache and the purge-and-retry did not fix it.
// Err is the final runtime error and First the one that triggered the
// purge, both preserved verbatim.
type InitError struct {
	Err             error
	First           error
	CacheCorruption bool
}

func (e *InitError) Error() string {
	if !e.CacheCorruption {
		return "engine init failed: " + e.Err.Error()
	}
	msg := "engine init failed after cache purge: " + e.Err.Error()
	if e.First != nil && e.First.Error() != e.Err.Error() {
		msg += " (first attempt: " + e.First.Error() + ")"
	}
	return msg
}

func (e *InitError) Unwrap() error { return e.Err }

// corruptionSignatures are fault identifiers that point at a damaged
// persistent cache rather than a bad configuration.
var corruptionSignatures = []string{
	"cache.add",
	"quotaexceedederror",
	"networkerror when attempting to fetch resource",
	"failed to load model: invalid magic",
	"unexpected eof",
	"checksum mismatch",
	"gguf_init_from_file",
	"tensor data is not within the file bounds",
}

// IsCacheCorruption reports whether err carries one of the known
// cache corruption signatures.
func IsCacheCorruption(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range corruptionSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
