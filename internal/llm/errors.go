package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies provider failures.
type ErrorKind int

const (
	// ErrNetwork covers transport failures, timeouts and unexpected
	// HTTP statuses.
	ErrNetwork ErrorKind = iota
	ErrAuth
	ErrRateLimit
	ErrUnsupported
	// ErrEngine wraps a local engine load failure.
	ErrEngine
)

func (k ErrorKind) String() string {
	switch k {
	case ErrNetwork:
		return "network"
	case ErrAuth:
		return "auth"
	case ErrRateLimit:
		return "rate_limit"
	case ErrUnsupported:
		return "unsupported"
	case ErrEngine:
		return "engine"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ProviderError is returned by every [Provider] method.
type ProviderError struct {
	Kind     ErrorKind
	Provider string
	Status   int // HTTP status, 0 for transport and engine failures
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s error (HTTP %d): %v", e.Provider, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// KindOf returns the kind of a *ProviderError in err's chain. Other
// errors count as network failures.
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrNetwork
}

// statusKind maps a non-2xx HTTP status to an error kind.
func statusKind(status int) ErrorKind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuth
	case http.StatusTooManyRequests:
		return ErrRateLimit
	case http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusNotImplemented:
		return ErrUnsupported
	default:
		return ErrNetwork
	}
}

func statusError(provider string, status int, body string) *ProviderError {
	if body == "" {
		body = http.StatusText(status)
	}
	return &ProviderError{Kind: statusKind(status), Provider: provider, Status: status, Err: errors.New(body)}
}

func networkError(provider string, err error) *ProviderError {
	return &ProviderError{Kind: ErrNetwork, Provider: provider, Err: err}
}
