package model

import (
	"errors"
	"fmt"
	"time"
)

type ProviderErrorKind string

const (
	ProviderErrorKindAuth            ProviderErrorKind = "auth"
	ProviderErrorKindRateLimit       ProviderErrorKind = "rate_limit"
	ProviderErrorKindInvalidRequest  ProviderErrorKind = "invalid_request"
	ProviderErrorKindModelNotFound   ProviderErrorKind = "model_not_found"
	ProviderErrorKindContentFiltered ProviderErrorKind = "content_filtered"
	ProviderErrorKindNetwork         ProviderErrorKind = "network"
	ProviderErrorKindParse           ProviderErrorKind = "parse"
	ProviderErrorKindProvider        ProviderErrorKind = "provider"
)

// ErrStreamInterrupted is the terminal error of a stream that was cancelled
// by the caller rather than ended by the provider.
var ErrStreamInterrupted = errors.New("stream interrupted")

// ProviderError classifies a failed provider call. Status carries the HTTP
// status for vendor-reported failures and is zero for local ones.
type ProviderError struct {
	Provider   string
	Kind       ProviderErrorKind
	Status     int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func NewProviderError(provider string, kind ProviderErrorKind, message string) *ProviderError {
	return &ProviderError{Provider: provider, Kind: kind, Message: message}
}

func NewNetworkError(provider string, err error) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Kind:     ProviderErrorKindNetwork,
		Message:  err.Error(),
		Err:      err,
	}
}

func NewParseError(provider string, err error) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Kind:     ProviderErrorKindParse,
		Message:  err.Error(),
		Err:      err,
	}
}

func (e *ProviderError) Error() string {
	switch e.Kind {
	case ProviderErrorKindRateLimit:
		if e.RetryAfter > 0 {
			return fmt.Sprintf("%s: rate limited, retry after %s", e.Provider, e.RetryAfter)
		}
		return fmt.Sprintf("%s: rate limited", e.Provider)
	case ProviderErrorKindProvider:
		return fmt.Sprintf("%s: provider error: %d - %s", e.Provider, e.Status, e.Message)
	default:
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
	}
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may retry, and the backoff the
// provider asked for (zero when the provider gave none).
func (e *ProviderError) Retryable() (bool, time.Duration) {
	switch e.Kind {
	case ProviderErrorKindRateLimit:
		return true, e.RetryAfter
	case ProviderErrorKindNetwork:
		return true, 0
	case ProviderErrorKindProvider:
		return e.Status >= 500, 0
	default:
		return false, 0
	}
}
