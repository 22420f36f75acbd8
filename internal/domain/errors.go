package domain

import (
	"errors"
	"fmt"
)

var (
	ErrProviderExhausted   = errors.New("provider chain exhausted")
	ErrGuardrailRejected   = errors.New("guardrail rejected content")
	ErrNoFindings          = errors.New("no findings")
	ErrRunNotFound         = errors.New("run not found")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrArtifactsIncomplete = errors.New("artifact set has no complete text artifacts")
)

// ErrorKind classifies a provider failure
type ErrorKind string

const (
	KindTimeout        ErrorKind = "timeout"
	KindRateLimited    ErrorKind = "rate-limited"
	KindServerError    ErrorKind = "server-error"
	KindAuth           ErrorKind = "auth-error"
	KindMalformed      ErrorKind = "malformed"
	KindQuotaExhausted ErrorKind = "quota-exhausted"
	KindPolicyRejected ErrorKind = "content-policy-rejected"
	KindRenderFailed   ErrorKind = "render-failed"
	// KindUnknown covers errors that carry no classification; they are retried
	KindUnknown        ErrorKind = "unknown"
)

// Transient reports whether a failure of this kind is eligible for retry on the same provider
func (k ErrorKind) Transient() bool {
	switch k {
	case KindTimeout, KindRateLimited, KindServerError, KindRenderFailed, KindUnknown:
		return true
	default:
		return false
	}
}

// ProviderError is the error type every provider adapter returns
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

// NewProviderError wraps err with a provider and failure kind
func NewProviderError(provider string, kind ErrorKind, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Transient reports whether the failure may be retried on the same provider
func (e *ProviderError) Transient() bool { return e.Kind.Transient() }
