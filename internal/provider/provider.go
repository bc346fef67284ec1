// Package provider abstracts the model backends behind one interface with
// uniform failure semantics, and layers a sequential fallback chain with
// token/cost accounting on top.
package provider

import (
	"context"
	"errors"
	"strings"
	"time"

	"commonground/internal/models"
)

// Message is one prompt turn handed to a backend.
type Message struct {
	Role    models.Role
	Content string
}

// Options tune a single call. Zero values fall back to the provider's
// configured model and default token ceiling.
type Options struct {
	Model     string
	MaxTokens int
}

// Result is the uniform success value of any backend call.
type Result struct {
	Content      string
	TokensIn     int
	TokensOut    int
	Provider     string
	Model        string
	UsedFallback bool
	CostUSD      float64
}

// Provider is the capability set every backend variant implements.
// StreamChat may internally wrap a non-streaming Chat call for backends
// without native streaming, emitting the whole answer as one chunk.
type Provider interface {
	ID() string
	Chat(ctx context.Context, msgs []Message, opts Options) (*Result, error)
	StreamChat(ctx context.Context, msgs []Message, opts Options, onChunk func(string) error) (*Result, error)
	IsConfigured() bool
	TestConnection(ctx context.Context) (ok bool, latency time.Duration, message string)
}

// ErrorKind classifies a provider failure so the orchestrator can drive
// fallback and message translation without matching raw error text.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNetwork
	KindTimeout
	KindRateLimited
	KindAuth
	KindModelUnavailable
	KindContextTooLong
	KindContentFiltered
	KindCanceled
)

// Error is the typed failure value returned by every backend call.
type Error struct {
	ProviderID string
	Kind       ErrorKind
	Err        error
}

func (e *Error) Error() string {
	return e.ProviderID + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the fallback chain should try the next
// provider. Cancellation never retries; content filtering and oversized
// input would fail identically elsewhere.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindCanceled, KindContentFiltered, KindContextTooLong:
		return false
	default:
		return true
	}
}

// Friendly maps the failure to one of a small set of user-safe phrasings.
// Raw upstream error text is never returned to callers.
func (e *Error) Friendly() string {
	switch e.Kind {
	case KindRateLimited:
		return "The AI service is receiving too many requests right now. Please try again in a moment."
	case KindAuth:
		return "The AI service is not configured correctly. Please contact an administrator."
	case KindModelUnavailable:
		return "The requested AI model is currently unavailable."
	case KindContextTooLong:
		return "Your request is too long for the AI service. Please shorten it and try again."
	case KindContentFiltered:
		return "The AI service declined to process this content."
	case KindNetwork, KindTimeout:
		return "The AI service is temporarily unreachable. Please try again shortly."
	case KindCanceled:
		return "The request was cancelled."
	default:
		return "Something went wrong while generating a response. Please try again."
	}
}

// Classify wraps an upstream error with a provider id and a failure kind.
func Classify(providerID string, err error) *Error {
	if perr := (*Error)(nil); errors.As(err, &perr) {
		return perr
	}
	kind := KindUnknown
	switch {
	case errors.Is(err, context.Canceled):
		kind = KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	default:
		kind = classifyText(err.Error())
	}
	return &Error{ProviderID: providerID, Kind: kind, Err: err}
}

func classifyText(msg string) ErrorKind {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "rate limit") || strings.Contains(m, "429") || strings.Contains(m, "quota"):
		return KindRateLimited
	case strings.Contains(m, "api key") || strings.Contains(m, "unauthorized") ||
		strings.Contains(m, "401") || strings.Contains(m, "403") || strings.Contains(m, "permission"):
		return KindAuth
	case strings.Contains(m, "model") && (strings.Contains(m, "not found") || strings.Contains(m, "does not exist") || strings.Contains(m, "unavailable")):
		return KindModelUnavailable
	case strings.Contains(m, "context length") || strings.Contains(m, "context_length") ||
		strings.Contains(m, "too long") || strings.Contains(m, "maximum context"):
		return KindContextTooLong
	case strings.Contains(m, "content filter") || strings.Contains(m, "safety") || strings.Contains(m, "blocked"):
		return KindContentFiltered
	case strings.Contains(m, "connection") || strings.Contains(m, "timeout") ||
		strings.Contains(m, "no such host") || strings.Contains(m, "eof") ||
		strings.Contains(m, "502") || strings.Contains(m, "503") || strings.Contains(m, "504"):
		return KindNetwork
	default:
		return KindUnknown
	}
}
