// Package errs defines the error-kind taxonomy shared across the pipeline
// (spec §7) and the sentinel errors components wrap with %w.
package errs

import (
	"errors"
	"strings"
)

// Kind classifies an error for retry, breaker, and fallback decisions.
type Kind string

const (
	KindAudioFormat  Kind = "audio_format"
	KindAuth         Kind = "auth"
	KindQuota        Kind = "quota"
	KindServer5xx    Kind = "server_5xx"
	KindBadRequest   Kind = "bad_request"
	KindNetwork      Kind = "network"
	KindTimeout      Kind = "timeout"
	KindResource     Kind = "resource"
	KindValidation   Kind = "validation"
	KindBreakerOpen  Kind = "breaker_open"
	KindUnclassified Kind = "unclassified"
)

// Retryable reports whether the Retry Policy should attempt this kind again.
func (k Kind) Retryable() bool {
	switch k {
	case KindServer5xx, KindNetwork, KindTimeout:
		return true
	default:
		return false
	}
}

// Critical reports whether retry must stop immediately and the orchestrator
// should force buffered mode on the affected stream (spec §7).
func (k Kind) Critical() bool {
	return k == KindAuth
}

var ErrBreakerOpen = errors.New("errs: circuit breaker is open")

// Classified wraps an underlying error with its taxonomy Kind.
type Classified struct {
	Kind Kind
	Err  error
}

func (c *Classified) Error() string { return string(c.Kind) + ": " + c.Err.Error() }
func (c *Classified) Unwrap() error { return c.Err }

// Classify inspects err's text the same way the source's
// FallbackOrchestrator._classify_error does (substring matching, cheapest
// signal available for opaque engine errors) and returns a Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindUnclassified
	}
	if errors.Is(err, ErrBreakerOpen) {
		return KindBreakerOpen
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "unauthor") || strings.Contains(msg, "authent") || strings.Contains(msg, "forbidden"):
		return KindAuth
	case strings.Contains(msg, "quota") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "resource_exhausted"):
		return KindQuota
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		if strings.Contains(msg, "connection") || strings.Contains(msg, "network") {
			return KindNetwork
		}
		return KindTimeout
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network") || strings.Contains(msg, "dns") || strings.Contains(msg, "reset by peer"):
		return KindNetwork
	case strings.Contains(msg, "memory") || strings.Contains(msg, "resource"):
		return KindResource
	case strings.Contains(msg, "unavailable") || strings.Contains(msg, "5xx") || strings.Contains(msg, "internal error"):
		return KindServer5xx
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "bad request") || strings.Contains(msg, "malformed"):
		return KindBadRequest
	default:
		return KindUnclassified
	}
}

// FallbackReason mirrors the classification spec §4.8 uses for mode
// transitions, which is a coarser grouping than Kind.
type FallbackReason string

const (
	ReasonStreamingError    FallbackReason = "STREAMING_ERROR"
	ReasonConnectionQuality FallbackReason = "CONNECTION_QUALITY"
	ReasonAPIQuota          FallbackReason = "API_QUOTA"
	ReasonTimeout           FallbackReason = "TIMEOUT"
	ReasonResourceLimit     FallbackReason = "RESOURCE_LIMIT"
	ReasonUserPreference    FallbackReason = "USER_PREFERENCE"
)

// ClassifyFallbackReason maps a Kind onto the fallback orchestrator's
// reason enum, per spec §4.8's classification table.
func ClassifyFallbackReason(k Kind) FallbackReason {
	switch k {
	case KindQuota:
		return ReasonAPIQuota
	case KindNetwork:
		return ReasonConnectionQuality
	case KindTimeout:
		return ReasonTimeout
	case KindResource:
		return ReasonResourceLimit
	default:
		return ReasonStreamingError
	}
}
