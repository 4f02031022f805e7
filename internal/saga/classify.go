package saga

import (
	"regexp"
	"strings"

	"github.com/snarg/scribe-engine/internal/transcribe"
)

// ErrorType is the closed failure taxonomy reported on failure signals.
type ErrorType string

const (
	ErrInvalidInput        ErrorType = "invalid_input"
	ErrExpiredURL          ErrorType = "expired_url"
	ErrProviderUnavailable ErrorType = "provider_unavailable"
	ErrTimeout             ErrorType = "timeout"
	ErrUnknown             ErrorType = "unknown"
)

type errorRule struct {
	typ      ErrorType
	substr   []string
	statuses *regexp.Regexp
}

// Rules are checked in order; the first hit wins.
var errorRules = []errorRule{
	{
		typ:      ErrExpiredURL,
		substr:   []string{"forbidden", "unauthorized", "expired", "signature", "access denied", "not authorized"},
		statuses: regexp.MustCompile(`\b(401|403|410)\b`),
	},
	{
		typ:    ErrTimeout,
		substr: []string{"timeout", "timed out", "deadline exceeded", "not ready after"},
	},
	{
		typ:      ErrProviderUnavailable,
		substr:   []string{"rate limit", "too many requests", "overloaded", "unavailable", "bad gateway", "connection refused", "connection reset"},
		statuses: regexp.MustCompile(`\b(429|500|502|503|504)\b`),
	},
	{
		typ:    ErrInvalidInput,
		substr: []string{"text/html", "html page", "<html", "unsupported", "invalid", "not a media", "no audio"},
	},
}

var htmlMarkers = []string{"text/html", "html page", "<html"}

// Classify buckets an error message. sourceURL lets a video platform page
// that returned HTML fall through instead of counting as invalid input.
func Classify(msg, sourceURL string) ErrorType {
	lower := strings.ToLower(msg)
	if lower == "" {
		return ErrUnknown
	}
	for _, r := range errorRules {
		if !r.hit(lower) {
			continue
		}
		if r.typ == ErrInvalidInput && transcribe.IsVideoPlatform(sourceURL) && containsAny(lower, htmlMarkers) {
			return ErrUnknown
		}
		return r.typ
	}
	return ErrUnknown
}

func (r errorRule) hit(lower string) bool {
	if containsAny(lower, r.substr) {
		return true
	}
	return r.statuses != nil && r.statuses.MatchString(lower)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
