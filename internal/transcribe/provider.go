package transcribe

import (
	"context"
	"errors"
)

// MetaNextURL is the Result.Meta key a provider sets when it could not
// transcribe the source itself but resolved it to a more specific URL.
const MetaNextURL = "nextUrl"

// Provider is one transcription strategy.
type Provider interface {
	// Name is the stable identifier used in chains, signals and logs.
	Name() string
	// CanHandle is a cheap applicability check. No network calls.
	CanHandle(req Request) bool
	// GetTranscript attempts to produce a transcript. A non-nil error means
	// the provider blew up rather than reporting a Failure; callers treat
	// both as failed attempts.
	GetTranscript(ctx context.Context, req Request) (Result, error)
}

// Request is the in-flight transcription request. The orchestrator mutates
// URL when a provider returns a redirect hint.
type Request struct {
	JobID     string
	URL       string
	Language  string
	AllowPaid bool

	// StartTime and Duration select a window of the source in seconds.
	// Duration == 0 means the whole source.
	StartTime float64
	Duration  float64
}

// Windowed reports whether the request targets a slice of the source.
func (r Request) Windowed() bool { return r.Duration > 0 }

// Result is either a success carrying a non-empty transcript or a failure
// carrying an error message.
type Result struct {
	OK         bool
	Transcript string
	Provider   string
	Err        string
	Meta       map[string]any
}

// Success builds a successful Result.
func Success(provider, transcript string, meta map[string]any) Result {
	return Result{OK: true, Provider: provider, Transcript: transcript, Meta: meta}
}

// Failure builds a failed Result.
func Failure(provider string, err error, meta map[string]any) Result {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Result{Provider: provider, Err: msg, Meta: meta}
}

// Redirect builds a failed Result carrying a nextUrl hint.
func Redirect(provider, nextURL, reason string) Result {
	return Result{
		Provider: provider,
		Err:      reason,
		Meta:     map[string]any{MetaNextURL: nextURL},
	}
}

// NextURL returns the redirect hint, if any.
func (r Result) NextURL() string {
	if r.OK || r.Meta == nil {
		return ""
	}
	s, _ := r.Meta[MetaNextURL].(string)
	return s
}

// Error returns the failure as an error value, nil on success.
func (r Result) Error() error {
	if r.OK {
		return nil
	}
	return errors.New(r.Err)
}

// Attempt records one provider tried during a chain walk.
type Attempt struct {
	Provider   string `json:"provider"`
	URL        string `json:"url"`
	Applicable bool   `json:"applicable"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}
