// Package saga runs one transcription job end to end: duration probe, single
// or chunked dispatch to provider workers, fallback to the orchestrator,
// stitching and finalization.
package saga

// Event names on the workflow bus.
const (
	EventRequested = "transcription/requested"
	EventFinalized = "transcription/finalized"
	EventStart     = "provider/start"
	EventSucceeded = "provider/succeeded"
	EventFailed    = "provider/failed"
)

// RequestedPayload starts a job.
type RequestedPayload struct {
	JobID              string         `json:"jobId"`
	SourceURL          string         `json:"sourceUrl"`
	LanguageHint       string         `json:"languageHint,omitempty"`
	AllowPaidProviders bool           `json:"allowPaidProviders"`
	GenerationMode     string         `json:"generationMode,omitempty"`
	VoiceParams        map[string]any `json:"voiceParams,omitempty"`
}

// StartPayload asks a provider worker to transcribe a source or a window of it.
// StartTime and Duration are set only for chunks.
type StartPayload struct {
	JobID        string   `json:"jobId"`
	SourceURL    string   `json:"sourceUrl"`
	ProviderName string   `json:"providerName"`
	LanguageHint string   `json:"languageHint,omitempty"`
	StartTime    *float64 `json:"startTimeSeconds,omitempty"`
	Duration     *float64 `json:"durationSeconds,omitempty"`
}

// SucceededPayload carries a non-empty transcript back to the coordinator.
type SucceededPayload struct {
	JobID        string         `json:"jobId"`
	Transcript   string         `json:"transcript"`
	ProviderName string         `json:"providerName"`
	Meta         map[string]any `json:"meta,omitempty"`
	StartTime    *float64       `json:"startTimeSeconds,omitempty"`
}

// FailedPayload reports a provider failure.
type FailedPayload struct {
	JobID        string         `json:"jobId"`
	ProviderName string         `json:"providerName"`
	ErrorType    ErrorType      `json:"errorType"`
	ErrorMessage string         `json:"errorMessage"`
	Meta         map[string]any `json:"meta,omitempty"`
	StartTime    *float64       `json:"startTimeSeconds,omitempty"`
}

// Finalization statuses.
const (
	FinalSucceeded = "succeeded"
	FinalFailed    = "failed"
)

// FinalizedPayload is the only caller-visible outcome of a job.
type FinalizedPayload struct {
	JobID    string `json:"jobId"`
	Status   string `json:"status"`
	Provider string `json:"provider,omitempty"`
}
