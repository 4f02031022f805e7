package saga

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/snarg/scribe-engine/internal/database"
	"github.com/snarg/scribe-engine/internal/transcribe"
)

// JobStore persists job records. Guarded transitions out of a terminal
// state return database.ErrJobTerminal.
type JobStore interface {
	CreateJob(ctx context.Context, j *database.Job) (bool, error)
	GetJob(ctx context.Context, jobID string) (*database.Job, error)
	MarkProcessing(ctx context.Context, jobID, path string) error
	SaveTranscript(ctx context.Context, jobID, transcript, provider string) error
	MarkCompleted(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID, errorType, message string) error
	AppendAttempts(ctx context.Context, jobID string, attempts []database.AttemptRow) error
}

// ArtifactStore holds transcript files. Save is last-write-wins per key.
type ArtifactStore interface {
	Save(ctx context.Context, key string, data []byte, contentType string) error
}

// Notifier delivers finalization signals to downstream consumers.
type Notifier interface {
	Finalized(ctx context.Context, p FinalizedPayload) error
}

// DurationProber reports a source's duration in seconds.
type DurationProber interface {
	Duration(ctx context.Context, sourceURL string, viaYtDlp bool) (float64, error)
}

// Fallback runs the full provider chain walk.
type Fallback interface {
	Run(ctx context.Context, req transcribe.Request) transcribe.Outcome
}

// ProviderLookup resolves the provider named on a start signal.
type ProviderLookup interface {
	Lookup(name string) (transcribe.Provider, bool)
}

// TranscriptKey is the artifact key of a job's final transcript.
func TranscriptKey(jobID string) string {
	return "jobs/" + jobID + "/transcript.txt"
}

// ChunkArtifactKey is the artifact key of one chunk's transcript.
func ChunkArtifactKey(jobID string, start float64) string {
	return "jobs/" + jobID + "/chunks/" + formatStart(start) + ".txt"
}

func formatStart(start float64) string {
	return strconv.FormatFloat(start, 'f', -1, 64)
}

func attemptRows(attempts []transcribe.Attempt) []database.AttemptRow {
	rows := make([]database.AttemptRow, len(attempts))
	for i, a := range attempts {
		rows[i] = database.AttemptRow{
			Provider:   a.Provider,
			URL:        a.URL,
			Applicable: a.Applicable,
			Success:    a.Success,
			Error:      a.Error,
		}
	}
	return rows
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
