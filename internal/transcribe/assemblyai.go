package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const assemblyAIBaseURL = "https://api.assemblyai.com/v2"

// AssemblyAI submits a source URL to AssemblyAI and polls for the result.
// It is the saga's primary provider for long media and honors a time window
// through audio_start_from / audio_end_at.
type AssemblyAI struct {
	apiKey       string
	baseURL      string
	pollInterval time.Duration
	maxPolls     int
	resolver     *SourceResolver
	client       *http.Client
	log          zerolog.Logger
}

type assemblyAISubmit struct {
	AudioURL       string `json:"audio_url"`
	LanguageCode   string `json:"language_code,omitempty"`
	AudioStartFrom int64  `json:"audio_start_from,omitempty"`
	AudioEndAt     int64  `json:"audio_end_at,omitempty"`
	Punctuate      bool   `json:"punctuate"`
	FormatText     bool   `json:"format_text"`
}

type assemblyAITranscript struct {
	ID            string  `json:"id"`
	Status        string  `json:"status"` // queued, processing, completed, error
	Text          string  `json:"text"`
	Error         string  `json:"error"`
	AudioDuration float64 `json:"audio_duration"`
	LanguageCode  string  `json:"language_code"`
}

// NewAssemblyAI creates the AssemblyAI provider.
func NewAssemblyAI(apiKey string, pollInterval time.Duration, maxPolls int, resolver *SourceResolver, timeout time.Duration, log zerolog.Logger) *AssemblyAI {
	return &AssemblyAI{
		apiKey:       apiKey,
		baseURL:      assemblyAIBaseURL,
		pollInterval: pollInterval,
		maxPolls:     maxPolls,
		resolver:     resolver,
		client:       &http.Client{Timeout: timeout},
		log:          log.With().Str("provider", "assemblyai").Logger(),
	}
}

func (a *AssemblyAI) Name() string { return "assemblyai" }

func (a *AssemblyAI) CanHandle(req Request) bool {
	return strings.HasPrefix(req.URL, "http://") || strings.HasPrefix(req.URL, "https://")
}

func (a *AssemblyAI) GetTranscript(ctx context.Context, req Request) (Result, error) {
	audioURL, err := a.resolver.Resolve(ctx, req.URL)
	if err != nil {
		return Failure(a.Name(), fmt.Errorf("resolve source: %w", err), nil), nil
	}

	sub := assemblyAISubmit{
		AudioURL:     audioURL,
		LanguageCode: req.Language,
		Punctuate:    true,
		FormatText:   true,
	}
	if req.Windowed() {
		sub.AudioStartFrom = int64(req.StartTime * 1000)
		sub.AudioEndAt = int64((req.StartTime + req.Duration) * 1000)
	}

	job, err := a.submit(ctx, sub)
	if err != nil {
		return Failure(a.Name(), err, nil), nil
	}
	a.log.Debug().Str("job_id", req.JobID).Str("transcript_id", job.ID).Msg("submitted")

	for i := 0; i < a.maxPolls; i++ {
		select {
		case <-ctx.Done():
			return Failure(a.Name(), ctx.Err(), nil), nil
		case <-time.After(a.pollInterval):
		}

		job, err = a.get(ctx, job.ID)
		if err != nil {
			return Failure(a.Name(), err, nil), nil
		}
		switch job.Status {
		case "completed":
			text := strings.TrimSpace(job.Text)
			if text == "" {
				return Failure(a.Name(), errors.New("assemblyai returned an empty transcript"), nil), nil
			}
			return Success(a.Name(), text, map[string]any{
				"transcript_id": job.ID,
				"duration":      job.AudioDuration,
				"language":      job.LanguageCode,
			}), nil
		case "error":
			return Failure(a.Name(), fmt.Errorf("assemblyai: %s", job.Error), nil), nil
		}
	}
	return Failure(a.Name(), fmt.Errorf("assemblyai transcript %s not ready after %d polls", job.ID, a.maxPolls), nil), nil
}

func (a *AssemblyAI) submit(ctx context.Context, sub assemblyAISubmit) (*assemblyAITranscript, error) {
	payload, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/transcript", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(req)
}

func (a *AssemblyAI) get(ctx context.Context, id string) (*assemblyAITranscript, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/transcript/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return a.do(req)
}

func (a *AssemblyAI) do(req *http.Request) (*assemblyAITranscript, error) {
	req.Header.Set("Authorization", a.apiKey)
	body, err := doRequest(a.client, "assemblyai", req)
	if err != nil {
		return nil, err
	}
	var t assemblyAITranscript
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if t.ID == "" {
		return nil, errors.New("assemblyai response missing transcript id")
	}
	return &t, nil
}
