package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TranscriptAPI calls a hosted transcript service (Supadata-compatible) that
// returns existing captions for video platform URLs.
type TranscriptAPI struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

type transcriptAPIResponse struct {
	Content        json.RawMessage `json:"content"`
	Lang           string          `json:"lang"`
	AvailableLangs []string        `json:"availableLangs"`
}

type transcriptAPIChunk struct {
	Text     string  `json:"text"`
	Offset   float64 `json:"offset"`   // ms
	Duration float64 `json:"duration"` // ms
}

// NewTranscriptAPI creates the hosted transcript provider.
func NewTranscriptAPI(baseURL, apiKey string, timeout time.Duration) *TranscriptAPI {
	return &TranscriptAPI{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (t *TranscriptAPI) Name() string { return "transcript_api" }

func (t *TranscriptAPI) CanHandle(req Request) bool {
	return IsVideoPlatform(req.URL)
}

func (t *TranscriptAPI) GetTranscript(ctx context.Context, req Request) (Result, error) {
	q := url.Values{}
	q.Set("url", req.URL)
	q.Set("text", fmt.Sprint(!req.Windowed()))
	if req.Language != "" {
		q.Set("lang", req.Language)
	}
	header := http.Header{}
	header.Set("x-api-key", t.apiKey)

	resp, err := fetch(ctx, t.client, "transcript_api", t.baseURL+"/transcript?"+q.Encode(), header)
	if err != nil {
		return Failure(t.Name(), err, nil), nil
	}

	var body transcriptAPIResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return Failure(t.Name(), fmt.Errorf("decode response: %w", err), nil), nil
	}
	text, err := transcriptAPIText(body.Content, req)
	if err != nil {
		return Failure(t.Name(), err, nil), nil
	}
	if text == "" {
		return Failure(t.Name(), errors.New("transcript service returned no content"), nil), nil
	}
	return Success(t.Name(), text, map[string]any{"language": body.Lang}), nil
}

// transcriptAPIText accepts content as either a plain string or an array of
// timed chunks, filtering chunks to the request window when one is set.
func transcriptAPIText(content json.RawMessage, req Request) (string, error) {
	if len(content) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var chunks []transcriptAPIChunk
	if err := json.Unmarshal(content, &chunks); err != nil {
		return "", fmt.Errorf("decode content: %w", err)
	}
	cues := make([]Cue, len(chunks))
	for i, c := range chunks {
		cues[i] = Cue{Start: c.Offset / 1000, Dur: c.Duration / 1000, Text: cleanCueText(c.Text)}
	}
	if req.Windowed() {
		cues = windowCues(cues, req.StartTime, req.Duration)
	}
	return joinCues(cues), nil
}
