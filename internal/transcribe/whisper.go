package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// WhisperClient calls a self-hosted OpenAI-compatible
// /v1/audio/transcriptions endpoint (speaches, faster-whisper-server, ...).
type WhisperClient struct {
	url    string
	model  string
	client *http.Client
}

type whisperResponse struct {
	Text     string        `json:"text"`
	Language string        `json:"language"`
	Duration float64       `json:"duration"`
	Words    []whisperWord `json:"words"`
}

type whisperWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// NewWhisperClient creates a new Whisper HTTP client.
func NewWhisperClient(url, model string, timeout time.Duration) *WhisperClient {
	return &WhisperClient{
		url:    url,
		model:  model,
		client: &http.Client{Timeout: timeout},
	}
}

func (wc *WhisperClient) Name() string  { return "whisper" }
func (wc *WhisperClient) Model() string { return wc.model }

// Transcribe sends an audio file to the Whisper API. Only non-default
// parameters are sent so this works with any OpenAI-compatible server.
func (wc *WhisperClient) Transcribe(ctx context.Context, audioPath string, opts TranscribeOpts) (*Response, error) {
	lang := opts.Language
	if lang == "" {
		lang = "en"
	}
	fields := []formField{
		{"language", lang},
		{"temperature", fmt.Sprintf("%.2f", opts.Temperature)},
		{"response_format", "verbose_json"},
		{"timestamp_granularities[]", "word"},
	}
	if wc.model != "" {
		fields = append(fields, formField{"model", wc.model})
	}
	if opts.Prompt != "" {
		fields = append(fields, formField{"prompt", opts.Prompt})
	}
	if opts.Hotwords != "" {
		fields = append(fields, formField{"hotwords", opts.Hotwords})
	}
	if opts.BeamSize > 0 {
		fields = append(fields, formField{"beam_size", strconv.Itoa(opts.BeamSize)})
	}
	if opts.VadFilter {
		fields = append(fields, formField{"vad_filter", "true"})
	}

	body, err := multipartUpload(ctx, wc.client, "whisper", wc.url, "file", audioPath, fields, nil)
	if err != nil {
		return nil, err
	}

	var result whisperResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	words := make([]Word, len(result.Words))
	for i, w := range result.Words {
		words[i] = Word{Word: w.Word, Start: w.Start, End: w.End}
	}
	return &Response{
		Text:     result.Text,
		Language: result.Language,
		Duration: result.Duration,
		Words:    words,
	}, nil
}
