package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const deepInfraBaseURL = "https://api.deepinfra.com/v1/inference/"

// DeepInfraClient is a Backend for Whisper models hosted on DeepInfra.
type DeepInfraClient struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

type deepInfraReply struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Words    []struct {
		Text  string  `json:"text"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"words"`
	Segments []deepInfraSegment `json:"segments"`
}

type deepInfraSegment struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

func NewDeepInfraClient(apiKey, model string, timeout time.Duration) *DeepInfraClient {
	return &DeepInfraClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: deepInfraBaseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (di *DeepInfraClient) Name() string  { return "deepinfra" }
func (di *DeepInfraClient) Model() string { return di.model }

// Transcribe uploads audioPath under the "audio" form field. Some models
// return only segments; their text is joined when the top-level text is empty.
func (di *DeepInfraClient) Transcribe(ctx context.Context, audioPath string, opts TranscribeOpts) (*Response, error) {
	var fields []formField
	if opts.Language != "" {
		fields = append(fields, formField{"language", opts.Language})
	}
	if opts.Prompt != "" {
		fields = append(fields, formField{"initial_prompt", opts.Prompt})
	}
	header := http.Header{"Authorization": {"Bearer " + di.apiKey}}

	body, err := multipartUpload(ctx, di.client, "deepinfra", di.baseURL+di.model, "audio", audioPath, fields, header)
	if err != nil {
		return nil, err
	}

	var reply deepInfraReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("decode deepinfra reply: %w", err)
	}

	text := strings.TrimSpace(reply.Text)
	if text == "" {
		text = segmentText(reply.Segments)
	}
	words := make([]Word, 0, len(reply.Words))
	for _, w := range reply.Words {
		words = append(words, Word{Word: w.Text, Start: w.Start, End: w.End})
	}
	return &Response{
		Text:     text,
		Language: reply.Language,
		Duration: reply.Duration,
		Words:    words,
	}, nil
}

func segmentText(segments []deepInfraSegment) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		if t := strings.TrimSpace(seg.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}
