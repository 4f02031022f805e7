package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const deepgramListenURL = "https://api.deepgram.com/v1/listen"

// Deepgram submits a source URL to Deepgram's prerecorded API. It cannot
// target a window of the source.
type Deepgram struct {
	apiKey   string
	model    string
	endpoint string
	resolver *SourceResolver
	client   *http.Client
}

type deepgramResponse struct {
	Metadata struct {
		Duration float64 `json:"duration"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			DetectedLanguage string `json:"detected_language"`
			Alternatives     []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// NewDeepgram creates the Deepgram provider.
func NewDeepgram(apiKey, model string, resolver *SourceResolver, timeout time.Duration) *Deepgram {
	return &Deepgram{
		apiKey:   apiKey,
		model:    model,
		endpoint: deepgramListenURL,
		resolver: resolver,
		client:   &http.Client{Timeout: timeout},
	}
}

func (d *Deepgram) Name() string { return "deepgram" }

func (d *Deepgram) CanHandle(req Request) bool {
	return !req.Windowed() && (strings.HasPrefix(req.URL, "http://") || strings.HasPrefix(req.URL, "https://"))
}

func (d *Deepgram) GetTranscript(ctx context.Context, req Request) (Result, error) {
	audioURL, err := d.resolver.Resolve(ctx, req.URL)
	if err != nil {
		return Failure(d.Name(), fmt.Errorf("resolve source: %w", err), nil), nil
	}

	q := url.Values{}
	q.Set("model", d.model)
	q.Set("smart_format", "true")
	q.Set("punctuate", "true")
	if req.Language != "" {
		q.Set("language", req.Language)
	} else {
		q.Set("detect_language", "true")
	}

	payload, _ := json.Marshal(map[string]string{"url": audioURL})
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"?"+q.Encode(), bytes.NewReader(payload))
	if err != nil {
		return Failure(d.Name(), fmt.Errorf("create request: %w", err), nil), nil
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Authorization", "Token "+d.apiKey)

	body, err := doRequest(d.client, "deepgram", hreq)
	if err != nil {
		return Failure(d.Name(), err, nil), nil
	}

	var resp deepgramResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Failure(d.Name(), fmt.Errorf("decode response: %w", err), nil), nil
	}
	if len(resp.Results.Channels) == 0 || len(resp.Results.Channels[0].Alternatives) == 0 {
		return Failure(d.Name(), errors.New("deepgram returned no alternatives"), nil), nil
	}
	ch := resp.Results.Channels[0]
	text := strings.TrimSpace(ch.Alternatives[0].Transcript)
	if text == "" {
		return Failure(d.Name(), errors.New("deepgram returned an empty transcript"), nil), nil
	}
	return Success(d.Name(), text, map[string]any{
		"model":      d.model,
		"duration":   resp.Metadata.Duration,
		"language":   ch.DetectedLanguage,
		"confidence": ch.Alternatives[0].Confidence,
	}), nil
}
