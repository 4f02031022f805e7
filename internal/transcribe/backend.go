package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
)

// Backend is a speech-to-text service that transcribes a local audio file.
// Upload-style ASR providers wrap a Backend with ASRProvider.
type Backend interface {
	Name() string
	Model() string
	Transcribe(ctx context.Context, audioPath string, opts TranscribeOpts) (*Response, error)
}

// TranscribeOpts are per-request options for a Backend.
// Zero-value fields are omitted from the request.
type TranscribeOpts struct {
	Language    string
	Temperature float64
	Prompt      string // initial_prompt / domain vocabulary
	Hotwords    string // comma-separated vocabulary boost terms
	BeamSize    int    // 0 = server default
	VadFilter   bool
}

// Response is the backend-agnostic transcription response.
type Response struct {
	Text     string
	Language string
	Duration float64
	Words    []Word
}

// Word is a word with start/end timestamps in seconds.
type Word struct {
	Word  string
	Start float64
	End   float64
}

// APIError is a non-2xx reply from a provider API.
type APIError struct {
	Service string
	Status  int
	Body    string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300]
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Service, e.Status, body)
}

type formField struct {
	name  string
	value string
}

// multipartUpload posts an audio file plus form fields and returns the body
// of a 200 response.
func multipartUpload(ctx context.Context, client *http.Client, service, endpoint, fileField, audioPath string, fields []formField, header http.Header) ([]byte, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile(fileField, filepath.Base(audioPath))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("copy audio data: %w", err)
	}
	for _, fld := range fields {
		if err := w.WriteField(fld.name, fld.value); err != nil {
			return nil, fmt.Errorf("write field %s: %w", fld.name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	return doRequest(client, service, req)
}

// doRequest executes req and returns the body of a 2xx response, or an
// *APIError for anything else.
func doRequest(client *http.Client, service string, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", service, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Service: service, Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
