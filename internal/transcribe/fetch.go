package transcribe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxPageBytes caps how much of an HTML page or feed is read.
const maxPageBytes = 8 << 20

const userAgent = "Mozilla/5.0 (compatible; scribe-engine/1.0)"

type fetched struct {
	Body        []byte
	ContentType string
	FinalURL    string
}

// fetch GETs rawURL and returns up to maxPageBytes of a 2xx body.
func fetch(ctx context.Context, client *http.Client, service, rawURL string, header http.Header) (*fetched, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", service, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Service: service, Status: resp.StatusCode, Body: string(body)}
	}
	return &fetched{
		Body:        body,
		ContentType: strings.ToLower(resp.Header.Get("Content-Type")),
		FinalURL:    resp.Request.URL.String(),
	}, nil
}

// probeContentType issues a HEAD (falling back to a ranged GET) and returns
// the response content type without reading the body.
func probeContentType(ctx context.Context, client *http.Client, rawURL string) (string, error) {
	for _, method := range []string{http.MethodHead, http.MethodGet} {
		req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
		if err != nil {
			return "", fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("User-Agent", userAgent)
		if method == http.MethodGet {
			req.Header.Set("Range", "bytes=0-0")
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("probe: %w", err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusMethodNotAllowed {
			continue
		}
		if resp.StatusCode >= 400 {
			return "", &APIError{Service: "probe", Status: resp.StatusCode}
		}
		return strings.ToLower(resp.Header.Get("Content-Type")), nil
	}
	return "", fmt.Errorf("probe: no method accepted")
}

func isAudioType(ct string) bool {
	return strings.HasPrefix(ct, "audio/") || strings.HasPrefix(ct, "video/")
}

func isHTMLType(ct string) bool {
	return strings.HasPrefix(ct, "text/html") || strings.HasPrefix(ct, "application/xhtml")
}
