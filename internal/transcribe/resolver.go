package transcribe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/snarg/scribe-engine/internal/media"
)

// MediaResolver turns a video platform page into a direct audio stream URL
// with yt-dlp. It never transcribes; it always answers with a redirect so the
// walk restarts on the audio chain.
type MediaResolver struct {
	tools *media.Toolkit
}

// NewMediaResolver creates the resolver provider.
func NewMediaResolver(tools *media.Toolkit) *MediaResolver {
	return &MediaResolver{tools: tools}
}

func (m *MediaResolver) Name() string { return "media_resolver" }

func (m *MediaResolver) CanHandle(req Request) bool {
	return IsVideoPlatform(req.URL)
}

func (m *MediaResolver) GetTranscript(ctx context.Context, req Request) (Result, error) {
	audioURL, err := m.tools.ResolveAudioURL(ctx, req.URL)
	if err != nil {
		return Failure(m.Name(), fmt.Errorf("resolve audio: %w", err), nil), nil
	}
	return Redirect(m.Name(), audioURL, "resolved to direct audio stream"), nil
}

// SourceResolver turns any accepted source URL into something a URL-based
// ASR service can fetch directly: video pages go through yt-dlp and feeds
// resolve to their newest enclosure.
type SourceResolver struct {
	tools  *media.Toolkit
	client *http.Client
}

// NewSourceResolver creates a resolver sharing the toolkit's HTTP client.
func NewSourceResolver(tools *media.Toolkit) *SourceResolver {
	return &SourceResolver{tools: tools, client: tools.Client}
}

// Resolve returns a direct media URL for rawURL.
func (r *SourceResolver) Resolve(ctx context.Context, rawURL string) (string, error) {
	switch {
	case IsVideoPlatform(rawURL):
		return r.tools.ResolveAudioURL(ctx, rawURL)
	case IsFeedURL(rawURL):
		raw, err := fetch(ctx, r.client, "feed", rawURL, nil)
		if err != nil {
			return "", err
		}
		feed, err := parseFeed(raw.Body)
		if err != nil {
			return "", err
		}
		for _, item := range feed.Channel.Items {
			if item.Enclosure.URL != "" {
				return item.Enclosure.URL, nil
			}
		}
		return "", errors.New("feed has no audio enclosure")
	}
	return rawURL, nil
}
