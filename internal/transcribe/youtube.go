package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const youTubeWatchURL = "https://www.youtube.com/watch?v="

// YouTubeCaptions reads the caption tracks published on a YouTube watch page.
// Manually authored tracks are preferred over auto-generated ones.
type YouTubeCaptions struct {
	watchURL string
	client   *http.Client
}

type captionTrack struct {
	BaseURL      string `json:"baseUrl"`
	LanguageCode string `json:"languageCode"`
	Kind         string `json:"kind"` // "asr" for auto-generated
}

// Cue is one timed caption line.
type Cue struct {
	Start float64
	Dur   float64
	Text  string
}

// NewYouTubeCaptions creates the caption provider.
func NewYouTubeCaptions(timeout time.Duration) *YouTubeCaptions {
	return &YouTubeCaptions{
		watchURL: youTubeWatchURL,
		client:   &http.Client{Timeout: timeout},
	}
}

func (y *YouTubeCaptions) Name() string { return "youtube_captions" }

func (y *YouTubeCaptions) CanHandle(req Request) bool {
	return YouTubeVideoID(req.URL) != ""
}

func (y *YouTubeCaptions) GetTranscript(ctx context.Context, req Request) (Result, error) {
	id := YouTubeVideoID(req.URL)
	page, err := fetch(ctx, y.client, "youtube", y.watchURL+id, nil)
	if err != nil {
		return Failure(y.Name(), err, nil), nil
	}

	tracks, err := parseCaptionTracks(page.Body)
	if err != nil {
		return Failure(y.Name(), err, nil), nil
	}
	track := pickTrack(tracks, req.Language)

	raw, err := fetch(ctx, y.client, "youtube", track.BaseURL, nil)
	if err != nil {
		return Failure(y.Name(), err, nil), nil
	}
	cues, err := ParseTimedText(raw.Body)
	if err != nil {
		return Failure(y.Name(), err, nil), nil
	}
	if req.Windowed() {
		cues = windowCues(cues, req.StartTime, req.Duration)
	}

	text := joinCues(cues)
	if text == "" {
		return Failure(y.Name(), errors.New("caption track is empty"), nil), nil
	}
	return Success(y.Name(), text, map[string]any{
		"language": track.LanguageCode,
		"auto":     track.Kind == "asr",
		"cues":     len(cues),
	}), nil
}

// parseCaptionTracks extracts the captionTracks array embedded in the watch
// page's player response.
func parseCaptionTracks(page []byte) ([]captionTrack, error) {
	const marker = `"captionTracks":`
	i := bytes.Index(page, []byte(marker))
	if i < 0 {
		if bytes.Contains(page, []byte(`"playabilityStatus":{"status":"LOGIN_REQUIRED"`)) {
			return nil, errors.New("video requires sign-in")
		}
		return nil, errors.New("no captions available for this video")
	}
	var tracks []captionTrack
	dec := json.NewDecoder(bytes.NewReader(page[i+len(marker):]))
	if err := dec.Decode(&tracks); err != nil {
		return nil, fmt.Errorf("decode caption tracks: %w", err)
	}
	if len(tracks) == 0 {
		return nil, errors.New("no captions available for this video")
	}
	return tracks, nil
}

// pickTrack prefers, in order: manual in lang, auto in lang, first manual,
// first track.
func pickTrack(tracks []captionTrack, lang string) captionTrack {
	if lang == "" {
		lang = "en"
	}
	matches := func(t captionTrack) bool {
		return t.LanguageCode == lang || strings.HasPrefix(t.LanguageCode, lang+"-")
	}
	for _, t := range tracks {
		if matches(t) && t.Kind != "asr" {
			return t
		}
	}
	for _, t := range tracks {
		if matches(t) {
			return t
		}
	}
	for _, t := range tracks {
		if t.Kind != "asr" {
			return t
		}
	}
	return tracks[0]
}

// ParseTimedText parses YouTube timedtext in either the legacy
// <transcript><text start dur> shape or the format-3 <timedtext><body><p t d>
// shape (milliseconds).
func ParseTimedText(data []byte) ([]Cue, error) {
	var legacy struct {
		XMLName xml.Name `xml:"transcript"`
		Texts   []struct {
			Start string `xml:"start,attr"`
			Dur   string `xml:"dur,attr"`
			Text  string `xml:",chardata"`
		} `xml:"text"`
	}
	if err := xml.Unmarshal(data, &legacy); err == nil {
		cues := make([]Cue, 0, len(legacy.Texts))
		for _, t := range legacy.Texts {
			start, _ := strconv.ParseFloat(t.Start, 64)
			dur, _ := strconv.ParseFloat(t.Dur, 64)
			cues = append(cues, Cue{Start: start, Dur: dur, Text: cleanCueText(t.Text)})
		}
		return cues, nil
	}

	var f3 struct {
		XMLName xml.Name `xml:"timedtext"`
		Ps      []struct {
			T     int    `xml:"t,attr"`
			D     int    `xml:"d,attr"`
			Text  string `xml:",chardata"`
			Spans []struct {
				Text string `xml:",chardata"`
			} `xml:"s"`
		} `xml:"body>p"`
	}
	if err := xml.Unmarshal(data, &f3); err != nil {
		return nil, fmt.Errorf("parse timedtext: %w", err)
	}
	cues := make([]Cue, 0, len(f3.Ps))
	for _, p := range f3.Ps {
		text := p.Text
		for _, s := range p.Spans {
			text += s.Text
		}
		cues = append(cues, Cue{
			Start: float64(p.T) / 1000,
			Dur:   float64(p.D) / 1000,
			Text:  cleanCueText(text),
		})
	}
	return cues, nil
}

func cleanCueText(s string) string {
	s = html.UnescapeString(s)
	return strings.Join(strings.Fields(s), " ")
}

// windowCues keeps cues whose start falls inside [start, start+dur).
func windowCues(cues []Cue, start, dur float64) []Cue {
	var out []Cue
	for _, c := range cues {
		if c.Start >= start && c.Start < start+dur {
			out = append(out, c)
		}
	}
	return out
}

func joinCues(cues []Cue) string {
	parts := make([]string, 0, len(cues))
	for _, c := range cues {
		if c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, " ")
}
