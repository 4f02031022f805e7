package transcribe

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type rssFeed struct {
	Channel struct {
		Title string    `xml:"title"`
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title     string `xml:"title"`
	GUID      string `xml:"guid"`
	Enclosure struct {
		URL  string `xml:"url,attr"`
		Type string `xml:"type,attr"`
	} `xml:"enclosure"`
	Transcripts []feedTranscriptRef `xml:"transcript"`
}

// feedTranscriptRef is a <podcast:transcript> element.
type feedTranscriptRef struct {
	URL      string `xml:"url,attr"`
	Type     string `xml:"type,attr"`
	Language string `xml:"language,attr"`
}

// transcriptTypeRank orders podcast:transcript MIME types by preference.
var transcriptTypeRank = map[string]int{
	"text/plain":           0,
	"text/vtt":             1,
	"application/x-subrip": 2,
	"application/srt":      2,
	"application/json":     3,
	"text/html":            4,
}

func parseFeed(data []byte) (*rssFeed, error) {
	var f rssFeed
	if err := xml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	if len(f.Channel.Items) == 0 {
		return nil, errors.New("feed has no episodes")
	}
	return &f, nil
}

// ── podcast:transcript ──

// FeedTranscript returns the publisher transcript linked from the newest
// feed episode via <podcast:transcript>.
type FeedTranscript struct {
	client *http.Client
}

// NewFeedTranscript creates the feed transcript provider.
func NewFeedTranscript(timeout time.Duration) *FeedTranscript {
	return &FeedTranscript{client: &http.Client{Timeout: timeout}}
}

func (f *FeedTranscript) Name() string { return "feed_transcript" }

func (f *FeedTranscript) CanHandle(req Request) bool { return IsFeedURL(req.URL) }

func (f *FeedTranscript) GetTranscript(ctx context.Context, req Request) (Result, error) {
	raw, err := fetch(ctx, f.client, "feed", req.URL, nil)
	if err != nil {
		return Failure(f.Name(), err, nil), nil
	}
	feed, err := parseFeed(raw.Body)
	if err != nil {
		return Failure(f.Name(), err, nil), nil
	}

	item := feed.Channel.Items[0]
	ref, ok := pickTranscriptRef(item.Transcripts, req.Language)
	if !ok {
		return Failure(f.Name(), errors.New("episode publishes no transcript"), nil), nil
	}

	doc, err := fetch(ctx, f.client, "feed", ref.URL, nil)
	if err != nil {
		return Failure(f.Name(), err, nil), nil
	}
	text, err := transcriptDocText(doc.Body, ref.Type, req)
	if err != nil {
		return Failure(f.Name(), err, nil), nil
	}
	if text == "" {
		return Failure(f.Name(), errors.New("published transcript is empty"), nil), nil
	}
	return Success(f.Name(), text, map[string]any{
		"episode": item.Title,
		"format":  ref.Type,
	}), nil
}

func pickTranscriptRef(refs []feedTranscriptRef, lang string) (feedTranscriptRef, bool) {
	best, bestRank := feedTranscriptRef{}, -1
	for _, r := range refs {
		rank, known := transcriptTypeRank[strings.ToLower(r.Type)]
		if !known || r.URL == "" {
			continue
		}
		if lang != "" && r.Language != "" && !strings.HasPrefix(r.Language, lang) {
			rank += 10
		}
		if bestRank < 0 || rank < bestRank {
			best, bestRank = r, rank
		}
	}
	return best, bestRank >= 0
}

var (
	cueTimingRe = regexp.MustCompile(`^(\d{1,2}:)?\d{1,2}:\d{2}[.,]\d{3}\s+-->\s+(\d{1,2}:)?\d{1,2}:\d{2}[.,]\d{3}`)
	htmlTagRe   = regexp.MustCompile(`<[^>]+>`)
)

// transcriptDocText normalizes a published transcript to plain text. Only
// timed formats can honor a window.
func transcriptDocText(data []byte, mimeType string, req Request) (string, error) {
	switch strings.ToLower(mimeType) {
	case "text/vtt", "application/x-subrip", "application/srt":
		cues := ParseCaptionFile(string(data))
		if req.Windowed() {
			cues = windowCues(cues, req.StartTime, req.Duration)
		}
		return joinCues(cues), nil
	case "application/json":
		var doc struct {
			Segments []struct {
				StartTime float64 `json:"startTime"`
				EndTime   float64 `json:"endTime"`
				Body      string  `json:"body"`
			} `json:"segments"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return "", fmt.Errorf("decode json transcript: %w", err)
		}
		cues := make([]Cue, len(doc.Segments))
		for i, s := range doc.Segments {
			cues[i] = Cue{Start: s.StartTime, Dur: s.EndTime - s.StartTime, Text: cleanCueText(s.Body)}
		}
		if req.Windowed() {
			cues = windowCues(cues, req.StartTime, req.Duration)
		}
		return joinCues(cues), nil
	}
	if req.Windowed() {
		return "", fmt.Errorf("untimed %s transcript cannot be windowed", mimeType)
	}
	text := string(data)
	if strings.HasPrefix(strings.ToLower(mimeType), "text/html") {
		text = htmlTagRe.ReplaceAllString(text, " ")
	}
	return cleanCueText(text), nil
}

// ParseCaptionFile parses WebVTT or SRT into cues.
func ParseCaptionFile(s string) []Cue {
	var (
		cues []Cue
		cur  *Cue
		text []string
	)
	flush := func() {
		if cur != nil {
			cur.Text = cleanCueText(htmlTagRe.ReplaceAllString(strings.Join(text, " "), ""))
			cues = append(cues, *cur)
		}
		cur, text = nil, nil
	}
	for _, line := range strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case cueTimingRe.MatchString(line):
			flush()
			from, to, _ := strings.Cut(line, "-->")
			start := parseCueClock(strings.TrimSpace(from))
			end := parseCueClock(strings.Fields(strings.TrimSpace(to))[0])
			cur = &Cue{Start: start, Dur: end - start}
		case cur != nil:
			text = append(text, line)
		}
	}
	flush()
	return cues
}

// parseCueClock parses [hh:]mm:ss.mmm (or , as the decimal separator).
func parseCueClock(s string) float64 {
	s = strings.ReplaceAll(s, ",", ".")
	parts := strings.Split(s, ":")
	var total float64
	for _, p := range parts {
		v, _ := strconv.ParseFloat(p, 64)
		total = total*60 + v
	}
	return total
}

// ── enclosure ──

// FeedEnclosure redirects a feed URL to the newest episode's audio enclosure.
type FeedEnclosure struct {
	client *http.Client
}

// NewFeedEnclosure creates the enclosure resolver.
func NewFeedEnclosure(timeout time.Duration) *FeedEnclosure {
	return &FeedEnclosure{client: &http.Client{Timeout: timeout}}
}

func (f *FeedEnclosure) Name() string { return "feed_enclosure" }

func (f *FeedEnclosure) CanHandle(req Request) bool { return IsFeedURL(req.URL) }

func (f *FeedEnclosure) GetTranscript(ctx context.Context, req Request) (Result, error) {
	raw, err := fetch(ctx, f.client, "feed", req.URL, nil)
	if err != nil {
		return Failure(f.Name(), err, nil), nil
	}
	feed, err := parseFeed(raw.Body)
	if err != nil {
		return Failure(f.Name(), err, nil), nil
	}
	for _, item := range feed.Channel.Items {
		if item.Enclosure.URL != "" {
			return Redirect(f.Name(), item.Enclosure.URL, "resolved feed to episode enclosure"), nil
		}
	}
	return Failure(f.Name(), errors.New("feed has no audio enclosure"), nil), nil
}
