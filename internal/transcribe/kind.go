package transcribe

import (
	"net/url"
	"path"
	"strings"
)

// SourceKind classifies a source URL for chain selection.
type SourceKind string

const (
	KindVideo   SourceKind = "video"
	KindPodcast SourceKind = "podcast"
	KindUnknown SourceKind = "unknown"
)

var videoHosts = []string{
	"youtube.com",
	"youtu.be",
	"youtube-nocookie.com",
	"vimeo.com",
	"dailymotion.com",
	"twitch.tv",
}

var podcastHosts = []string{
	"anchor.fm",
	"podcasters.spotify.com",
	"podcasts.apple.com",
	"podbean.com",
	"libsyn.com",
	"buzzsprout.com",
	"simplecast.com",
	"megaphone.fm",
	"transistor.fm",
	"captivate.fm",
	"podcastaddict.com",
}

var mediaExts = map[string]bool{
	".mp3": true, ".m4a": true, ".aac": true, ".wav": true, ".ogg": true,
	".oga": true, ".opus": true, ".flac": true, ".mp4": true, ".m4v": true,
	".webm": true, ".mov": true, ".mkv": true,
}

// Classify derives the source kind from the URL alone.
func Classify(rawURL string) SourceKind {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return KindUnknown
	}
	if isVideoHost(u.Hostname()) {
		return KindVideo
	}
	if isFeed(u) || isPodcastHost(u.Hostname()) || isMedia(u) {
		return KindPodcast
	}
	return KindUnknown
}

// IsVideoPlatform reports whether the URL points at a video platform page.
func IsVideoPlatform(rawURL string) bool {
	u, err := url.Parse(rawURL)
	return err == nil && isVideoHost(u.Hostname())
}

// IsFeedURL reports whether the URL looks like an RSS/Atom feed.
func IsFeedURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	return err == nil && isFeed(u)
}

// IsDirectMedia reports whether the URL path ends in a known media extension.
func IsDirectMedia(rawURL string) bool {
	u, err := url.Parse(rawURL)
	return err == nil && isMedia(u)
}

// YouTubeVideoID extracts the video id from the common YouTube URL shapes.
func YouTubeVideoID(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")
	switch {
	case host == "youtu.be":
		return strings.Trim(u.Path, "/")
	case strings.HasSuffix(host, "youtube.com") || strings.HasSuffix(host, "youtube-nocookie.com"):
		if v := u.Query().Get("v"); v != "" {
			return v
		}
		for _, prefix := range []string{"/embed/", "/shorts/", "/live/", "/v/"} {
			if strings.HasPrefix(u.Path, prefix) {
				id, _, _ := strings.Cut(strings.TrimPrefix(u.Path, prefix), "/")
				return id
			}
		}
	}
	return ""
}

func isVideoHost(host string) bool {
	return hostMatches(host, videoHosts)
}

func isPodcastHost(host string) bool {
	return hostMatches(host, podcastHosts)
}

func hostMatches(host string, list []string) bool {
	host = strings.ToLower(host)
	for _, h := range list {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

func isFeed(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	p := strings.ToLower(u.Path)
	if strings.HasPrefix(host, "feeds.") || strings.HasPrefix(host, "feed.") || strings.HasPrefix(host, "rss.") {
		return true
	}
	switch path.Ext(p) {
	case ".rss", ".xml", ".atom":
		return true
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "feed" || seg == "rss" || seg == "podcast.xml" || seg == "feed.xml" {
			return true
		}
	}
	return u.Query().Get("format") == "rss"
}

func isMedia(u *url.URL) bool {
	return mediaExts[strings.ToLower(path.Ext(u.Path))]
}
