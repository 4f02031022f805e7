package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// PageAudio scans an HTML page for an embedded audio source (og:audio,
// <audio>, <source>) or an advertised RSS feed and redirects to it.
type PageAudio struct {
	client *http.Client
}

// NewPageAudio creates the page audio discovery provider.
func NewPageAudio(timeout time.Duration) *PageAudio {
	return &PageAudio{client: &http.Client{Timeout: timeout}}
}

func (p *PageAudio) Name() string { return "page_audio" }

func (p *PageAudio) CanHandle(req Request) bool {
	return req.URL != "" && !IsVideoPlatform(req.URL) && !IsFeedURL(req.URL) && !IsDirectMedia(req.URL)
}

func (p *PageAudio) GetTranscript(ctx context.Context, req Request) (Result, error) {
	ct, err := probeContentType(ctx, p.client, req.URL)
	if err != nil {
		return Failure(p.Name(), err, nil), nil
	}
	if isAudioType(ct) {
		return Failure(p.Name(), errors.New("source is already a media stream"), nil), nil
	}
	if !isHTMLType(ct) {
		return Failure(p.Name(), fmt.Errorf("unsupported content type %q", ct), nil), nil
	}

	page, err := fetch(ctx, p.client, "page", req.URL, nil)
	if err != nil {
		return Failure(p.Name(), err, nil), nil
	}
	found := FindPageMedia(page.Body)
	base, _ := url.Parse(page.FinalURL)

	for _, ref := range found.Audio {
		if next := absoluteURL(base, ref); next != "" && next != req.URL {
			return Redirect(p.Name(), next, "found embedded audio"), nil
		}
	}
	for _, ref := range found.Feeds {
		if next := absoluteURL(base, ref); next != "" && next != req.URL {
			return Redirect(p.Name(), next, "found advertised feed"), nil
		}
	}
	return Failure(p.Name(), errors.New("no audio found on page"), nil), nil
}

// PageMedia lists candidate media references found in an HTML document, in
// document-priority order.
type PageMedia struct {
	Audio []string
	Feeds []string
}

// FindPageMedia walks the HTML tree collecting og:audio metadata, audio and
// source elements, and RSS alternate links.
func FindPageMedia(doc []byte) PageMedia {
	root, err := html.Parse(bytes.NewReader(doc))
	if err != nil {
		return PageMedia{}
	}

	var og, tags, feeds []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "meta":
				prop := attr(n, "property")
				if prop == "" {
					prop = attr(n, "name")
				}
				switch prop {
				case "og:audio", "og:audio:url", "og:audio:secure_url", "twitter:player:stream":
					if c := attr(n, "content"); c != "" {
						og = append(og, c)
					}
				}
			case "audio", "source":
				if src := attr(n, "src"); src != "" {
					if n.Data == "source" && !isAudioish(attr(n, "type"), src) {
						break
					}
					tags = append(tags, src)
				}
			case "link":
				if strings.EqualFold(attr(n, "rel"), "alternate") {
					t := strings.ToLower(attr(n, "type"))
					if t == "application/rss+xml" || t == "application/atom+xml" {
						if href := attr(n, "href"); href != "" {
							feeds = append(feeds, href)
						}
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	return PageMedia{Audio: append(og, tags...), Feeds: feeds}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func isAudioish(mimeType, src string) bool {
	if strings.HasPrefix(mimeType, "audio/") {
		return true
	}
	return mimeType == "" && IsDirectMedia(src)
}

func absoluteURL(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}
