// Package media wraps the external tools (yt-dlp, ffprobe, ffmpeg, sox) and
// the HTTP download used by transcription providers and the saga's duration
// probe.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"time"
)

// ErrUnknownDuration is returned when no tool could report a duration.
var ErrUnknownDuration = errors.New("media duration unknown")

// RunFunc executes an external command and returns its stdout.
type RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRun is the production RunFunc. Stderr is folded into the error.
func ExecRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 500 {
			msg = msg[len(msg)-500:]
		}
		return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
	}
	return out, nil
}

// Toolkit bundles the tool paths and a download client.
type Toolkit struct {
	YtDlp   string
	FFmpeg  string
	FFprobe string
	Run     RunFunc
	Client  *http.Client
}

// NewToolkit returns a Toolkit using ExecRun and an HTTP client with the
// given download timeout.
func NewToolkit(ytdlp, ffmpeg, ffprobe string, timeout time.Duration) *Toolkit {
	return &Toolkit{
		YtDlp:   ytdlp,
		FFmpeg:  ffmpeg,
		FFprobe: ffprobe,
		Run:     ExecRun,
		Client:  &http.Client{Timeout: timeout},
	}
}

// ResolveAudioURL asks yt-dlp for a direct URL to the best audio stream of a
// page (video platform watch page, embedded player, ...).
func (t *Toolkit) ResolveAudioURL(ctx context.Context, pageURL string) (string, error) {
	out, err := t.Run(ctx, t.YtDlp, "--no-playlist", "--no-warnings", "-f", "bestaudio/best", "-g", pageURL)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://") {
			return line, nil
		}
	}
	return "", fmt.Errorf("yt-dlp returned no media url for %s", pageURL)
}

// Duration reports the source duration in seconds. Video platform pages are
// asked through yt-dlp; everything else goes to ffprobe.
func (t *Toolkit) Duration(ctx context.Context, sourceURL string, viaYtDlp bool) (float64, error) {
	var (
		out []byte
		err error
	)
	if viaYtDlp {
		out, err = t.Run(ctx, t.YtDlp, "--no-playlist", "--no-warnings", "--skip-download", "--print", "duration", sourceURL)
	} else {
		out, err = t.Run(ctx, t.FFprobe, "-v", "error", "-show_entries", "format=duration", "-of", "default=noprint_wrappers=1:nokey=1", sourceURL)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnknownDuration, err)
	}
	return parseDuration(string(out))
}

func parseDuration(raw string) (float64, error) {
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == "NA" || line == "N/A" {
			continue
		}
		d, err := strconv.ParseFloat(line, 64)
		if err != nil {
			continue
		}
		if d > 0 {
			return d, nil
		}
	}
	return 0, ErrUnknownDuration
}

// Download fetches a URL into a temp file. The caller must invoke cleanup.
func (t *Toolkit) Download(ctx context.Context, sourceURL string) (string, func(), error) {
	noop := func() {}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", noop, fmt.Errorf("create request: %w", err)
	}
	resp, err := t.Client.Do(req)
	if err != nil {
		return "", noop, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", noop, fmt.Errorf("download failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "text/html") {
		return "", noop, fmt.Errorf("unsupported content type %q: expected audio or video", ct)
	}

	ext := path.Ext(req.URL.Path)
	if len(ext) > 6 {
		ext = ""
	}
	f, err := os.CreateTemp("", "scribe-src-*"+ext)
	if err != nil {
		return "", noop, fmt.Errorf("create temp: %w", err)
	}
	tmpPath := f.Name()
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", noop, fmt.Errorf("write download: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", noop, fmt.Errorf("close download: %w", err)
	}
	return tmpPath, func() { os.Remove(tmpPath) }, nil
}

// Slice cuts [start, start+duration) out of a local file as 16kHz mono MP3.
func (t *Toolkit) Slice(ctx context.Context, inputPath string, start, duration float64) (string, func(), error) {
	noop := func() {}

	f, err := os.CreateTemp("", "scribe-chunk-*.mp3")
	if err != nil {
		return "", noop, fmt.Errorf("create temp: %w", err)
	}
	outPath := f.Name()
	f.Close()

	_, err = t.Run(ctx, t.FFmpeg,
		"-y", "-v", "error",
		"-ss", strconv.FormatFloat(start, 'f', 3, 64),
		"-t", strconv.FormatFloat(duration, 'f', 3, 64),
		"-i", inputPath,
		"-vn", "-ac", "1", "-ar", "16000",
		outPath,
	)
	if err != nil {
		os.Remove(outPath)
		return "", noop, fmt.Errorf("slice %.0fs+%.0fs: %w", start, duration, err)
	}
	return outPath, func() { os.Remove(outPath) }, nil
}
