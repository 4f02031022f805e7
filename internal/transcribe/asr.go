package transcribe

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/media"
)

// ASRProvider adapts an upload-style Backend to the Provider interface. It
// downloads the source, cuts the requested window, optionally cleans the
// audio with sox and uploads the result.
type ASRProvider struct {
	backend    Backend
	tools      *media.Toolkit
	preprocess bool
	opts       TranscribeOpts
	log        zerolog.Logger
}

// NewASRProvider wraps backend. preprocess enables the sox filter pass.
func NewASRProvider(backend Backend, tools *media.Toolkit, preprocess bool, log zerolog.Logger) *ASRProvider {
	return &ASRProvider{
		backend:    backend,
		tools:      tools,
		preprocess: preprocess,
		log:        log.With().Str("provider", backend.Name()).Logger(),
	}
}

func (p *ASRProvider) Name() string { return p.backend.Name() }

// CanHandle accepts direct media and unrecognised URLs. Video pages and
// feeds need resolving to an audio URL first.
func (p *ASRProvider) CanHandle(req Request) bool {
	return req.URL != "" && !IsVideoPlatform(req.URL) && !IsFeedURL(req.URL)
}

func (p *ASRProvider) GetTranscript(ctx context.Context, req Request) (Result, error) {
	src, cleanup, err := p.tools.Download(ctx, req.URL)
	if err != nil {
		return Failure(p.Name(), err, nil), nil
	}
	defer cleanup()

	audio := src
	if req.Windowed() {
		sliced, cleanupSlice, err := p.tools.Slice(ctx, src, req.StartTime, req.Duration)
		if err != nil {
			return Failure(p.Name(), err, nil), nil
		}
		defer cleanupSlice()
		audio = sliced
	}

	if p.preprocess {
		cleaned, cleanupPre, err := media.Preprocess(ctx, audio)
		if err != nil {
			p.log.Warn().Err(err).Msg("sox preprocess failed, uploading raw audio")
		} else {
			defer cleanupPre()
			audio = cleaned
		}
	}

	opts := p.opts
	opts.Language = req.Language
	resp, err := p.backend.Transcribe(ctx, audio, opts)
	if err != nil {
		return Failure(p.Name(), err, nil), nil
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return Failure(p.Name(), fmt.Errorf("%s returned an empty transcript", p.Name()), nil), nil
	}
	return Success(p.Name(), text, map[string]any{
		"model":    p.backend.Model(),
		"language": resp.Language,
		"duration": resp.Duration,
		"words":    len(resp.Words),
	}), nil
}
