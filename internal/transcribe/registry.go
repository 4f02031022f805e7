package transcribe

import (
	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/config"
	"github.com/snarg/scribe-engine/internal/media"
)

// NewCatalog builds the provider catalog from configuration. Providers that
// need credentials or an endpoint are left out when those are unset.
func NewCatalog(cfg config.ProviderConfig, tools *media.Toolkit, log zerolog.Logger) *Catalog {
	timeout := cfg.HTTPTimeout
	resolver := NewSourceResolver(tools)

	c := &Catalog{
		YouTubeCaptions: NewYouTubeCaptions(timeout),
		MediaResolver:   NewMediaResolver(tools),
		FeedTranscript:  NewFeedTranscript(timeout),
		FeedEnclosure:   NewFeedEnclosure(timeout),
		PageAudio:       NewPageAudio(timeout),
	}

	if cfg.TranscriptAPIKey != "" {
		c.TranscriptAPI = NewTranscriptAPI(cfg.TranscriptAPIURL, cfg.TranscriptAPIKey, timeout)
	}
	if cfg.WhisperURL != "" {
		c.Whisper = NewASRProvider(NewWhisperClient(cfg.WhisperURL, cfg.WhisperModel, timeout), tools, cfg.PreprocessAudio, log)
	}
	if cfg.AssemblyAIKey != "" {
		c.AssemblyAI = NewAssemblyAI(cfg.AssemblyAIKey, cfg.AssemblyAIPollInterval, cfg.AssemblyAIMaxPolls, resolver, timeout, log)
	}
	if cfg.DeepgramKey != "" {
		c.Deepgram = NewDeepgram(cfg.DeepgramKey, cfg.DeepgramModel, resolver, timeout)
	}
	if cfg.DeepInfraKey != "" {
		c.DeepInfra = NewASRProvider(NewDeepInfraClient(cfg.DeepInfraKey, cfg.DeepInfraModel, timeout), tools, cfg.PreprocessAudio, log)
	}
	if cfg.ElevenLabsKey != "" {
		c.ElevenLabs = NewASRProvider(NewElevenLabsClient(cfg.ElevenLabsKey, cfg.ElevenLabsModel, cfg.ElevenLabsKeyterms, timeout), tools, cfg.PreprocessAudio, log)
	}

	names := make([]string, 0, 11)
	for _, p := range c.All() {
		names = append(names, p.Name())
	}
	log.Info().Strs("providers", names).Msg("provider catalog built")
	return c
}
