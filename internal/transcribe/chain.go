package transcribe

// Selector returns the ordered providers to try for a source kind.
type Selector interface {
	Select(kind SourceKind, allowPaid bool) []Provider
}

// SelectorFunc adapts a function to Selector.
type SelectorFunc func(kind SourceKind, allowPaid bool) []Provider

func (f SelectorFunc) Select(kind SourceKind, allowPaid bool) []Provider { return f(kind, allowPaid) }

// Catalog holds the configured providers. A nil slot means the provider is
// not configured and is left out of every chain.
type Catalog struct {
	// caption-first, video platforms
	YouTubeCaptions Provider
	TranscriptAPI   Provider
	MediaResolver   Provider

	// free, podcast / unknown
	FeedTranscript Provider
	FeedEnclosure  Provider
	PageAudio      Provider
	Whisper        Provider

	// paid ASR, appended only when the caller allows it
	AssemblyAI Provider
	Deepgram   Provider
	DeepInfra  Provider
	ElevenLabs Provider
}

// Select builds the chain for kind. It reads only the catalog slots, so a
// given (kind, allowPaid) always yields the same ordered list.
func (c *Catalog) Select(kind SourceKind, allowPaid bool) []Provider {
	var chain []Provider
	switch kind {
	case KindVideo:
		chain = appendConfigured(chain, c.YouTubeCaptions, c.TranscriptAPI, c.MediaResolver)
	default:
		// unknown sources get the podcast chain
		chain = appendConfigured(chain, c.FeedTranscript, c.FeedEnclosure, c.PageAudio, c.Whisper)
		if allowPaid {
			chain = appendConfigured(chain, c.AssemblyAI, c.Deepgram, c.DeepInfra, c.ElevenLabs)
		}
	}
	return chain
}

// All returns every configured provider in catalog order.
func (c *Catalog) All() []Provider {
	return appendConfigured(nil,
		c.YouTubeCaptions, c.TranscriptAPI, c.MediaResolver,
		c.FeedTranscript, c.FeedEnclosure, c.PageAudio, c.Whisper,
		c.AssemblyAI, c.Deepgram, c.DeepInfra, c.ElevenLabs,
	)
}

// Lookup finds a configured provider by name. Provider workers use it to
// honor the providerName carried on a start signal.
func (c *Catalog) Lookup(name string) (Provider, bool) {
	for _, p := range c.All() {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

func appendConfigured(chain []Provider, ps ...Provider) []Provider {
	for _, p := range ps {
		if p != nil {
			chain = append(chain, p)
		}
	}
	return chain
}
