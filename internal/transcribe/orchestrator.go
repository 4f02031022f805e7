package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/metrics"
)

// ErrNoTranscript is the aggregate failure when every chain is exhausted.
var ErrNoTranscript = errors.New("no transcript available from any provider")

// DefaultMaxRedirects bounds how many nextUrl hops one walk may follow.
const DefaultMaxRedirects = 5

// Outcome is the result of one orchestrated walk.
type Outcome struct {
	Result   Result
	Attempts []Attempt
	// URL is the request URL at the end of the walk, after redirects.
	URL string
}

// Orchestrator walks provider chains sequentially until one succeeds.
type Orchestrator struct {
	selector     Selector
	maxRedirects int
	log          zerolog.Logger
}

// NewOrchestrator creates an orchestrator over the given selector.
func NewOrchestrator(selector Selector, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		selector:     selector,
		maxRedirects: DefaultMaxRedirects,
		log:          log,
	}
}

// SetMaxRedirects overrides the redirect budget.
func (o *Orchestrator) SetMaxRedirects(n int) { o.maxRedirects = n }

// Run classifies the request URL, walks the selected chain and returns the
// first success. A failure carrying nextUrl restarts the walk at the top of
// the chain selected for the new URL.
func (o *Orchestrator) Run(ctx context.Context, in Request) Outcome {
	req := in
	var attempts []Attempt
	hops := 0

walk:
	for {
		kind := Classify(req.URL)
		chain := o.selector.Select(kind, req.AllowPaid)
		log := o.log.With().Str("job_id", req.JobID).Str("kind", string(kind)).Logger()
		log.Debug().Str("url", req.URL).Int("providers", len(chain)).Msg("walking provider chain")

		for _, p := range chain {
			if err := ctx.Err(); err != nil {
				attempts = append(attempts, Attempt{Provider: p.Name(), URL: req.URL, Applicable: true, Error: err.Error()})
				break walk
			}

			if !p.CanHandle(req) {
				attempts = append(attempts, Attempt{Provider: p.Name(), URL: req.URL})
				continue
			}

			res := o.call(ctx, p, req)
			att := Attempt{
				Provider:   p.Name(),
				URL:        req.URL,
				Applicable: true,
				Success:    res.OK,
				Error:      res.Err,
			}
			attempts = append(attempts, att)

			if res.OK {
				metrics.ProviderAttemptsTotal.WithLabelValues(p.Name(), "success").Inc()
				log.Info().Str("provider", p.Name()).Int("attempts", len(attempts)).Msg("transcript acquired")
				return Outcome{Result: res, Attempts: attempts, URL: req.URL}
			}

			next := res.NextURL()
			if next != "" && next != req.URL {
				if hops >= o.maxRedirects {
					metrics.ProviderAttemptsTotal.WithLabelValues(p.Name(), "failure").Inc()
					log.Warn().Str("provider", p.Name()).Str("next_url", next).Int("hops", hops).
						Msg("redirect budget exhausted, ignoring hint")
					continue
				}
				metrics.ProviderAttemptsTotal.WithLabelValues(p.Name(), "redirect").Inc()
				log.Info().Str("provider", p.Name()).Str("next_url", next).Msg("provider redirected request")
				hops++
				req.URL = next
				continue walk
			}

			metrics.ProviderAttemptsTotal.WithLabelValues(p.Name(), "failure").Inc()
			log.Debug().Str("provider", p.Name()).Str("error", res.Err).Msg("provider failed")
		}
		break
	}

	o.log.Warn().Str("job_id", req.JobID).Str("history", summarize(attempts)).Msg("no provider produced a transcript")
	return Outcome{
		Result:   Result{Err: ErrNoTranscript.Error(), Meta: map[string]any{"attempts": attempts}},
		Attempts: attempts,
		URL:      req.URL,
	}
}

// call runs one provider, folding returned errors, panics and empty
// successes into a Failure.
func (o *Orchestrator) call(ctx context.Context, p Provider, req Request) (res Result) {
	defer func() {
		if rv := recover(); rv != nil {
			o.log.Error().Interface("panic", rv).Str("provider", p.Name()).Msg("provider panicked")
			res = Failure(p.Name(), fmt.Errorf("provider panic: %v", rv), nil)
		}
	}()

	res, err := p.GetTranscript(ctx, req)
	if err != nil {
		return Failure(p.Name(), err, nil)
	}
	if res.Provider == "" {
		res.Provider = p.Name()
	}
	if res.OK && strings.TrimSpace(res.Transcript) == "" {
		return Failure(p.Name(), errors.New("provider returned an empty transcript"), res.Meta)
	}
	if !res.OK && res.Err == "" {
		res.Err = "provider failed without a message"
	}
	return res
}

func summarize(attempts []Attempt) string {
	parts := make([]string, 0, len(attempts))
	for _, a := range attempts {
		switch {
		case !a.Applicable:
			parts = append(parts, a.Provider+"=skipped")
		case a.Success:
			parts = append(parts, a.Provider+"=ok")
		default:
			parts = append(parts, a.Provider+"="+a.Error)
		}
	}
	return strings.Join(parts, "; ")
}
