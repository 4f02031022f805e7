package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/metrics"
	"github.com/snarg/scribe-engine/internal/transcribe"
	"github.com/snarg/scribe-engine/internal/workflow"
)

// WorkerFunctionName is the workflow function that serves provider/start.
const WorkerFunctionName = "provider-worker"

// ProviderWorker runs the provider named on a start signal and reports the
// outcome as provider/succeeded or provider/failed. Provider errors and
// panics never escape it.
type ProviderWorker struct {
	engine    *workflow.Engine
	providers ProviderLookup
	artifacts ArtifactStore
	log       zerolog.Logger
}

// NewProviderWorker creates a worker. artifacts may be nil.
func NewProviderWorker(engine *workflow.Engine, providers ProviderLookup, artifacts ArtifactStore, log zerolog.Logger) *ProviderWorker {
	return &ProviderWorker{
		engine:    engine,
		providers: providers,
		artifacts: artifacts,
		log:       log,
	}
}

// Register binds the worker to provider/start on the shared pool.
func (w *ProviderWorker) Register() {
	w.engine.Register(workflow.Function{
		Name:    WorkerFunctionName,
		Trigger: EventStart,
		Handler: w.handle,
	})
}

type workResult struct {
	OK         bool           `json:"ok"`
	Transcript string         `json:"transcript,omitempty"`
	Provider   string         `json:"provider"`
	Error      string         `json:"error,omitempty"`
	ErrorType  ErrorType      `json:"errorType,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

func (w *ProviderWorker) handle(ctx context.Context, run *workflow.Run) error {
	var p StartPayload
	if err := run.Event.Decode(&p); err != nil {
		run.Log.Error().Err(err).Msg("dropping malformed start signal")
		return nil
	}
	log := run.Log.With().Str("job_id", p.JobID).Str("provider", p.ProviderName).Logger()
	if p.StartTime != nil {
		log = log.With().Float64("start_time", *p.StartTime).Logger()
	}

	res, err := workflow.Step(ctx, run, "transcribe", func(ctx context.Context) (workResult, error) {
		return w.transcribe(ctx, p, log), nil
	})
	if err != nil {
		return err
	}

	if res.OK && p.StartTime != nil && w.artifacts != nil {
		key := ChunkArtifactKey(p.JobID, *p.StartTime)
		if err := w.artifacts.Save(ctx, key, []byte(res.Transcript), "text/plain; charset=utf-8"); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("failed to store chunk transcript")
		}
	}

	var ev workflow.Event
	if res.OK {
		ev, err = workflow.NewEvent(EventSucceeded, SucceededPayload{
			JobID:        p.JobID,
			Transcript:   res.Transcript,
			ProviderName: res.Provider,
			Meta:         res.Meta,
			StartTime:    p.StartTime,
		})
		log.Info().Int("chars", len(res.Transcript)).Msg("provider succeeded")
	} else {
		metrics.ProviderFailuresTotal.WithLabelValues(res.Provider, string(res.ErrorType)).Inc()
		ev, err = workflow.NewEvent(EventFailed, FailedPayload{
			JobID:        p.JobID,
			ProviderName: res.Provider,
			ErrorType:    res.ErrorType,
			ErrorMessage: res.Error,
			Meta:         res.Meta,
			StartTime:    p.StartTime,
		})
		log.Warn().Str("error_type", string(res.ErrorType)).Str("error", res.Error).Msg("provider failed")
	}
	if err != nil {
		// meta that cannot be marshalled; report without it
		ev = w.bareEvent(p, res)
	}
	return workflow.SendEvent(ctx, run, "emit", ev)
}

func (w *ProviderWorker) transcribe(ctx context.Context, p StartPayload, log zerolog.Logger) (res workResult) {
	res.Provider = p.ProviderName
	failed := func(err error) workResult {
		res.OK = false
		res.Transcript = ""
		res.Error = err.Error()
		res.ErrorType = Classify(res.Error, p.SourceURL)
		return res
	}

	prov, ok := w.providers.Lookup(p.ProviderName)
	if !ok {
		return failed(fmt.Errorf("provider %q is not configured", p.ProviderName))
	}

	req := transcribe.Request{
		JobID:     p.JobID,
		URL:       p.SourceURL,
		Language:  p.LanguageHint,
		AllowPaid: true,
	}
	if p.StartTime != nil && p.Duration != nil {
		req.StartTime, req.Duration = *p.StartTime, *p.Duration
	}
	if !prov.CanHandle(req) {
		return failed(fmt.Errorf("provider %s cannot handle %s", prov.Name(), p.SourceURL))
	}

	defer func() {
		if rv := recover(); rv != nil {
			log.Error().Interface("panic", rv).Msg("provider panicked")
			res = failed(fmt.Errorf("provider panic: %v", rv))
		}
	}()

	out, err := prov.GetTranscript(ctx, req)
	if err != nil {
		return failed(err)
	}
	res.Meta = out.Meta
	if !out.OK {
		if out.Err == "" {
			out.Err = "provider failed without a message"
		}
		return failed(errors.New(out.Err))
	}
	text := strings.TrimSpace(out.Transcript)
	if text == "" {
		return failed(errors.New("provider returned an empty transcript"))
	}
	res.OK = true
	res.Transcript = text
	return res
}

func (w *ProviderWorker) bareEvent(p StartPayload, res workResult) workflow.Event {
	if res.OK {
		return workflow.MustEvent(EventSucceeded, SucceededPayload{
			JobID: p.JobID, Transcript: res.Transcript, ProviderName: res.Provider, StartTime: p.StartTime,
		})
	}
	return workflow.MustEvent(EventFailed, FailedPayload{
		JobID: p.JobID, ProviderName: res.Provider, ErrorType: res.ErrorType, ErrorMessage: res.Error, StartTime: p.StartTime,
	})
}
