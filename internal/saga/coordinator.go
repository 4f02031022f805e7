package saga

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/config"
	"github.com/snarg/scribe-engine/internal/database"
	"github.com/snarg/scribe-engine/internal/metrics"
	"github.com/snarg/scribe-engine/internal/quality"
	"github.com/snarg/scribe-engine/internal/transcribe"
	"github.com/snarg/scribe-engine/internal/workflow"
	"golang.org/x/sync/errgroup"
)

// FunctionName is the workflow function that runs one job.
const FunctionName = "transcription-saga"

// Job paths, recorded on the job and used as metric labels.
const (
	PathSingle   = "single"
	PathChunked  = "chunked"
	PathRejected = "rejected"
)

// ErrInvalidRequest wraps every Submit validation failure.
var ErrInvalidRequest = errors.New("invalid transcription request")

// Options wires a Coordinator.
type Options struct {
	Engine    *workflow.Engine
	Jobs      JobStore
	Artifacts ArtifactStore // optional
	Notifier  Notifier      // optional
	Prober    DurationProber
	Fallback  Fallback
	Config    config.SagaConfig
	// Workers sizes the coordinator's dedicated run pool. 0 uses the
	// engine's shared pool.
	Workers int
	Log     zerolog.Logger
}

// Coordinator owns the per-job state machine.
type Coordinator struct {
	engine    *workflow.Engine
	jobs      JobStore
	artifacts ArtifactStore
	notifier  Notifier
	prober    DurationProber
	fallback  Fallback
	cfg       config.SagaConfig
	workers   int
	log       zerolog.Logger
}

// NewCoordinator creates a coordinator. Call Register before starting the
// engine.
func NewCoordinator(opts Options) *Coordinator {
	return &Coordinator{
		engine:    opts.Engine,
		jobs:      opts.Jobs,
		artifacts: opts.Artifacts,
		notifier:  opts.Notifier,
		prober:    opts.Prober,
		fallback:  opts.Fallback,
		cfg:       opts.Config,
		workers:   opts.Workers,
		log:       opts.Log,
	}
}

// Register binds the saga to transcription/requested. A job id has at most
// one active run.
func (c *Coordinator) Register() {
	c.engine.Register(workflow.Function{
		Name:    FunctionName,
		Trigger: EventRequested,
		RunID: func(e workflow.Event) string {
			var p RequestedPayload
			if err := e.Decode(&p); err != nil || p.JobID == "" {
				return FunctionName + ":" + e.ID
			}
			return "saga:" + p.JobID
		},
		Handler:     c.handle,
		OnFailure:   c.onFailure,
		Concurrency: c.workers,
	})
}

// Submit validates a request, creates the PENDING job and emits
// transcription/requested. It returns false when the job id already exists;
// no event is emitted in that case.
func (c *Coordinator) Submit(ctx context.Context, req RequestedPayload) (bool, error) {
	if err := ValidateRequest(req); err != nil {
		return false, err
	}

	job := &database.Job{
		JobID:          req.JobID,
		SourceURL:      req.SourceURL,
		LanguageHint:   req.LanguageHint,
		AllowPaid:      req.AllowPaidProviders,
		GenerationMode: req.GenerationMode,
	}
	if len(req.VoiceParams) > 0 {
		job.VoiceParams = mustJSON(req.VoiceParams)
	}
	created, err := c.jobs.CreateJob(ctx, job)
	if err != nil {
		return false, err
	}
	if !created {
		c.log.Info().Str("job_id", req.JobID).Msg("duplicate job submit ignored")
		return false, nil
	}

	ev, err := workflow.NewEvent(EventRequested, req)
	if err != nil {
		return false, err
	}
	c.engine.Send(ev)
	c.log.Info().Str("job_id", req.JobID).Str("source_url", req.SourceURL).Msg("job submitted")
	return true, nil
}

// ValidateRequest checks the caller-supplied fields of a request.
func ValidateRequest(req RequestedPayload) error {
	if strings.TrimSpace(req.JobID) == "" {
		return fmt.Errorf("%w: jobId is required", ErrInvalidRequest)
	}
	u, err := url.Parse(strings.TrimSpace(req.SourceURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: sourceUrl must be an absolute http(s) URL", ErrInvalidRequest)
	}
	switch req.GenerationMode {
	case "", "single", "multi":
	default:
		return fmt.Errorf("%w: generationMode must be single or multi", ErrInvalidRequest)
	}
	return nil
}

func (c *Coordinator) handle(ctx context.Context, run *workflow.Run) error {
	var req RequestedPayload
	if err := run.Event.Decode(&req); err != nil {
		run.Log.Error().Err(err).Msg("dropping malformed request")
		return nil
	}
	log := run.Log.With().Str("job_id", req.JobID).Logger()

	err := do(ctx, run, "mark-processing", func(ctx context.Context) error {
		return c.jobs.MarkProcessing(ctx, req.JobID, "")
	})
	if errors.Is(err, database.ErrJobTerminal) {
		log.Info().Msg("job already finished, nothing to do")
		return nil
	}
	if err != nil {
		return err
	}

	duration, err := workflow.Step(ctx, run, "probe-duration", func(ctx context.Context) (float64, error) {
		d, err := c.prober.Duration(ctx, req.SourceURL, transcribe.IsVideoPlatform(req.SourceURL))
		if err != nil {
			log.Warn().Err(err).Msg("duration unknown, using single path")
			return 0, nil
		}
		return d, nil
	})
	if err != nil {
		return err
	}

	path := choosePath(duration, c.cfg)
	log = log.With().Str("path", path).Float64("duration", duration).Logger()
	if path == PathRejected {
		msg := fmt.Sprintf("source too long: %.0fs exceeds the %.0fs limit", duration, c.cfg.MaxSourceDuration.Seconds())
		return c.fail(ctx, run, req, path, ErrInvalidInput, msg, log)
	}

	if err := do(ctx, run, "record-path", func(ctx context.Context) error {
		return c.jobs.MarkProcessing(ctx, req.JobID, path)
	}); err != nil && !errors.Is(err, database.ErrJobTerminal) {
		return err
	}
	log.Info().Msg("job routed")

	if path == PathChunked {
		return c.runChunked(ctx, run, req, duration, log)
	}
	return c.runSingle(ctx, run, req, log)
}

// choosePath applies the duration thresholds. Unknown (0) goes single.
func choosePath(duration float64, cfg config.SagaConfig) string {
	switch {
	case duration > cfg.MaxSourceDuration.Seconds():
		return PathRejected
	case duration <= 0 || duration <= cfg.SingleJobCeiling.Seconds():
		return PathSingle
	default:
		return PathChunked
	}
}

type fallbackResult struct {
	OK         bool   `json:"ok"`
	Transcript string `json:"transcript,omitempty"`
	Provider   string `json:"provider,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (c *Coordinator) runSingle(ctx context.Context, run *workflow.Run, req RequestedPayload, log zerolog.Logger) error {
	start, err := workflow.NewEvent(EventStart, StartPayload{
		JobID:        req.JobID,
		SourceURL:    req.SourceURL,
		ProviderName: c.cfg.PrimaryProvider,
		LanguageHint: req.LanguageHint,
	})
	if err != nil {
		return err
	}
	if err := workflow.SendEvent(ctx, run, "dispatch-primary", start); err != nil {
		return err
	}

	match := workflow.Match{JobID: req.JobID}
	got, err := workflow.WaitForEvent(ctx, run, "wait-primary", []string{EventSucceeded, EventFailed}, match, c.cfg.PrimaryTimeout)
	if err != nil {
		return err
	}

	var transcript, provider string
	switch {
	case got != nil && got.Name == EventSucceeded:
		var p SucceededPayload
		if err := got.Decode(&p); err != nil {
			return err
		}
		if strings.TrimSpace(p.Transcript) != "" {
			transcript, provider = p.Transcript, p.ProviderName
		} else {
			log.Warn().Str("provider", p.ProviderName).Msg("primary reported an empty transcript")
		}
	case got != nil:
		logFailure(log, got, "primary provider failed")
	default:
		failed, err := workflow.WaitForEvent(ctx, run, "wait-primary-failure", []string{EventFailed}, match, c.cfg.FailureGrace)
		if err != nil {
			return err
		}
		if failed != nil {
			logFailure(log, failed, "primary provider failed after timeout")
		} else {
			log.Warn().Dur("timeout", c.cfg.PrimaryTimeout).Msg("primary provider timed out")
		}
	}

	if transcript == "" {
		fb, err := workflow.Step(ctx, run, "fallback", func(ctx context.Context) (fallbackResult, error) {
			metrics.FallbacksTotal.Inc()
			log.Info().Msg("running fallback provider chain")
			out := c.fallback.Run(ctx, transcribe.Request{
				JobID:     req.JobID,
				URL:       req.SourceURL,
				Language:  req.LanguageHint,
				AllowPaid: req.AllowPaidProviders,
			})
			if err := c.jobs.AppendAttempts(ctx, req.JobID, attemptRows(out.Attempts)); err != nil {
				log.Warn().Err(err).Msg("failed to record provider attempts")
			}
			if !out.Result.OK {
				return fallbackResult{Error: out.Result.Err}, nil
			}
			return fallbackResult{OK: true, Transcript: out.Result.Transcript, Provider: out.Result.Provider}, nil
		})
		if err != nil {
			return err
		}
		if !fb.OK {
			return c.fail(ctx, run, req, PathSingle, Classify(fb.Error, req.SourceURL), fb.Error, log)
		}
		transcript, provider = fb.Transcript, fb.Provider
	}

	return c.complete(ctx, run, req, PathSingle, transcript, provider, log)
}

type chunk struct {
	Index int
	Start float64
	End   float64
}

// planChunks partitions [0, duration) into contiguous windows of size.
func planChunks(duration, size float64) []chunk {
	n := int(math.Ceil(duration / size))
	chunks := make([]chunk, n)
	for i := range chunks {
		start := float64(i) * size
		chunks[i] = chunk{Index: i, Start: start, End: math.Min(duration, start+size)}
	}
	return chunks
}

// ChunkTimeoutError reports a chunk whose wait expired.
type ChunkTimeoutError struct {
	Start   float64
	Timeout time.Duration
}

func (e *ChunkTimeoutError) Error() string {
	return fmt.Sprintf("chunk at %ss timed out after %s", formatStart(e.Start), e.Timeout)
}

func (c *Coordinator) runChunked(ctx context.Context, run *workflow.Run, req RequestedPayload, duration float64, log zerolog.Logger) error {
	chunks := planChunks(duration, c.cfg.SingleJobCeiling.Seconds())

	starts := make([]workflow.Event, len(chunks))
	for i, ch := range chunks {
		start, length := ch.Start, ch.End-ch.Start
		ev, err := workflow.NewEvent(EventStart, StartPayload{
			JobID:        req.JobID,
			SourceURL:    req.SourceURL,
			ProviderName: c.cfg.ChunkProvider,
			LanguageHint: req.LanguageHint,
			StartTime:    &start,
			Duration:     &length,
		})
		if err != nil {
			return err
		}
		starts[i] = ev
	}
	if err := workflow.SendEvent(ctx, run, "dispatch-chunks", starts...); err != nil {
		return err
	}
	log.Info().Int("chunks", len(chunks)).Msg("chunks dispatched")

	segments := make([]quality.Segment, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range chunks {
		i, ch := i, ch
		g.Go(func() error {
			match := workflow.Match{JobID: req.JobID, StartTime: workflow.ChunkKey(ch.Start)}
			got, err := workflow.WaitForEvent(gctx, run, "wait-chunk-"+formatStart(ch.Start),
				[]string{EventSucceeded, EventFailed}, match, c.cfg.ChunkTimeout)
			if err != nil {
				return err
			}
			if got == nil {
				metrics.ChunksTotal.WithLabelValues("timeout").Inc()
				return &ChunkTimeoutError{Start: ch.Start, Timeout: c.cfg.ChunkTimeout}
			}

			seg := quality.Segment{Index: ch.Index, Start: ch.Start, End: ch.End}
			if got.Name == EventSucceeded {
				var p SucceededPayload
				if err := got.Decode(&p); err != nil {
					return err
				}
				seg.Text = p.Transcript
			} else {
				logFailure(log.With().Float64("start_time", ch.Start).Logger(), got, "chunk provider failed")
				seg.Failed = true
			}
			segments[i] = seg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var te *ChunkTimeoutError
		if errors.As(err, &te) {
			return c.fail(ctx, run, req, PathChunked, ErrTimeout, te.Error(), log)
		}
		return err
	}

	out, err := quality.Stitch(segments)
	metrics.ChunksTotal.WithLabelValues("accepted").Add(float64(out.Accepted))
	for _, d := range out.Discarded {
		metrics.ChunksTotal.WithLabelValues(d.Reason).Inc()
		log.Info().Int("index", d.Index).Float64("start_time", d.Start).Str("reason", d.Reason).Msg("chunk discarded")
	}
	if err != nil {
		return c.fail(ctx, run, req, PathChunked, Classify(err.Error(), req.SourceURL), err.Error(), log)
	}

	return c.complete(ctx, run, req, PathChunked, out.Transcript, c.cfg.ChunkProvider, log)
}

// complete persists the transcript, forwards the finalization signal and
// marks the job COMPLETED, in that order.
func (c *Coordinator) complete(ctx context.Context, run *workflow.Run, req RequestedPayload, path, transcript, provider string, log zerolog.Logger) error {
	err := do(ctx, run, "persist-transcript", func(ctx context.Context) error {
		if c.artifacts != nil {
			if err := c.artifacts.Save(ctx, TranscriptKey(req.JobID), []byte(transcript), "text/plain; charset=utf-8"); err != nil {
				return fmt.Errorf("save transcript artifact: %w", err)
			}
		}
		return c.jobs.SaveTranscript(ctx, req.JobID, transcript, provider)
	})
	if errors.Is(err, database.ErrJobTerminal) {
		log.Warn().Msg("job finished elsewhere, dropping transcript")
		return nil
	}
	if err != nil {
		return err
	}

	if err := c.finalize(ctx, run, FinalizedPayload{JobID: req.JobID, Status: FinalSucceeded, Provider: provider}, log); err != nil {
		return err
	}

	err = do(ctx, run, "mark-completed", func(ctx context.Context) error {
		return c.jobs.MarkCompleted(ctx, req.JobID)
	})
	if err != nil && !errors.Is(err, database.ErrJobTerminal) {
		return err
	}

	metrics.JobsTotal.WithLabelValues(path, "completed").Inc()
	metrics.JobDuration.WithLabelValues(path).Observe(time.Since(run.Event.TS).Seconds())
	log.Info().Str("provider", provider).Int("chars", len(transcript)).Msg("job completed")
	return nil
}

func (c *Coordinator) fail(ctx context.Context, run *workflow.Run, req RequestedPayload, path string, errType ErrorType, msg string, log zerolog.Logger) error {
	err := do(ctx, run, "mark-failed", func(ctx context.Context) error {
		return c.jobs.MarkFailed(ctx, req.JobID, string(errType), msg)
	})
	if err != nil && !errors.Is(err, database.ErrJobTerminal) {
		return err
	}

	if err := c.finalize(ctx, run, FinalizedPayload{JobID: req.JobID, Status: FinalFailed}, log); err != nil {
		return err
	}

	metrics.JobsTotal.WithLabelValues(path, "failed").Inc()
	metrics.JobDuration.WithLabelValues(path).Observe(time.Since(run.Event.TS).Seconds())
	log.Warn().Str("error_type", string(errType)).Str("error", msg).Msg("job failed")
	return nil
}

// finalize emits transcription/finalized and hands it to the notifier.
// Step names carry the status so the succeeded and failed signals are
// memoized separately. Notifier errors are logged; the job outcome is
// already decided.
func (c *Coordinator) finalize(ctx context.Context, run *workflow.Run, p FinalizedPayload, log zerolog.Logger) error {
	ev, err := workflow.NewEvent(EventFinalized, p)
	if err != nil {
		return err
	}
	if err := workflow.SendEvent(ctx, run, forwardStep(p.Status), ev); err != nil {
		return err
	}
	if c.notifier == nil {
		return nil
	}
	return do(ctx, run, "notify-"+p.Status, func(ctx context.Context) error {
		if err := c.notifier.Finalized(ctx, p); err != nil {
			log.Warn().Err(err).Msg("finalization notify failed")
		}
		return nil
	})
}

// onFailure marks the job FAILED once the engine gives up on the run.
func (c *Coordinator) onFailure(ctx context.Context, run *workflow.Run, cause error) {
	var req RequestedPayload
	if err := run.Event.Decode(&req); err != nil || req.JobID == "" {
		return
	}
	log := run.Log.With().Str("job_id", req.JobID).Logger()
	msg := cause.Error()

	// the success signal already went out; only the status write was lost
	if run.Done(ctx, forwardStep(FinalSucceeded)) {
		if err := c.jobs.MarkCompleted(ctx, req.JobID); err != nil && !errors.Is(err, database.ErrJobTerminal) {
			log.Error().Err(err).Msg("failed to mark finalized job completed")
		}
		return
	}

	if err := c.jobs.MarkFailed(ctx, req.JobID, string(Classify(msg, req.SourceURL)), msg); err != nil {
		if errors.Is(err, database.ErrJobTerminal) {
			return
		}
		log.Error().Err(err).Msg("failed to mark job failed")
	}

	p := FinalizedPayload{JobID: req.JobID, Status: FinalFailed}
	run.Send(workflow.MustEvent(EventFinalized, p))
	if c.notifier != nil {
		if err := c.notifier.Finalized(ctx, p); err != nil {
			log.Warn().Err(err).Msg("finalization notify failed")
		}
	}
	metrics.JobsTotal.WithLabelValues("unknown", "failed").Inc()
}

func forwardStep(status string) string { return "forward-" + status }

// do is a memoized step with no result.
func do(ctx context.Context, run *workflow.Run, name string, fn func(ctx context.Context) error) error {
	_, err := workflow.Step(ctx, run, name, func(ctx context.Context) (bool, error) {
		if err := fn(ctx); err != nil {
			return false, err
		}
		return true, nil
	})
	return err
}

func logFailure(log zerolog.Logger, ev *workflow.Event, msg string) {
	var p FailedPayload
	if err := ev.Decode(&p); err != nil {
		log.Warn().Err(err).Msg(msg)
		return
	}
	log.Warn().
		Str("provider", p.ProviderName).
		Str("error_type", string(p.ErrorType)).
		Str("error", p.ErrorMessage).
		Msg(msg)
}
