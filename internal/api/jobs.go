package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
	"github.com/snarg/scribe-engine/internal/database"
	"github.com/snarg/scribe-engine/internal/saga"
)

// JobSubmitter accepts new transcription jobs.
type JobSubmitter interface {
	Submit(ctx context.Context, req saga.RequestedPayload) (bool, error)
}

// JobReader reads persisted job state.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (*database.Job, error)
	ListJobs(ctx context.Context, f database.JobFilter) ([]database.Job, int, error)
	ListAttempts(ctx context.Context, jobID string) ([]database.AttemptRow, error)
}

// ArtifactReader serves stored transcript artifacts.
type ArtifactReader interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	URL(ctx context.Context, key string) (string, error)
}

type JobsHandler struct {
	submitter        JobSubmitter
	jobs             JobReader
	artifacts        ArtifactReader
	allowPaidDefault bool
}

func NewJobsHandler(submitter JobSubmitter, jobs JobReader, artifacts ArtifactReader, allowPaidDefault bool) *JobsHandler {
	return &JobsHandler{
		submitter:        submitter,
		jobs:             jobs,
		artifacts:        artifacts,
		allowPaidDefault: allowPaidDefault,
	}
}

func (h *JobsHandler) Routes(r chi.Router) {
	r.Post("/jobs", h.SubmitJob)
	r.Get("/jobs", h.ListJobs)
	r.Get("/jobs/{id}", h.GetJob)
	r.Get("/jobs/{id}/attempts", h.ListAttempts)
	r.Get("/jobs/{id}/transcript", h.GetTranscript)
}

type submitRequest struct {
	JobID              string         `json:"jobId"`
	SourceURL          string         `json:"sourceUrl"`
	LanguageHint       string         `json:"languageHint"`
	AllowPaidProviders *bool          `json:"allowPaidProviders"`
	GenerationMode     string         `json:"generationMode"`
	VoiceParams        map[string]any `json:"voiceParams"`
}

type submitResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// SubmitJob accepts a job and returns immediately. The outcome is delivered
// through the finalization signal and the job record. A jobId that already
// exists is acknowledged without starting a second run.
func (h *JobsHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)

	var body submitRequest
	if err := DecodeJSON(r, &body); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	req := saga.RequestedPayload{
		JobID:              strings.TrimSpace(body.JobID),
		SourceURL:          strings.TrimSpace(body.SourceURL),
		LanguageHint:       body.LanguageHint,
		AllowPaidProviders: h.allowPaidDefault,
		GenerationMode:     body.GenerationMode,
		VoiceParams:        body.VoiceParams,
	}
	if body.AllowPaidProviders != nil {
		req.AllowPaidProviders = *body.AllowPaidProviders
	}

	created, err := h.submitter.Submit(r.Context(), req)
	if errors.Is(err, saga.ErrInvalidRequest) {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid job", err.Error())
		return
	}
	if err != nil {
		log.Error().Err(err).Str("job_id", req.JobID).Msg("job submit failed")
		WriteError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}

	if !created {
		status := "UNKNOWN"
		if j, err := h.jobs.GetJob(r.Context(), req.JobID); err == nil {
			status = string(j.Status)
		}
		WriteJSON(w, http.StatusOK, submitResponse{JobID: req.JobID, Status: status, Duplicate: true})
		return
	}

	log.Info().Str("job_id", req.JobID).Str("source_url", req.SourceURL).Msg("job accepted")
	WriteJSON(w, http.StatusAccepted, submitResponse{JobID: req.JobID, Status: string(database.JobPending)})
}

type jobResponse struct {
	*database.Job
	TranscriptURL string                `json:"transcript_url,omitempty"`
	Attempts      []database.AttemptRow `json:"attempts,omitempty"`
}

// GetJob returns one job. ?include=attempts embeds the attempt history.
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.jobs.GetJob(r.Context(), id)
	if errors.Is(err, database.ErrJobNotFound) {
		WriteError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	resp := jobResponse{Job: job}
	if job.Status == database.JobCompleted && h.artifacts != nil {
		if u, err := h.artifacts.URL(r.Context(), saga.TranscriptKey(id)); err == nil {
			resp.TranscriptURL = u
		}
	}
	for _, inc := range QueryStringList(r, "include") {
		if inc == "attempts" {
			attempts, err := h.jobs.ListAttempts(r.Context(), id)
			if err != nil {
				WriteError(w, http.StatusInternalServerError, "failed to load attempts")
				return
			}
			resp.Attempts = attempts
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}

var validStatuses = map[string]bool{
	string(database.JobPending):    true,
	string(database.JobProcessing): true,
	string(database.JobCompleted):  true,
	string(database.JobFailed):     true,
}

// ListJobs returns jobs newest first, optionally filtered by ?status=.
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if p.Limit > 500 {
		WriteError(w, http.StatusBadRequest, "limit must be <= 500")
		return
	}

	var statuses []string
	for _, s := range QueryStringList(r, "status") {
		s = strings.ToUpper(s)
		if !validStatuses[s] {
			WriteError(w, http.StatusBadRequest, "unknown status "+s)
			return
		}
		statuses = append(statuses, s)
	}

	jobs, total, err := h.jobs.ListJobs(r.Context(), database.JobFilter{
		Statuses: statuses,
		Limit:    p.Limit,
		Offset:   p.Offset,
	})
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"total":  total,
		"limit":  p.Limit,
		"offset": p.Offset,
	})
}

func (h *JobsHandler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.jobs.GetJob(r.Context(), id); err != nil {
		if errors.Is(err, database.ErrJobNotFound) {
			WriteError(w, http.StatusNotFound, "job not found")
		} else {
			WriteError(w, http.StatusInternalServerError, "failed to load job")
		}
		return
	}
	attempts, err := h.jobs.ListAttempts(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to load attempts")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"attempts": attempts,
		"total":    len(attempts),
	})
}

// GetTranscript serves the transcript text of a completed job, preferring
// the stored artifact over the database copy.
func (h *JobsHandler) GetTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.jobs.GetJob(r.Context(), id)
	if errors.Is(err, database.ErrJobNotFound) {
		WriteError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if job.Status != database.JobCompleted {
		WriteErrorDetail(w, http.StatusConflict, "transcript not available", "job status is "+string(job.Status))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if h.artifacts != nil {
		if rc, err := h.artifacts.Open(r.Context(), saga.TranscriptKey(id)); err == nil {
			defer rc.Close()
			w.WriteHeader(http.StatusOK)
			io.Copy(w, rc)
			return
		}
	}
	if job.Transcript == nil {
		WriteError(w, http.StatusNotFound, "transcript not found")
		return
	}
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, *job.Transcript)
}
