package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/saga"
)

// Publisher sends a payload to a topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Rejection is published when a request received over MQTT cannot be
// accepted, since the sender has no synchronous response to read.
type Rejection struct {
	JobID string `json:"jobId,omitempty"`
	Error string `json:"error"`
}

// RequestHandler submits transcription requests received on an MQTT topic.
type RequestHandler struct {
	submitter   Submitter
	publisher   Publisher
	rejectTopic string
	allowPaid   bool
	timeout     time.Duration
	log         zerolog.Logger
}

// NewRequestHandler creates a handler. publisher may be nil, in which case
// rejections are only logged.
func NewRequestHandler(submitter Submitter, publisher Publisher, rejectTopic string, allowPaidDefault bool, log zerolog.Logger) *RequestHandler {
	return &RequestHandler{
		submitter:   submitter,
		publisher:   publisher,
		rejectTopic: rejectTopic,
		allowPaid:   allowPaidDefault,
		timeout:     10 * time.Second,
		log:         log.With().Str("component", "mqtt-requests").Logger(),
	}
}

// HandleMessage decodes and submits one request. It matches the
// mqttclient.MessageHandler signature.
func (h *RequestHandler) HandleMessage(topic string, payload []byte) {
	req, err := decodeRequest(payload, h.allowPaid)
	if err != nil {
		h.reject(topic, "", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	created, err := h.submitter.Submit(ctx, req)
	switch {
	case errors.Is(err, saga.ErrInvalidRequest):
		h.reject(topic, req.JobID, err)
	case err != nil:
		h.log.Error().Err(err).Str("job_id", req.JobID).Msg("submit failed")
		h.reject(topic, req.JobID, errors.New("submit failed"))
	default:
		h.log.Info().Str("job_id", req.JobID).Bool("duplicate", !created).Msg("request submitted")
	}
}

func (h *RequestHandler) reject(topic, jobID string, cause error) {
	h.log.Warn().Err(cause).Str("topic", topic).Str("job_id", jobID).Msg("request rejected")
	if h.publisher == nil || h.rejectTopic == "" {
		return
	}
	data, _ := json.Marshal(Rejection{JobID: jobID, Error: cause.Error()})
	// paho blocks on the ack and this runs on its callback goroutine
	go func() {
		if err := h.publisher.Publish(h.rejectTopic, data); err != nil {
			h.log.Warn().Err(err).Msg("publish rejection failed")
		}
	}()
}
