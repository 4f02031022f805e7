package api

import (
	"context"
	"net/http"
	"time"

	"github.com/snarg/scribe-engine/internal/metrics"
)

// Pinger checks a backing service.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ConnectionChecker reports whether a long-lived connection is up.
type ConnectionChecker interface {
	IsConnected() bool
}

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
	Workflow      *WorkflowHealth   `json:"workflow,omitempty"`
}

type WorkflowHealth struct {
	QueueDepth   int `json:"queue_depth"`
	InFlight     int `json:"in_flight"`
	PendingWaits int `json:"pending_waits"`
}

// HealthOptions wires the health handler. Nil fields are reported as
// not_configured.
type HealthOptions struct {
	DB        Pinger
	Redis     Pinger
	MQTT      ConnectionChecker
	Engine    metrics.EngineStats
	Version   string
	StartTime time.Time
}

type HealthHandler struct {
	opts HealthOptions
}

func NewHealthHandler(opts HealthOptions) *HealthHandler {
	return &HealthHandler{opts: opts}
}

// ServeHTTP reports unhealthy (503) when the database is down and degraded
// when an optional dependency is.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	// Database check
	switch {
	case h.opts.DB == nil:
		checks["database"] = "not_configured"
	case h.opts.DB.HealthCheck(ctx) != nil:
		checks["database"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	default:
		checks["database"] = "ok"
	}

	// Step store check
	switch {
	case h.opts.Redis == nil:
		checks["redis"] = "not_configured"
	case h.opts.Redis.HealthCheck(ctx) != nil:
		checks["redis"] = "error"
		if status == "healthy" {
			status = "degraded"
		}
	default:
		checks["redis"] = "ok"
	}

	// MQTT check
	if h.opts.MQTT != nil {
		if h.opts.MQTT.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.opts.Version,
		UptimeSeconds: int64(time.Since(h.opts.StartTime).Seconds()),
		Checks:        checks,
	}
	if e := h.opts.Engine; e != nil {
		resp.Workflow = &WorkflowHealth{
			QueueDepth:   e.QueueDepth(),
			InFlight:     e.InFlight(),
			PendingWaits: e.PendingWaits(),
		}
	}
	WriteJSON(w, httpStatus, resp)
}
