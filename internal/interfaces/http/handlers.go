package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sawpanic/stockrun/internal/persistence"
)

// StatusReader returns the latest published status document, present=false
// when nothing has been published or the previous run's keys expired.
type StatusReader interface {
	Status(ctx context.Context) ([]byte, bool, error)
}

// StreamStats reports ingester counters for health views.
type StreamStats func() (frames, dropped int64)

// Handlers serves the monitor endpoints. Nil fields degrade to "not
// configured" rather than errors; a discovery box without Redis still
// answers /health.
type Handlers struct {
	Version string

	DB     persistence.RepositoryHealth
	Reader StatusReader
	Stream StreamStats

	startedAt time.Time
}

func NewHandlers(version string) *Handlers {
	return &Handlers{
		Version:   version,
		startedAt: time.Now(),
	}
}

type healthResponse struct {
	Status        string         `json:"status"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Components    map[string]any `json:"components"`
}

// Health reports process liveness plus per-component checks.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	components := make(map[string]any)
	status := "ok"

	if h.DB != nil {
		check := h.DB.Health(r.Context())
		components["database"] = check
		if !check.Healthy {
			status = "degraded"
		}
	}

	if h.Reader != nil {
		_, present, err := h.Reader.Status(r.Context())
		switch {
		case err != nil:
			components["result_store"] = map[string]any{"healthy": false, "error": err.Error()}
			status = "degraded"
		default:
			components["result_store"] = map[string]any{"healthy": true, "published": present}
		}
	}

	if h.Stream != nil {
		frames, dropped := h.Stream()
		components["stream"] = map[string]any{"frames": frames, "dropped": dropped}
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:        status,
		Version:       h.Version,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Components:    components,
	})
}

// Status mirrors the published discovery/status document.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	if h.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "result store not configured"})
		return
	}

	doc, present, err := h.Reader.Status(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	if !present {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no published status"})
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write(doc)
}

// NotFound is the JSON 404 handler.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found", "path": r.URL.Path})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
