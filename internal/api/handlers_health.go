package api

import (
	"context"
	"net/http"

	"github.com/iammorganparry/recall/internal/memory"
	"github.com/iammorganparry/recall/internal/models"
)

// HealthChecker probes the embedding backend. The local hash provider has
// none, so the checker may be nil.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type HealthHandler struct {
	svc      *memory.Service
	embedder HealthChecker
}

func NewHealthHandler(svc *memory.Service, embedder HealthChecker) *HealthHandler {
	return &HealthHandler{svc: svc, embedder: embedder}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := models.HealthResponse{
		Status:    "ok",
		Recovered: h.svc.Report().Recovered(),
	}

	// Check embedding backend
	if h.embedder == nil {
		resp.Embedding = models.ServiceCheck{Status: "ok", Message: "local"}
	} else if err := h.embedder.HealthCheck(r.Context()); err != nil {
		resp.Embedding = models.ServiceCheck{Status: "error", Message: err.Error()}
		resp.Status = "degraded"
	} else {
		resp.Embedding = models.ServiceCheck{Status: "ok"}
	}

	// Check store
	stats, err := h.svc.Stats()
	if err != nil {
		resp.Store = models.ServiceCheck{Status: "error", Message: err.Error()}
		resp.Status = "degraded"
	} else {
		resp.Store = models.ServiceCheck{Status: "ok"}
		resp.FragmentCount = stats.FragmentCount
		resp.KeywordIndex = stats.KeywordIndex
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// Stats handles GET /stats
func (h *HealthHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
