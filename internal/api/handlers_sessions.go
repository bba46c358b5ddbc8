package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/iammorganparry/recall/internal/archive"
	"github.com/iammorganparry/recall/internal/memory"
	"github.com/iammorganparry/recall/internal/models"
)

type SessionHandler struct {
	svc    *memory.Service
	logger *slog.Logger
}

func NewSessionHandler(svc *memory.Service, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{svc: svc, logger: logger}
}

// Archive handles POST /archive
func (h *SessionHandler) Archive(w http.ResponseWriter, r *http.Request) {
	var req models.ArchiveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	reqID := requestIDFrom(r.Context())
	report, err := h.svc.Archive(r.Context(), &req, func(p archive.Progress) {
		h.logger.Debug("archive progress", "request_id", reqID, "stage", p.Stage, "done", p.Done, "total", p.Total)
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Restore handles POST /restore
func (h *SessionHandler) Restore(w http.ResponseWriter, r *http.Request) {
	var req models.RestoreRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	bundle, err := h.svc.Restore(r.Context(), &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

// Summary handles GET /sessions/{id}/summary
func (h *SessionHandler) Summary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.svc.Summary(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// List handles GET /sessions?project=&limit=
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	project := models.StringPtr(r.URL.Query().Get("project"))

	resp, err := h.svc.Sessions(project, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
