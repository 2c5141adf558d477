package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/holape/bulk-engine/internal/core"
	"github.com/holape/bulk-engine/internal/metrics"
)

type Server struct {
	Store *core.Store
}

func NewServer(db *pgxpool.Pool, notifier core.Notifier) *Server {
	return &Server{Store: &core.Store{DB: db, Notifier: notifier}}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(instrument)

	r.Post("/batches", s.createBatch)
	r.Get("/batches/{id}", s.getBatch)
	r.Get("/batches/{id}/recipients", s.listRecipients)
	r.Post("/batches/{id}/pause", s.pauseBatch)
	r.Post("/batches/{id}/resume", s.resumeBatch)
	r.Post("/batches/{id}/cancel", s.cancelBatch)
	r.Post("/batches/{id}/next", s.getNext)
	r.Post("/batches/{id}/recipients/{rid}/outcome", s.reportOutcome)
	r.Get("/rules/{tenant}", s.getRules)
	r.Patch("/rules/{tenant}", s.updateRules)

	s.mountHealth(r)
	s.mountMetrics(r)
	s.mountDocs(r)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the engine's error taxonomy onto status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrBatchNotFound), errors.Is(err, core.ErrRecipientNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, core.ErrInvalidTransition), errors.Is(err, core.ErrRecipientMismatch):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, core.ErrQuotaExceeded):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, core.ErrNoRecipients), errors.Is(err, core.ErrInvalidOutcome):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (s *Server) createBatch(w http.ResponseWriter, r *http.Request) {
	var in struct {
		TenantKey     string                `json:"tenant_key"`
		AgentKey      string                `json:"agent_key"`
		Mode          string                `json:"mode"`
		Template      string                `json:"template"`
		AttachmentURL *string               `json:"attachment_url"`
		Recipients    []core.RecipientInput `json:"recipients"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.TenantKey == "" || in.AgentKey == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	if in.Mode == "" {
		in.Mode = core.ModePull
	}
	b, err := s.Store.CreateBatch(r.Context(), core.CreateBatchRequest{
		TenantKey:     in.TenantKey,
		AgentKey:      in.AgentKey,
		Mode:          in.Mode,
		Template:      in.Template,
		AttachmentURL: in.AttachmentURL,
		Recipients:    in.Recipients,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":               b.ID,
		"status":           b.Status,
		"total_recipients": b.TotalRecipients,
	})
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.Store.GetBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batch":    b,
		"snapshot": core.SnapshotOf(b),
	})
}

func (s *Server) listRecipients(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.Store.GetBatch(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	var status *string
	if v := r.URL.Query().Get("status"); v != "" {
		status = &v
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	items, err := s.Store.ListRecipients(r.Context(), id, status, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "limit": limit, "offset": offset})
}

func (s *Server) pauseBatch(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.Store.Pause)
}

func (s *Server) resumeBatch(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.Store.Resume)
}

func (s *Server) cancelBatch(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.Store.Cancel)
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (*core.Batch, error)) {
	b, err := op(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.BatchTransitions.WithLabelValues(b.Status).Inc()
	writeJSON(w, http.StatusOK, core.SnapshotOf(b))
}

// getNext hands a pull-mode poller its next claimed recipient. 204
// means "nothing eligible right now" — paused, quota, window or empty.
func (s *Server) getNext(w http.ResponseWriter, r *http.Request) {
	task, reason, err := s.Store.GetNext(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		metrics.ClaimTotal.WithLabelValues("error").Inc()
		writeError(w, err)
		return
	}
	if task == nil {
		metrics.ClaimTotal.WithLabelValues("no_work").Inc()
		w.Header().Set("X-No-Work-Reason", string(reason))
		w.WriteHeader(http.StatusNoContent)
		return
	}
	metrics.ClaimTotal.WithLabelValues("task").Inc()
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) reportOutcome(w http.ResponseWriter, r *http.Request) {
	rid, err := strconv.ParseInt(chi.URLParam(r, "rid"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_recipient_id"})
		return
	}
	var in struct {
		Outcome string `json:"outcome"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	b, err := s.Store.ReportOutcome(r.Context(), chi.URLParam(r, "id"), rid, in.Outcome, in.Error)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.OutcomeTotal.WithLabelValues(in.Outcome).Inc()
	writeJSON(w, http.StatusOK, core.SnapshotOf(b))
}

func (s *Server) getRules(w http.ResponseWriter, r *http.Request) {
	rs, err := s.Store.GetOrCreateRules(r.Context(), chi.URLParam(r, "tenant"), r.URL.Query().Get("agent"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func (s *Server) updateRules(w http.ResponseWriter, r *http.Request) {
	var p core.RuleSetPatch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	rs, err := s.Store.UpdateRules(r.Context(), chi.URLParam(r, "tenant"), r.URL.Query().Get("agent"), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}
