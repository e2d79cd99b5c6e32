package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ikanisa/easymo-sub022/internal/domain/idempotency"
	"github.com/ikanisa/easymo-sub022/internal/infrastructure/postgres"
)

const (
	defaultListLimit = 50
	readyTimeout     = 2 * time.Second
)

type RecordReader interface {
	Get(ctx context.Context, key string) (*idempotency.Record, error)
}

type DeadLetterStore interface {
	ListPending(ctx context.Context, limit int) ([]*postgres.DeadLetter, error)
	Resolve(ctx context.Context, id uuid.UUID, status string) error
}

// Check reports whether a dependency is reachable.
type Check func(ctx context.Context) error

// Handlers serves the operational endpoints. Nil dependencies disable their routes.
type Handlers struct {
	checks      map[string]Check
	stats       func() any
	records     RecordReader
	deadLetters DeadLetterStore
}

func NewHandlers(checks map[string]Check, stats func() any, records RecordReader, deadLetters DeadLetterStore) *Handlers {
	return &Handlers{
		checks:      checks,
		stats:       stats,
		records:     records,
		deadLetters: deadLetters,
	}
}

func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	status := http.StatusOK
	result := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			result[name] = err.Error()
			continue
		}
		result[name] = "ok"
	}

	writeJSON(w, status, result)
}

func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.stats())
}

func (h *Handlers) GetRecord(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}

	rec, err := h.records.Get(r.Context(), key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "record not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (h *Handlers) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	items, err := h.deadLetters.ListPending(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []*postgres.DeadLetter{}
	}

	writeJSON(w, http.StatusOK, items)
}

func (h *Handlers) ResolveDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid dead letter id", http.StatusBadRequest)
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Status != postgres.ResolutionReprocessed && req.Status != postgres.ResolutionDiscarded {
		http.Error(w, "status must be reprocessed or discarded", http.StatusBadRequest)
		return
	}

	if err := h.deadLetters.Resolve(r.Context(), id, req.Status); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": id.String(), "status": req.Status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
