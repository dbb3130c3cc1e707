package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/tag-anchor/internal/service"
	"github.com/tag-anchor/internal/storage"
	"github.com/tag-anchor/internal/types"
)

// partial turns a possibly nil result pointer into a nil interface
func partial[T any](p *T) interface{} {
	if p == nil {
		return nil
	}
	return p
}

// parsePaging reads limit and offset query parameters
func parsePaging(r *http.Request) (limit, offset int, ok bool) {
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, false
		}
		limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

// handleCreateBatch handles POST /api/batches
func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req service.CreateBatchRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	res, err := s.batchService.CreateBatch(r.Context(), &req)
	if err != nil {
		respondOutcomeError(w, r, err, partial(res))
		return
	}

	respondJSON(w, http.StatusCreated, res)
}

// handleListBatches handles GET /api/batches
func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := parsePaging(r)
	if !ok {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "limit and offset must be non-negative integers", nil)
		return
	}

	filters := &storage.BatchFilters{Limit: limit, Offset: offset}
	if v := r.URL.Query().Get("status"); v != "" {
		status := types.BatchStatus(v)
		filters.Status = &status
	}

	batches, err := s.batchService.ListBatches(r.Context(), filters)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"batches": batches,
		"count":   len(batches),
	})
}

// handleGetBatch handles GET /api/batches/{id}
func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := s.batchService.GetBatch(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, batch)
}

// handleReconcileBatch handles POST /api/batches/{id}/reconcile
func (s *Server) handleReconcileBatch(w http.ResponseWriter, r *http.Request) {
	res, err := s.batchService.ReconcileBatch(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondOutcomeError(w, r, err, partial(res))
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// handleVerifyBatch handles GET /api/batches/{id}/verify
func (s *Server) handleVerifyBatch(w http.ResponseWriter, r *http.Request) {
	v, err := s.batchService.VerifyBatchAnchor(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}
