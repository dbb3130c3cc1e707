package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/tag-anchor/internal/service"
	"github.com/tag-anchor/internal/storage"
	"github.com/tag-anchor/internal/types"
)

// maxMetadataBytes caps a metadata document
const maxMetadataBytes = 1 << 20

// parseOptionalJSONBody is parseJSONBody that accepts an empty body
func parseOptionalJSONBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	if err := parseJSONBody(r, v); err != nil && !stderrors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// handleRegisterLegacyTag handles POST /api/tags
func (s *Server) handleRegisterLegacyTag(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterLegacyRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	tag, err := s.batchService.RegisterLegacyTag(r.Context(), &req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, tag)
}

// handleListTags handles GET /api/tags
func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := parsePaging(r)
	if !ok {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "limit and offset must be non-negative integers", nil)
		return
	}

	q := r.URL.Query()
	filters := &storage.TagFilters{Limit: limit, Offset: offset}
	if v := q.Get("batchId"); v != "" {
		filters.BatchID = &v
	}
	if v := q.Get("status"); v != "" {
		status := types.TagStatus(v)
		if !status.IsValid() {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Unknown tag status", map[string]interface{}{"status": v})
			return
		}
		filters.Status = &status
	}

	tags, err := s.tagService.ListTags(r.Context(), filters)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tags":  tags,
		"count": len(tags),
	})
}

// handleGetTag handles GET /api/tags/{code}
func (s *Server) handleGetTag(w http.ResponseWriter, r *http.Request) {
	tag, err := s.tagService.GetTag(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, tag)
}

// handleGetProof handles GET /api/tags/{code}/proof
func (s *Server) handleGetProof(w http.ResponseWriter, r *http.Request) {
	view, err := s.tagService.GetProof(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// handleVerifyProof handles POST /api/tags/{code}/verify
func (s *Server) handleVerifyProof(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OnChain bool `json:"onChain"`
	}
	if err := parseOptionalJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if v := r.URL.Query().Get("onChain"); v != "" {
		onChain, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "onChain must be a boolean", nil)
			return
		}
		req.OnChain = onChain
	}

	v, err := s.tagService.VerifyProof(r.Context(), mux.Vars(r)["code"], req.OnChain)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}

// handleAssemble handles POST /api/tags/{code}/assemble
func (s *Server) handleAssemble(w http.ResponseWriter, r *http.Request) {
	res, err := s.tagService.Assemble(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		respondOutcomeError(w, r, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// handleInventory handles POST /api/tags/{code}/inventory
func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request) {
	res, err := s.tagService.MoveToInventory(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		respondOutcomeError(w, r, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// handleDisposition handles POST /api/tags/{code}/disposition
func (s *Server) handleDisposition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status types.TagStatus `json:"status"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	res, err := s.tagService.SetDisposition(r.Context(), mux.Vars(r)["code"], req.Status)
	if err != nil {
		respondOutcomeError(w, r, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// handleAttach handles POST /api/tags/{code}/attach
func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	s.attach(w, r, s.mintService.Attach)
}

// handleRetry handles POST /api/tags/{code}/retry
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	s.attach(w, r, s.mintService.Retry)
}

func (s *Server) attach(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, req *service.AttachRequest) (*service.AttachResult, error)) {
	var req service.AttachRequest
	if err := parseOptionalJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	req.TagCode = mux.Vars(r)["code"]

	res, err := fn(r.Context(), &req)
	if err != nil {
		respondOutcomeError(w, r, err, partial(res))
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// handleReconcileTag handles POST /api/tags/{code}/reconcile
func (s *Server) handleReconcileTag(w http.ResponseWriter, r *http.Request) {
	res, err := s.reconcileService.Reconcile(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		respondOutcomeError(w, r, err, partial(res))
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// handleUpdateMetadata handles PUT /api/tags/{code}/metadata. The body is
// the metadata document itself.
func (s *Server) handleUpdateMetadata(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMetadataBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if len(body) > maxMetadataBytes {
		respondError(w, http.StatusRequestEntityTooLarge, ErrCodeInvalidInput, "Metadata document too large", map[string]interface{}{
			"maxBytes": maxMetadataBytes,
		})
		return
	}

	res, err := s.tagService.UpdateMetadata(r.Context(), mux.Vars(r)["code"], json.RawMessage(body))
	if err != nil {
		respondOutcomeError(w, r, err, partial(res))
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// handleTagEvents handles GET /api/tags/{code}/events
func (s *Server) handleTagEvents(w http.ResponseWriter, r *http.Request) {
	limit, _, ok := parsePaging(r)
	if !ok {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "limit must be a non-negative integer", nil)
		return
	}

	events, err := s.tagService.Events(r.Context(), mux.Vars(r)["code"], limit)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// handleTagOutbox handles GET /api/tags/{code}/outbox
func (s *Server) handleTagOutbox(w http.ResponseWriter, r *http.Request) {
	entries, err := s.tagService.Outbox(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}
