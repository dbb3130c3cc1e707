package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/tag-anchor/internal/errors"
	"github.com/tag-anchor/internal/models"
	"github.com/tag-anchor/internal/service"
	"github.com/tag-anchor/internal/storage"
	"github.com/tag-anchor/internal/types"
)

type mockBatchService struct {
	createFn    func(ctx context.Context, req *service.CreateBatchRequest) (*service.BatchResult, error)
	getFn       func(ctx context.Context, batchID string) (*models.Batch, error)
	listFn      func(ctx context.Context, filters *storage.BatchFilters) ([]*models.Batch, error)
	reconcileFn func(ctx context.Context, batchID string) (*service.BatchResult, error)
	verifyFn    func(ctx context.Context, batchID string) (*service.BatchVerification, error)
	registerFn  func(ctx context.Context, req *service.RegisterLegacyRequest) (*models.Tag, error)
}

func (m *mockBatchService) CreateBatch(ctx context.Context, req *service.CreateBatchRequest) (*service.BatchResult, error) {
	return m.createFn(ctx, req)
}

func (m *mockBatchService) GetBatch(ctx context.Context, batchID string) (*models.Batch, error) {
	if m.getFn == nil {
		return nil, apperrors.NewNotFoundError("batch", batchID)
	}
	return m.getFn(ctx, batchID)
}

func (m *mockBatchService) ListBatches(ctx context.Context, filters *storage.BatchFilters) ([]*models.Batch, error) {
	return m.listFn(ctx, filters)
}

func (m *mockBatchService) ReconcileBatch(ctx context.Context, batchID string) (*service.BatchResult, error) {
	return m.reconcileFn(ctx, batchID)
}

func (m *mockBatchService) VerifyBatchAnchor(ctx context.Context, batchID string) (*service.BatchVerification, error) {
	return m.verifyFn(ctx, batchID)
}

func (m *mockBatchService) RegisterLegacyTag(ctx context.Context, req *service.RegisterLegacyRequest) (*models.Tag, error) {
	return m.registerFn(ctx, req)
}

type mockTagService struct {
	getFn        func(ctx context.Context, tagCode string) (*models.Tag, error)
	listFn       func(ctx context.Context, filters *storage.TagFilters) ([]*models.Tag, error)
	proofFn      func(ctx context.Context, tagCode string) (*service.ProofView, error)
	verifyFn     func(ctx context.Context, tagCode string, onChain bool) (*service.ProofVerification, error)
	transitionFn func(ctx context.Context, tagCode string, to types.TagStatus) (*service.TransitionResult, error)
	metadataFn   func(ctx context.Context, tagCode string, metadata json.RawMessage) (*service.MetadataResult, error)
	eventsFn     func(ctx context.Context, tagCode string, limit int) ([]*models.TagEvent, error)
	outboxFn     func(ctx context.Context, tagCode string) ([]*models.OutboxEntry, error)
}

func (m *mockTagService) GetTag(ctx context.Context, tagCode string) (*models.Tag, error) {
	if m.getFn == nil {
		return nil, apperrors.NewNotFoundError("tag", tagCode)
	}
	return m.getFn(ctx, tagCode)
}

func (m *mockTagService) ListTags(ctx context.Context, filters *storage.TagFilters) ([]*models.Tag, error) {
	return m.listFn(ctx, filters)
}

func (m *mockTagService) GetProof(ctx context.Context, tagCode string) (*service.ProofView, error) {
	return m.proofFn(ctx, tagCode)
}

func (m *mockTagService) VerifyProof(ctx context.Context, tagCode string, onChain bool) (*service.ProofVerification, error) {
	return m.verifyFn(ctx, tagCode, onChain)
}

func (m *mockTagService) Assemble(ctx context.Context, tagCode string) (*service.TransitionResult, error) {
	return m.transitionFn(ctx, tagCode, types.TagStatusAssembled)
}

func (m *mockTagService) MoveToInventory(ctx context.Context, tagCode string) (*service.TransitionResult, error) {
	return m.transitionFn(ctx, tagCode, types.TagStatusInInventory)
}

func (m *mockTagService) SetDisposition(ctx context.Context, tagCode string, to types.TagStatus) (*service.TransitionResult, error) {
	return m.transitionFn(ctx, tagCode, to)
}

func (m *mockTagService) UpdateMetadata(ctx context.Context, tagCode string, metadata json.RawMessage) (*service.MetadataResult, error) {
	return m.metadataFn(ctx, tagCode, metadata)
}

func (m *mockTagService) Events(ctx context.Context, tagCode string, limit int) ([]*models.TagEvent, error) {
	return m.eventsFn(ctx, tagCode, limit)
}

func (m *mockTagService) Outbox(ctx context.Context, tagCode string) ([]*models.OutboxEntry, error) {
	return m.outboxFn(ctx, tagCode)
}

type mockMintService struct {
	attachFn func(ctx context.Context, req *service.AttachRequest) (*service.AttachResult, error)
	retryFn  func(ctx context.Context, req *service.AttachRequest) (*service.AttachResult, error)
}

func (m *mockMintService) Attach(ctx context.Context, req *service.AttachRequest) (*service.AttachResult, error) {
	return m.attachFn(ctx, req)
}

func (m *mockMintService) Retry(ctx context.Context, req *service.AttachRequest) (*service.AttachResult, error) {
	return m.retryFn(ctx, req)
}

type mockReconcileService struct {
	reconcileFn func(ctx context.Context, tagCode string) (*service.ReconcileResult, error)
}

func (m *mockReconcileService) Reconcile(ctx context.Context, tagCode string) (*service.ReconcileResult, error) {
	return m.reconcileFn(ctx, tagCode)
}

type testServer struct {
	*Server
	batches   *mockBatchService
	tags      *mockTagService
	mints     *mockMintService
	reconcile *mockReconcileService
}

func createTestServer(rps int) *testServer {
	ts := &testServer{
		batches:   &mockBatchService{},
		tags:      &mockTagService{},
		mints:     &mockMintService{},
		reconcile: &mockReconcileService{},
	}
	ts.Server = NewServer(&ServerConfig{
		Host:              "127.0.0.1",
		Port:              "0",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      5 * time.Second,
		RequestsPerSecond: rps,
	}, ts.batches, ts.tags, ts.mints, ts.reconcile)
	return ts
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHealth(t *testing.T) {
	ts := createTestServer(0)
	w := ts.do("GET", "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestCreateBatch_Created(t *testing.T) {
	ts := createTestServer(0)
	root := "0xabc"
	ts.batches.createFn = func(ctx context.Context, req *service.CreateBatchRequest) (*service.BatchResult, error) {
		assert.Equal(t, 3, req.Size)
		assert.Equal(t, "spring run", req.Name)
		return &service.BatchResult{
			Batch:   &models.Batch{ID: "b-1", Count: 3, Status: types.BatchStatusReady, MerkleRoot: &root},
			Outcome: types.OutcomeSuccess,
		}, nil
	}

	w := ts.do("POST", "/api/batches", `{"size":3,"name":"spring run"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var res service.BatchResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, types.OutcomeSuccess, res.Outcome)
	assert.Equal(t, "b-1", res.Batch.ID)
}

func TestCreateBatch_UnknownOutcomeIsAcceptedWithPartialResult(t *testing.T) {
	ts := createTestServer(0)
	ts.batches.createFn = func(ctx context.Context, req *service.CreateBatchRequest) (*service.BatchResult, error) {
		return &service.BatchResult{
			Batch:        &models.Batch{ID: "b-2", Status: types.BatchStatusAnchoring},
			AnchorTxHash: "0xfeed",
			Outcome:      types.OutcomePending,
		}, apperrors.NewUnknownOutcomeError("anchor", "0xfeed", context.DeadlineExceeded)
	}

	w := ts.do("POST", "/api/batches", `{"size":2,"name":"x"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	resp := decodeError(t, w)
	assert.Equal(t, apperrors.CodeUnknownOutcome, resp.Error.Code)
	assert.Equal(t, types.OutcomePending, resp.Outcome)
	result, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "0xfeed", result["anchorTxHash"])
}

func TestCreateBatch_InvalidJSON(t *testing.T) {
	ts := createTestServer(0)

	w := ts.do("POST", "/api/batches", "invalid json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do("POST", "/api/batches", `{"size":2,"name":"x","bogus":true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateBatch_ValidationError(t *testing.T) {
	ts := createTestServer(0)
	ts.batches.createFn = func(ctx context.Context, req *service.CreateBatchRequest) (*service.BatchResult, error) {
		return nil, apperrors.NewBatchTooLargeError(req.Size, 100)
	}

	w := ts.do("POST", "/api/batches", `{"size":1000,"name":"x"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	resp := decodeError(t, w)
	assert.Equal(t, apperrors.CodeBatchTooLarge, resp.Error.Code)
	assert.Equal(t, types.OutcomeFailed, resp.Outcome)
	assert.Nil(t, resp.Result)
}

func TestListBatches_Filters(t *testing.T) {
	ts := createTestServer(0)
	ts.batches.listFn = func(ctx context.Context, filters *storage.BatchFilters) ([]*models.Batch, error) {
		require.NotNil(t, filters.Status)
		assert.Equal(t, types.BatchStatusAnchorFailed, *filters.Status)
		assert.Equal(t, 5, filters.Limit)
		assert.Equal(t, 10, filters.Offset)
		return []*models.Batch{{ID: "b-1"}}, nil
	}

	w := ts.do("GET", "/api/batches?status=anchor_failed&limit=5&offset=10", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = ts.do("GET", "/api/batches?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.do("GET", "/api/batches?offset=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetBatch_NotFound(t *testing.T) {
	ts := createTestServer(0)
	w := ts.do("GET", "/api/batches/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, apperrors.CodeNotFound, decodeError(t, w).Error.Code)
}

func TestInternalErrorsAreMasked(t *testing.T) {
	ts := createTestServer(0)
	ts.batches.getFn = func(ctx context.Context, batchID string) (*models.Batch, error) {
		return nil, assert.AnError
	}

	w := ts.do("GET", "/api/batches/b-1", "")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, ErrCodeInternalError, resp.Error.Code)
	assert.NotContains(t, w.Body.String(), assert.AnError.Error())
}

func TestAttach_PassesPathAndBody(t *testing.T) {
	ts := createTestServer(0)
	ts.mints.attachFn = func(ctx context.Context, req *service.AttachRequest) (*service.AttachResult, error) {
		assert.Equal(t, "TAG-000001", req.TagCode)
		assert.Equal(t, "0x00000000000000000000000000000000000000aa", req.Recipient)
		require.NotNil(t, req.AnimalID)
		assert.Equal(t, "cow-7", *req.AnimalID)
		return &service.AttachResult{
			TagCode: req.TagCode,
			TokenID: "42",
			TxHash:  "0x01",
			Status:  types.TagStatusAttached,
			Path:    service.PathLazy,
			Outcome: types.OutcomeSuccess,
		}, nil
	}

	w := ts.do("POST", "/api/tags/TAG-000001/attach",
		`{"recipient":"0x00000000000000000000000000000000000000aa","animalId":"cow-7"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var res service.AttachResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "42", res.TokenID)
	assert.Equal(t, types.OutcomeSuccess, res.Outcome)
}

func TestAttach_EmptyBodyAllowed(t *testing.T) {
	ts := createTestServer(0)
	ts.mints.attachFn = func(ctx context.Context, req *service.AttachRequest) (*service.AttachResult, error) {
		assert.Empty(t, req.Recipient)
		return &service.AttachResult{TagCode: req.TagCode, Status: types.TagStatusAttached, Outcome: types.OutcomeSuccess}, nil
	}

	w := ts.do("POST", "/api/tags/TAG-000001/attach", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAttach_OutcomeMapping(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		outcome types.Outcome
	}{
		{"not yet minted", apperrors.NewNotYetMintedError("TAG-000001"), http.StatusAccepted, types.OutcomePending},
		{"unknown outcome", apperrors.NewUnknownOutcomeError("mint", "0x01", context.DeadlineExceeded), http.StatusAccepted, types.OutcomePending},
		{"chain unavailable", apperrors.NewChainUnavailableError("mint", assert.AnError), http.StatusBadGateway, types.OutcomePending},
		{"mint failed", apperrors.NewMintFailedError("TAG-000001", assert.AnError), http.StatusBadGateway, types.OutcomeFailed},
		{"token id mismatch", apperrors.NewTokenIDMismatchError("TAG-000001", "1", "2"), http.StatusInternalServerError, types.OutcomeFailed},
		{"invalid transition", apperrors.NewInvalidTransitionError("TAG-000001", types.TagStatusSold, types.TagStatusAttached), http.StatusConflict, types.OutcomeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := createTestServer(0)
			ts.mints.attachFn = func(ctx context.Context, req *service.AttachRequest) (*service.AttachResult, error) {
				return nil, tt.err
			}

			w := ts.do("POST", "/api/tags/TAG-000001/attach", `{}`)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.outcome, decodeError(t, w).Outcome)
		})
	}
}

func TestRetry_UsesRetryPath(t *testing.T) {
	ts := createTestServer(0)
	ts.mints.retryFn = func(ctx context.Context, req *service.AttachRequest) (*service.AttachResult, error) {
		return &service.AttachResult{TagCode: req.TagCode, Path: service.PathReconciled, Outcome: types.OutcomeSuccess}, nil
	}

	w := ts.do("POST", "/api/tags/TAG-000003/retry", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), service.PathReconciled)
}

func TestDisposition(t *testing.T) {
	ts := createTestServer(0)
	ts.tags.transitionFn = func(ctx context.Context, tagCode string, to types.TagStatus) (*service.TransitionResult, error) {
		if to != types.TagStatusSold {
			return nil, apperrors.NewInvalidTransitionError(tagCode, types.TagStatusAttached, to)
		}
		return &service.TransitionResult{TagCode: tagCode, From: types.TagStatusAttached, To: to, Outcome: types.OutcomeSuccess}, nil
	}

	w := ts.do("POST", "/api/tags/TAG-000001/disposition", `{"status":"sold"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do("POST", "/api/tags/TAG-000001/disposition", `{"status":"assembled"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do("POST", "/api/tags/TAG-000001/disposition", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestVerifyProof_OnChainFlag(t *testing.T) {
	ts := createTestServer(0)
	var seen []bool
	ts.tags.verifyFn = func(ctx context.Context, tagCode string, onChain bool) (*service.ProofVerification, error) {
		seen = append(seen, onChain)
		return &service.ProofVerification{TagCode: tagCode, Local: true}, nil
	}

	assert.Equal(t, http.StatusOK, ts.do("POST", "/api/tags/TAG-000001/verify", "").Code)
	assert.Equal(t, http.StatusOK, ts.do("POST", "/api/tags/TAG-000001/verify", `{"onChain":true}`).Code)
	assert.Equal(t, http.StatusOK, ts.do("POST", "/api/tags/TAG-000001/verify?onChain=true", "").Code)
	assert.Equal(t, http.StatusBadRequest, ts.do("POST", "/api/tags/TAG-000001/verify?onChain=maybe", "").Code)
	assert.Equal(t, []bool{false, true, true}, seen)
}

func TestUpdateMetadata_RawBody(t *testing.T) {
	ts := createTestServer(0)
	ts.tags.metadataFn = func(ctx context.Context, tagCode string, metadata json.RawMessage) (*service.MetadataResult, error) {
		assert.JSONEq(t, `{"name":"Tag 1","attributes":[]}`, string(metadata))
		return &service.MetadataResult{TagCode: tagCode, MetadataURI: "ipfs://cid", Outcome: types.OutcomeSuccess}, nil
	}

	w := ts.do("PUT", "/api/tags/TAG-000001/metadata", `{"name":"Tag 1","attributes":[]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ipfs://cid")

	big := `{"pad":"` + strings.Repeat("x", maxMetadataBytes) + `"}`
	w = ts.do("PUT", "/api/tags/TAG-000001/metadata", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestListTags_RejectsUnknownStatus(t *testing.T) {
	ts := createTestServer(0)
	ts.tags.listFn = func(ctx context.Context, filters *storage.TagFilters) ([]*models.Tag, error) {
		require.NotNil(t, filters.BatchID)
		assert.Equal(t, "b-1", *filters.BatchID)
		return nil, nil
	}

	assert.Equal(t, http.StatusOK, ts.do("GET", "/api/tags?batchId=b-1", "").Code)
	assert.Equal(t, http.StatusBadRequest, ts.do("GET", "/api/tags?status=lost", "").Code)
}

func TestRegisterLegacyTag(t *testing.T) {
	ts := createTestServer(0)
	ts.batches.registerFn = func(ctx context.Context, req *service.RegisterLegacyRequest) (*models.Tag, error) {
		if req.TagCode == "LEG-0001" {
			return nil, apperrors.NewConflictError("tag LEG-0001 already exists")
		}
		return &models.Tag{TagCode: req.TagCode, Seq: 9, Status: types.TagStatusOnChainUnclaimed}, nil
	}

	w := ts.do("POST", "/api/tags", `{"tagCode":"LEG-0002"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"on_chain_unclaimed"`)

	w = ts.do("POST", "/api/tags", `{"tagCode":"LEG-0001"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, apperrors.CodeConflict, decodeError(t, w).Error.Code)

	assert.Equal(t, http.StatusBadRequest, ts.do("POST", "/api/tags", `{`).Code)
}

func TestTagEvents_Limit(t *testing.T) {
	ts := createTestServer(0)
	ts.tags.eventsFn = func(ctx context.Context, tagCode string, limit int) ([]*models.TagEvent, error) {
		assert.Equal(t, 2, limit)
		return []*models.TagEvent{{TagCode: tagCode}, {TagCode: tagCode}}, nil
	}

	w := ts.do("GET", "/api/tags/TAG-000001/events?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":2`)
}

func TestRateLimit(t *testing.T) {
	ts := createTestServer(1)
	ts.batches.getFn = func(ctx context.Context, batchID string) (*models.Batch, error) {
		return &models.Batch{ID: batchID}, nil
	}

	limited := false
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest("GET", "/api/batches/b-1", nil)
		req.Header.Set("X-Client-ID", "client-a")
		w := httptest.NewRecorder()
		ts.Handler().ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			limited = true
			assert.Equal(t, ErrCodeRateLimitExceeded, decodeError(t, w).Error.Code)
			break
		}
	}
	assert.True(t, limited)

	// Another client has its own bucket.
	req := httptest.NewRequest("GET", "/api/batches/b-1", nil)
	req.Header.Set("X-Client-ID", "client-b")
	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// Health is never limited.
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest("GET", "/health", nil)
		req.Header.Set("X-Client-ID", "client-a")
		w := httptest.NewRecorder()
		ts.Handler().ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
	}
}
