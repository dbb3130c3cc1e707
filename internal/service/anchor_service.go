package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/tag-anchor/internal/adapter"
	"github.com/tag-anchor/internal/errors"
	"github.com/tag-anchor/internal/logging"
	"github.com/tag-anchor/internal/merkle"
	"github.com/tag-anchor/internal/models"
	"github.com/tag-anchor/internal/retry"
	"github.com/tag-anchor/internal/storage"
	"github.com/tag-anchor/internal/tagstate"
	"github.com/tag-anchor/internal/types"
)

// CreateBatchRequest is the input to CreateBatch
type CreateBatchRequest struct {
	Size     int    `json:"size"`
	Name     string `json:"name"`
	Material string `json:"material,omitempty"`
	Color    string `json:"color,omitempty"`
	Model    string `json:"model,omitempty"`
}

// BatchResult reports a batch and the outcome of the last operation on it
type BatchResult struct {
	Batch        *models.Batch `json:"batch"`
	AnchorTxHash string        `json:"anchorTxHash,omitempty"`
	Outcome      types.Outcome `json:"outcome"`
}

// RegisterLegacyRequest records an individually pre-minted tag
type RegisterLegacyRequest struct {
	TagCode     string  `json:"tagCode"`
	MetadataURI *string `json:"metadataUri,omitempty"`
}

// BatchVerification compares the local tree with the on-chain anchor record
type BatchVerification struct {
	BatchID     string `json:"batchId"`
	BatchKey    string `json:"batchKey"`
	LocalRoot   string `json:"localRoot"`
	StoredRoot  string `json:"storedRoot,omitempty"`
	ChainRoot   string `json:"chainRoot,omitempty"`
	ManifestURI string `json:"manifestUri,omitempty"`
	AnchoredAt  uint64 `json:"anchoredAt,omitempty"`
	Anchored    bool   `json:"anchored"`
	Match       bool   `json:"match"`
}

// AnchorService runs the batch anchor protocol
type AnchorService struct {
	batches  BatchStore
	tags     TagStore
	seq      SequenceAllocator
	registry adapter.TagRegistry
	content  adapter.ContentStore
	journal  Journal
	opts     Options
}

// NewAnchorService creates a new anchor service. content may be nil.
func NewAnchorService(
	batches BatchStore,
	tags TagStore,
	seq SequenceAllocator,
	registry adapter.TagRegistry,
	content adapter.ContentStore,
	journal Journal,
	opts Options,
) *AnchorService {
	if journal == nil {
		journal = NoopJournal{}
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = storage.DefaultChunkSize
	}
	return &AnchorService{
		batches:  batches,
		tags:     tags,
		seq:      seq,
		registry: registry,
		content:  content,
		journal:  journal,
		opts:     opts,
	}
}

// CreateBatch allocates identifiers, anchors their root in one transaction
// and persists every tag with its proof. A receipt timeout or an ambiguous
// send leaves the batch anchoring with a pending outcome; ReconcileBatch
// finishes it later.
func (s *AnchorService) CreateBatch(ctx context.Context, req *CreateBatchRequest) (*BatchResult, error) {
	if req.Size <= 0 {
		return nil, errors.NewEmptyBatchError()
	}
	if s.opts.MaxBatchSize > 0 && req.Size > s.opts.MaxBatchSize {
		return nil, errors.NewBatchTooLargeError(req.Size, s.opts.MaxBatchSize)
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = fmt.Sprintf("batch-%s", time.Now().UTC().Format("20060102-150405"))
	}

	start, end, err := s.seq.Allocate(ctx, req.Size)
	if err != nil {
		return nil, errors.NewDatabaseError("allocate tag sequence", err)
	}

	batch := &models.Batch{
		ID:         uuid.NewString(),
		Name:       name,
		Count:      req.Size,
		Material:   req.Material,
		Color:      req.Color,
		Model:      req.Model,
		CodePrefix: s.opts.CodePrefix,
		SeqStart:   start,
		SeqEnd:     end,
		Status:     types.BatchStatusAnchoring,
	}
	logger := logging.FromContext(ctx).WithBatch(batch.ID)
	ctx = logging.WithLogger(ctx, logger)

	if err := s.batches.Create(ctx, batch); err != nil {
		return nil, errors.NewDatabaseError("create batch", err)
	}
	logger.WithFields(map[string]interface{}{
		"count":    batch.Count,
		"seqStart": start,
		"seqEnd":   end,
	}).Info("Batch created")
	record(ctx, s.journal, &models.TagEvent{BatchID: batch.ID, Event: types.EventBatchCreated, ToStatus: string(batch.Status)})

	codes := batch.TagCodes()
	tree, err := merkle.Build(codes)
	if err != nil {
		s.failBatch(ctx, batch, types.BatchStatusAnchorFailed, err)
		if stderrors.Is(err, merkle.ErrDuplicateIdentifier) {
			return nil, errors.NewDuplicateIdentifierError(err)
		}
		return nil, errors.NewAnchorFailedError(batch.ID, err)
	}
	root := tree.Root.Hex()
	batch.MerkleRoot = &root

	locator, err := pinManifest(ctx, s.content, buildManifest(batch, tree.Root, codes))
	if err != nil {
		s.failBatch(ctx, batch, types.BatchStatusAnchorFailed, err)
		return nil, errors.NewAnchorFailedError(batch.ID, err)
	}
	batch.ManifestURI = &locator

	if err := s.batches.RecordRoot(ctx, batch.ID, root, locator); err != nil {
		logger.WithError(err).Warn("Failed to record batch root before anchoring")
	}

	txHash, err := s.registry.AnchorBatch(ctx, merkle.BatchKey(batch.ID), tree.Root, locator)
	sendUnknown := stderrors.Is(err, adapter.ErrSubmitUnknown) && txHash != (common.Hash{})
	if err != nil && !sendUnknown {
		s.failBatch(ctx, batch, types.BatchStatusAnchorFailed, err)
		return nil, errors.NewAnchorFailedError(batch.ID, err)
	}
	hash := txHash.Hex()
	batch.AnchorTxHash = &hash
	logger = logger.WithTx(hash)
	ctx = logging.WithLogger(ctx, logger)
	if sendUnknown {
		logger.WithError(err).Warn("Anchor send outcome unknown, tracking signed hash")
	} else {
		logger.Info("Anchor transaction submitted")
	}

	persist := retry.WithExponentialBackoff(ctx, retry.PersistRetryConfig(), func(ctx context.Context, attempt int) error {
		return s.batches.RecordAnchorSubmission(ctx, batch.ID, root, locator, hash)
	})
	if err := persist.Err(); err != nil {
		logger.WithError(err).Error("Failed to record anchor submission, batch will be reconciled from chain state")
	}

	receipt, err := s.registry.WaitForReceipt(ctx, txHash)
	if err != nil {
		if receipt != nil || stderrors.Is(err, adapter.ErrExecutionReverted) {
			s.failBatch(ctx, batch, types.BatchStatusAnchorFailed, err)
			return nil, errors.NewAnchorFailedError(batch.ID, err)
		}
		logger.WithError(err).Warn("Anchor receipt not seen, leaving batch anchoring")
		return &BatchResult{Batch: batch, AnchorTxHash: hash, Outcome: types.OutcomePending},
			errors.NewUnknownOutcomeError("anchorBatch", hash, err)
	}

	logger.WithField("block", receipt.BlockNumber).Info("Anchor transaction confirmed")
	record(ctx, s.journal, &models.TagEvent{BatchID: batch.ID, Event: types.EventBatchAnchored, TxHash: hash, Detail: root})

	if err := s.insertTags(ctx, batch, tree); err != nil {
		return &BatchResult{Batch: batch, AnchorTxHash: hash, Outcome: errors.Outcome(err)}, err
	}
	return &BatchResult{Batch: batch, AnchorTxHash: hash, Outcome: types.OutcomeSuccess}, nil
}

// insertTags writes every tag row of an anchored batch and advances it to
// ready_for_assembly. Rows are written all-or-nothing.
func (s *AnchorService) insertTags(ctx context.Context, batch *models.Batch, tree *merkle.Tree) error {
	logger := logging.FromContext(ctx)
	codes := batch.TagCodes()

	existing, err := s.tags.CountByBatch(ctx, batch.ID)
	if err != nil {
		return errors.NewDatabaseError("count batch tags", err)
	}

	switch {
	case existing == batch.Count:
		logger.Info("Batch tags already persisted")
	case existing != 0:
		err := fmt.Errorf("found %d of %d tag rows", existing, batch.Count)
		s.failBatch(ctx, batch, types.BatchStatusInsertFailed, err)
		return errors.NewInsertFailedError(batch.ID, err)
	default:
		rows := make([]*models.Tag, 0, len(codes))
		batchID := batch.ID
		for i, code := range codes {
			proof, ok := tree.Proof(code)
			if !ok {
				err := fmt.Errorf("no proof for %s", code)
				s.failBatch(ctx, batch, types.BatchStatusInsertFailed, err)
				return errors.NewInsertFailedError(batch.ID, err)
			}
			rows = append(rows, &models.Tag{
				TagCode:         code,
				Seq:             batch.SeqStart + int64(i),
				BatchID:         &batchID,
				ChainID:         s.opts.ChainID,
				ContractAddress: s.opts.ContractAddress,
				Proof:           proof,
				Status:          tagstate.InitialStatus(true),
			})
		}

		if err := s.tags.InsertChunked(ctx, rows, s.opts.ChunkSize); err != nil {
			s.failBatch(ctx, batch, types.BatchStatusInsertFailed, err)
			if stderrors.Is(err, storage.ErrDuplicateTagCode) {
				return errors.NewDuplicateIdentifierError(err)
			}
			return errors.NewInsertFailedError(batch.ID, err)
		}
		logger.WithField("count", len(rows)).Info("Batch tags inserted")
	}

	if err := s.batches.TransitionStatus(ctx, batch.ID, types.BatchStatusAnchoring, types.BatchStatusReady, nil); err != nil {
		return errors.NewDatabaseError("mark batch ready", err)
	}
	batch.Status = types.BatchStatusReady
	logger.Info("Batch ready for assembly")
	return nil
}

// failBatch moves an anchoring batch to a terminal failure status
func (s *AnchorService) failBatch(ctx context.Context, batch *models.Batch, to types.BatchStatus, cause error) {
	logger := logging.FromContext(ctx).WithError(cause).WithField(logging.FieldStatus, to)
	msg := cause.Error()
	if err := s.batches.TransitionStatus(ctx, batch.ID, types.BatchStatusAnchoring, to, &msg); err != nil {
		logger.WithField("updateError", err.Error()).Error("Failed to record batch failure")
	} else {
		batch.Status = to
		batch.Error = &msg
		logger.Error("Batch failed")
	}
	record(ctx, s.journal, &models.TagEvent{
		BatchID:    batch.ID,
		Event:      types.EventBatchFailed,
		FromStatus: string(types.BatchStatusAnchoring),
		ToStatus:   string(to),
		Detail:     msg,
	})
}

// ReconcileBatch resolves a batch left anchoring. It reads the on-chain
// anchor record first, then the anchor receipt. An anchor_failed batch whose
// root is on chain is reopened and finished. It is safe to call on a batch
// in any status.
func (s *AnchorService) ReconcileBatch(ctx context.Context, batchID string) (*BatchResult, error) {
	batch, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	result := &BatchResult{Batch: batch, AnchorTxHash: deref(batch.AnchorTxHash)}

	switch batch.Status {
	case types.BatchStatusReady:
		result.Outcome = types.OutcomeSuccess
		return result, nil
	case types.BatchStatusAnchorFailed:
		recovered, err := s.recoverAnchored(ctx, batch)
		if err != nil {
			result.Outcome = errors.Outcome(err)
			return result, err
		}
		if !recovered {
			result.Outcome = types.OutcomeFailed
			return result, errors.NewAnchorFailedError(batch.ID, stderrors.New(deref(batch.Error)))
		}
	case types.BatchStatusInsertFailed:
		result.Outcome = types.OutcomeFailed
		return result, errors.NewInsertFailedError(batch.ID, stderrors.New(deref(batch.Error)))
	}

	logger := logging.FromContext(ctx).WithBatch(batch.ID)
	if batch.AnchorTxHash != nil {
		logger = logger.WithTx(*batch.AnchorTxHash)
	}
	ctx = logging.WithLogger(ctx, logger)

	tree, err := merkle.Build(batch.TagCodes())
	if err != nil {
		s.failBatch(ctx, batch, types.BatchStatusAnchorFailed, err)
		result.Outcome = types.OutcomeFailed
		return result, errors.NewAnchorFailedError(batch.ID, err)
	}
	if batch.MerkleRoot != nil && !strings.EqualFold(*batch.MerkleRoot, tree.Root.Hex()) {
		err := fmt.Errorf("stored root %s does not match rebuilt root %s", *batch.MerkleRoot, tree.Root.Hex())
		s.failBatch(ctx, batch, types.BatchStatusAnchorFailed, err)
		result.Outcome = types.OutcomeFailed
		return result, errors.NewAnchorFailedError(batch.ID, err)
	}

	anchored, found, err := s.registry.AnchoredBatch(ctx, merkle.BatchKey(batch.ID))
	if err != nil {
		result.Outcome = types.OutcomePending
		return result, errors.NewUnknownOutcomeError("readAnchor", result.AnchorTxHash, err)
	}

	if found {
		if anchored.Root != tree.Root {
			err := fmt.Errorf("on-chain root %s does not match %s", anchored.Root.Hex(), tree.Root.Hex())
			s.failBatch(ctx, batch, types.BatchStatusAnchorFailed, err)
			result.Outcome = types.OutcomeFailed
			return result, errors.NewAnchorFailedError(batch.ID, err)
		}
		logger.Info("Anchor found on chain, finishing batch")
		record(ctx, s.journal, &models.TagEvent{BatchID: batch.ID, Event: types.EventBatchAnchored, TxHash: result.AnchorTxHash, Detail: tree.Root.Hex()})
		if err := s.insertTags(ctx, batch, tree); err != nil {
			result.Outcome = errors.Outcome(err)
			return result, err
		}
		result.Outcome = types.OutcomeSuccess
		return result, nil
	}

	if batch.AnchorTxHash != nil {
		_, err := s.registry.Receipt(ctx, common.HexToHash(*batch.AnchorTxHash))
		switch {
		case err == nil:
			// A successful receipt without an anchor record means the call
			// reverted inside the contract or targeted another registry.
			cause := fmt.Errorf("anchor transaction mined but batch not anchored")
			s.failBatch(ctx, batch, types.BatchStatusAnchorFailed, cause)
			result.Outcome = types.OutcomeFailed
			return result, errors.NewAnchorFailedError(batch.ID, cause)
		case !stderrors.Is(err, adapter.ErrReceiptNotFound):
			result.Outcome = types.OutcomePending
			return result, errors.NewUnknownOutcomeError("anchorBatch", result.AnchorTxHash, err)
		}
	}

	if s.opts.StaleAnchoringAfter > 0 && time.Since(batch.UpdatedAt) > s.opts.StaleAnchoringAfter {
		cause := fmt.Errorf("anchor not observed on chain after %s", s.opts.StaleAnchoringAfter)
		s.failBatch(ctx, batch, types.BatchStatusAnchorFailed, cause)
		result.Outcome = types.OutcomeFailed
		return result, errors.NewAnchorFailedError(batch.ID, cause)
	}

	result.Outcome = types.OutcomePending
	return result, errors.NewUnknownOutcomeError("anchorBatch", result.AnchorTxHash, adapter.ErrReceiptNotFound)
}

// recoverAnchored moves an anchor_failed batch back to anchoring when its
// root is on chain after all, so the normal path can insert its tags.
func (s *AnchorService) recoverAnchored(ctx context.Context, batch *models.Batch) (bool, error) {
	logger := logging.FromContext(ctx).WithBatch(batch.ID)

	anchored, found, err := s.registry.AnchoredBatch(ctx, merkle.BatchKey(batch.ID))
	if err != nil {
		return false, errors.NewUnknownOutcomeError("readAnchor", deref(batch.AnchorTxHash), err)
	}
	if !found {
		return false, nil
	}
	tree, err := merkle.Build(batch.TagCodes())
	if err != nil || anchored.Root != tree.Root {
		logger.WithField("chainRoot", anchored.Root.Hex()).Warn("Failed batch has a foreign anchor on chain")
		return false, nil
	}

	if err := s.batches.TransitionStatus(ctx, batch.ID, types.BatchStatusAnchorFailed, types.BatchStatusAnchoring, nil); err != nil {
		return false, errors.NewDatabaseError("reopen batch", err)
	}
	logger.WithField(logging.FieldStatus, types.BatchStatusAnchoring).Warn("Anchor found on chain for failed batch, reopening")
	record(ctx, s.journal, &models.TagEvent{
		BatchID:    batch.ID,
		Event:      types.EventStatusChanged,
		FromStatus: string(types.BatchStatusAnchorFailed),
		ToStatus:   string(types.BatchStatusAnchoring),
		Detail:     anchored.Root.Hex(),
	})
	batch.Status = types.BatchStatusAnchoring
	return true, nil
}

// RegisterLegacyTag records a tag that has no batch or proof. It starts
// on_chain_unclaimed and is minted through the direct path when attached.
func (s *AnchorService) RegisterLegacyTag(ctx context.Context, req *RegisterLegacyRequest) (*models.Tag, error) {
	code := strings.TrimSpace(req.TagCode)
	if code == "" {
		return nil, errors.NewInvalidParameterError("tagCode", "must not be empty")
	}

	start, _, err := s.seq.Allocate(ctx, 1)
	if err != nil {
		return nil, errors.NewDatabaseError("allocate tag sequence", err)
	}

	tag := &models.Tag{
		TagCode:         code,
		Seq:             start,
		ChainID:         s.opts.ChainID,
		ContractAddress: s.opts.ContractAddress,
		Status:          tagstate.InitialStatus(false),
		MetadataURI:     req.MetadataURI,
	}
	if err := s.tags.Insert(ctx, tag); err != nil {
		if stderrors.Is(err, storage.ErrDuplicateTagCode) {
			return nil, errors.NewConflictError("tag " + code + " already exists")
		}
		return nil, errors.NewDatabaseError("insert tag", err)
	}

	logging.FromContext(ctx).WithTag(code).WithField("seq", start).Info("Legacy tag registered")
	record(ctx, s.journal, &models.TagEvent{
		TagCode:  code,
		Event:    types.EventStatusChanged,
		ToStatus: string(tag.Status),
	})
	return tag, nil
}

// GetBatch retrieves a batch by id
func (s *AnchorService) GetBatch(ctx context.Context, batchID string) (*models.Batch, error) {
	if _, err := uuid.Parse(batchID); err != nil {
		return nil, errors.NewInvalidParameterError("batchId", "must be a UUID")
	}
	batch, err := s.batches.GetByID(ctx, batchID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, errors.NewNotFoundError("batch", batchID)
		}
		return nil, errors.NewDatabaseError("get batch", err)
	}
	return batch, nil
}

// ListBatches returns batches newest first
func (s *AnchorService) ListBatches(ctx context.Context, filters *storage.BatchFilters) ([]*models.Batch, error) {
	if filters != nil && filters.Limit > 500 {
		return nil, errors.NewInvalidParameterError("limit", "must be at most 500")
	}
	batches, err := s.batches.List(ctx, filters)
	if err != nil {
		return nil, errors.NewDatabaseError("list batches", err)
	}
	return batches, nil
}

// VerifyBatchAnchor rebuilds the batch tree and compares its root with the
// stored root and the on-chain anchor record.
func (s *AnchorService) VerifyBatchAnchor(ctx context.Context, batchID string) (*BatchVerification, error) {
	batch, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	tree, err := merkle.Build(batch.TagCodes())
	if err != nil {
		return nil, errors.NewInternalError("rebuild batch tree", err)
	}

	key := merkle.BatchKey(batch.ID)
	v := &BatchVerification{
		BatchID:    batch.ID,
		BatchKey:   key.Hex(),
		LocalRoot:  tree.Root.Hex(),
		StoredRoot: deref(batch.MerkleRoot),
	}

	anchored, found, err := s.registry.AnchoredBatch(ctx, key)
	if err != nil {
		return nil, errors.NewChainUnavailableError("batches", err)
	}
	if found {
		v.Anchored = true
		v.ChainRoot = anchored.Root.Hex()
		v.ManifestURI = anchored.ManifestURI
		v.AnchoredAt = anchored.AnchoredAt
		v.Match = anchored.Root == tree.Root &&
			(v.StoredRoot == "" || strings.EqualFold(v.StoredRoot, v.LocalRoot))
	}
	return v, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
