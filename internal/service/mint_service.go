package service

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"

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

// Mint paths reported in AttachResult
const (
	PathLazy       = "lazy"
	PathLegacy     = "legacy"
	PathExisting   = "existing"
	PathReconciled = "reconciled"
)

// AttachRequest claims a tag for an animal
type AttachRequest struct {
	TagCode   string  `json:"-"`
	Recipient string  `json:"recipient,omitempty"`
	AnimalID  *string `json:"animalId,omitempty"`
	RanchID   *string `json:"ranchId,omitempty"`
	TokenURI  string  `json:"tokenUri,omitempty"`
}

// AttachResult reports the token behind an attached tag
type AttachResult struct {
	TagCode string          `json:"tagCode"`
	TokenID string          `json:"tokenId,omitempty"`
	TxHash  string          `json:"txHash,omitempty"`
	Status  types.TagStatus `json:"status"`
	Path    string          `json:"path,omitempty"`
	Outcome types.Outcome   `json:"outcome"`
}

// MintService attaches tags, minting them lazily from their batch proof or
// directly for legacy tags.
type MintService struct {
	tags       TagStore
	batches    BatchStore
	registry   adapter.TagRegistry
	lock       MintLocker
	reconciler *ReconcileService
	journal    Journal
	opts       Options
	contract   common.Address
}

// NewMintService creates a new mint service. lock may be nil for a single
// instance deployment.
func NewMintService(
	tags TagStore,
	batches BatchStore,
	registry adapter.TagRegistry,
	lock MintLocker,
	reconciler *ReconcileService,
	journal Journal,
	opts Options,
) *MintService {
	if journal == nil {
		journal = NoopJournal{}
	}
	return &MintService{
		tags:       tags,
		batches:    batches,
		registry:   registry,
		lock:       lock,
		reconciler: reconciler,
		journal:    journal,
		opts:       opts,
		contract:   contractAddress(opts),
	}
}

// Attach claims a tag. A pre_identity tag is lazily minted first and only
// moves to attached once its token exists. The chain is read before any
// submit, so a token minted without a recorded hash is attached rather than
// minted again. Calling Attach again after a pending or failed outcome
// resumes from the recorded state.
func (s *MintService) Attach(ctx context.Context, req *AttachRequest) (*AttachResult, error) {
	return s.attach(ctx, req)
}

// Retry re-runs attach for a tag after a pending or failed outcome
func (s *MintService) Retry(ctx context.Context, req *AttachRequest) (*AttachResult, error) {
	return s.attach(ctx, req)
}

func (s *MintService) attach(ctx context.Context, req *AttachRequest) (*AttachResult, error) {
	tag, err := getTag(ctx, s.tags, req.TagCode)
	if err != nil {
		return nil, err
	}

	logger := logging.FromContext(ctx).WithTag(tag.TagCode)
	ctx = logging.WithLogger(ctx, logger)

	if tag.Status == types.TagStatusAttached {
		return &AttachResult{
			TagCode: tag.TagCode,
			TokenID: deref(tag.TokenID),
			TxHash:  deref(tag.MintTxHash),
			Status:  tag.Status,
			Path:    PathExisting,
			Outcome: types.OutcomeSuccess,
		}, nil
	}
	if !tagstate.IsAttachable(tag.Status) {
		return nil, errors.NewInvalidTransitionError(tag.TagCode, tag.Status, types.TagStatusAttached)
	}

	recipient, err := s.recipient(req.Recipient)
	if err != nil {
		return nil, err
	}

	// Metadata pinned before the mint becomes the token URI
	tokenURI := strings.TrimSpace(req.TokenURI)
	if tokenURI == "" {
		tokenURI = deref(tag.MetadataURI)
	}

	result, err := s.ensureMinted(ctx, tag, recipient, tokenURI)
	if err != nil {
		return result, err
	}

	if err := s.markAttached(ctx, tag.TagCode, req); err != nil {
		result.Outcome = errors.Outcome(err)
		return result, err
	}
	result.Status = types.TagStatusAttached
	result.Outcome = types.OutcomeSuccess
	logger.WithField(logging.FieldTokenID, result.TokenID).Info("Tag attached")
	return result, nil
}

// ensureMinted returns the tag's token, submitting a mint only when neither
// the ledger nor the chain shows one.
func (s *MintService) ensureMinted(ctx context.Context, tag *models.Tag, recipient common.Address, tokenURI string) (*AttachResult, error) {
	result := &AttachResult{TagCode: tag.TagCode, Status: tag.Status}
	if tag.IsMinted() {
		result.TokenID = *tag.TokenID
		result.TxHash = deref(tag.MintTxHash)
		result.Path = PathExisting
		return result, nil
	}

	rec, err := s.reconciler.Reconcile(ctx, tag.TagCode)
	switch {
	case err == nil:
		result.TokenID = rec.TokenID
		result.TxHash = rec.TxHash
		result.Path = PathReconciled
		return result, nil
	case errors.Is(err, errors.CodeNotYetMinted) && !rec.InFlight:
		// nothing on chain, submit below
	case errors.Is(err, errors.CodeMintFailed):
		// the earlier attempt reverted, submit again
	default:
		if rec != nil {
			result.TxHash = rec.TxHash
			result.TokenID = rec.TokenID
		}
		result.Outcome = errors.Outcome(err)
		return result, err
	}

	if s.lock != nil {
		release, err := s.lock.Acquire(ctx, tag.TagCode)
		if err != nil {
			result.Outcome = types.OutcomePending
			if stderrors.Is(err, storage.ErrLockHeld) {
				return result, errors.NewUnknownOutcomeError("mint", "", err)
			}
			return result, errors.NewDatabaseError("acquire mint lock", err)
		}
		defer release()
	}

	// Another instance may have finished while we waited for the lock.
	current, err := getTag(ctx, s.tags, tag.TagCode)
	if err != nil {
		return result, err
	}
	if current.IsMinted() {
		result.TokenID = *current.TokenID
		result.TxHash = deref(current.MintTxHash)
		result.Path = PathExisting
		return result, nil
	}
	if current.MintTxHash != nil {
		result.TxHash = *current.MintTxHash
		result.Outcome = types.OutcomePending
		return result, errors.NewUnknownOutcomeError("mint", *current.MintTxHash, adapter.ErrReceiptNotFound)
	}

	return s.submit(ctx, current, recipient, tokenURI)
}

// submit sends the mint, records its hash before waiting and records the
// token once confirmed.
func (s *MintService) submit(ctx context.Context, tag *models.Tag, recipient common.Address, tokenURI string) (*AttachResult, error) {
	logger := logging.FromContext(ctx)
	result := &AttachResult{TagCode: tag.TagCode, Status: tag.Status}

	var (
		txHash common.Hash
		err    error
	)
	if tag.IsBatchAnchored() {
		result.Path = PathLazy
		if s.opts.OptimisticVerify {
			if err := s.verifyLocally(ctx, tag); err != nil {
				result.Outcome = errors.Outcome(err)
				return result, err
			}
		}
		txHash, err = s.registry.LazyMint(ctx, recipient, tag.TagCode, merkle.BatchKey(*tag.BatchID), tag.Proof, tokenURI)
	} else {
		result.Path = PathLegacy
		txHash, err = s.registry.MintTo(ctx, recipient, tag.TagCode, tokenURI)
	}
	sendUnknown := stderrors.Is(err, adapter.ErrSubmitUnknown) && txHash != (common.Hash{})
	if err != nil && !sendUnknown {
		markMintFailed(ctx, s.tags, s.journal, tag, err)
		result.Status = tag.Status
		result.Outcome = types.OutcomeFailed
		return result, errors.NewMintFailedError(tag.TagCode, err)
	}

	hash := txHash.Hex()
	result.TxHash = hash
	logger = logger.WithTx(hash)
	ctx = logging.WithLogger(ctx, logger)
	if sendUnknown {
		logger.WithError(err).Warn("Mint send outcome unknown, tracking signed hash")
	} else {
		logger.WithField("path", result.Path).Info("Mint transaction submitted")
	}

	persist := retry.WithExponentialBackoff(ctx, retry.PersistRetryConfig(), func(ctx context.Context, attempt int) error {
		err := s.tags.SetMintTx(ctx, tag.TagCode, hash)
		if stderrors.Is(err, storage.ErrStatusConflict) {
			return retry.Permanent(err)
		}
		return err
	})
	if err := persist.Err(); err != nil {
		logger.WithError(err).Error("Failed to record mint tx hash, reconcile will use contract state")
	} else {
		tag.MintTxHash = &hash
	}
	record(ctx, s.journal, &models.TagEvent{
		TagCode: tag.TagCode,
		BatchID: deref(tag.BatchID),
		Event:   types.EventMintSubmitted,
		TxHash:  hash,
		Detail:  result.Path,
	})

	receipt, err := s.registry.WaitForReceipt(ctx, txHash)
	if err != nil {
		if receipt != nil || stderrors.Is(err, adapter.ErrExecutionReverted) {
			markMintFailed(ctx, s.tags, s.journal, tag, err)
			result.Status = tag.Status
			result.Outcome = types.OutcomeFailed
			return result, errors.NewMintFailedError(tag.TagCode, err)
		}
		logger.WithError(err).Warn("Mint receipt not seen, outcome unknown")
		result.Outcome = types.OutcomePending
		return result, errors.NewUnknownOutcomeError("mint", hash, err)
	}

	tokenID, err := resolveTokenID(ctx, receipt, s.contract, tag.TagCode)
	if err != nil {
		result.Outcome = types.OutcomeFailed
		return result, err
	}
	result.TokenID = tokenID.String()

	// The mint is final on chain; a failed write is left to reconciliation.
	if err := persistMintResult(ctx, s.tags, tag.TagCode, result.TokenID, hash); err != nil {
		result.Outcome = errors.Outcome(err)
		return result, err
	}

	logger.WithField(logging.FieldTokenID, result.TokenID).Info("Mint confirmed")
	record(ctx, s.journal, &models.TagEvent{
		TagCode: tag.TagCode,
		BatchID: deref(tag.BatchID),
		Event:   types.EventMintConfirmed,
		TxHash:  hash,
		Detail:  result.TokenID,
	})
	return result, nil
}

// verifyLocally checks the stored proof against the batch root before
// paying for a transaction. The contract remains the authority.
func (s *MintService) verifyLocally(ctx context.Context, tag *models.Tag) error {
	batch, err := s.batches.GetByID(ctx, *tag.BatchID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return errors.NewNotBatchAnchoredError(tag.TagCode)
		}
		return errors.NewDatabaseError("get batch", err)
	}
	if batch.Status != types.BatchStatusReady || batch.MerkleRoot == nil {
		return errors.NewNotBatchAnchoredError(tag.TagCode)
	}
	if !merkle.VerifyIdentifier(tag.TagCode, tag.Proof, common.HexToHash(*batch.MerkleRoot)) {
		logging.FromContext(ctx).WithBatch(batch.ID).Error("Stored proof does not verify against batch root")
		return errors.NewInvalidProofError(tag.TagCode)
	}
	return nil
}

// markAttached moves the tag to attached from whatever attachable status it
// is in now.
func (s *MintService) markAttached(ctx context.Context, tagCode string, req *AttachRequest) error {
	var from types.TagStatus
	res := retry.WithExponentialBackoff(ctx, retry.PersistRetryConfig(), func(ctx context.Context, attempt int) error {
		current, err := s.tags.GetByCode(ctx, tagCode)
		if err != nil {
			return err
		}
		from = current.Status
		if from == types.TagStatusAttached {
			return nil
		}
		if err := tagstate.Validate(from, types.TagStatusAttached); err != nil {
			return retry.Permanent(err)
		}
		return s.tags.Attach(ctx, tagCode, from, req.AnimalID, req.RanchID)
	})

	if err := res.LastError; !res.Success {
		if stderrors.Is(err, tagstate.ErrInvalidTransition) {
			return errors.NewInvalidTransitionError(tagCode, from, types.TagStatusAttached)
		}
		logging.FromContext(ctx).WithError(err).Error("Failed to record attach after mint, retry later")
		return errors.NewDatabaseError("attach tag", res.Err())
	}

	if from == types.TagStatusAttached {
		return nil
	}
	record(ctx, s.journal, &models.TagEvent{
		TagCode:    tagCode,
		Event:      types.EventStatusChanged,
		FromStatus: string(from),
		ToStatus:   string(types.TagStatusAttached),
	})
	return nil
}

func (s *MintService) recipient(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return s.registry.Sender(), nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, errors.NewInvalidParameterError("recipient", "must be a hex address")
	}
	return common.HexToAddress(raw), nil
}
