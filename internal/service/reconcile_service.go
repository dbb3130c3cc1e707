package service

import (
	"context"
	stderrors "errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/tag-anchor/internal/adapter"
	"github.com/tag-anchor/internal/errors"
	"github.com/tag-anchor/internal/logging"
	"github.com/tag-anchor/internal/merkle"
	"github.com/tag-anchor/internal/models"
	"github.com/tag-anchor/internal/retry"
	"github.com/tag-anchor/internal/storage"
	"github.com/tag-anchor/internal/types"
)

// Where a reconciled token id came from
const (
	SourceLedger  = "ledger"
	SourceReceipt = "receipt"
	SourceChain   = "chain"
)

// ReconcileResult is the outcome of reconciling one tag
type ReconcileResult struct {
	TagCode string        `json:"tagCode"`
	TokenID string        `json:"tokenId,omitempty"`
	TxHash  string        `json:"txHash,omitempty"`
	Owner   string        `json:"owner,omitempty"`
	Source  string        `json:"source,omitempty"`
	Outcome types.Outcome `json:"outcome"`

	// InFlight is set when a submitted transaction has no receipt yet
	InFlight bool `json:"inFlight,omitempty"`
}

// ReconcileService repairs tags whose on-chain mint was never recorded
type ReconcileService struct {
	tags     TagStore
	registry adapter.TagRegistry
	journal  Journal
	contract common.Address
}

// NewReconcileService creates a new reconcile service
func NewReconcileService(tags TagStore, registry adapter.TagRegistry, journal Journal, opts Options) *ReconcileService {
	if journal == nil {
		journal = NoopJournal{}
	}
	return &ReconcileService{
		tags:     tags,
		registry: registry,
		journal:  journal,
		contract: contractAddress(opts),
	}
}

// Reconcile fills in the token id and tx hash of a tag that was minted on
// chain but never acknowledged locally. An already reconciled tag is returned
// as is and nothing is submitted.
func (s *ReconcileService) Reconcile(ctx context.Context, tagCode string) (*ReconcileResult, error) {
	tag, err := getTag(ctx, s.tags, tagCode)
	if err != nil {
		return nil, err
	}

	result := &ReconcileResult{TagCode: tag.TagCode, TxHash: deref(tag.MintTxHash)}
	if tag.IsMinted() {
		result.TokenID = *tag.TokenID
		result.Source = SourceLedger
		result.Outcome = types.OutcomeSuccess
		return result, nil
	}

	logger := logging.FromContext(ctx).WithTag(tag.TagCode)
	if tag.MintTxHash != nil {
		logger = logger.WithTx(*tag.MintTxHash)
	}
	ctx = logging.WithLogger(ctx, logger)

	if tag.MintTxHash != nil {
		receipt, err := s.registry.Receipt(ctx, common.HexToHash(*tag.MintTxHash))
		switch {
		case err == nil:
			return s.fromReceipt(ctx, tag, receipt, result)
		case stderrors.Is(err, adapter.ErrReceiptNotFound):
			result.InFlight = true
		default:
			result.Outcome = types.OutcomePending
			return result, errors.NewUnknownOutcomeError("readReceipt", result.TxHash, err)
		}
	}

	// No usable receipt: ask the contract whether the deterministic token exists.
	derived := merkle.TokenID(tag.TagCode)
	owner, exists, err := s.registry.OwnerOf(ctx, derived)
	if err != nil {
		result.Outcome = types.OutcomePending
		return result, errors.NewUnknownOutcomeError("ownerOf", result.TxHash, err)
	}
	if !exists {
		if tag.MintTxHash == nil {
			logger.Debug("No mint transaction known and token does not exist")
		}
		result.Outcome = types.OutcomePending
		return result, errors.NewNotYetMintedError(tag.TagCode)
	}

	txHash := result.TxHash
	act, found, err := s.registry.FindActivation(ctx, derived)
	if err != nil {
		logger.WithError(err).Warn("Activation log lookup failed, keeping known tx hash")
	} else if found {
		txHash = act.TxHash.Hex()
	}

	if err := persistMintResult(ctx, s.tags, tag.TagCode, derived.String(), txHash); err != nil {
		result.TokenID = derived.String()
		result.Outcome = errors.Outcome(err)
		return result, err
	}

	result.TokenID = derived.String()
	result.TxHash = txHash
	result.Owner = owner.Hex()
	result.Source = SourceChain
	result.InFlight = false
	result.Outcome = types.OutcomeSuccess
	logger.WithField(logging.FieldTokenID, result.TokenID).Info("Tag reconciled from contract state")
	record(ctx, s.journal, &models.TagEvent{
		TagCode: tag.TagCode,
		BatchID: deref(tag.BatchID),
		Event:   types.EventReconciled,
		TxHash:  txHash,
		Detail:  SourceChain,
	})
	return result, nil
}

func (s *ReconcileService) fromReceipt(ctx context.Context, tag *models.Tag, receipt *ethtypes.Receipt, result *ReconcileResult) (*ReconcileResult, error) {
	logger := logging.FromContext(ctx)

	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		markMintFailed(ctx, s.tags, s.journal, tag, adapter.ErrExecutionReverted)
		result.Outcome = types.OutcomeFailed
		return result, errors.NewMintFailedError(tag.TagCode, adapter.ErrExecutionReverted)
	}

	tokenID, err := resolveTokenID(ctx, receipt, s.contract, tag.TagCode)
	if err != nil {
		result.Outcome = types.OutcomeFailed
		return result, err
	}
	result.TokenID = tokenID.String()

	if err := persistMintResult(ctx, s.tags, tag.TagCode, result.TokenID, result.TxHash); err != nil {
		result.Outcome = errors.Outcome(err)
		return result, err
	}

	result.Source = SourceReceipt
	result.Outcome = types.OutcomeSuccess
	logger.WithField(logging.FieldTokenID, result.TokenID).Info("Tag reconciled from receipt")
	record(ctx, s.journal, &models.TagEvent{
		TagCode: tag.TagCode,
		BatchID: deref(tag.BatchID),
		Event:   types.EventReconciled,
		TxHash:  result.TxHash,
		Detail:  SourceReceipt,
	})
	return result, nil
}

// resolveTokenID prefers the id carried by the mint's events and checks it
// against the id derived from the tag code. The derived id is used when no
// event is found; a disagreement is a hard error.
func resolveTokenID(ctx context.Context, receipt *ethtypes.Receipt, contract common.Address, tagCode string) (*big.Int, error) {
	derived := merkle.TokenID(tagCode)
	fromEvent, ok := adapter.TokenIDFromReceipt(receipt, contract)
	if !ok {
		logging.FromContext(ctx).WithField(logging.FieldTokenID, derived.String()).
			Warn("Mint event not found in receipt, using derived token id")
		return derived, nil
	}
	if fromEvent.Cmp(derived) != 0 {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"eventTokenId":   fromEvent.String(),
			"derivedTokenId": derived.String(),
		}).Error("Token id from event does not match derived token id")
		return nil, errors.NewTokenIDMismatchError(tagCode, fromEvent.String(), derived.String())
	}
	return derived, nil
}

// persistMintResult records a confirmed mint with short retries. A conflict
// means the ledger holds a different token id for the tag.
func persistMintResult(ctx context.Context, tags TagStore, tagCode, tokenID, txHash string) error {
	res := retry.WithExponentialBackoff(ctx, retry.PersistRetryConfig(), func(ctx context.Context, attempt int) error {
		err := tags.SetMintResult(ctx, tagCode, tokenID, txHash)
		if stderrors.Is(err, storage.ErrStatusConflict) || stderrors.Is(err, storage.ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if res.Success {
		return nil
	}

	logging.FromContext(ctx).WithError(res.LastError).WithField(logging.FieldTokenID, tokenID).
		Error("Failed to record confirmed mint, reconcile later")
	if stderrors.Is(res.LastError, storage.ErrStatusConflict) {
		return errors.NewConflictError("tag " + tagCode + " already records a different token id")
	}
	return errors.NewDatabaseError("record mint result", res.Err())
}

// markMintFailed flags the tag as mint_failed from its current status
func markMintFailed(ctx context.Context, tags TagStore, journal Journal, tag *models.Tag, cause error) {
	logger := logging.FromContext(ctx).WithError(cause)
	if err := tags.MarkMintFailed(ctx, tag.TagCode, tag.Status); err != nil {
		logger.WithField("updateError", err.Error()).Error("Failed to mark tag mint_failed")
		return
	}
	logger.WithField(logging.FieldStatus, types.TagStatusMintFailed).Warn("Mint failed")
	record(ctx, journal, &models.TagEvent{
		TagCode:    tag.TagCode,
		BatchID:    deref(tag.BatchID),
		Event:      types.EventMintFailed,
		FromStatus: string(tag.Status),
		ToStatus:   string(types.TagStatusMintFailed),
		TxHash:     deref(tag.MintTxHash),
		Detail:     cause.Error(),
	})
	tag.Status = types.TagStatusMintFailed
	tag.MintTxHash = nil
}

func getTag(ctx context.Context, tags TagStore, tagCode string) (*models.Tag, error) {
	tagCode = strings.TrimSpace(tagCode)
	if tagCode == "" {
		return nil, errors.NewInvalidParameterError("tagCode", "must not be empty")
	}
	tag, err := tags.GetByCode(ctx, tagCode)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, errors.NewNotFoundError("tag", tagCode)
		}
		return nil, errors.NewDatabaseError("get tag", err)
	}
	return tag, nil
}

func contractAddress(opts Options) common.Address {
	if common.IsHexAddress(opts.ContractAddress) {
		return common.HexToAddress(opts.ContractAddress)
	}
	return common.Address{}
}
