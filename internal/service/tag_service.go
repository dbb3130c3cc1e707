package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tag-anchor/internal/adapter"
	"github.com/tag-anchor/internal/errors"
	"github.com/tag-anchor/internal/logging"
	"github.com/tag-anchor/internal/merkle"
	"github.com/tag-anchor/internal/models"
	"github.com/tag-anchor/internal/storage"
	"github.com/tag-anchor/internal/tagstate"
	"github.com/tag-anchor/internal/types"
)

// TransitionResult reports a status change
type TransitionResult struct {
	TagCode string          `json:"tagCode"`
	From    types.TagStatus `json:"from"`
	To      types.TagStatus `json:"to"`
	Outcome types.Outcome   `json:"outcome"`
}

// ProofView is a tag's inclusion proof in encoded and expanded form
type ProofView struct {
	TagCode        string   `json:"tagCode"`
	BatchID        string   `json:"batchId"`
	BatchKey       string   `json:"batchKey"`
	Root           string   `json:"root,omitempty"`
	Proof          []string `json:"proof"`
	Encoded        string   `json:"encoded"`
	DerivedTokenID string   `json:"derivedTokenId"`
}

// ProofVerification reports local and optional on-chain proof checks
type ProofVerification struct {
	TagCode string `json:"tagCode"`
	Root    string `json:"root"`
	Local   bool   `json:"local"`
	OnChain *bool  `json:"onChain,omitempty"`
}

// MetadataResult reports a metadata update
type MetadataResult struct {
	TagCode     string        `json:"tagCode"`
	MetadataURI string        `json:"metadataUri"`
	OutboxID    string        `json:"outboxId,omitempty"`
	Outcome     types.Outcome `json:"outcome"`
}

// TagService handles tag lifecycle operations outside minting
type TagService struct {
	tags     TagStore
	batches  BatchStore
	outbox   OutboxStore
	registry adapter.TagRegistry
	content  adapter.ContentStore
	journal  Journal
}

// NewTagService creates a new tag service. registry and content may be nil.
func NewTagService(
	tags TagStore,
	batches BatchStore,
	outbox OutboxStore,
	registry adapter.TagRegistry,
	content adapter.ContentStore,
	journal Journal,
) *TagService {
	if journal == nil {
		journal = NoopJournal{}
	}
	return &TagService{
		tags:     tags,
		batches:  batches,
		outbox:   outbox,
		registry: registry,
		content:  content,
		journal:  journal,
	}
}

// Assemble confirms physical assembly
func (s *TagService) Assemble(ctx context.Context, tagCode string) (*TransitionResult, error) {
	return s.transition(ctx, tagCode, types.TagStatusAssembled)
}

// MoveToInventory marks an assembled tag ready for distribution
func (s *TagService) MoveToInventory(ctx context.Context, tagCode string) (*TransitionResult, error) {
	return s.transition(ctx, tagCode, types.TagStatusInInventory)
}

// SetDisposition moves an inventory tag to demo, for_sale, sold or shipped
func (s *TagService) SetDisposition(ctx context.Context, tagCode string, to types.TagStatus) (*TransitionResult, error) {
	if !tagstate.IsDisposition(to) {
		return nil, errors.NewInvalidParameterError("status", "must be one of demo, for_sale, sold, shipped")
	}
	return s.transition(ctx, tagCode, to)
}

// transition validates against the state machine and writes with a
// compare-and-set, so a rejected or raced change leaves the row untouched.
func (s *TagService) transition(ctx context.Context, tagCode string, to types.TagStatus) (*TransitionResult, error) {
	tag, err := getTag(ctx, s.tags, tagCode)
	if err != nil {
		return nil, err
	}
	if err := tagstate.Validate(tag.Status, to); err != nil {
		return nil, errors.NewInvalidTransitionError(tag.TagCode, tag.Status, to)
	}

	if err := s.tags.CompareAndSetStatus(ctx, tag.TagCode, tag.Status, to); err != nil {
		if stderrors.Is(err, storage.ErrStatusConflict) {
			return nil, errors.NewConflictError(fmt.Sprintf("tag %s changed status concurrently", tag.TagCode))
		}
		return nil, errors.NewDatabaseError("update tag status", err)
	}

	logging.FromContext(ctx).WithTag(tag.TagCode).WithFields(map[string]interface{}{
		"from": tag.Status,
		"to":   to,
	}).Info("Tag status changed")
	record(ctx, s.journal, &models.TagEvent{
		TagCode:    tag.TagCode,
		BatchID:    deref(tag.BatchID),
		Event:      types.EventStatusChanged,
		FromStatus: string(tag.Status),
		ToStatus:   string(to),
	})

	return &TransitionResult{TagCode: tag.TagCode, From: tag.Status, To: to, Outcome: types.OutcomeSuccess}, nil
}

// GetTag retrieves a tag by code
func (s *TagService) GetTag(ctx context.Context, tagCode string) (*models.Tag, error) {
	return getTag(ctx, s.tags, tagCode)
}

// ListTags returns tags ordered by sequence
func (s *TagService) ListTags(ctx context.Context, filters *storage.TagFilters) ([]*models.Tag, error) {
	if filters != nil && filters.Limit > 1000 {
		return nil, errors.NewInvalidParameterError("limit", "must be at most 1000")
	}
	tags, err := s.tags.List(ctx, filters)
	if err != nil {
		return nil, errors.NewDatabaseError("list tags", err)
	}
	return tags, nil
}

// GetProof returns the tag's proof, including its encoded form
func (s *TagService) GetProof(ctx context.Context, tagCode string) (*ProofView, error) {
	tag, err := getTag(ctx, s.tags, tagCode)
	if err != nil {
		return nil, err
	}
	if !tag.IsBatchAnchored() {
		return nil, errors.NewNotBatchAnchoredError(tag.TagCode)
	}

	proof := make([]string, len(tag.Proof))
	for i, p := range tag.Proof {
		proof[i] = p.Hex()
	}

	view := &ProofView{
		TagCode:        tag.TagCode,
		BatchID:        *tag.BatchID,
		BatchKey:       merkle.BatchKey(*tag.BatchID).Hex(),
		Proof:          proof,
		Encoded:        merkle.EncodeProof(*tag.BatchID, tag.Proof),
		DerivedTokenID: merkle.TokenID(tag.TagCode).String(),
	}
	if batch, err := s.batches.GetByID(ctx, *tag.BatchID); err == nil {
		view.Root = deref(batch.MerkleRoot)
	}
	return view, nil
}

// VerifyProof checks the stored proof locally against the batch root and,
// when onChain is set, through the contract's verifyInclusion.
func (s *TagService) VerifyProof(ctx context.Context, tagCode string, onChain bool) (*ProofVerification, error) {
	tag, err := getTag(ctx, s.tags, tagCode)
	if err != nil {
		return nil, err
	}
	if !tag.IsBatchAnchored() {
		return nil, errors.NewNotBatchAnchoredError(tag.TagCode)
	}

	batch, err := s.batches.GetByID(ctx, *tag.BatchID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, errors.NewNotBatchAnchoredError(tag.TagCode)
		}
		return nil, errors.NewDatabaseError("get batch", err)
	}
	if batch.MerkleRoot == nil {
		return nil, errors.NewNotBatchAnchoredError(tag.TagCode)
	}

	root := common.HexToHash(*batch.MerkleRoot)
	v := &ProofVerification{
		TagCode: tag.TagCode,
		Root:    root.Hex(),
		Local:   merkle.VerifyIdentifier(tag.TagCode, tag.Proof, root),
	}

	if onChain {
		if s.registry == nil {
			return nil, errors.NewChainUnavailableError("verifyInclusion", adapter.ErrNotConfigured)
		}
		ok, err := s.registry.VerifyInclusion(ctx, tag.TagCode, merkle.BatchKey(batch.ID), tag.Proof)
		if err != nil {
			return nil, errors.NewChainUnavailableError("verifyInclusion", err)
		}
		v.OnChain = &ok
	}
	return v, nil
}

// UpdateMetadata pins new metadata and, for a minted tag, queues a
// setTokenURI call on the outbox. A pin failure blocks the update.
func (s *TagService) UpdateMetadata(ctx context.Context, tagCode string, metadata json.RawMessage) (*MetadataResult, error) {
	if len(metadata) == 0 || !json.Valid(metadata) {
		return nil, errors.NewInvalidParameterError("metadata", "must be a JSON document")
	}
	tag, err := getTag(ctx, s.tags, tagCode)
	if err != nil {
		return nil, err
	}
	if s.content == nil {
		return nil, errors.NewPinFailedError(stderrors.New("content store not configured"))
	}

	logger := logging.FromContext(ctx).WithTag(tag.TagCode)
	uri, err := s.content.Pin(ctx, "tag-"+tag.TagCode+"-metadata", metadata)
	if err != nil {
		logger.WithError(err).Warn("Metadata pin failed")
		return nil, errors.NewPinFailedError(err)
	}

	if err := s.tags.SetMetadataURI(ctx, tag.TagCode, uri); err != nil {
		return nil, errors.NewDatabaseError("record metadata uri", err)
	}

	result := &MetadataResult{TagCode: tag.TagCode, MetadataURI: uri, Outcome: types.OutcomeSuccess}
	if !tag.IsMinted() {
		// The locator is passed to the mint when the tag is claimed.
		return result, nil
	}

	entry := &models.OutboxEntry{
		Kind:    types.OutboxKindSetTokenURI,
		TagCode: tag.TagCode,
		TokenID: *tag.TokenID,
		Payload: uri,
	}
	if err := s.outbox.Enqueue(ctx, entry); err != nil {
		result.Outcome = types.OutcomePending
		return result, errors.NewDatabaseError("queue token uri update", err)
	}
	result.OutboxID = entry.ID

	logger.WithFields(map[string]interface{}{
		"uri":      uri,
		"outboxId": entry.ID,
	}).Info("Token URI update queued")
	record(ctx, s.journal, &models.TagEvent{
		TagCode: tag.TagCode,
		BatchID: deref(tag.BatchID),
		Event:   types.EventMetadataRequested,
		Detail:  uri,
	})
	return result, nil
}

// Events returns the audit history of a tag in chronological order
func (s *TagService) Events(ctx context.Context, tagCode string, limit int) ([]*models.TagEvent, error) {
	if _, err := getTag(ctx, s.tags, tagCode); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	events, err := s.journal.ListByTag(ctx, tagCode, limit)
	if err != nil {
		return nil, errors.NewDatabaseError("list tag events", err)
	}
	return events, nil
}

// Outbox lists queued chain calls for a tag
func (s *TagService) Outbox(ctx context.Context, tagCode string) ([]*models.OutboxEntry, error) {
	entries, err := s.outbox.ListByTag(ctx, tagCode)
	if err != nil {
		return nil, errors.NewDatabaseError("list outbox", err)
	}
	return entries, nil
}
