package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/tag-anchor/internal/adapter"
	"github.com/tag-anchor/internal/logging"
	"github.com/tag-anchor/internal/models"
	"github.com/tag-anchor/internal/retry"
	"github.com/tag-anchor/internal/types"
)

// OutboxQueue is the subset of the outbox repository the worker drives
type OutboxQueue interface {
	ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]*models.OutboxEntry, error)
	MarkSubmitted(ctx context.Context, id, txHash string) error
	MarkDone(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id string, attempts int, lastErr string, next time.Time) error
	MarkFailed(ctx context.Context, id string, lastErr string) error
}

// TokenURIWriter sends setTokenURI and reads its receipt
type TokenURIWriter interface {
	SetTokenURI(ctx context.Context, tokenID *big.Int, uri string) (common.Hash, error)
	Receipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
}

// OutboxWorkerConfig holds configuration for the outbox worker
type OutboxWorkerConfig struct {
	Queue        OutboxQueue
	Chain        TokenURIWriter
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	Lease        time.Duration // how long a claimed entry stays hidden from other workers
	Backoff      *retry.RetryConfig
}

// OutboxWorker delivers queued setTokenURI calls. A submitted entry is
// completed only once its receipt shows success.
type OutboxWorker struct {
	*runner
	queue       OutboxQueue
	chain       TokenURIWriter
	batchSize   int
	maxAttempts int
	lease       time.Duration
	backoff     *retry.RetryConfig
	now         func() time.Time

	// sent holds hashes whose submission could not be recorded, by entry id
	sentMu sync.Mutex
	sent   map[string]string
}

// NewOutboxWorker creates a new outbox worker
func NewOutboxWorker(cfg *OutboxWorkerConfig) (*OutboxWorker, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("outbox queue cannot be nil")
	}
	if cfg.Chain == nil {
		return nil, fmt.Errorf("chain writer cannot be nil")
	}

	w := &OutboxWorker{
		queue:       cfg.Queue,
		chain:       cfg.Chain,
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
		lease:       cfg.Lease,
		backoff:     cfg.Backoff,
		now:         time.Now,
		sent:        make(map[string]string),
	}
	if w.batchSize <= 0 {
		w.batchSize = 20
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = 8
	}
	if w.lease <= 0 {
		w.lease = time.Minute
	}
	if w.backoff == nil {
		w.backoff = retry.DefaultRetryConfig()
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	w.runner = newRunner("outbox", interval, w.poll)
	return w, nil
}

func (w *OutboxWorker) poll(ctx context.Context) (int, error) {
	entries, err := w.queue.ClaimDue(ctx, w.batchSize, w.lease)
	if err != nil {
		return 0, fmt.Errorf("failed to claim outbox entries: %w", err)
	}

	for _, e := range entries {
		w.process(ctx, e)
	}
	return len(entries), nil
}

func (w *OutboxWorker) process(ctx context.Context, e *models.OutboxEntry) {
	logger := logging.FromContext(ctx).WithTag(e.TagCode).WithFields(map[string]interface{}{
		"outboxId": e.ID,
		"kind":     e.Kind,
		"attempts": e.Attempts,
	})
	ctx = logging.WithLogger(ctx, logger)

	if e.Kind != types.OutboxKindSetTokenURI {
		w.fail(ctx, e, fmt.Sprintf("unsupported outbox kind %q", e.Kind))
		return
	}

	if e.Status == types.OutboxStatusSubmitted && e.TxHash != nil {
		w.forget(e.ID)
		w.checkSubmitted(ctx, e)
		return
	}

	// A send whose hash never reached the queue is tracked, not repeated.
	if hash, ok := w.remembered(e.ID); ok {
		logger.WithTx(hash).Warn("Resolving unrecorded token URI submission")
		if w.recordSubmitted(ctx, e.ID, hash) == nil {
			e.Status = types.OutboxStatusSubmitted
		}
		e.TxHash = &hash
		w.checkSubmitted(ctx, e)
		return
	}

	tokenID, ok := new(big.Int).SetString(e.TokenID, 10)
	if !ok {
		w.fail(ctx, e, fmt.Sprintf("invalid token id %q", e.TokenID))
		return
	}

	txHash, err := w.chain.SetTokenURI(ctx, tokenID, e.Payload)
	if err != nil && !(stderrors.Is(err, adapter.ErrSubmitUnknown) && txHash != (common.Hash{})) {
		w.retryOrFail(ctx, e, e.Attempts+1, err)
		return
	}

	hash := txHash.Hex()
	if err := w.recordSubmitted(ctx, e.ID, hash); err != nil {
		w.remember(e.ID, hash)
		logger.WithError(err).WithTx(hash).Error("Failed to record outbox submission, tracking hash in memory")
		return
	}
	logger.WithTx(hash).Info("Token URI update submitted")
}

// recordSubmitted stores the tx hash with short retries
func (w *OutboxWorker) recordSubmitted(ctx context.Context, id, hash string) error {
	res := retry.WithExponentialBackoff(ctx, retry.PersistRetryConfig(), func(ctx context.Context, attempt int) error {
		return w.queue.MarkSubmitted(ctx, id, hash)
	})
	if res.Success {
		w.forget(id)
	}
	return res.Err()
}

func (w *OutboxWorker) remember(id, hash string) {
	w.sentMu.Lock()
	defer w.sentMu.Unlock()
	w.sent[id] = hash
}

func (w *OutboxWorker) remembered(id string) (string, bool) {
	w.sentMu.Lock()
	defer w.sentMu.Unlock()
	hash, ok := w.sent[id]
	return hash, ok
}

func (w *OutboxWorker) forget(id string) {
	w.sentMu.Lock()
	defer w.sentMu.Unlock()
	delete(w.sent, id)
}

// checkSubmitted resolves a sent entry from its receipt. A missing receipt
// leaves the entry for the next lease.
func (w *OutboxWorker) checkSubmitted(ctx context.Context, e *models.OutboxEntry) {
	logger := logging.FromContext(ctx).WithTx(*e.TxHash)

	receipt, err := w.chain.Receipt(ctx, common.HexToHash(*e.TxHash))
	switch {
	case stderrors.Is(err, adapter.ErrReceiptNotFound):
		logger.Debug("Token URI update not mined yet")
		return
	case err != nil:
		logger.WithError(err).Warn("Failed to read token URI receipt")
		return
	}

	w.forget(e.ID)
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		w.retryOrFail(ctx, e, e.Attempts, adapter.ErrExecutionReverted)
		return
	}
	if err := w.queue.MarkDone(ctx, e.ID); err != nil {
		logger.WithError(err).Error("Failed to complete outbox entry")
		return
	}
	logger.Info("Token URI update confirmed")
}

func (w *OutboxWorker) retryOrFail(ctx context.Context, e *models.OutboxEntry, attempts int, cause error) {
	logger := logging.FromContext(ctx).WithError(cause)
	if attempts >= w.maxAttempts {
		w.fail(ctx, e, cause.Error())
		return
	}

	next := w.now().Add(retry.NextDelay(w.backoff, attempts))
	if err := w.queue.MarkRetry(ctx, e.ID, attempts, cause.Error(), next); err != nil {
		logger.WithField("updateError", err.Error()).Error("Failed to reschedule outbox entry")
		return
	}
	logger.WithField("nextAttemptAt", next.Format(time.RFC3339)).Warn("Outbox entry rescheduled")
}

func (w *OutboxWorker) fail(ctx context.Context, e *models.OutboxEntry, reason string) {
	logger := logging.FromContext(ctx).WithField("reason", reason)
	if err := w.queue.MarkFailed(ctx, e.ID, reason); err != nil {
		logger.WithField("updateError", err.Error()).Error("Failed to park outbox entry")
		return
	}
	logger.Error("Outbox entry failed permanently")
}
