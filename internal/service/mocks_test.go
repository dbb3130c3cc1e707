package service

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/tag-anchor/internal/adapter"
	"github.com/tag-anchor/internal/merkle"
	"github.com/tag-anchor/internal/models"
	"github.com/tag-anchor/internal/storage"
	"github.com/tag-anchor/internal/types"
)

// Mock stores for testing

type mockBatchStore struct {
	mu      sync.Mutex
	batches map[string]*models.Batch
}

func newMockBatchStore() *mockBatchStore {
	return &mockBatchStore{batches: make(map[string]*models.Batch)}
}

func (m *mockBatchStore) Create(ctx context.Context, b *models.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	b.CreatedAt, b.UpdatedAt = now, now
	cp := *b
	m.batches[b.ID] = &cp
	return nil
}

func (m *mockBatchStore) GetByID(ctx context.Context, id string) (*models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, storage.ErrNotFound)
	}
	cp := *b
	return &cp, nil
}

func (m *mockBatchStore) RecordAnchorSubmission(ctx context.Context, id, root, manifestURI, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok || b.Status != types.BatchStatusAnchoring {
		return storage.ErrStatusConflict
	}
	b.MerkleRoot, b.ManifestURI, b.AnchorTxHash = &root, &manifestURI, &txHash
	return nil
}

func (m *mockBatchStore) RecordRoot(ctx context.Context, id, root, manifestURI string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.batches[id]; ok {
		b.MerkleRoot, b.ManifestURI = &root, &manifestURI
	}
	return nil
}

func (m *mockBatchStore) TransitionStatus(ctx context.Context, id string, from, to types.BatchStatus, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok || b.Status != from {
		return storage.ErrStatusConflict
	}
	b.Status = to
	if errMsg != nil {
		b.Error = errMsg
	}
	b.UpdatedAt = time.Now()
	return nil
}

func (m *mockBatchStore) List(ctx context.Context, filters *storage.BatchFilters) ([]*models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Batch
	for _, b := range m.batches {
		if filters != nil && filters.Status != nil && b.Status != *filters.Status {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockBatchStore) ListStale(ctx context.Context, status types.BatchStatus, age time.Duration, limit int) ([]*models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Batch
	for _, b := range m.batches {
		if b.Status == status && time.Since(b.UpdatedAt) > age {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockBatchStore) age(id string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[id].UpdatedAt = time.Now().Add(-d)
}

type mockTagStore struct {
	mu   sync.Mutex
	tags map[string]*models.Tag

	insertErr        error
	setMintTxErr     error
	mintResultFails  int
	setMintTxCalls   int
	mintResultCalls  int
	insertChunkSizes []int
}

func newMockTagStore() *mockTagStore {
	return &mockTagStore{tags: make(map[string]*models.Tag)}
}

func (m *mockTagStore) put(t *models.Tag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tags[t.TagCode] = &cp
}

func (m *mockTagStore) Insert(ctx context.Context, t *models.Tag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tags[t.TagCode]; ok {
		return storage.ErrDuplicateTagCode
	}
	cp := *t
	m.tags[t.TagCode] = &cp
	return nil
}

func (m *mockTagStore) InsertChunked(ctx context.Context, tags []*models.Tag, chunkSize int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertChunkSizes = append(m.insertChunkSizes, chunkSize)
	if m.insertErr != nil {
		return m.insertErr
	}
	for _, t := range tags {
		if _, ok := m.tags[t.TagCode]; ok {
			return fmt.Errorf("chunk: %w", storage.ErrDuplicateTagCode)
		}
	}
	for _, t := range tags {
		cp := *t
		m.tags[t.TagCode] = &cp
	}
	return nil
}

func (m *mockTagStore) GetByCode(ctx context.Context, code string) (*models.Tag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tags[code]
	if !ok {
		return nil, fmt.Errorf("tag %s: %w", code, storage.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (m *mockTagStore) casLocked(code string, from types.TagStatus) (*models.Tag, error) {
	t, ok := m.tags[code]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if t.Status != from {
		return nil, storage.ErrStatusConflict
	}
	return t, nil
}

func (m *mockTagStore) CompareAndSetStatus(ctx context.Context, code string, from, to types.TagStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.casLocked(code, from)
	if err != nil {
		return err
	}
	t.Status = to
	return nil
}

func (m *mockTagStore) Attach(ctx context.Context, code string, from types.TagStatus, animalID, ranchID *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.casLocked(code, from)
	if err != nil {
		return err
	}
	t.Status = types.TagStatusAttached
	if animalID != nil {
		t.AnimalID = animalID
	}
	if ranchID != nil {
		t.RanchID = ranchID
	}
	return nil
}

func (m *mockTagStore) MarkMintFailed(ctx context.Context, code string, from types.TagStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.casLocked(code, from)
	if err != nil {
		return err
	}
	t.Status = types.TagStatusMintFailed
	t.MintTxHash = nil
	return nil
}

func (m *mockTagStore) SetMintTx(ctx context.Context, code, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setMintTxCalls++
	if m.setMintTxErr != nil {
		return m.setMintTxErr
	}
	t, ok := m.tags[code]
	if !ok {
		return storage.ErrNotFound
	}
	if t.TokenID != nil || (t.MintTxHash != nil && *t.MintTxHash != txHash) {
		return storage.ErrStatusConflict
	}
	t.MintTxHash = &txHash
	return nil
}

func (m *mockTagStore) SetMintResult(ctx context.Context, code, tokenID, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mintResultCalls++
	if m.mintResultFails > 0 {
		m.mintResultFails--
		return fmt.Errorf("connection reset by peer")
	}
	t, ok := m.tags[code]
	if !ok {
		return storage.ErrNotFound
	}
	if t.TokenID != nil && *t.TokenID != tokenID {
		return storage.ErrStatusConflict
	}
	t.TokenID = &tokenID
	if txHash != "" {
		t.MintTxHash = &txHash
	}
	return nil
}

func (m *mockTagStore) SetMetadataURI(ctx context.Context, code, uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tags[code]
	if !ok {
		return storage.ErrNotFound
	}
	t.MetadataURI = &uri
	return nil
}

func (m *mockTagStore) ListPendingMints(ctx context.Context, limit int) ([]*models.Tag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Tag
	for _, t := range m.tags {
		if t.MintTxHash != nil && t.TokenID == nil {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockTagStore) List(ctx context.Context, filters *storage.TagFilters) ([]*models.Tag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Tag
	for _, t := range m.tags {
		if filters != nil && filters.BatchID != nil && (t.BatchID == nil || *t.BatchID != *filters.BatchID) {
			continue
		}
		if filters != nil && filters.Status != nil && t.Status != *filters.Status {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *mockTagStore) CountByBatch(ctx context.Context, batchID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tags {
		if t.BatchID != nil && *t.BatchID == batchID {
			n++
		}
	}
	return n, nil
}

type mockOutbox struct {
	entries []*models.OutboxEntry
	err     error
}

func (m *mockOutbox) Enqueue(ctx context.Context, e *models.OutboxEntry) error {
	if m.err != nil {
		return m.err
	}
	e.ID = fmt.Sprintf("outbox-%d", len(m.entries)+1)
	e.Status = types.OutboxStatusPending
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockOutbox) ListByTag(ctx context.Context, tagCode string) ([]*models.OutboxEntry, error) {
	var out []*models.OutboxEntry
	for _, e := range m.entries {
		if e.TagCode == tagCode {
			out = append(out, e)
		}
	}
	return out, nil
}

type mockSequence struct {
	mu   sync.Mutex
	next int64
	err  error
}

func (m *mockSequence) Allocate(ctx context.Context, n int) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, 0, m.err
	}
	start := m.next + 1
	m.next += int64(n)
	return start, m.next, nil
}

type mockLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (m *mockLocker) Acquire(ctx context.Context, tagCode string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held == nil {
		m.held = make(map[string]bool)
	}
	if m.held[tagCode] {
		return nil, fmt.Errorf("tag %s: %w", tagCode, storage.ErrLockHeld)
	}
	m.held[tagCode] = true
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.held, tagCode)
	}, nil
}

type mockJournal struct {
	mu     sync.Mutex
	events []*models.TagEvent
	err    error
}

func (m *mockJournal) Record(ctx context.Context, events ...*models.TagEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, events...)
	return nil
}

func (m *mockJournal) ListByTag(ctx context.Context, tagCode string, limit int) ([]*models.TagEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.TagEvent
	for _, ev := range m.events {
		if ev.TagCode == tagCode {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *mockJournal) kinds() []types.TagEventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.TagEventType, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.Event
	}
	return out
}

type mockContent struct {
	pinned map[string][]byte
	err    error
}

func (m *mockContent) Pin(ctx context.Context, name string, content []byte) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	if m.pinned == nil {
		m.pinned = make(map[string][]byte)
	}
	m.pinned[name] = content
	return "ipfs://cid-" + name, nil
}

// mockRegistry behaves like the tag registry contract: lazy mints are checked
// against the anchored root and token ids are derived from the tag code.
type mockRegistry struct {
	mu sync.Mutex

	sender   common.Address
	contract common.Address

	anchorErr error
	mintErr   error
	waitErr   error
	revert    bool
	unmined   bool // transactions are accepted but never mined
	sendLost  bool // transactions are applied but the send reports an ambiguous error
	noEvent   bool
	eventID   *big.Int
	ownerErr  error

	receipts map[common.Hash]*ethtypes.Receipt
	anchored map[common.Hash]*adapter.AnchorRecord
	owners   map[string]common.Address
	actTx    map[string]common.Hash

	nextTx      int64
	anchorCalls int
	lazyCalls   int
	legacyCalls int
	uriCalls    int
	tokenURIs   map[string]string
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{
		sender:    common.HexToAddress("0x000000000000000000000000000000000000c0de"),
		contract:  common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		receipts:  make(map[common.Hash]*ethtypes.Receipt),
		anchored:  make(map[common.Hash]*adapter.AnchorRecord),
		owners:    make(map[string]common.Address),
		actTx:     make(map[string]common.Hash),
		tokenURIs: make(map[string]string),
	}
}

func (r *mockRegistry) newTxLocked() common.Hash {
	r.nextTx++
	return common.BigToHash(big.NewInt(0xa000 + r.nextTx))
}

func (r *mockRegistry) AnchorBatch(ctx context.Context, batchKey, root common.Hash, manifestURI string) (common.Hash, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.anchorCalls++
	if r.anchorErr != nil {
		return common.Hash{}, r.anchorErr
	}
	h := r.newTxLocked()
	if r.unmined {
		return h, nil
	}
	if r.revert {
		r.receipts[h] = &ethtypes.Receipt{TxHash: h, Status: ethtypes.ReceiptStatusFailed}
		return h, nil
	}
	r.anchored[batchKey] = &adapter.AnchorRecord{Root: root, ManifestURI: manifestURI, AnchoredAt: 1}
	r.receipts[h] = &ethtypes.Receipt{TxHash: h, Status: ethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10)}
	return h, r.sendErrLocked()
}

func (r *mockRegistry) sendErrLocked() error {
	if r.sendLost {
		return fmt.Errorf("%w: context deadline exceeded", adapter.ErrSubmitUnknown)
	}
	return nil
}

func (r *mockRegistry) LazyMint(ctx context.Context, to common.Address, tagCode string, batchKey common.Hash, proof []common.Hash, tokenURI string) (common.Hash, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lazyCalls++
	if r.mintErr != nil {
		return common.Hash{}, r.mintErr
	}
	rec, ok := r.anchored[batchKey]
	if !ok || !merkle.VerifyIdentifier(tagCode, proof, rec.Root) {
		return common.Hash{}, fmt.Errorf("%w: invalid proof", adapter.ErrExecutionReverted)
	}
	return r.mintLocked(to, tagCode, batchKey, tokenURI)
}

func (r *mockRegistry) MintTo(ctx context.Context, to common.Address, tagCode, tokenURI string) (common.Hash, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.legacyCalls++
	if r.mintErr != nil {
		return common.Hash{}, r.mintErr
	}
	return r.mintLocked(to, tagCode, common.Hash{}, tokenURI)
}

func (r *mockRegistry) mintLocked(to common.Address, tagCode string, batchKey common.Hash, tokenURI string) (common.Hash, error) {
	id := merkle.TokenID(tagCode)
	if _, exists := r.owners[id.String()]; exists {
		return common.Hash{}, fmt.Errorf("%w: token exists", adapter.ErrExecutionReverted)
	}

	h := r.newTxLocked()
	if r.unmined {
		return h, nil
	}
	if r.revert {
		r.receipts[h] = &ethtypes.Receipt{TxHash: h, Status: ethtypes.ReceiptStatusFailed}
		return h, nil
	}

	r.owners[id.String()] = to
	r.actTx[id.String()] = h
	r.tokenURIs[id.String()] = tokenURI

	receipt := &ethtypes.Receipt{TxHash: h, Status: ethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(11)}
	if !r.noEvent {
		eventID := id
		if r.eventID != nil {
			eventID = r.eventID
		}
		receipt.Logs = []*ethtypes.Log{activatedLog(r.contract, eventID, batchKey, to, tagCode, h)}
	}
	r.receipts[h] = receipt
	return h, r.sendErrLocked()
}

func activatedLog(contract common.Address, tokenID *big.Int, batchKey common.Hash, to common.Address, tagCode string, tx common.Hash) *ethtypes.Log {
	ev := adapter.RegistryABI.Events["TagActivated"]
	data, err := ev.Inputs.NonIndexed().Pack(tagCode)
	if err != nil {
		panic(err)
	}
	return &ethtypes.Log{
		Address: contract,
		Topics:  []common.Hash{ev.ID, common.BigToHash(tokenID), batchKey, common.BytesToHash(to.Bytes())},
		Data:    data,
		TxHash:  tx,
	}
}

func (r *mockRegistry) SetTokenURI(ctx context.Context, tokenID *big.Int, uri string) (common.Hash, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uriCalls++
	h := r.newTxLocked()
	r.tokenURIs[tokenID.String()] = uri
	r.receipts[h] = &ethtypes.Receipt{TxHash: h, Status: ethtypes.ReceiptStatusSuccessful}
	return h, nil
}

func (r *mockRegistry) WaitForReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.waitErr != nil {
		return nil, r.waitErr
	}
	receipt, ok := r.receipts[txHash]
	if !ok {
		return nil, adapter.ErrReceiptTimeout
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return receipt, adapter.ErrExecutionReverted
	}
	return receipt, nil
}

func (r *mockRegistry) Receipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	receipt, ok := r.receipts[txHash]
	if !ok {
		return nil, adapter.ErrReceiptNotFound
	}
	return receipt, nil
}

func (r *mockRegistry) VerifyInclusion(ctx context.Context, tagCode string, batchKey common.Hash, proof []common.Hash) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.anchored[batchKey]
	return ok && merkle.VerifyIdentifier(tagCode, proof, rec.Root), nil
}

func (r *mockRegistry) AnchoredBatch(ctx context.Context, batchKey common.Hash) (*adapter.AnchorRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.anchored[batchKey]
	return rec, ok, nil
}

func (r *mockRegistry) OwnerOf(ctx context.Context, tokenID *big.Int) (common.Address, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ownerErr != nil {
		return common.Address{}, false, r.ownerErr
	}
	owner, ok := r.owners[tokenID.String()]
	return owner, ok, nil
}

func (r *mockRegistry) FindActivation(ctx context.Context, tokenID *big.Int) (*adapter.Activation, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.actTx[tokenID.String()]
	if !ok {
		return nil, false, nil
	}
	return &adapter.Activation{TokenID: tokenID, TxHash: h, To: r.owners[tokenID.String()]}, true, nil
}

func (r *mockRegistry) Sender() common.Address {
	return r.sender
}

var _ adapter.TagRegistry = (*mockRegistry)(nil)

// testEnv wires every service to shared in-memory stores
type testEnv struct {
	batches  *mockBatchStore
	tags     *mockTagStore
	outbox   *mockOutbox
	seq      *mockSequence
	locker   *mockLocker
	journal  *mockJournal
	registry *mockRegistry
	content  *mockContent

	anchor    *AnchorService
	mint      *MintService
	reconcile *ReconcileService
	tagSvc    *TagService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{
		batches:  newMockBatchStore(),
		tags:     newMockTagStore(),
		outbox:   &mockOutbox{},
		seq:      &mockSequence{},
		locker:   &mockLocker{},
		journal:  &mockJournal{},
		registry: newMockRegistry(),
		content:  &mockContent{},
	}
	opts := Options{
		CodePrefix:          "TAG",
		ChunkSize:           2,
		MaxBatchSize:        100,
		OptimisticVerify:    true,
		ChainID:             84532,
		ContractAddress:     e.registry.contract.Hex(),
		StaleAnchoringAfter: time.Hour,
	}
	e.anchor = NewAnchorService(e.batches, e.tags, e.seq, e.registry, e.content, e.journal, opts)
	e.reconcile = NewReconcileService(e.tags, e.registry, e.journal, opts)
	e.mint = NewMintService(e.tags, e.batches, e.registry, e.locker, e.reconcile, e.journal, opts)
	e.tagSvc = NewTagService(e.tags, e.batches, e.outbox, e.registry, e.content, e.journal)
	return e
}

// createBatch anchors a ready batch of size tags
func (e *testEnv) createBatch(t *testing.T, size int) *models.Batch {
	t.Helper()
	res, err := e.anchor.CreateBatch(context.Background(), &CreateBatchRequest{Size: size, Name: "test"})
	require.NoError(t, err)
	require.Equal(t, types.BatchStatusReady, res.Batch.Status)
	return res.Batch
}

// addLegacyTag inserts a tag that has no batch and is minted with mintTo
func (e *testEnv) addLegacyTag(code string) {
	e.tags.put(&models.Tag{
		TagCode: code,
		Status:  types.TagStatusOnChainUnclaimed,
	})
}

func (e *testEnv) tag(t *testing.T, code string) *models.Tag {
	t.Helper()
	tag, err := e.tags.GetByCode(context.Background(), code)
	require.NoError(t, err)
	return tag
}
