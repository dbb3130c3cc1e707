package adapter

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/tag-anchor/internal/config"
	"github.com/tag-anchor/internal/logging"
)

// gasBufferPercent is added on top of the node's gas estimate
const gasBufferPercent = 20

// ethBackend is the slice of *ethclient.Client the contract client uses
type ethBackend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
	Close()
}

type dialFunc func(ctx context.Context, url string) (ethBackend, error)

func dialEthClient(ctx context.Context, url string) (ethBackend, error) {
	return ethclient.DialContext(ctx, url)
}

// TagContract signs and submits registry transactions with one hot key
type TagContract struct {
	provider *RPCProvider
	dial     dialFunc

	clientMu sync.RWMutex
	client   ethBackend

	address        common.Address
	chainID        *big.Int
	key            *ecdsa.PrivateKey
	sender         common.Address
	signer         ethtypes.Signer
	limiter        *rate.Limiter
	receiptTimeout time.Duration
	pollInterval   time.Duration

	// nonceMu serializes sends so nonces are handed out in order
	nonceMu sync.Mutex
	nonce   *uint64
}

// NewTagContract dials the primary endpoint and loads the signing key
func NewTagContract(ctx context.Context, cfg *config.ChainConfig) (*TagContract, error) {
	if cfg.ContractAddress == "" || !common.IsHexAddress(cfg.ContractAddress) {
		return nil, NewAdapterError("init", ErrNotConfigured, map[string]interface{}{"field": "contractAddress"})
	}
	if cfg.PrivateKey == "" {
		return nil, NewAdapterError("init", ErrNotConfigured, map[string]interface{}{"field": "privateKey"})
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, NewAdapterError("init", fmt.Errorf("invalid private key: %w", err), nil)
	}

	provider, err := NewRPCProvider(cfg.RPCPrimary, cfg.RPCSecondary)
	if err != nil {
		return nil, NewAdapterError("init", err, nil)
	}

	client, err := dialEthClient(ctx, provider.CurrentURL())
	if err != nil {
		return nil, NewAdapterError("init", fmt.Errorf("%w: %v", ErrProviderUnavailable, err), nil)
	}

	return newTagContract(client, provider, dialEthClient, key, cfg), nil
}

func newTagContract(client ethBackend, provider *RPCProvider, dial dialFunc, key *ecdsa.PrivateKey, cfg *config.ChainConfig) *TagContract {
	chainID := big.NewInt(cfg.ChainID)
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 10
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}

	return &TagContract{
		provider:       provider,
		dial:           dial,
		client:         client,
		address:        common.HexToAddress(cfg.ContractAddress),
		chainID:        chainID,
		key:            key,
		sender:         crypto.PubkeyToAddress(key.PublicKey),
		signer:         ethtypes.LatestSignerForChainID(chainID),
		limiter:        rate.NewLimiter(rate.Limit(rps), rps),
		receiptTimeout: cfg.ReceiptTimeout,
		pollInterval:   poll,
	}
}

// Sender returns the signing address
func (c *TagContract) Sender() common.Address {
	return c.sender
}

// Address returns the registry contract address
func (c *TagContract) Address() common.Address {
	return c.address
}

// Close closes the underlying client
func (c *TagContract) Close() {
	c.clientMu.Lock()
	defer c.clientMu.Unlock()
	if c.client != nil {
		c.client.Close()
	}
}

// AnchorBatch submits anchorBatch(batchKey, root, manifestURI)
func (c *TagContract) AnchorBatch(ctx context.Context, batchKey, root common.Hash, manifestURI string) (common.Hash, error) {
	data, err := RegistryABI.Pack("anchorBatch", batchKey, root, manifestURI)
	if err != nil {
		return common.Hash{}, NewAdapterError("anchorBatch", err, nil)
	}
	return c.transact(ctx, "anchorBatch", data)
}

// LazyMint submits lazyMint(to, tagCode, batchKey, proof, tokenURI)
func (c *TagContract) LazyMint(ctx context.Context, to common.Address, tagCode string, batchKey common.Hash, proof []common.Hash, tokenURI string) (common.Hash, error) {
	data, err := RegistryABI.Pack("lazyMint", to, tagCode, batchKey, hashesToWords(proof), tokenURI)
	if err != nil {
		return common.Hash{}, NewAdapterError("lazyMint", err, map[string]interface{}{"tagCode": tagCode})
	}
	return c.transact(ctx, "lazyMint", data)
}

// MintTo submits mintTo(to, tagCode, tokenURI)
func (c *TagContract) MintTo(ctx context.Context, to common.Address, tagCode, tokenURI string) (common.Hash, error) {
	data, err := RegistryABI.Pack("mintTo", to, tagCode, tokenURI)
	if err != nil {
		return common.Hash{}, NewAdapterError("mintTo", err, map[string]interface{}{"tagCode": tagCode})
	}
	return c.transact(ctx, "mintTo", data)
}

// SetTokenURI submits setTokenURI(tokenID, uri)
func (c *TagContract) SetTokenURI(ctx context.Context, tokenID *big.Int, uri string) (common.Hash, error) {
	data, err := RegistryABI.Pack("setTokenURI", tokenID, uri)
	if err != nil {
		return common.Hash{}, NewAdapterError("setTokenURI", err, nil)
	}
	return c.transact(ctx, "setTokenURI", data)
}

// VerifyInclusion calls verifyInclusion(tagCode, batchKey, proof)
func (c *TagContract) VerifyInclusion(ctx context.Context, tagCode string, batchKey common.Hash, proof []common.Hash) (bool, error) {
	out, err := c.call(ctx, "verifyInclusion", tagCode, batchKey, hashesToWords(proof))
	if err != nil {
		return false, err
	}
	ok, _ := out[0].(bool)
	return ok, nil
}

// AnchoredBatch reads batches(batchKey); a zero root means not anchored
func (c *TagContract) AnchoredBatch(ctx context.Context, batchKey common.Hash) (*AnchorRecord, bool, error) {
	out, err := c.call(ctx, "batches", batchKey)
	if err != nil {
		return nil, false, err
	}
	if len(out) != 3 {
		return nil, false, NewAdapterError("batches", fmt.Errorf("unexpected output count %d", len(out)), nil)
	}

	root, _ := out[0].([32]byte)
	uri, _ := out[1].(string)
	at, _ := out[2].(uint64)
	if root == ([32]byte{}) {
		return nil, false, nil
	}
	return &AnchorRecord{Root: common.Hash(root), ManifestURI: uri, AnchoredAt: at}, true, nil
}

// OwnerOf reads ownerOf(tokenID). ERC-721 reverts for unknown tokens.
func (c *TagContract) OwnerOf(ctx context.Context, tokenID *big.Int) (common.Address, bool, error) {
	out, err := c.call(ctx, "ownerOf", tokenID)
	if err != nil {
		if errors.Is(err, ErrExecutionReverted) {
			return common.Address{}, false, nil
		}
		return common.Address{}, false, err
	}
	owner, _ := out[0].(common.Address)
	if owner == (common.Address{}) {
		return owner, false, nil
	}
	return owner, true, nil
}

// FindActivation looks up the TagActivated log for tokenID
func (c *TagContract) FindActivation(ctx context.Context, tokenID *big.Int) (*Activation, bool, error) {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{c.address},
		Topics: [][]common.Hash{
			{tagActivatedEvent.ID},
			{common.BigToHash(tokenID)},
		},
	}

	var logs []ethtypes.Log
	err := c.withClient(ctx, "filterLogs", func(client ethBackend) error {
		var err error
		logs, err = client.FilterLogs(ctx, query)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	for i := range logs {
		if act, ok := decodeActivation(&logs[i], c.address); ok {
			return act, true, nil
		}
	}
	return nil, false, nil
}

// Receipt fetches a receipt without waiting
func (c *TagContract) Receipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	var receipt *ethtypes.Receipt
	err := c.withClient(ctx, "transactionReceipt", func(client ethBackend) error {
		var err error
		receipt, err = client.TransactionReceipt(ctx, txHash)
		if errors.Is(err, ethereum.NotFound) {
			return ErrReceiptNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// WaitForReceipt polls until the receipt lands. A failed receipt is
// returned together with ErrExecutionReverted.
func (c *TagContract) WaitForReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	if c.receiptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.receiptTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.Receipt(ctx, txHash)
		switch {
		case err == nil:
			if receipt.Status != ethtypes.ReceiptStatusSuccessful {
				return receipt, NewAdapterError("waitForReceipt", ErrExecutionReverted, map[string]interface{}{
					"txHash": txHash.Hex(),
				})
			}
			return receipt, nil
		case ctx.Err() != nil:
			return nil, ErrReceiptTimeout
		case !errors.Is(err, ErrReceiptNotFound):
			logging.FromContext(ctx).WithTx(txHash.Hex()).WithError(err).Warn("Receipt poll failed")
		}

		select {
		case <-ctx.Done():
			return nil, ErrReceiptTimeout
		case <-ticker.C:
		}
	}
}

func (c *TagContract) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := RegistryABI.Pack(method, args...)
	if err != nil {
		return nil, NewAdapterError(method, err, nil)
	}

	msg := ethereum.CallMsg{From: c.sender, To: &c.address, Data: data}
	var raw []byte
	err = c.withClient(ctx, method, func(client ethBackend) error {
		var err error
		raw, err = client.CallContract(ctx, msg, nil)
		return err
	})
	if err != nil {
		if isRevertError(err) {
			return nil, NewAdapterError(method, ErrExecutionReverted, map[string]interface{}{"reason": err.Error()})
		}
		return nil, err
	}

	out, err := RegistryABI.Unpack(method, raw)
	if err != nil {
		return nil, NewAdapterError(method, fmt.Errorf("decode output: %w", err), nil)
	}
	if len(out) == 0 {
		return nil, NewAdapterError(method, errors.New("empty output"), nil)
	}
	return out, nil
}

// transact builds, signs and sends an EIP-1559 transaction
func (c *TagContract) transact(ctx context.Context, op string, data []byte) (common.Hash, error) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	logger := logging.FromContext(ctx)

	nonce, err := c.nextNonce(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	tip, feeCap, err := c.fees(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	msg := ethereum.CallMsg{
		From:      c.sender,
		To:        &c.address,
		GasFeeCap: feeCap,
		GasTipCap: tip,
		Data:      data,
	}
	var gas uint64
	err = c.withClient(ctx, "estimateGas", func(client ethBackend) error {
		var err error
		gas, err = client.EstimateGas(ctx, msg)
		return err
	})
	if err != nil {
		if isRevertError(err) {
			return common.Hash{}, NewAdapterError(op, ErrExecutionReverted, map[string]interface{}{"reason": err.Error()})
		}
		return common.Hash{}, NewAdapterError(op, fmt.Errorf("estimate gas: %w", err), nil)
	}
	gas += gas * gasBufferPercent / 100

	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &c.address,
		Data:      data,
	})
	signed, err := ethtypes.SignTx(tx, c.signer, c.key)
	if err != nil {
		return common.Hash{}, NewAdapterError(op, fmt.Errorf("sign: %w", err), nil)
	}

	err = c.withClient(ctx, "sendTransaction", func(client ethBackend) error {
		err := client.SendTransaction(ctx, signed)
		if isAlreadyKnown(err) {
			return nil
		}
		return err
	})
	if err != nil {
		// Re-read the pending nonce so a broadcast tx is counted
		c.nonce = nil
		if isRevertError(err) {
			return common.Hash{}, NewAdapterError(op, ErrExecutionReverted, map[string]interface{}{"reason": err.Error()})
		}
		if isRejectedBeforeBroadcast(err) {
			return common.Hash{}, NewAdapterError(op, err, map[string]interface{}{"nonce": nonce})
		}
		logger.WithTx(signed.Hash().Hex()).WithError(err).Warn("Transaction send outcome unknown")
		return signed.Hash(), NewAdapterError(op, ErrSubmitUnknown, map[string]interface{}{
			"nonce": nonce,
			"error": err.Error(),
		})
	}

	next := nonce + 1
	c.nonce = &next

	logger.WithTx(signed.Hash().Hex()).WithFields(map[string]interface{}{
		"op":    op,
		"nonce": nonce,
		"gas":   gas,
	}).Info("Transaction submitted")
	return signed.Hash(), nil
}

// nextNonce must be called with nonceMu held
func (c *TagContract) nextNonce(ctx context.Context) (uint64, error) {
	if c.nonce != nil {
		return *c.nonce, nil
	}
	var nonce uint64
	err := c.withClient(ctx, "pendingNonceAt", func(client ethBackend) error {
		var err error
		nonce, err = client.PendingNonceAt(ctx, c.sender)
		return err
	})
	if err != nil {
		return 0, NewAdapterError("pendingNonceAt", err, nil)
	}
	return nonce, nil
}

// fees returns the tip and a fee cap of twice the base fee plus tip
func (c *TagContract) fees(ctx context.Context) (*big.Int, *big.Int, error) {
	var tip *big.Int
	var head *ethtypes.Header
	err := c.withClient(ctx, "fees", func(client ethBackend) error {
		var err error
		if tip, err = client.SuggestGasTipCap(ctx); err != nil {
			return err
		}
		head, err = client.HeaderByNumber(ctx, nil)
		return err
	})
	if err != nil {
		return nil, nil, NewAdapterError("fees", err, nil)
	}

	feeCap := new(big.Int).Set(tip)
	if head != nil && head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	return tip, feeCap, nil
}

// withClient rate limits fn and retries it once on the other endpoint
// when the error looks like an endpoint problem.
func (c *TagContract) withClient(ctx context.Context, op string, fn func(ethBackend) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	start := time.Now()
	err := fn(c.currentClient())
	if err == nil {
		c.provider.RecordSuccess(time.Since(start))
		return nil
	}
	if !IsFailoverError(err) || ctx.Err() != nil {
		return err
	}
	c.provider.RecordFailure()

	if failErr := c.provider.Failover(); failErr != nil {
		return err
	}
	client, dialErr := c.dial(ctx, c.provider.CurrentURL())
	if dialErr != nil {
		return NewAdapterError(op, ErrProviderUnavailable, map[string]interface{}{"error": dialErr.Error()})
	}

	c.swapClient(client)
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"op":    op,
		"error": err.Error(),
	}).Warn("RPC endpoint failed, switched provider")

	start = time.Now()
	if err := fn(client); err != nil {
		c.provider.RecordFailure()
		return err
	}
	c.provider.RecordSuccess(time.Since(start))
	return nil
}

func (c *TagContract) currentClient() ethBackend {
	c.clientMu.RLock()
	defer c.clientMu.RUnlock()
	return c.client
}

func (c *TagContract) swapClient(client ethBackend) {
	c.clientMu.Lock()
	old := c.client
	c.client = client
	c.clientMu.Unlock()
	if old != nil {
		old.Close()
	}
}

func hashesToWords(proof []common.Hash) [][32]byte {
	words := make([][32]byte, len(proof))
	for i, h := range proof {
		words[i] = h
	}
	return words
}

var _ TagRegistry = (*TagContract)(nil)
