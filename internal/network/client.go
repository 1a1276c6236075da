package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"txaccel/internal/chain"
	"txaccel/internal/fees"
	"txaccel/internal/txbuilder"
	"txaccel/internal/txerr"
)

const userAgent = "txaccel"

type conn struct {
	profile chain.Profile
	rpc     *rpc.Client
	eth     *ethclient.Client
}

// Clients keeps one RPC connection per registered chain and serves as fee
// estimator, nonce source and submission transport for all of them.
type Clients struct {
	logger *zap.SugaredLogger

	mu    sync.RWMutex
	conns map[uint64]*conn
}

func NewClients(logger *zap.SugaredLogger) *Clients {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Clients{logger: logger.Named("network"), conns: make(map[uint64]*conn)}
}

func (c *Clients) Dial(ctx context.Context, p chain.Profile) error {
	if p.Endpoint == "" {
		return txerr.Newf(txerr.KindConfiguration, "dial "+p.String(), "endpoint is empty")
	}
	httpClient := &http.Client{Timeout: p.RequestTimeout}
	client, err := rpc.DialOptions(ctx, p.Endpoint, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return txerr.New(txerr.KindConfiguration, "dial "+p.String(), err)
	}
	client.SetHeader("User-Agent", userAgent)
	c.Attach(p, client)
	c.logger.Infow("chain connected", "chainID", p.ChainID, "endpoint", p.Endpoint, "method", p.Method.String())
	return nil
}

// Attach registers an already connected client for p.
func (c *Clients) Attach(p chain.Profile, client *rpc.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.conns[p.ChainID]; ok {
		old.rpc.Close()
	}
	c.conns[p.ChainID] = &conn{profile: p, rpc: client, eth: ethclient.NewClient(client)}
}

func (c *Clients) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, cn := range c.conns {
		cn.rpc.Close()
		delete(c.conns, id)
	}
}

func (c *Clients) conn(chainID uint64) (*conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cn, ok := c.conns[chainID]
	if !ok {
		return nil, txerr.New(txerr.KindConfiguration, "network", fmt.Errorf("chain %d not connected", chainID))
	}
	return cn, nil
}

func (c *Clients) withTimeout(ctx context.Context, cn *conn) (context.Context, context.CancelFunc) {
	if cn.profile.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, cn.profile.RequestTimeout)
}

// ObservedNonce returns the larger of the latest and pending account nonce.
func (c *Clients) ObservedNonce(ctx context.Context, chainID uint64, account common.Address) (uint64, error) {
	cn, err := c.conn(chainID)
	if err != nil {
		return 0, err
	}
	ctx, cancel := c.withTimeout(ctx, cn)
	defer cancel()
	latest, err := cn.eth.NonceAt(ctx, account, nil)
	if err != nil {
		return 0, classifyQuery("nonce", err)
	}
	pending, err := cn.eth.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, classifyQuery("nonce", err)
	}
	if pending > latest {
		return pending, nil
	}
	return latest, nil
}

// EstimateFees reads the current base fee and tip. The ceiling leaves room
// for the base fee to double before the transaction is priced out.
func (c *Clients) EstimateFees(ctx context.Context, chainID uint64) (fees.Estimate, error) {
	cn, err := c.conn(chainID)
	if err != nil {
		return fees.Estimate{}, err
	}
	ctx, cancel := c.withTimeout(ctx, cn)
	defer cancel()
	header, err := cn.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return fees.Estimate{}, classifyQuery("estimate fees", err)
	}
	if header.BaseFee == nil {
		price, err := cn.eth.SuggestGasPrice(ctx)
		if err != nil {
			return fees.Estimate{}, classifyQuery("estimate fees", err)
		}
		return fees.Estimate{GasPrice: price, GasLimit: cn.profile.Fees.GasLimit}, nil
	}
	tip, err := cn.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return fees.Estimate{}, classifyQuery("estimate fees", err)
	}
	maxFee := new(big.Int).Mul(header.BaseFee, big.NewInt(2))
	maxFee.Add(maxFee, tip)
	return fees.Estimate{
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: tip,
		GasLimit:             cn.profile.Fees.GasLimit,
	}, nil
}

type receiptJSON struct {
	TransactionHash common.Hash     `json:"transactionHash"`
	Status          *hexutil.Uint64 `json:"status"`
	BlockNumber     *hexutil.Big    `json:"blockNumber"`
	GasUsed         hexutil.Uint64  `json:"gasUsed"`
}

// Submit broadcasts blob with the chain's submission method.
func (c *Clients) Submit(ctx context.Context, chainID uint64, blob []byte) (chain.Handle, error) {
	cn, err := c.conn(chainID)
	if err != nil {
		return chain.Handle{}, err
	}
	method := cn.profile.Method
	handle := chain.Handle{
		ChainID:     chainID,
		Hash:        txbuilder.Hash(blob),
		Method:      method,
		SubmittedAt: time.Now(),
	}
	ctx, cancel := c.withTimeout(ctx, cn)
	defer cancel()

	var raw json.RawMessage
	if err := cn.rpc.CallContext(ctx, &raw, method.RPCName(), hexutil.Encode(blob)); err != nil {
		if isAlreadyKnown(err) {
			c.logger.Debugw("transaction already known", "chainID", chainID, "hash", handle.Hash)
			return handle, nil
		}
		return chain.Handle{}, classifySubmit(method.RPCName(), err)
	}
	hash, receipt, err := decodeSubmitResult(raw)
	if err != nil {
		return chain.Handle{}, txerr.New(txerr.KindOther, method.RPCName(), err)
	}
	if hash != (common.Hash{}) && hash != handle.Hash {
		c.logger.Warnw("node reported a different transaction hash",
			"chainID", chainID,
			"expected", handle.Hash,
			"reported", hash,
		)
		handle.Hash = hash
	}
	handle.Receipt = receipt
	return handle, nil
}

func decodeSubmitResult(raw json.RawMessage) (common.Hash, *chain.Receipt, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return common.Hash{}, nil, nil
	}
	if raw[0] == '"' {
		var h common.Hash
		if err := json.Unmarshal(raw, &h); err != nil {
			return common.Hash{}, nil, fmt.Errorf("decode transaction hash: %w", err)
		}
		return h, nil, nil
	}
	var r receiptJSON
	if err := json.Unmarshal(raw, &r); err != nil {
		return common.Hash{}, nil, fmt.Errorf("decode receipt: %w", err)
	}
	if r.Status == nil {
		return common.Hash{}, nil, errors.New("receipt has no status")
	}
	out := &chain.Receipt{Status: uint64(*r.Status), GasUsed: uint64(r.GasUsed)}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.ToInt()
	}
	return r.TransactionHash, out, nil
}
