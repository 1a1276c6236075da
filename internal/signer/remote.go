package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"txaccel/internal/txbuilder"
	"txaccel/internal/txerr"
)

const codeLimitExceeded = -32005

type rpcCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// Remote asks an external signing service over JSON-RPC
// (eth_signTransaction) for each blob.
type Remote struct {
	client  rpcCaller
	account common.Address
}

func NewRemote(client *rpc.Client, account common.Address) *Remote {
	return &Remote{client: client, account: account}
}

func (r *Remote) Account() common.Address {
	return r.account
}

type signArgs struct {
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to"`
	Gas                  hexutil.Uint64  `json:"gas"`
	GasPrice             *hexutil.Big    `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
	Value                *hexutil.Big    `json:"value"`
	Nonce                hexutil.Uint64  `json:"nonce"`
	Data                 hexutil.Bytes   `json:"data"`
	ChainID              *hexutil.Big    `json:"chainId"`
}

func (r *Remote) Sign(ctx context.Context, req txbuilder.Request) ([]byte, error) {
	if req.From == (common.Address{}) {
		req.From = r.account
	}
	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}
	to := req.To
	args := signArgs{
		From:    req.From,
		To:      &to,
		Gas:     hexutil.Uint64(req.Quote.GasLimit),
		Value:   (*hexutil.Big)(value),
		Nonce:   hexutil.Uint64(req.Nonce),
		Data:    req.Data,
		ChainID: (*hexutil.Big)(new(big.Int).SetUint64(req.ChainID)),
	}
	if req.Quote.Tiered() {
		args.MaxFeePerGas = (*hexutil.Big)(req.Quote.MaxFeePerGas)
		args.MaxPriorityFeePerGas = (*hexutil.Big)(req.Quote.MaxPriorityFeePerGas)
	} else {
		args.GasPrice = (*hexutil.Big)(req.Quote.GasPrice)
	}

	var raw json.RawMessage
	if err := r.client.CallContext(ctx, &raw, "eth_signTransaction", args); err != nil {
		return nil, classify("remote sign", err)
	}
	blob, err := decodeSignResult(raw)
	if err != nil {
		return nil, txerr.New(txerr.KindRejected, "remote sign", err)
	}
	tx, err := txbuilder.Decode(blob)
	if err != nil {
		return nil, txerr.New(txerr.KindRejected, "remote sign", err)
	}
	if tx.Nonce() != req.Nonce {
		return nil, txerr.Newf(txerr.KindRejected, "remote sign", "signer returned nonce %d, requested %d", tx.Nonce(), req.Nonce)
	}
	return blob, nil
}

// decodeSignResult accepts either a bare hex blob or an object carrying
// it under "raw".
func decodeSignResult(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, errors.New("empty signing result")
	}
	if raw[0] == '"' {
		var b hexutil.Bytes
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("decode signing result: %w", err)
		}
		return b, nil
	}
	var obj struct {
		Raw hexutil.Bytes `json:"raw"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("decode signing result: %w", err)
	}
	if len(obj.Raw) == 0 {
		return nil, errors.New("signing result has no raw transaction")
	}
	return obj.Raw, nil
}

func classify(op string, err error) error {
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return txerr.New(txerr.KindRateLimited, op, err)
		case httpErr.StatusCode >= 500:
			return txerr.New(txerr.KindUnavailable, op, err)
		default:
			return txerr.New(txerr.KindRejected, op, err)
		}
	}
	// Wallet and rate-limit codes are the only structured answers; any
	// other JSON-RPC error is a refusal.
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		if rpcErr.ErrorCode() == codeLimitExceeded {
			return txerr.New(txerr.KindRateLimited, op, err)
		}
		return txerr.New(txerr.KindRejected, op, err)
	}
	return txerr.New(txerr.KindUnavailable, op, err)
}
