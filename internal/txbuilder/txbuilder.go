package txbuilder

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"txaccel/internal/fees"
)

// Request carries everything needed to produce one signed call.
type Request struct {
	ChainID uint64
	From    common.Address
	To      common.Address
	Value   *big.Int
	Data    []byte
	Nonce   uint64
	Quote   fees.Quote
}

// Build returns the unsigned transaction for req: a dynamic fee
// transaction when the quote is tiered, a legacy one otherwise.
func Build(req Request) (*types.Transaction, error) {
	if req.ChainID == 0 {
		return nil, errors.New("chainID is required")
	}
	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}
	if value.Sign() < 0 {
		return nil, errors.New("value must be non-negative")
	}
	if req.Quote.GasLimit == 0 {
		return nil, errors.New("gasLimit is required")
	}
	chainID := new(big.Int).SetUint64(req.ChainID)
	if req.Quote.Tiered() {
		return buildDynamicTx(chainID, req.To, value, req.Data, req.Nonce, req.Quote)
	}
	return buildLegacyTx(req.To, value, req.Data, req.Nonce, req.Quote)
}

func buildDynamicTx(chainID *big.Int, to common.Address, value *big.Int, data []byte, nonce uint64, q fees.Quote) (*types.Transaction, error) {
	if q.MaxFeePerGas == nil || q.MaxPriorityFeePerGas == nil {
		return nil, errors.New("maxFeePerGas and maxPriorityFeePerGas are required")
	}
	if q.MaxFeePerGas.Sign() < 0 || q.MaxPriorityFeePerGas.Sign() < 0 {
		return nil, errors.New("fee values must be non-negative")
	}
	if q.MaxPriorityFeePerGas.Cmp(q.MaxFeePerGas) > 0 {
		return nil, fmt.Errorf("priority fee %s exceeds max fee %s", q.MaxPriorityFeePerGas, q.MaxFeePerGas)
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		Gas:       q.GasLimit,
		GasFeeCap: new(big.Int).Set(q.MaxFeePerGas),
		GasTipCap: new(big.Int).Set(q.MaxPriorityFeePerGas),
		To:        &to,
		Value:     value,
		Data:      common.CopyBytes(data),
	}), nil
}

func buildLegacyTx(to common.Address, value *big.Int, data []byte, nonce uint64, q fees.Quote) (*types.Transaction, error) {
	if q.GasPrice == nil {
		return nil, errors.New("gasPrice is required")
	}
	if q.GasPrice.Sign() < 0 {
		return nil, errors.New("gasPrice must be non-negative")
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: new(big.Int).Set(q.GasPrice),
		Gas:      q.GasLimit,
		To:       &to,
		Value:    value,
		Data:     common.CopyBytes(data),
	}), nil
}

// CallData encodes a call to selector with static uint256 arguments.
func CallData(selector [4]byte, args ...*big.Int) ([]byte, error) {
	data := append([]byte{}, selector[:]...)
	for i, a := range args {
		word, err := encodeUint256(a)
		if err != nil {
			return nil, fmt.Errorf("arg %d: %w", i, err)
		}
		data = append(data, word...)
	}
	return data, nil
}

// Hash is the transaction hash of a signed blob.
func Hash(blob []byte) common.Hash {
	return crypto.Keccak256Hash(blob)
}

func Decode(blob []byte) (*types.Transaction, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(blob); err != nil {
		return nil, fmt.Errorf("decode signed transaction: %w", err)
	}
	return tx, nil
}

func encodeUint256(v *big.Int) ([]byte, error) {
	if v == nil {
		return nil, errors.New("value is nil")
	}
	if v.Sign() < 0 {
		return nil, errors.New("value must be non-negative")
	}
	if v.BitLen() > 256 {
		return nil, errors.New("value overflows uint256")
	}
	return common.LeftPadBytes(v.Bytes(), 32), nil
}
