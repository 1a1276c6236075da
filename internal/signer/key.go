package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"txaccel/internal/txbuilder"
	"txaccel/internal/txerr"
)

// Key signs in process with a raw secp256k1 key.
type Key struct {
	key     *ecdsa.PrivateKey
	account common.Address
}

func NewKey(key *ecdsa.PrivateKey) *Key {
	return &Key{key: key, account: crypto.PubkeyToAddress(key.PublicKey)}
}

func ParseKey(hexKey string) (*Key, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return NewKey(key), nil
}

func (k *Key) Account() common.Address {
	return k.account
}

func (k *Key) Sign(ctx context.Context, req txbuilder.Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, txerr.New(txerr.KindUnavailable, "key sign", err)
	}
	tx, err := txbuilder.Build(req)
	if err != nil {
		return nil, txerr.New(txerr.KindRejected, "key sign", err)
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(new(big.Int).SetUint64(req.ChainID)), k.key)
	if err != nil {
		return nil, txerr.New(txerr.KindRejected, "key sign", err)
	}
	blob, err := signed.MarshalBinary()
	if err != nil {
		return nil, txerr.New(txerr.KindRejected, "key sign", err)
	}
	return blob, nil
}
