package signer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"

	"txaccel/internal/txbuilder"
	"txaccel/internal/txerr"
)

// Keystore signs with an encrypted key from a geth keystore directory.
type Keystore struct {
	ks         *keystore.KeyStore
	passphrase string
	dir        string
	account    accounts.Account
}

// OpenKeystore opens dir and selects account; a zero account selects the
// first key in the directory.
func OpenKeystore(dir, passphrase string, account common.Address) (*Keystore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("keystore dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	ks := keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP)
	k := &Keystore{ks: ks, passphrase: passphrase, dir: dir}
	if account == (common.Address{}) {
		list := ks.Accounts()
		if len(list) == 0 {
			return k, nil
		}
		k.account = list[0]
		return k, nil
	}
	acct, err := k.find(account)
	if err != nil {
		return nil, err
	}
	k.account = acct
	return k, nil
}

// CreateAccount adds a new key and selects it when none is selected yet.
func (k *Keystore) CreateAccount() (common.Address, error) {
	if k.passphrase == "" {
		return common.Address{}, errors.New("keystore passphrase is empty")
	}
	acct, err := k.ks.NewAccount(k.passphrase)
	if err != nil {
		return common.Address{}, err
	}
	if k.account.Address == (common.Address{}) {
		k.account = acct
	}
	return acct.Address, nil
}

func (k *Keystore) Accounts() []common.Address {
	list := k.ks.Accounts()
	out := make([]common.Address, 0, len(list))
	for _, acct := range list {
		out = append(out, acct.Address)
	}
	return out
}

func (k *Keystore) Account() common.Address {
	return k.account.Address
}

func (k *Keystore) Dir() string {
	return filepath.Clean(k.dir)
}

func (k *Keystore) Sign(ctx context.Context, req txbuilder.Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, txerr.New(txerr.KindUnavailable, "keystore sign", err)
	}
	if k.account.Address == (common.Address{}) {
		return nil, txerr.New(txerr.KindUnavailable, "keystore sign", errors.New("no account selected"))
	}
	if k.passphrase == "" {
		return nil, txerr.New(txerr.KindRejected, "keystore sign", errors.New("keystore passphrase is empty"))
	}
	tx, err := txbuilder.Build(req)
	if err != nil {
		return nil, txerr.New(txerr.KindRejected, "keystore sign", err)
	}
	signed, err := k.ks.SignTxWithPassphrase(k.account, k.passphrase, tx, new(big.Int).SetUint64(req.ChainID))
	if err != nil {
		if errors.Is(err, keystore.ErrDecrypt) {
			return nil, txerr.New(txerr.KindRejected, "keystore sign", err)
		}
		return nil, txerr.New(txerr.KindUnavailable, "keystore sign", err)
	}
	blob, err := signed.MarshalBinary()
	if err != nil {
		return nil, txerr.New(txerr.KindRejected, "keystore sign", err)
	}
	return blob, nil
}

func (k *Keystore) find(addr common.Address) (accounts.Account, error) {
	for _, acct := range k.ks.Accounts() {
		if acct.Address == addr {
			return acct, nil
		}
	}
	return accounts.Account{}, fmt.Errorf("account %s not found in keystore", addr.Hex())
}
