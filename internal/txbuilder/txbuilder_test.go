package txbuilder

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"txaccel/internal/fees"
)

var (
	counter  = common.HexToAddress("0xb34cac1135c27ec810e7e6880325085783c1a7e0")
	selector = [4]byte{0xa2, 0xe6, 0x20, 0x45}
)

func dynamicQuote() fees.Quote {
	return fees.Quote{
		ChainID:              6342,
		MaxFeePerGas:         big.NewInt(1000000000),
		MaxPriorityFeePerGas: big.NewInt(200000000),
		GasLimit:             100000,
		Strategy:             "dynamic",
		CapturedAt:           time.Unix(1700000000, 0),
	}
}

func TestBuildDynamicTx(t *testing.T) {
	data, err := CallData(selector)
	if err != nil {
		t.Fatalf("CallData error: %v", err)
	}
	tx, err := Build(Request{ChainID: 6342, To: counter, Data: data, Nonce: 7, Quote: dynamicQuote()})
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if tx.Type() != types.DynamicFeeTxType {
		t.Fatalf("unexpected tx type %d", tx.Type())
	}
	if tx.Nonce() != 7 || tx.Gas() != 100000 {
		t.Fatalf("unexpected nonce/gas: %d/%d", tx.Nonce(), tx.Gas())
	}
	if tx.GasFeeCap().Int64() != 1000000000 || tx.GasTipCap().Int64() != 200000000 {
		t.Fatalf("unexpected fees: %s/%s", tx.GasFeeCap(), tx.GasTipCap())
	}
	if got := hexutil.Encode(tx.Data()); got != "0xa2e62045" {
		t.Fatalf("unexpected calldata %s", got)
	}
	if tx.ChainId().Uint64() != 6342 {
		t.Fatalf("unexpected chain id %s", tx.ChainId())
	}
}

func TestBuildLegacyTx(t *testing.T) {
	q := fees.Quote{GasPrice: big.NewInt(5000000000), GasLimit: 21000}
	tx, err := Build(Request{ChainID: 31337, To: counter, Nonce: 1, Quote: q})
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if tx.Type() != types.LegacyTxType {
		t.Fatalf("unexpected tx type %d", tx.Type())
	}
	if tx.GasPrice().Int64() != 5000000000 {
		t.Fatalf("unexpected gas price %s", tx.GasPrice())
	}
}

func TestBuildRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		req  Request
	}{
		{"no chain", Request{To: counter, Quote: dynamicQuote()}},
		{"no gas", Request{ChainID: 1, To: counter, Quote: fees.Quote{MaxFeePerGas: big.NewInt(1), MaxPriorityFeePerGas: big.NewInt(1)}}},
		{"no price", Request{ChainID: 1, To: counter, Quote: fees.Quote{GasLimit: 21000}}},
		{"tip above cap", Request{ChainID: 1, To: counter, Quote: fees.Quote{MaxFeePerGas: big.NewInt(1), MaxPriorityFeePerGas: big.NewInt(2), GasLimit: 21000}}},
		{"negative value", Request{ChainID: 1, To: counter, Value: big.NewInt(-1), Quote: dynamicQuote()}},
	}
	for _, tc := range cases {
		if _, err := Build(tc.req); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestHashMatchesSignedTransaction(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	tx, err := Build(Request{ChainID: 6342, To: counter, Data: selector[:], Nonce: 3, Quote: dynamicQuote()})
	if err != nil {
		t.Fatal(err)
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(6342)), key)
	if err != nil {
		t.Fatal(err)
	}
	blob, err := signed.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if Hash(blob) != signed.Hash() {
		t.Fatalf("hash mismatch %s != %s", Hash(blob), signed.Hash())
	}
	decoded, err := Decode(blob)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if decoded.Nonce() != 3 {
		t.Fatalf("unexpected nonce %d", decoded.Nonce())
	}
	if _, err := Decode([]byte{0x02, 0x01}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestCallDataArgs(t *testing.T) {
	data, err := CallData(selector, big.NewInt(5))
	if err != nil {
		t.Fatalf("CallData error: %v", err)
	}
	expected := "0xa2e62045" + hexutil.Encode(common.LeftPadBytes([]byte{5}, 32))[2:]
	if hexutil.Encode(data) != expected {
		t.Fatalf("unexpected calldata %s", hexutil.Encode(data))
	}
	if _, err := CallData(selector, big.NewInt(-1)); err == nil {
		t.Fatal("expected error for negative arg")
	}
}
