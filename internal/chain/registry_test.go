package chain

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txaccel/internal/txerr"
)

func testProfile(id uint64) Profile {
	return Profile{
		ChainID:  id,
		Endpoint: "http://127.0.0.1:8545",
		Contract: DefaultContract,
		Selector: DefaultSelector,
	}
}

func TestRegisterChainFillsPresetDefaults(t *testing.T) {
	r := NewRegistry()
	p, err := r.RegisterChain(testProfile(MegaETHChainID))
	require.NoError(t, err)

	assert.Equal(t, "megaeth", p.Name)
	assert.Equal(t, MethodStandard, p.Method, "explicit zero method is kept")
	assert.Equal(t, 100, p.Pool.TargetSize)
	assert.Equal(t, 25, p.Pool.BatchSize)
	assert.InDelta(t, 0.2, p.Pool.LowWaterMark, 1e-9)
	assert.InDelta(t, 0.1, p.Pool.CriticalMark, 1e-9)
	assert.Equal(t, 2*time.Minute, p.Fees.TTL)
	assert.Equal(t, 200*time.Millisecond, p.Pool.SignInterval)

	got, err := r.Lookup(MegaETHChainID)
	require.NoError(t, err)
	assert.Equal(t, p.ChainID, got.ChainID)
}

func TestRegisterChainRejectsDuplicatesAndInvalid(t *testing.T) {
	r := NewRegistry()
	_, err := r.RegisterChain(testProfile(1))
	require.NoError(t, err)

	_, err = r.RegisterChain(testProfile(1))
	require.ErrorIs(t, err, txerr.ErrConfiguration)

	bad := testProfile(2)
	bad.Contract = common.Address{}
	_, err = r.RegisterChain(bad)
	require.ErrorIs(t, err, txerr.ErrConfiguration)
	assert.Contains(t, err.Error(), "contract address is required")

	small := testProfile(3)
	small.Pool.BatchSize = 50
	small.Pool.MaxPending = 10
	_, err = r.RegisterChain(small)
	require.ErrorIs(t, err, txerr.ErrConfiguration)
}

func TestLookupUnknownChain(t *testing.T) {
	_, err := NewRegistry().Lookup(42)
	require.ErrorIs(t, err, txerr.ErrConfiguration)
}

func TestChainsSorted(t *testing.T) {
	r := NewRegistry()
	for _, id := range []uint64{RISEChainID, FoundryChainID, MegaETHChainID} {
		_, err := r.RegisterChain(testProfile(id))
		require.NoError(t, err)
	}
	chains := r.Chains()
	require.Len(t, chains, 3)
	assert.Equal(t, MegaETHChainID, chains[0].ChainID)
	assert.Equal(t, FoundryChainID, chains[1].ChainID)
	assert.Equal(t, RISEChainID, chains[2].ChainID)
}

func TestParseMethodAndSelector(t *testing.T) {
	m, err := ParseMethod("realtime")
	require.NoError(t, err)
	assert.Equal(t, "realtime_sendRawTransaction", m.RPCName())

	m, err = ParseMethod("sync-ack")
	require.NoError(t, err)
	assert.Equal(t, "eth_sendRawTransactionSync", m.RPCName())

	_, err = ParseMethod("carrier-pigeon")
	require.Error(t, err)

	sel, err := ParseSelector("0xa2e62045")
	require.NoError(t, err)
	assert.Equal(t, DefaultSelector, sel)

	_, err = ParseSelector("0xa2e6")
	require.Error(t, err)
}
