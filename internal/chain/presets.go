package chain

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
)

const (
	MegaETHChainID uint64 = 6342
	FoundryChainID uint64 = 31337
	SomniaChainID  uint64 = 50311
	RISEChainID    uint64 = 1313161556
)

// Counter contract every preset targets unless configured otherwise, and
// the selector of its update() method.
var (
	DefaultContract = common.HexToAddress("0xb34cac1135c27ec810e7e6880325085783c1a7e0")
	DefaultSelector = [4]byte{0xa2, 0xe6, 0x20, 0x45}
)

const defaultGasLimit = 100000

var presets = map[string]Profile{
	"megaeth": {
		ChainID:        MegaETHChainID,
		Name:           "megaeth",
		Method:         MethodLowLatency,
		RequestTimeout: 5 * time.Second,
		Pool: PoolConfig{
			TargetSize:   100,
			LowWaterMark: 0.2,
			BatchSize:    25,
			MaxPending:   150,
			SignInterval: 200 * time.Millisecond,
			SignRetries:  3,
		},
		Fees:  FeeConfig{TTL: 2 * time.Minute, MaxFeeMultiplier: 1.2, GasLimit: defaultGasLimit},
		Retry: RetryConfig{MaxRetries: 3, MinBackoff: 200 * time.Millisecond, MaxBackoff: 5 * time.Second},
	},
	"foundry": {
		ChainID:        FoundryChainID,
		Name:           "foundry",
		Method:         MethodStandard,
		RequestTimeout: 10 * time.Second,
		Pool: PoolConfig{
			TargetSize:   80,
			LowWaterMark: 0.25,
			BatchSize:    20,
			MaxPending:   120,
			SignInterval: 150 * time.Millisecond,
			SignRetries:  3,
		},
		Fees:  FeeConfig{TTL: 10 * time.Minute, MaxFeeMultiplier: 1.2, GasLimit: defaultGasLimit},
		Retry: RetryConfig{MaxRetries: 3, MinBackoff: 150 * time.Millisecond, MaxBackoff: 5 * time.Second},
	},
	"somnia": {
		ChainID:        SomniaChainID,
		Name:           "somnia",
		Method:         MethodStandard,
		RequestTimeout: 15 * time.Second,
		Pool:           genericPool,
		Fees:           genericFees,
		Retry:          genericRetry,
	},
	"rise": {
		ChainID:        RISEChainID,
		Name:           "rise",
		Method:         MethodSyncAck,
		RequestTimeout: 15 * time.Second,
		Pool:           genericPool,
		Fees:           genericFees,
		Retry:          genericRetry,
	},
	"default": {
		Name:           "default",
		Method:         MethodStandard,
		RequestTimeout: 15 * time.Second,
		Pool:           genericPool,
		Fees:           genericFees,
		Retry:          genericRetry,
	},
}

var (
	genericPool = PoolConfig{
		TargetSize:   60,
		LowWaterMark: 0.3,
		BatchSize:    15,
		MaxPending:   90,
		SignInterval: 300 * time.Millisecond,
		SignRetries:  3,
	}
	genericFees  = FeeConfig{TTL: 5 * time.Minute, MaxFeeMultiplier: 1.2, GasLimit: defaultGasLimit}
	genericRetry = RetryConfig{MaxRetries: 3, MinBackoff: 300 * time.Millisecond, MaxBackoff: 5 * time.Second}
)

// Preset returns the named preset profile. The returned profile has no
// endpoint, contract or selector.
func Preset(name string) (Profile, bool) {
	p, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Profile{}, false
	}
	p.Fees.MinPriorityFee = big.NewInt(params.GWei / 10)
	return p, true
}

func PresetForChain(chainID uint64) Profile {
	for name, p := range presets {
		if p.ChainID == chainID && chainID != 0 {
			out, _ := Preset(name)
			return out
		}
	}
	out, _ := Preset("default")
	out.ChainID = chainID
	return out
}
