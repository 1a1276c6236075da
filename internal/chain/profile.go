package chain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"txaccel/internal/txerr"
)

type SubmissionMethod int

const (
	MethodStandard SubmissionMethod = iota
	MethodLowLatency
	MethodSyncAck
)

func (m SubmissionMethod) String() string {
	switch m {
	case MethodLowLatency:
		return "low-latency"
	case MethodSyncAck:
		return "sync-ack"
	default:
		return "standard"
	}
}

// RPCName is the JSON-RPC method a signed blob is broadcast with.
func (m SubmissionMethod) RPCName() string {
	switch m {
	case MethodLowLatency:
		return "realtime_sendRawTransaction"
	case MethodSyncAck:
		return "eth_sendRawTransactionSync"
	default:
		return "eth_sendRawTransaction"
	}
}

func ParseMethod(s string) (SubmissionMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "standard", "eth_sendrawtransaction":
		return MethodStandard, nil
	case "low-latency", "realtime", "realtime_sendrawtransaction":
		return MethodLowLatency, nil
	case "sync-ack", "sync", "eth_sendrawtransactionsync":
		return MethodSyncAck, nil
	}
	return MethodStandard, fmt.Errorf("unknown submission method %q", s)
}

type PoolConfig struct {
	TargetSize int
	// LowWaterMark is the fraction of the last completed batch at or below
	// which a refill starts.
	LowWaterMark float64
	CriticalMark float64
	BatchSize    int
	MaxPending   int
	// SignInterval is the minimum gap between signing requests. Zero takes
	// the preset value and a negative value disables the gap.
	SignInterval time.Duration
	SignRetries  int
}

type FeeConfig struct {
	TTL              time.Duration
	MaxFeeMultiplier float64
	MinPriorityFee   *big.Int
	GasLimit         uint64
	// Fallback is served when no estimator is wired for the chain.
	Fallback bool
}

type RetryConfig struct {
	MaxRetries int
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

type Profile struct {
	ChainID        uint64
	Name           string
	Endpoint       string
	Method         SubmissionMethod
	Contract       common.Address
	Selector       [4]byte
	RequestTimeout time.Duration

	Pool  PoolConfig
	Fees  FeeConfig
	Retry RetryConfig
}

func (p Profile) String() string {
	if p.Name != "" {
		return fmt.Sprintf("%s(%d)", p.Name, p.ChainID)
	}
	return fmt.Sprintf("chain(%d)", p.ChainID)
}

// WithDefaults fills unset sizing, fee and retry parameters from the
// preset matching the chain id, or the generic preset.
func (p Profile) WithDefaults() Profile {
	base := PresetForChain(p.ChainID)
	if p.Name == "" {
		p.Name = base.Name
	}
	if p.RequestTimeout <= 0 {
		p.RequestTimeout = base.RequestTimeout
	}
	if p.Pool.TargetSize <= 0 {
		p.Pool.TargetSize = base.Pool.TargetSize
	}
	if p.Pool.LowWaterMark <= 0 {
		p.Pool.LowWaterMark = base.Pool.LowWaterMark
	}
	if p.Pool.CriticalMark <= 0 {
		p.Pool.CriticalMark = p.Pool.LowWaterMark / 2
	}
	if p.Pool.BatchSize <= 0 {
		p.Pool.BatchSize = base.Pool.BatchSize
	}
	if p.Pool.MaxPending <= 0 {
		p.Pool.MaxPending = base.Pool.MaxPending
	}
	switch {
	case p.Pool.SignInterval == 0:
		p.Pool.SignInterval = base.Pool.SignInterval
	case p.Pool.SignInterval < 0:
		p.Pool.SignInterval = 0
	}
	if p.Pool.SignRetries <= 0 {
		p.Pool.SignRetries = base.Pool.SignRetries
	}
	if p.Fees.TTL <= 0 {
		p.Fees.TTL = base.Fees.TTL
	}
	if p.Fees.MaxFeeMultiplier <= 0 {
		p.Fees.MaxFeeMultiplier = base.Fees.MaxFeeMultiplier
	}
	if p.Fees.MinPriorityFee == nil {
		p.Fees.MinPriorityFee = base.Fees.MinPriorityFee
	}
	if p.Fees.GasLimit == 0 {
		p.Fees.GasLimit = base.Fees.GasLimit
	}
	if p.Retry.MaxRetries <= 0 {
		p.Retry.MaxRetries = base.Retry.MaxRetries
	}
	if p.Retry.MinBackoff <= 0 {
		p.Retry.MinBackoff = base.Retry.MinBackoff
	}
	if p.Retry.MaxBackoff <= 0 {
		p.Retry.MaxBackoff = base.Retry.MaxBackoff
	}
	return p
}

func (p Profile) Validate() error {
	var errs []error
	if p.ChainID == 0 {
		errs = append(errs, errors.New("chain id is required"))
	}
	if p.Contract == (common.Address{}) {
		errs = append(errs, errors.New("contract address is required"))
	}
	if p.Selector == [4]byte{} {
		errs = append(errs, errors.New("call selector is required"))
	}
	if p.Pool.TargetSize < 1 {
		errs = append(errs, errors.New("pool target size must be >= 1"))
	}
	if p.Pool.BatchSize < 1 {
		errs = append(errs, errors.New("pool batch size must be >= 1"))
	}
	if p.Pool.LowWaterMark <= 0 || p.Pool.LowWaterMark >= 1 {
		errs = append(errs, errors.New("low water mark must be in (0, 1)"))
	}
	if p.Pool.CriticalMark > p.Pool.LowWaterMark {
		errs = append(errs, errors.New("critical mark must not exceed low water mark"))
	}
	if p.Pool.MaxPending < p.Pool.BatchSize {
		errs = append(errs, errors.New("max pending must be >= batch size"))
	}
	if len(errs) > 0 {
		return txerr.New(txerr.KindConfiguration, "register "+p.String(), errors.Join(errs...))
	}
	return nil
}

func ParseSelector(s string) ([4]byte, error) {
	var out [4]byte
	b, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil {
		return out, fmt.Errorf("selector %q: %w", s, err)
	}
	if len(b) != 4 {
		return out, fmt.Errorf("selector %q must be 4 bytes", s)
	}
	copy(out[:], b)
	return out, nil
}
