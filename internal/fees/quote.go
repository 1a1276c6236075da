package fees

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/params"
)

type Quote struct {
	ChainID              uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	// GasPrice is set instead of the two tiered fields on chains without a
	// base fee market.
	GasPrice   *big.Int
	GasLimit   uint64
	Strategy   string
	CapturedAt time.Time
}

func (q Quote) Tiered() bool {
	return q.MaxFeePerGas != nil
}

func (q Quote) Clone() Quote {
	q.MaxFeePerGas = cloneBig(q.MaxFeePerGas)
	q.MaxPriorityFeePerGas = cloneBig(q.MaxPriorityFeePerGas)
	q.GasPrice = cloneBig(q.GasPrice)
	return q
}

// Estimate is the raw answer of a fee source before any margin is applied.
type Estimate struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	GasPrice             *big.Int
	GasLimit             uint64
}

type SourceFunc func(ctx context.Context) (Estimate, error)

type Estimator interface {
	EstimateFees(ctx context.Context, chainID uint64) (Estimate, error)
}

// FromEstimator adapts an Estimator into the source for one chain.
func FromEstimator(e Estimator, chainID uint64) SourceFunc {
	return func(ctx context.Context) (Estimate, error) {
		return e.EstimateFees(ctx, chainID)
	}
}

var (
	fallbackMaxFee      = big.NewInt(20 * params.GWei)
	fallbackPriorityFee = big.NewInt(2 * params.GWei)
)

// Fallback serves fixed fees for chains that have no estimator.
func Fallback(gasLimit uint64) SourceFunc {
	return func(context.Context) (Estimate, error) {
		return Estimate{
			MaxFeePerGas:         new(big.Int).Set(fallbackMaxFee),
			MaxPriorityFeePerGas: new(big.Int).Set(fallbackPriorityFee),
			GasLimit:             gasLimit,
		}, nil
	}
}

func GweiToWei(gwei float64) *big.Int {
	if gwei <= 0 {
		return big.NewInt(0)
	}
	return mulFloat(big.NewInt(params.GWei), gwei)
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func mulFloat(v *big.Int, f float64) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	if f == 1.0 {
		return new(big.Int).Set(v)
	}
	r := new(big.Rat).SetInt(v)
	r.Mul(r, new(big.Rat).SetFloat64(f))
	out := new(big.Int)
	out.Div(r.Num(), r.Denom())
	return out
}
