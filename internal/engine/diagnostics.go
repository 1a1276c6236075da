package engine

import (
	"fmt"

	"txaccel/internal/chain"
	"txaccel/internal/fees"
	"txaccel/internal/nonce"
	"txaccel/internal/perf"
	"txaccel/internal/pool"
)

const (
	minDiagnosticSamples = 5
	lowSuccessRate       = 0.9
	lowNonceEfficiency   = 0.5
	minAllocatedForUsage = 10
)

type Diagnostics struct {
	Chain           chain.Profile
	Pool            pool.Status
	Nonce           *nonce.State
	NonceUsage      nonce.Usage
	Fee             *fees.Quote
	FeeDegraded     bool
	Performance     perf.Stats
	Grade           perf.Grade
	Recommendations []string
}

// Diagnostics collects everything known about one chain and derives tuning
// hints from it.
func (e *Engine) Diagnostics(chainID uint64) (Diagnostics, error) {
	profile, err := e.registry.Lookup(chainID)
	if err != nil {
		return Diagnostics{}, err
	}
	st, err := e.pool.Status(chainID)
	if err != nil {
		return Diagnostics{}, err
	}
	key := e.pool.Key(chainID)
	d := Diagnostics{
		Chain:       profile,
		Pool:        st,
		NonceUsage:  e.nonces.Usage(key),
		FeeDegraded: e.fees.Degraded(chainID),
		Performance: e.Stats(chainID),
	}
	if ns, ok := e.nonces.State(key); ok {
		d.Nonce = &ns
	}
	if q, ok := e.fees.Peek(chainID); ok {
		d.Fee = &q
	}
	d.Grade = d.Performance.Grade()
	d.Recommendations = recommend(d)
	return d, nil
}

func recommend(d Diagnostics) []string {
	var out []string
	stats := d.Performance
	if stats.Count >= minDiagnosticSamples && stats.SuccessRate < lowSuccessRate {
		out = append(out, fmt.Sprintf("success rate %.0f%% is low: raise the fee multiplier or check the signer", stats.SuccessRate*100))
	}
	if d.Grade == perf.GradeSlow {
		if d.Chain.Method == chain.MethodStandard {
			out = append(out, fmt.Sprintf("average latency %s: switch to a low-latency submission method if the chain offers one", stats.AverageLatency))
		} else {
			out = append(out, fmt.Sprintf("average latency %s: the endpoint is slow, try another RPC provider", stats.AverageLatency))
		}
	}
	if d.Pool.Exhaustions > 0 {
		out = append(out, fmt.Sprintf("pool ran dry %d times: raise the target size or the low-water mark", d.Pool.Exhaustions))
	}
	if d.NonceUsage.Allocated >= minAllocatedForUsage && d.NonceUsage.Efficiency() < lowNonceEfficiency {
		out = append(out, fmt.Sprintf("only %.0f%% of reserved nonces were used: lower the batch size", d.NonceUsage.Efficiency()*100))
	}
	if d.FeeDegraded {
		out = append(out, "fee source is failing, quotes are served from the last known value")
	}
	if d.Pool.Task == pool.TaskFailed {
		out = append(out, "last refill failed: "+d.Pool.LastError)
	}
	return out
}
