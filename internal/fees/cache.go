package fees

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"txaccel/internal/perf"
	"txaccel/internal/txerr"
)

const (
	DefaultTTL              = 5 * time.Minute
	DefaultMaxFeeMultiplier = 1.2

	minAdaptSamples = 5
)

// Policy is the per-chain margin and lifetime applied to fetched quotes.
type Policy struct {
	TTL              time.Duration
	MaxFeeMultiplier float64
	MinPriorityFee   *big.Int
	GasLimit         uint64
}

// Bias scales the next fetched quote. It never touches a quote that was
// already handed out.
type Bias struct {
	Fee      float64
	Priority float64
}

var neutralBias = Bias{Fee: 1, Priority: 1}

func (b Bias) neutral() bool {
	return b == neutralBias
}

type entry struct {
	quote    *Quote
	stale    bool
	degraded bool
	bias     Bias
}

type Cache struct {
	logger *zap.SugaredLogger
	now    func() time.Time
	group  singleflight.Group

	mu       sync.Mutex
	policies map[uint64]Policy
	entries  map[uint64]*entry
}

func NewCache(logger *zap.SugaredLogger) *Cache {
	return NewCacheWithClock(logger, time.Now)
}

func NewCacheWithClock(logger *zap.SugaredLogger, now func() time.Time) *Cache {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{
		logger:   logger.Named("fees"),
		now:      now,
		policies: make(map[uint64]Policy),
		entries:  make(map[uint64]*entry),
	}
}

func (c *Cache) Configure(chainID uint64, p Policy) {
	if p.TTL <= 0 {
		p.TTL = DefaultTTL
	}
	if p.MaxFeeMultiplier <= 0 {
		p.MaxFeeMultiplier = DefaultMaxFeeMultiplier
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policies[chainID] = p
}

// GetQuote returns the cached quote while it is younger than the chain's
// TTL and not invalidated. Otherwise it fetches from src and applies the
// chain's margin. When src fails and an older quote exists, that quote is
// returned as is.
func (c *Cache) GetQuote(ctx context.Context, chainID uint64, src SourceFunc) (Quote, error) {
	if q, ok := c.fresh(chainID); ok {
		return q, nil
	}
	v, err, _ := c.group.Do(strconv.FormatUint(chainID, 10), func() (interface{}, error) {
		if q, ok := c.fresh(chainID); ok {
			return q, nil
		}
		return c.refresh(ctx, chainID, src)
	})
	if err != nil {
		return Quote{}, err
	}
	return v.(Quote).Clone(), nil
}

func (c *Cache) fresh(chainID uint64) (Quote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[chainID]
	if !ok || e.quote == nil || e.stale {
		return Quote{}, false
	}
	if c.now().Sub(e.quote.CapturedAt) >= c.policyLocked(chainID).TTL {
		return Quote{}, false
	}
	return e.quote.Clone(), true
}

func (c *Cache) refresh(ctx context.Context, chainID uint64, src SourceFunc) (Quote, error) {
	c.mu.Lock()
	e := c.entryLocked(chainID)
	bias := e.bias
	pol := c.policyLocked(chainID)
	c.mu.Unlock()

	var (
		est Estimate
		err error
	)
	if src == nil {
		err = errors.New("no fee source")
	} else {
		est, err = src(ctx)
	}
	var q Quote
	if err == nil {
		q, err = buildQuote(chainID, est, pol, bias, c.now())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if e.quote != nil {
			if !e.degraded {
				c.logger.Warnw("fee source unavailable, serving last known quote",
					"chainID", chainID,
					"capturedAt", e.quote.CapturedAt,
					"err", err,
				)
			}
			e.degraded = true
			return e.quote.Clone(), nil
		}
		if txerr.KindOf(err) == txerr.KindOther {
			err = txerr.New(txerr.KindUnavailable, "fee quote", err)
		}
		return Quote{}, err
	}
	if e.degraded {
		c.logger.Infow("fee source recovered", "chainID", chainID)
	}
	e.quote = &q
	e.stale = false
	e.degraded = false
	c.logger.Debugw("fee quote refreshed",
		"chainID", chainID,
		"strategy", q.Strategy,
		"maxFee", q.MaxFeePerGas,
		"priorityFee", q.MaxPriorityFeePerGas,
		"gasPrice", q.GasPrice,
	)
	return q.Clone(), nil
}

func (c *Cache) Invalidate(chainID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[chainID]; ok {
		e.stale = true
	}
}

// Adapt derives the bias for the next refresh from recent submission
// results. Too few samples leave the bias unchanged.
func (c *Cache) Adapt(chainID uint64, stats perf.Stats) Bias {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(chainID)
	if stats.Count < minAdaptSamples {
		return e.bias
	}
	next := neutralBias
	switch {
	case stats.SuccessRate < 0.9:
		next = Bias{Fee: 1.5, Priority: 1.3}
	case stats.SuccessRate > 0.98 && stats.AverageLatency < 2*time.Second:
		next = Bias{Fee: 0.9, Priority: 0.9}
	}
	if next != e.bias {
		c.logger.Infow("fee bias changed",
			"chainID", chainID,
			"feeBias", next.Fee,
			"priorityBias", next.Priority,
			"successRate", stats.SuccessRate,
			"avgLatency", stats.AverageLatency,
		)
	}
	e.bias = next
	return next
}

// Peek returns the cached quote without fetching, regardless of age.
func (c *Cache) Peek(chainID uint64) (Quote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[chainID]
	if !ok || e.quote == nil {
		return Quote{}, false
	}
	return e.quote.Clone(), true
}

// Quotes returns every cached quote that has not been invalidated.
func (c *Cache) Quotes() []Quote {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Quote, 0, len(c.entries))
	for _, e := range c.entries {
		if e.quote == nil || e.stale {
			continue
		}
		out = append(out, e.quote.Clone())
	}
	return out
}

// Restore seeds the cache with a previously saved quote. It is ignored when
// the chain already holds a quote or q is older than the chain's TTL.
func (c *Cache) Restore(q Quote) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.now().Sub(q.CapturedAt) >= c.policyLocked(q.ChainID).TTL {
		return false
	}
	e := c.entryLocked(q.ChainID)
	if e.quote != nil {
		return false
	}
	cp := q.Clone()
	e.quote = &cp
	return true
}

func (c *Cache) Degraded(chainID uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[chainID]
	return ok && e.degraded
}

func (c *Cache) entryLocked(chainID uint64) *entry {
	e, ok := c.entries[chainID]
	if !ok {
		e = &entry{bias: neutralBias}
		c.entries[chainID] = e
	}
	return e
}

func (c *Cache) policyLocked(chainID uint64) Policy {
	p, ok := c.policies[chainID]
	if !ok {
		return Policy{TTL: DefaultTTL, MaxFeeMultiplier: DefaultMaxFeeMultiplier}
	}
	return p
}

func buildQuote(chainID uint64, est Estimate, pol Policy, bias Bias, now time.Time) (Quote, error) {
	q := Quote{
		ChainID:    chainID,
		GasLimit:   est.GasLimit,
		CapturedAt: now,
	}
	if q.GasLimit == 0 {
		q.GasLimit = pol.GasLimit
	}
	if q.GasLimit == 0 {
		return Quote{}, txerr.Newf(txerr.KindConfiguration, "fee quote", "no gas limit for chain %d", chainID)
	}

	switch {
	case est.MaxFeePerGas != nil:
		ceiling := est.MaxFeePerGas
		tip := est.MaxPriorityFeePerGas
		if tip == nil {
			tip = big.NewInt(0)
		}
		if tip.Cmp(ceiling) > 0 {
			tip = new(big.Int).Div(ceiling, big.NewInt(2))
		}
		maxFee := mulFloat(ceiling, pol.MaxFeeMultiplier*bias.Fee)
		priority := mulFloat(tip, bias.Priority)
		if pol.MinPriorityFee != nil && priority.Cmp(pol.MinPriorityFee) < 0 {
			priority = new(big.Int).Set(pol.MinPriorityFee)
		}
		if priority.Cmp(maxFee) > 0 {
			priority = new(big.Int).Div(maxFee, big.NewInt(2))
		}
		q.MaxFeePerGas = maxFee
		q.MaxPriorityFeePerGas = priority
		q.Strategy = "dynamic"
	case est.GasPrice != nil:
		q.GasPrice = mulFloat(est.GasPrice, pol.MaxFeeMultiplier*bias.Fee)
		q.Strategy = "legacy"
	default:
		return Quote{}, txerr.Newf(txerr.KindUnavailable, "fee quote", "empty estimate for chain %d", chainID)
	}
	switch {
	case bias.neutral():
	case bias.Fee > 1:
		q.Strategy += "+boost"
	default:
		q.Strategy += "+discount"
	}
	return q, nil
}
