package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"txaccel/internal/chain"
	"txaccel/internal/dispatch"
	"txaccel/internal/fees"
	"txaccel/internal/network"
	"txaccel/internal/nonce"
	"txaccel/internal/perf"
	"txaccel/internal/pool"
	"txaccel/internal/txerr"
)

// Network is everything the engine needs from the chains it accelerates.
type Network interface {
	dispatch.Transport
	nonce.Source
	fees.Estimator
}

// connector is implemented by networks that manage their own connections.
type connector interface {
	Dial(ctx context.Context, p chain.Profile) error
	Close()
}

type Options struct {
	Signer pool.Signer
	// Network defaults to a network.Clients dialing each chain's endpoint.
	Network Network
	Logger  *zap.SugaredLogger
	// Registry receives the engine's collectors. Nil gets a fresh registry
	// with the Go and process collectors.
	Registry *prometheus.Registry

	PerfCapacity int
	StatsWindow  int
	DedupeSize   int
	Now          func() time.Time
}

// Engine owns one instance of every component and the registry they share.
// Nothing is global: two engines never see each other's state.
type Engine struct {
	logger *zap.SugaredLogger
	window int

	registry   *chain.Registry
	nonces     *nonce.Allocator
	fees       *fees.Cache
	recorder   *perf.Recorder
	promReg    *prometheus.Registry
	metrics    *perf.Metrics
	network    Network
	signer     pool.Signer
	pool       *pool.Manager
	dispatcher *dispatch.Dispatcher
}

func New(opts Options) (*Engine, error) {
	if opts.Signer == nil {
		return nil, errors.New("engine: signer is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.StatsWindow <= 0 {
		opts.StatsWindow = dispatch.DefaultStatsWindow
	}
	if opts.Network == nil {
		opts.Network = network.NewClients(opts.Logger)
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
		opts.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	e := &Engine{
		logger:   opts.Logger.Named("engine"),
		window:   opts.StatsWindow,
		registry: chain.NewRegistry(),
		nonces:   nonce.NewAllocatorWithClock(opts.Logger, opts.Now),
		fees:     fees.NewCacheWithClock(opts.Logger, opts.Now),
		recorder: perf.NewRecorderWithClock(opts.PerfCapacity, opts.Now),
		promReg:  opts.Registry,
		metrics:  perf.NewMetrics(opts.Registry),
		network:  opts.Network,
		signer:   opts.Signer,
	}
	var err error
	e.pool, err = pool.NewManager(pool.Config{
		Registry:    e.registry,
		Nonces:      e.nonces,
		Fees:        e.fees,
		Signer:      opts.Signer,
		NonceSource: opts.Network,
		FeeSource:   e.feeSource,
		Stats:       e.recorder,
		Metrics:     e.metrics,
		Logger:      opts.Logger,
		Now:         opts.Now,
	})
	if err != nil {
		return nil, err
	}
	e.dispatcher, err = dispatch.New(dispatch.Config{
		Registry:    e.registry,
		Nonces:      e.nonces,
		Fees:        e.fees,
		Pool:        e.pool,
		Transport:   opts.Network,
		NonceSource: opts.Network,
		Recorder:    e.recorder,
		Metrics:     e.metrics,
		StatsWindow: opts.StatsWindow,
		DedupeSize:  opts.DedupeSize,
		Logger:      opts.Logger,
		Now:         opts.Now,
	})
	if err != nil {
		e.pool.Close()
		return nil, err
	}
	return e, nil
}

// RegisterChain validates p, connects to its endpoint when the network
// manages connections, and makes the chain available to every component.
func (e *Engine) RegisterChain(ctx context.Context, p chain.Profile) (chain.Profile, error) {
	p = p.WithDefaults()
	if err := p.Validate(); err != nil {
		return chain.Profile{}, err
	}
	if _, err := e.registry.Lookup(p.ChainID); err == nil {
		return chain.Profile{}, txerr.Newf(txerr.KindConfiguration, "register "+p.String(), "chain already registered")
	}
	if c, ok := e.network.(connector); ok {
		if err := c.Dial(ctx, p); err != nil {
			return chain.Profile{}, err
		}
	}
	p, err := e.registry.RegisterChain(p)
	if err != nil {
		return chain.Profile{}, err
	}
	e.fees.Configure(p.ChainID, fees.Policy{
		TTL:              p.Fees.TTL,
		MaxFeeMultiplier: p.Fees.MaxFeeMultiplier,
		MinPriorityFee:   p.Fees.MinPriorityFee,
		GasLimit:         p.Fees.GasLimit,
	})
	e.logger.Infow("chain registered",
		"chain", p.String(),
		"method", p.Method.String(),
		"contract", p.Contract,
		"targetSize", p.Pool.TargetSize,
		"batchSize", p.Pool.BatchSize,
		"lowWaterMark", p.Pool.LowWaterMark,
	)
	return p, nil
}

func (e *Engine) Chains() []chain.Profile {
	return e.registry.Chains()
}

func (e *Engine) Account() string {
	return e.signer.Account().Hex()
}

// WarmUp schedules a warm-up of target transactions for the chain. A
// target of zero uses the chain's configured pool size.
func (e *Engine) WarmUp(chainID uint64, target int) error {
	return e.pool.WarmUp(chainID, target)
}

// WarmUpAll reads the account nonce of every registered chain in parallel
// and then schedules their warm-ups. It fails if any chain cannot be
// synced.
func (e *Engine) WarmUpAll(ctx context.Context) error {
	chains := e.registry.Chains()
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range chains {
		p := p
		g.Go(func() error {
			if err := e.nonces.Sync(gctx, e.pool.Key(p.ChainID), e.network); err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, p := range chains {
		if err := e.pool.WarmUp(p.ChainID, 0); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) TakeNext(chainID uint64) (*pool.PooledTransaction, error) {
	return e.pool.TakeNext(chainID)
}

func (e *Engine) Submit(ctx context.Context, tx *pool.PooledTransaction) (chain.Handle, error) {
	return e.dispatcher.Submit(ctx, tx)
}

// Fire takes the next pooled transaction for the chain and submits it.
func (e *Engine) Fire(ctx context.Context, chainID uint64) (chain.Handle, error) {
	return e.dispatcher.Fire(ctx, chainID)
}

func (e *Engine) Status(chainID uint64) (pool.Status, error) {
	return e.pool.Status(chainID)
}

func (e *Engine) Stats(chainID uint64) perf.Stats {
	return e.recorder.RecentStats(chainID, e.window)
}

// Reset drops all pooled and reserved state for the chain and forces the
// next quote to be fetched fresh.
func (e *Engine) Reset(chainID uint64) error {
	if _, err := e.registry.Lookup(chainID); err != nil {
		return err
	}
	e.pool.Reset(chainID)
	e.fees.Invalidate(chainID)
	return nil
}

// Quotes returns the cached fee quotes for persisting.
func (e *Engine) Quotes() []fees.Quote {
	return e.fees.Quotes()
}

// RestoreQuotes seeds the fee cache of registered chains from saved quotes
// that are still within their chain's TTL.
func (e *Engine) RestoreQuotes(quotes []fees.Quote) int {
	n := 0
	for _, q := range quotes {
		if _, err := e.registry.Lookup(q.ChainID); err != nil {
			continue
		}
		if e.fees.Restore(q) {
			n++
		}
	}
	if n > 0 {
		e.logger.Infow("fee quotes restored", "count", n)
	}
	return n
}

// Cleanup drops nonce state that has been idle longer than maxIdle.
func (e *Engine) Cleanup(maxIdle time.Duration) int {
	n := e.nonces.Cleanup(maxIdle)
	if n > 0 {
		e.logger.Infow("idle nonce state removed", "count", n)
	}
	return n
}

// Gatherer exposes the engine's collectors for scraping.
func (e *Engine) Gatherer() prometheus.Gatherer {
	return e.promReg
}

// Wait blocks until no warm-up or refill task is running.
func (e *Engine) Wait() {
	e.pool.Wait()
}

func (e *Engine) Close() {
	e.pool.Close()
	if c, ok := e.network.(connector); ok {
		c.Close()
	}
}

func (e *Engine) feeSource(chainID uint64) fees.SourceFunc {
	p, err := e.registry.Lookup(chainID)
	if err != nil || p.Fees.Fallback {
		return nil
	}
	return fees.FromEstimator(e.network, chainID)
}
