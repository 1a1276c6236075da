package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"txaccel/internal/chain"
	"txaccel/internal/fees"
	"txaccel/internal/nonce"
	"txaccel/internal/perf"
	"txaccel/internal/pool"
	"txaccel/internal/txerr"
	"txaccel/internal/util"
)

const (
	DefaultStatsWindow = 50
	DefaultDedupeSize  = 8192
)

// Transport broadcasts a signed blob. Failures carry one of the
// rate-limited, fee-too-low, nonce-conflict or timeout kinds, or none.
type Transport interface {
	Submit(ctx context.Context, chainID uint64, blob []byte) (chain.Handle, error)
}

type Recorder interface {
	Record(chainID uint64, latency time.Duration, success bool)
	RecentStats(chainID uint64, window int) perf.Stats
}

type Pool interface {
	TakeNext(chainID uint64) (*pool.PooledTransaction, error)
	WaitNext(ctx context.Context, chainID uint64) (*pool.PooledTransaction, error)
	// Rewind resyncs the allocator, discards pooled work from discardFrom
	// up and refills, atomically with respect to other pool tasks. A
	// non-zero epoch skips the rewind once that epoch has been resynced.
	Rewind(chainID uint64, epoch, resyncTo, discardFrom uint64) (int, bool)
}

type Config struct {
	Registry    *chain.Registry
	Nonces      *nonce.Allocator
	Fees        *fees.Cache
	Pool        Pool
	Transport   Transport
	NonceSource nonce.Source
	Recorder    Recorder
	Metrics     *perf.Metrics
	// StatsWindow is how many recent samples feed fee adaptation.
	StatsWindow int
	DedupeSize  int
	Logger      *zap.SugaredLogger
	Now         func() time.Time
}

// Dispatcher submits pooled transactions and recovers from the errors the
// pool can fix by itself: rate limits are retried, stale fees and nonce
// conflicts drop the affected work and move on to a fresh transaction.
type Dispatcher struct {
	cfg     Config
	logger  *zap.SugaredLogger
	now     func() time.Time
	emitted *lru.Cache

	mu    sync.Mutex
	slots map[uint64]*semaphore.Weighted
}

func New(cfg Config) (*Dispatcher, error) {
	if cfg.Registry == nil || cfg.Nonces == nil || cfg.Fees == nil || cfg.Pool == nil {
		return nil, errors.New("dispatch: registry, nonce allocator, fee cache and pool are required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("dispatch: transport is required")
	}
	if cfg.Recorder == nil {
		cfg.Recorder = perf.NewRecorder(0)
	}
	if cfg.StatsWindow <= 0 {
		cfg.StatsWindow = DefaultStatsWindow
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = DefaultDedupeSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	emitted, err := lru.New(cfg.DedupeSize)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	return &Dispatcher{
		cfg:     cfg,
		logger:  cfg.Logger.Named("dispatch"),
		now:     cfg.Now,
		emitted: emitted,
		slots:   make(map[uint64]*semaphore.Weighted),
	}, nil
}

// Fire takes the next pooled transaction for the chain and submits it.
func (d *Dispatcher) Fire(ctx context.Context, chainID uint64) (chain.Handle, error) {
	tx, err := d.cfg.Pool.TakeNext(chainID)
	if err != nil {
		return chain.Handle{}, err
	}
	return d.Submit(ctx, tx)
}

// Submit sends tx with the chain's submission method. When tx is rejected
// for stale fees or a nonce conflict, the affected pooled work is dropped
// and the next fresh transaction is submitted in its place, up to the
// chain's retry limit. The returned handle names the transaction that was
// accepted.
func (d *Dispatcher) Submit(ctx context.Context, tx *pool.PooledTransaction) (chain.Handle, error) {
	if tx == nil {
		return chain.Handle{}, txerr.Newf(txerr.KindConfiguration, "submit", "nil transaction")
	}
	profile, err := d.cfg.Registry.Lookup(tx.ChainID)
	if err != nil {
		return chain.Handle{}, err
	}
	sem := d.slot(profile)
	if err := sem.Acquire(ctx, 1); err != nil {
		return chain.Handle{}, txerr.New(txerr.KindTimeout, "submit", err)
	}
	defer sem.Release(1)

	for reselect := 0; ; reselect++ {
		h, err := d.send(ctx, profile, tx)
		if err == nil {
			return h, nil
		}
		switch txerr.KindOf(err) {
		case txerr.KindFeeTooLow:
			d.recoverFeeTooLow(tx)
		case txerr.KindNonceConflict:
			if rerr := d.recoverNonceConflict(ctx, tx); rerr != nil {
				return chain.Handle{}, errors.Join(err, rerr)
			}
		default:
			return chain.Handle{}, err
		}
		if reselect >= profile.Retry.MaxRetries {
			return chain.Handle{}, err
		}
		next, werr := d.cfg.Pool.WaitNext(ctx, tx.ChainID)
		if werr != nil {
			return chain.Handle{}, werr
		}
		d.logger.Debugw("transaction reselected",
			"chainID", tx.ChainID,
			"failedNonce", tx.Nonce,
			"nonce", next.Nonce,
			"kind", txerr.KindOf(err).String(),
		)
		tx = next
	}
}

// send submits one pooled transaction, retrying rate-limited attempts
// with backoff. Every attempt is recorded. A pooled transaction goes out
// at most once; a re-signed replacement is a new one even when its bytes
// are identical.
func (d *Dispatcher) send(ctx context.Context, profile chain.Profile, tx *pool.PooledTransaction) (chain.Handle, error) {
	if seen, _ := d.emitted.ContainsOrAdd(tx, struct{}{}); seen {
		return chain.Handle{}, txerr.New(txerr.KindConfiguration, "submit",
			fmt.Errorf("transaction %s (nonce %d) was already emitted", tx.Hash.Hex(), tx.Nonce))
	}
	var h chain.Handle
	bo := util.NewBackoff(profile.Retry.MinBackoff, profile.Retry.MaxBackoff)
	err := util.Retry(ctx, profile.Retry.MaxRetries, bo, txerr.Transient, func() error {
		var err error
		h, err = d.attempt(ctx, tx)
		if txerr.Transient(err) {
			d.logger.Debugw("submission rate limited", "chainID", tx.ChainID, "nonce", tx.Nonce, "error", err)
		}
		return err
	})
	if err != nil {
		return chain.Handle{}, err
	}
	h.Nonce = tx.Nonce
	d.cfg.Nonces.ConfirmIn(nonce.Key{ChainID: tx.ChainID, Account: tx.Account}, tx.Epoch, tx.Nonce)
	return h, nil
}

func (d *Dispatcher) attempt(ctx context.Context, tx *pool.PooledTransaction) (chain.Handle, error) {
	start := d.now()
	h, err := d.cfg.Transport.Submit(ctx, tx.ChainID, tx.Blob)
	latency := d.now().Sub(start)

	outcome := "ok"
	success := err == nil
	switch {
	case err != nil:
		outcome = txerr.KindOf(err).String()
	case h.Receipt != nil && h.Receipt.Status == 0:
		outcome = "reverted"
		success = false
	}
	d.cfg.Recorder.Record(tx.ChainID, latency, success)
	d.cfg.Metrics.CountOutcome(tx.ChainID, outcome, latency)
	d.cfg.Fees.Adapt(tx.ChainID, d.cfg.Recorder.RecentStats(tx.ChainID, d.cfg.StatsWindow))
	return h, err
}

// recoverFeeTooLow rewinds the allocator to the lowest unconfirmed nonce
// and drops the pooled work above it, so the refill re-signs everything
// from there with a fresh quote. Unconfirmed nonces below the rejected one
// were signed no later than it was. A rejection from an epoch that was
// already rewound past is left alone; its nonce is being re-signed.
func (d *Dispatcher) recoverFeeTooLow(tx *pool.PooledTransaction) {
	d.cfg.Fees.Invalidate(tx.ChainID)
	from := tx.Nonce
	if st, ok := d.cfg.Nonces.State(nonce.Key{ChainID: tx.ChainID, Account: tx.Account}); ok && st.ConfirmedFrontier < from {
		from = st.ConfirmedFrontier
	}
	dropped, ok := d.cfg.Pool.Rewind(tx.ChainID, tx.Epoch, from, from)
	if !ok {
		d.logger.Debugw("fee too low from resynced epoch", "chainID", tx.ChainID, "nonce", tx.Nonce, "epoch", tx.Epoch)
		return
	}
	d.cfg.Metrics.CountResync(tx.ChainID)
	d.logger.Infow("fee too low, pooled transactions re-signed",
		"chainID", tx.ChainID,
		"nonce", tx.Nonce,
		"fromNonce", from,
		"dropped", dropped,
	)
}

func (d *Dispatcher) recoverNonceConflict(ctx context.Context, tx *pool.PooledTransaction) error {
	if d.cfg.NonceSource == nil {
		return txerr.Newf(txerr.KindNotInitialized, "nonce resync", "no nonce source")
	}
	observed, err := d.cfg.NonceSource.ObservedNonce(ctx, tx.ChainID, tx.Account)
	if err != nil {
		d.logger.Errorw("nonce resync failed", "chainID", tx.ChainID, "nonce", tx.Nonce, "error", err)
		return fmt.Errorf("nonce resync: %w", err)
	}
	from := tx.Nonce
	if observed < from {
		from = observed
	}
	dropped, _ := d.cfg.Pool.Rewind(tx.ChainID, 0, observed, from)
	d.cfg.Metrics.CountResync(tx.ChainID)
	d.logger.Warnw("nonce conflict, pooled transactions discarded",
		"chainID", tx.ChainID,
		"nonce", tx.Nonce,
		"observed", observed,
		"dropped", dropped,
	)
	return nil
}

func (d *Dispatcher) slot(profile chain.Profile) *semaphore.Weighted {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.slots[profile.ChainID]
	if !ok {
		s = semaphore.NewWeighted(int64(profile.Pool.MaxPending))
		d.slots[profile.ChainID] = s
	}
	return s
}
