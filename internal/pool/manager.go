package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"txaccel/internal/chain"
	"txaccel/internal/fees"
	"txaccel/internal/nonce"
	"txaccel/internal/perf"
	"txaccel/internal/txerr"
)

// compactAfter bounds how many consumed slots are kept before the
// backing slice is trimmed.
const compactAfter = 256

type Config struct {
	Registry    *chain.Registry
	Nonces      *nonce.Allocator
	Fees        *fees.Cache
	Signer      Signer
	NonceSource nonce.Source
	// FeeSource resolves the fee source for a chain. Nil serves the
	// fallback quote.
	FeeSource func(chainID uint64) fees.SourceFunc
	Stats     StatsSource
	Metrics   *perf.Metrics
	Logger    *zap.SugaredLogger
	Now       func() time.Time
}

type pool struct {
	chainID uint64
	account common.Address
	profile chain.Profile

	txs      []*PooledTransaction
	cursor   int
	consumed int
	appended int

	started        bool
	refillInFlight bool
	kind           taskKind
	task           TaskState
	cancelTask     context.CancelFunc
	generation     uint64

	lastBatch   int
	lastRefill  time.Time
	lastErr     error
	exhaustions int

	changed chan struct{}
}

func (p *pool) remaining() int {
	return len(p.txs) - p.cursor
}

func (p *pool) key() nonce.Key {
	return nonce.Key{ChainID: p.chainID, Account: p.account}
}

func (p *pool) notify() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Manager owns one pool per registered chain, bound to the signer's
// account. Consumption never blocks; refills run as tracked background
// tasks, at most one per chain.
type Manager struct {
	cfg    Config
	logger *zap.SugaredLogger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	pools map[uint64]*pool
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Registry == nil || cfg.Nonces == nil || cfg.Fees == nil {
		return nil, errors.New("pool: registry, nonce allocator and fee cache are required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("pool: signer is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger.Named("pool"),
		now:    cfg.Now,
		ctx:    ctx,
		cancel: cancel,
		pools:  make(map[uint64]*pool),
	}, nil
}

// WarmUp starts filling the chain's pool with target transactions. It
// returns once the task is scheduled; the pool is usable as soon as the
// first transaction is signed. A call while a refill is running is a
// no-op.
func (m *Manager) WarmUp(chainID uint64, target int) error {
	profile, err := m.cfg.Registry.Lookup(chainID)
	if err != nil {
		return err
	}
	if target <= 0 {
		target = profile.Pool.TargetSize
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.poolLocked(profile)
	if p.refillInFlight {
		m.logger.Debugw("warm-up skipped, task in flight", "chainID", chainID, "task", p.kind.String())
		return nil
	}
	p.started = true
	m.startTaskLocked(p, target, taskWarmUp)
	return nil
}

// TakeNext hands out the transaction at the cursor and advances it.
func (m *Manager) TakeNext(chainID uint64) (*PooledTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.startedLocked(chainID)
	if err != nil {
		return nil, err
	}
	if p.remaining() == 0 {
		p.exhaustions++
		m.maybeRefillLocked(p)
		return nil, txerr.New(txerr.KindPoolExhausted, "take", fmt.Errorf("chain %d pool is empty", chainID))
	}
	tx := p.txs[p.cursor]
	p.txs[p.cursor] = nil
	p.cursor++
	if p.cursor >= compactAfter && p.cursor*2 >= len(p.txs) {
		p.txs = append([]*PooledTransaction(nil), p.txs[p.cursor:]...)
		p.consumed += p.cursor
		p.cursor = 0
	}
	m.cfg.Metrics.SetPoolRemaining(chainID, p.remaining())
	m.maybeRefillLocked(p)
	return tx, nil
}

// WaitNext is TakeNext for callers that can wait for an in-flight refill.
// It gives up when no task is running, a task ends without leaving anything
// to take, or ctx ends.
func (m *Manager) WaitNext(ctx context.Context, chainID uint64) (*PooledTransaction, error) {
	for {
		tx, err := m.TakeNext(chainID)
		if err == nil || !errors.Is(err, txerr.ErrPoolExhausted) {
			return tx, err
		}
		m.mu.Lock()
		p, ok := m.pools[chainID]
		if !ok || !p.refillInFlight {
			m.mu.Unlock()
			return nil, err
		}
		ch := p.changed
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, txerr.New(txerr.KindPoolExhausted, "wait", ctx.Err())
		case <-ch:
		}

		m.mu.Lock()
		drained := !p.refillInFlight && p.remaining() == 0
		lastErr := p.lastErr
		m.mu.Unlock()
		if drained {
			if lastErr == nil {
				lastErr = fmt.Errorf("chain %d refill produced nothing", chainID)
			}
			return nil, txerr.New(txerr.KindPoolExhausted, "wait", lastErr)
		}
	}
}

// DiscardReservedFrom drops unconsumed transactions with nonce >= from and
// stops any task still signing for the chain. It returns how many were
// dropped. The dropped nonces stay reserved; use Rewind to hand them out
// again.
func (m *Manager) DiscardReservedFrom(chainID uint64, from uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[chainID]
	if !ok {
		return 0
	}
	dropped := m.dropLocked(p, func(n uint64) bool { return n < from })
	m.logger.Infow("pooled transactions discarded",
		"chainID", chainID,
		"fromNonce", from,
		"dropped", dropped,
		"remaining", p.remaining(),
	)
	return dropped
}

// Rewind resyncs the allocator to resyncTo, drops unconsumed transactions
// with nonce >= discardFrom and starts a refill from the new frontier.
// Transactions below resyncTo are dropped too, since the network already
// holds those nonces. A non-zero epoch makes the rewind conditional: it is
// skipped when the allocator has been resynced since that epoch. All of it
// happens under the pool lock, so no task reserves from the old frontier
// in between. It reports how many were dropped and whether it applied.
func (m *Manager) Rewind(chainID uint64, epoch, resyncTo, discardFrom uint64) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[chainID]
	if !ok {
		return 0, false
	}
	key := p.key()
	if epoch != 0 {
		if st, ok := m.cfg.Nonces.State(key); ok && st.Epoch != epoch {
			m.logger.Debugw("rewind from resynced epoch skipped",
				"chainID", chainID,
				"nonce", resyncTo,
				"epoch", epoch,
				"current", st.Epoch,
			)
			return 0, false
		}
	}
	m.cfg.Nonces.Resync(key, resyncTo)
	dropped := m.dropLocked(p, func(n uint64) bool { return n >= resyncTo && n < discardFrom })
	m.logger.Infow("pool rewound",
		"chainID", chainID,
		"resyncTo", resyncTo,
		"fromNonce", discardFrom,
		"dropped", dropped,
		"remaining", p.remaining(),
	)
	if p.started {
		m.startTaskLocked(p, m.refillSize(p), taskRefill)
	}
	return dropped, true
}

// dropLocked removes the unconsumed transactions keep rejects and
// supersedes the running task.
func (m *Manager) dropLocked(p *pool, keep func(nonce uint64) bool) int {
	kept := p.txs[:p.cursor]
	dropped := 0
	for _, tx := range p.txs[p.cursor:] {
		if keep(tx.Nonce) {
			kept = append(kept, tx)
			continue
		}
		dropped++
	}
	for i := len(kept); i < len(p.txs); i++ {
		p.txs[i] = nil
	}
	p.txs = kept
	m.supersedeLocked(p)
	m.cfg.Metrics.SetPoolRemaining(p.chainID, p.remaining())
	return dropped
}

// Refill starts a refill for the chain unless one is running.
func (m *Manager) Refill(chainID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[chainID]
	if !ok || !p.started || p.refillInFlight {
		return false
	}
	m.startTaskLocked(p, m.refillSize(p), taskRefill)
	return true
}

// Reset drops the chain's pool and nonce state.
func (m *Manager) Reset(chainID uint64) {
	m.mu.Lock()
	p, ok := m.pools[chainID]
	if ok {
		m.supersedeLocked(p)
		delete(m.pools, chainID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.cfg.Nonces.Reset(p.key())
	m.cfg.Metrics.SetPoolRemaining(chainID, 0)
	m.logger.Infow("pool reset", "chainID", chainID, "account", p.account)
}

func (m *Manager) Status(chainID uint64) (Status, error) {
	profile, err := m.cfg.Registry.Lookup(chainID)
	if err != nil {
		return Status{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[chainID]
	if !ok {
		return Status{
			ChainID: profile.ChainID,
			Account: m.cfg.Signer.Account(),
			State:   StateUninitialized,
			Task:    TaskIdle,
		}, nil
	}
	st := Status{
		ChainID:     p.chainID,
		Account:     p.account,
		State:       m.stateLocked(p),
		Total:       p.consumed + len(p.txs),
		Used:        p.consumed + p.cursor,
		Remaining:   p.remaining(),
		Refilling:   p.refillInFlight,
		Task:        p.task,
		LastBatch:   p.lastBatch,
		LastRefill:  p.lastRefill,
		Exhaustions: p.exhaustions,
	}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	return st, nil
}

// Wait blocks until no background task is running.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close stops all background tasks and waits for them to return.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) poolLocked(profile chain.Profile) *pool {
	p, ok := m.pools[profile.ChainID]
	if !ok {
		p = &pool{
			chainID: profile.ChainID,
			account: m.cfg.Signer.Account(),
			profile: profile,
			task:    TaskIdle,
			changed: make(chan struct{}),
		}
		m.pools[profile.ChainID] = p
	}
	return p
}

func (m *Manager) startedLocked(chainID uint64) (*pool, error) {
	p, ok := m.pools[chainID]
	if ok && p.started {
		return p, nil
	}
	if _, err := m.cfg.Registry.Lookup(chainID); err != nil {
		return nil, err
	}
	return nil, txerr.New(txerr.KindNotInitialized, "take", fmt.Errorf("chain %d pool not warmed up", chainID))
}

// supersedeLocked invalidates whatever task is running for p. Its results
// are ignored from here on and the flag is free for a new task.
func (m *Manager) supersedeLocked(p *pool) {
	p.generation++
	if p.cancelTask != nil {
		p.cancelTask()
		p.cancelTask = nil
	}
	if p.refillInFlight {
		p.refillInFlight = false
		p.task = TaskIdle
	}
	p.notify()
}

func (m *Manager) stateLocked(p *pool) State {
	remaining := p.remaining()
	switch {
	case !p.started:
		return StateUninitialized
	case p.appended == 0 && p.refillInFlight:
		return StateInitializing
	case remaining == 0:
		return StateExhausted
	case p.refillInFlight && p.kind == taskRefill:
		return StateRefilling
	}
	batch := float64(p.lastBatch)
	switch {
	case float64(remaining) <= p.profile.Pool.CriticalMark*batch:
		return StateCritical
	case float64(remaining) <= p.profile.Pool.LowWaterMark*batch:
		return StateLow
	default:
		return StateHealthy
	}
}

func (m *Manager) maybeRefillLocked(p *pool) {
	if !p.started || p.refillInFlight {
		return
	}
	threshold := p.profile.Pool.LowWaterMark * float64(p.lastBatch)
	if float64(p.remaining()) > threshold {
		return
	}
	m.startTaskLocked(p, m.refillSize(p), taskRefill)
}

// refillSize halves the batch while recent submissions mostly fail, so
// fewer signatures are spent on transactions likely to go stale.
func (m *Manager) refillSize(p *pool) int {
	size := p.profile.Pool.BatchSize
	if m.cfg.Stats == nil {
		return size
	}
	st := m.cfg.Stats.RecentStats(p.chainID, 20)
	if st.Count >= 5 && st.SuccessRate < 0.5 && size > 1 {
		size /= 2
	}
	return size
}

func (m *Manager) startTaskLocked(p *pool, size int, kind taskKind) {
	ctx, cancel := context.WithCancel(m.ctx)
	p.refillInFlight = true
	p.kind = kind
	p.task = TaskRunning
	p.cancelTask = cancel
	gen := p.generation
	m.logger.Debugw("pool task started",
		"chainID", p.chainID,
		"task", kind.String(),
		"size", size,
		"remaining", p.remaining(),
	)
	m.wg.Add(1)
	go m.run(ctx, p, gen, size, kind)
}
