package pool

import (
	"context"
	"errors"
	"fmt"

	"txaccel/internal/fees"
	"txaccel/internal/nonce"
	"txaccel/internal/txbuilder"
	"txaccel/internal/txerr"
	"txaccel/internal/util"
)

var errSuperseded = errors.New("pool task superseded")

func (m *Manager) run(ctx context.Context, p *pool, gen uint64, size int, kind taskKind) {
	defer m.wg.Done()
	appended, err := m.fill(ctx, p, gen, size)
	m.finish(p, gen, kind, appended, err)
}

// fill reserves up to size nonces and signs one transaction per slot,
// appending each as soon as it is signed. Nonces are handed out in order
// only to slots that signed successfully; the unused tail of the range is
// released afterwards so no gap is left behind.
func (m *Manager) fill(ctx context.Context, p *pool, gen uint64, size int) (int, error) {
	key := p.key()
	profile := p.profile

	if err := m.cfg.Nonces.Sync(ctx, key, m.cfg.NonceSource); err != nil {
		return 0, err
	}
	data, err := txbuilder.CallData(profile.Selector)
	if err != nil {
		return 0, txerr.New(txerr.KindConfiguration, "calldata", err)
	}
	rng, err := m.reserve(p, gen, size)
	if err != nil || rng.Count == 0 {
		return 0, err
	}
	src := m.feeSource(p)
	bo := util.NewBackoff(profile.Retry.MinBackoff, profile.Retry.MaxBackoff)

	next := rng.Start
	appended := 0
	var fatal error
	for slot := 0; slot < rng.Count; slot++ {
		if slot > 0 {
			if err := util.Sleep(ctx, profile.Pool.SignInterval); err != nil {
				fatal = err
				break
			}
		}
		bo.Reset()
		var tx *PooledTransaction
		err := util.Retry(ctx, profile.Pool.SignRetries, bo, txerr.Transient, func() error {
			var err error
			tx, err = m.signSlot(ctx, p, src, data, rng.Epoch, next)
			return err
		})
		if err != nil {
			if txerr.Is(err, txerr.KindRateLimited) {
				m.logger.Warnw("signing slot skipped after retries",
					"chainID", p.chainID,
					"nonce", next,
					"error", err,
				)
				continue
			}
			fatal = err
			break
		}
		if !m.append(p, gen, tx) {
			fatal = errSuperseded
			break
		}
		appended++
		next++
	}

	if released, err := m.cfg.Nonces.ReleaseTail(rng, next); err != nil {
		m.logger.Warnw("failed to release unused nonces",
			"chainID", p.chainID,
			"from", next,
			"end", rng.End(),
			"error", err,
		)
	} else if released > 0 {
		m.logger.Debugw("unused nonces released", "chainID", p.chainID, "from", next, "count", released)
	}
	return appended, fatal
}

// reserve takes the nonce range for a task under the pool lock, so a task
// superseded by a discard or rewind never reserves. A zero range means the
// pending cap leaves no room.
func (m *Manager) reserve(p *pool, gen uint64, size int) (nonce.Range, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.generation != gen {
		return nonce.Range{}, errSuperseded
	}
	key := p.key()
	if room := p.profile.Pool.MaxPending - m.cfg.Nonces.Outstanding(key); size > room {
		size = room
	}
	if size <= 0 {
		m.logger.Debugw("pending cap reached, nothing to sign",
			"chainID", p.chainID,
			"maxPending", p.profile.Pool.MaxPending,
		)
		return nonce.Range{}, nil
	}
	return m.cfg.Nonces.ReserveRange(key, size)
}

func (m *Manager) signSlot(ctx context.Context, p *pool, src fees.SourceFunc, data []byte, epoch, n uint64) (*PooledTransaction, error) {
	quote, err := m.cfg.Fees.GetQuote(ctx, p.chainID, src)
	if err != nil {
		return nil, err
	}
	blob, err := m.cfg.Signer.Sign(ctx, txbuilder.Request{
		ChainID: p.chainID,
		From:    p.account,
		To:      p.profile.Contract,
		Data:    data,
		Nonce:   n,
		Quote:   quote,
	})
	if err != nil {
		return nil, err
	}
	m.cfg.Metrics.CountSigned(p.chainID)
	return &PooledTransaction{
		ChainID:   p.chainID,
		Account:   p.account,
		Nonce:     n,
		Epoch:     epoch,
		Hash:      txbuilder.Hash(blob),
		Blob:      blob,
		Quote:     quote,
		CreatedAt: m.now(),
	}, nil
}

// append adds tx unless the task that produced it was superseded.
func (m *Manager) append(p *pool, gen uint64, tx *PooledTransaction) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.generation != gen {
		return false
	}
	p.txs = append(p.txs, tx)
	p.appended++
	m.cfg.Metrics.SetPoolRemaining(p.chainID, p.remaining())
	p.notify()
	return true
}

func (m *Manager) finish(p *pool, gen uint64, kind taskKind, appended int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.generation != gen {
		m.logger.Debugw("superseded pool task finished", "chainID", p.chainID, "task", kind.String(), "appended", appended)
		return
	}
	if p.cancelTask != nil {
		p.cancelTask()
		p.cancelTask = nil
	}
	p.refillInFlight = false
	if appended > 0 {
		p.lastBatch = appended
		p.lastRefill = m.now()
	}
	result := "ok"
	switch {
	case err == nil:
		p.task = TaskIdle
		p.lastErr = nil
	case errors.Is(err, context.Canceled):
		p.task = TaskIdle
		result = "canceled"
	default:
		p.task = TaskFailed
		p.lastErr = err
		result = "failed"
		if appended > 0 {
			result = "partial"
		}
		m.logger.Errorw("pool task failed",
			"chainID", p.chainID,
			"task", kind.String(),
			"appended", appended,
			"remaining", p.remaining(),
			"error", err,
		)
	}
	m.cfg.Metrics.CountRefill(p.chainID, result)
	m.cfg.Metrics.SetPoolRemaining(p.chainID, p.remaining())
	m.logger.Infow("pool task finished",
		"chainID", p.chainID,
		"task", kind.String(),
		"appended", appended,
		"remaining", p.remaining(),
		"state", string(m.stateLocked(p)),
	)
	p.notify()
	if appended > 0 {
		m.maybeRefillLocked(p)
	}
}

func (m *Manager) feeSource(p *pool) fees.SourceFunc {
	if m.cfg.FeeSource != nil {
		if src := m.cfg.FeeSource(p.chainID); src != nil {
			return src
		}
	}
	return fees.Fallback(p.profile.Fees.GasLimit)
}

// Key returns the nonce key the chain's pool reserves under.
func (m *Manager) Key(chainID uint64) nonce.Key {
	return nonce.Key{ChainID: chainID, Account: m.cfg.Signer.Account()}
}

func (s Status) String() string {
	return fmt.Sprintf("chain %d %s: %d/%d remaining", s.ChainID, s.State, s.Remaining, s.Total)
}
