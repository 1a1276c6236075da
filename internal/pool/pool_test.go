package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"txaccel/internal/chain"
	"txaccel/internal/fees"
	"txaccel/internal/nonce"
	"txaccel/internal/perf"
	"txaccel/internal/txbuilder"
	"txaccel/internal/txerr"
)

const testChain uint64 = 777

var testAccount = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type fakeSigner struct {
	mu        sync.Mutex
	calls     int
	active    int
	maxActive int
	fail      func(call int) error
	gate      chan struct{}
}

func (s *fakeSigner) Account() common.Address { return testAccount }

func (s *fakeSigner) Sign(ctx context.Context, req txbuilder.Request) ([]byte, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.fail != nil {
		if err := s.fail(call); err != nil {
			return nil, err
		}
	}
	return []byte{0x02, byte(req.ChainID), byte(req.Nonce >> 8), byte(req.Nonce)}, nil
}

func (s *fakeSigner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type staticNonce uint64

func (n staticNonce) ObservedNonce(context.Context, uint64, common.Address) (uint64, error) {
	return uint64(n), nil
}

type fixedStats perf.Stats

func (s fixedStats) RecentStats(uint64, int) perf.Stats { return perf.Stats(s) }

type harness struct {
	m      *Manager
	nonces *nonce.Allocator
	key    nonce.Key
}

func newHarness(t *testing.T, sig *fakeSigner, opts ...func(*Config)) *harness {
	t.Helper()
	reg := chain.NewRegistry()
	_, err := reg.RegisterChain(chain.Profile{
		ChainID:  testChain,
		Contract: chain.DefaultContract,
		Selector: chain.DefaultSelector,
		Pool: chain.PoolConfig{
			TargetSize:   5,
			LowWaterMark: 0.4,
			BatchSize:    5,
			MaxPending:   20,
			SignInterval: -1,
			SignRetries:  2,
		},
		Retry: chain.RetryConfig{MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
	})
	require.NoError(t, err)

	nonces := nonce.NewAllocator(nil)
	cfg := Config{
		Registry:    reg,
		Nonces:      nonces,
		Fees:        fees.NewCache(nil),
		Signer:      sig,
		NonceSource: staticNonce(10),
	}
	for _, o := range opts {
		o(&cfg)
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return &harness{m: m, nonces: nonces, key: nonce.Key{ChainID: testChain, Account: testAccount}}
}

func (h *harness) take(t *testing.T) *PooledTransaction {
	t.Helper()
	tx, err := h.m.TakeNext(testChain)
	require.NoError(t, err)
	return tx
}

func TestWarmUpThenRefillAtLowWaterMark(t *testing.T) {
	h := newHarness(t, &fakeSigner{})

	require.NoError(t, h.m.WarmUp(testChain, 5))
	h.m.Wait()

	st, err := h.m.Status(testChain)
	require.NoError(t, err)
	assert.Equal(t, StateHealthy, st.State)
	assert.Equal(t, 5, st.Total)
	assert.Equal(t, 5, st.LastBatch)

	for want := uint64(10); want < 13; want++ {
		assert.Equal(t, want, h.take(t).Nonce)
	}
	h.m.Wait()

	st, err = h.m.Status(testChain)
	require.NoError(t, err)
	assert.Equal(t, StateHealthy, st.State)
	assert.Equal(t, 10, st.Total)
	assert.Equal(t, 3, st.Used)
	assert.Equal(t, 7, st.Remaining)
	assert.False(t, st.Refilling)
	assert.Equal(t, TaskIdle, st.Task)

	ns, ok := h.nonces.State(h.key)
	require.True(t, ok)
	assert.Equal(t, uint64(20), ns.ReservedFrontier)

	var got []uint64
	for i := 0; i < 7; i++ {
		got = append(got, h.take(t).Nonce)
	}
	assert.Equal(t, []uint64{13, 14, 15, 16, 17, 18, 19}, got)
}

func TestRateLimitedSlotIsSkippedWithoutGap(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	sig := &fakeSigner{fail: func(call int) error {
		if call >= 2 && call <= 4 {
			return txerr.New(txerr.KindRateLimited, "sign", errors.New("429 too many requests"))
		}
		return nil
	}}
	h := newHarness(t, sig, func(c *Config) { c.Logger = zap.New(core).Sugar() })

	require.NoError(t, h.m.WarmUp(testChain, 5))
	h.m.Wait()

	st, err := h.m.Status(testChain)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Remaining)
	assert.Equal(t, TaskIdle, st.Task)
	assert.Equal(t, 4, st.LastBatch)

	var got []uint64
	for i := 0; i < 4; i++ {
		got = append(got, h.take(t).Nonce)
	}
	assert.Equal(t, []uint64{10, 11, 12, 13}, got)

	h.m.Wait()
	ns, ok := h.nonces.State(h.key)
	require.True(t, ok)
	assert.GreaterOrEqual(t, ns.ReservedFrontier, uint64(14))
	assert.Equal(t, 1, logs.FilterMessage("signing slot skipped after retries").Len())
}

func TestFatalSignerErrorKeepsPartialBatch(t *testing.T) {
	sig := &fakeSigner{fail: func(call int) error {
		if call == 3 {
			return txerr.New(txerr.KindUnavailable, "sign", errors.New("connection refused"))
		}
		return nil
	}}
	h := newHarness(t, sig)

	require.NoError(t, h.m.WarmUp(testChain, 5))
	h.m.Wait()

	st, err := h.m.Status(testChain)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Remaining)
	assert.Equal(t, TaskFailed, st.Task)
	assert.Contains(t, st.LastError, "connection refused")
	assert.Equal(t, 3, sig.callCount())

	ns, ok := h.nonces.State(h.key)
	require.True(t, ok)
	assert.Equal(t, uint64(12), ns.ReservedFrontier)
	assert.Equal(t, []uint64{10, 11}, ns.Outstanding)
}

func TestOnlyOneTaskInFlight(t *testing.T) {
	sig := &fakeSigner{gate: make(chan struct{})}
	h := newHarness(t, sig)

	require.NoError(t, h.m.WarmUp(testChain, 5))
	require.NoError(t, h.m.WarmUp(testChain, 5))
	assert.False(t, h.m.Refill(testChain))

	st, err := h.m.Status(testChain)
	require.NoError(t, err)
	assert.Equal(t, StateInitializing, st.State)
	assert.True(t, st.Refilling)
	assert.Equal(t, TaskRunning, st.Task)

	sig.gate <- struct{}{}
	require.Eventually(t, func() bool {
		st, _ := h.m.Status(testChain)
		return st.Remaining == 1
	}, time.Second, time.Millisecond)
	st, _ = h.m.Status(testChain)
	assert.NotEqual(t, StateInitializing, st.State)

	close(sig.gate)
	h.m.Wait()

	st, err = h.m.Status(testChain)
	require.NoError(t, err)
	assert.Equal(t, 5, st.Total)
	assert.Equal(t, 1, sig.maxActive)
}

func TestTakeNextNeverRepeats(t *testing.T) {
	h := newHarness(t, &fakeSigner{})
	require.NoError(t, h.m.WarmUp(testChain, 20))
	h.m.Wait()

	var (
		mu   sync.Mutex
		seen = make(map[uint64]int)
		wg   sync.WaitGroup
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				tx, err := h.m.TakeNext(testChain)
				if err != nil {
					return
				}
				mu.Lock()
				seen[tx.Nonce]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	h.m.Wait()

	assert.Len(t, seen, 20)
	for n, count := range seen {
		assert.Equal(t, 1, count, "nonce %d", n)
		assert.True(t, n >= 10 && n < 30)
	}
}

func TestTakeNextErrors(t *testing.T) {
	h := newHarness(t, &fakeSigner{})

	_, err := h.m.TakeNext(999)
	require.ErrorIs(t, err, txerr.ErrConfiguration)

	_, err = h.m.TakeNext(testChain)
	require.ErrorIs(t, err, txerr.ErrNotInitialized)

	require.ErrorIs(t, h.m.WarmUp(999, 1), txerr.ErrConfiguration)

	st, err := h.m.Status(testChain)
	require.NoError(t, err)
	assert.Equal(t, StateUninitialized, st.State)
	assert.Equal(t, testAccount, st.Account)
}

func TestExhaustedWhenPendingCapReached(t *testing.T) {
	h := newHarness(t, &fakeSigner{})
	require.NoError(t, h.m.WarmUp(testChain, 20))
	h.m.Wait()
	for i := 0; i < 20; i++ {
		h.take(t)
	}
	h.m.Wait()

	_, err := h.m.TakeNext(testChain)
	require.ErrorIs(t, err, txerr.ErrPoolExhausted)
	h.m.Wait()

	st, err := h.m.Status(testChain)
	require.NoError(t, err)
	assert.Equal(t, StateExhausted, st.State)
	assert.GreaterOrEqual(t, st.Exhaustions, 1)
}

func TestDiscardReservedFrom(t *testing.T) {
	h := newHarness(t, &fakeSigner{})
	require.NoError(t, h.m.WarmUp(testChain, 5))
	h.m.Wait()
	assert.Equal(t, uint64(10), h.take(t).Nonce)

	assert.Equal(t, 3, h.m.DiscardReservedFrom(testChain, 12))
	assert.Equal(t, uint64(11), h.take(t).Nonce)
	assert.Equal(t, 0, h.m.DiscardReservedFrom(999, 0))
}

func TestDiscardSupersedesRunningTask(t *testing.T) {
	sig := &fakeSigner{gate: make(chan struct{})}
	h := newHarness(t, sig)
	require.NoError(t, h.m.WarmUp(testChain, 5))

	sig.gate <- struct{}{}
	require.Eventually(t, func() bool {
		st, _ := h.m.Status(testChain)
		return st.Remaining == 1
	}, time.Second, time.Millisecond)

	assert.Equal(t, 1, h.m.DiscardReservedFrom(testChain, 0))
	h.m.Wait()

	st, err := h.m.Status(testChain)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Remaining)
	assert.False(t, st.Refilling)
	assert.Equal(t, TaskIdle, st.Task)

	ns, ok := h.nonces.State(h.key)
	require.True(t, ok)
	assert.Equal(t, uint64(11), ns.ReservedFrontier)
}

func TestRewindResignsFromFailedNonce(t *testing.T) {
	h := newHarness(t, &fakeSigner{})
	require.NoError(t, h.m.WarmUp(testChain, 5))
	h.m.Wait()
	failed := h.take(t)
	require.Equal(t, uint64(10), failed.Nonce)

	dropped, ok := h.m.Rewind(testChain, failed.Epoch, failed.Nonce, failed.Nonce)
	require.True(t, ok)
	assert.Equal(t, 4, dropped)
	h.m.Wait()

	ns, ok := h.nonces.State(h.key)
	require.True(t, ok)
	assert.Equal(t, uint64(15), ns.ReservedFrontier)
	assert.Equal(t, []uint64{10, 11, 12, 13, 14}, ns.Outstanding)

	var got []uint64
	for i := 0; i < 5; i++ {
		tx := h.take(t)
		assert.Equal(t, ns.Epoch, tx.Epoch)
		got = append(got, tx.Nonce)
	}
	assert.Equal(t, []uint64{10, 11, 12, 13, 14}, got)
}

func TestRewindSupersedesRunningTask(t *testing.T) {
	sig := &fakeSigner{gate: make(chan struct{})}
	h := newHarness(t, sig)
	require.NoError(t, h.m.WarmUp(testChain, 5))

	sig.gate <- struct{}{}
	sig.gate <- struct{}{}
	require.Eventually(t, func() bool {
		st, _ := h.m.Status(testChain)
		return st.Remaining == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, uint64(10), h.take(t).Nonce)

	dropped, ok := h.m.Rewind(testChain, 0, 11, 11)
	require.True(t, ok)
	assert.Equal(t, 1, dropped)
	close(sig.gate)
	h.m.Wait()

	ns, ok := h.nonces.State(h.key)
	require.True(t, ok)
	assert.Equal(t, uint64(16), ns.ReservedFrontier)
	assert.Equal(t, []uint64{11, 12, 13, 14, 15}, ns.Outstanding)

	var got []uint64
	for i := 0; i < 5; i++ {
		got = append(got, h.take(t).Nonce)
	}
	assert.Equal(t, []uint64{11, 12, 13, 14, 15}, got)
}

func TestRewindFromResyncedEpochSkipped(t *testing.T) {
	h := newHarness(t, &fakeSigner{})
	require.NoError(t, h.m.WarmUp(testChain, 5))
	h.m.Wait()
	first := h.take(t)
	second := h.take(t)

	_, ok := h.m.Rewind(testChain, first.Epoch, first.Nonce, first.Nonce)
	require.True(t, ok)
	h.m.Wait()
	before, _ := h.nonces.State(h.key)

	dropped, ok := h.m.Rewind(testChain, second.Epoch, second.Nonce, second.Nonce)
	assert.False(t, ok)
	assert.Equal(t, 0, dropped)

	after, _ := h.nonces.State(h.key)
	assert.Equal(t, before, after)
	st, err := h.m.Status(testChain)
	require.NoError(t, err)
	assert.Equal(t, 5, st.Remaining)

	_, ok = h.m.Rewind(999, 0, 0, 0)
	assert.False(t, ok)
}

func TestResetDropsPoolAndNonces(t *testing.T) {
	h := newHarness(t, &fakeSigner{})
	require.NoError(t, h.m.WarmUp(testChain, 5))
	h.m.Wait()

	h.m.Reset(testChain)

	st, err := h.m.Status(testChain)
	require.NoError(t, err)
	assert.Equal(t, StateUninitialized, st.State)
	_, err = h.m.TakeNext(testChain)
	require.ErrorIs(t, err, txerr.ErrNotInitialized)
	assert.False(t, h.nonces.Initialized(h.key))
}

func TestWaitNextWaitsForRefill(t *testing.T) {
	h := newHarness(t, &fakeSigner{})
	require.NoError(t, h.m.WarmUp(testChain, 2))
	h.m.Wait()
	h.take(t)
	h.take(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tx, err := h.m.WaitNext(ctx, testChain)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), tx.Nonce)
}

func TestWaitNextGivesUpWhenRefillFails(t *testing.T) {
	sig := &fakeSigner{fail: func(call int) error {
		if call > 2 {
			return txerr.New(txerr.KindUnavailable, "sign", errors.New("signer down"))
		}
		return nil
	}}
	h := newHarness(t, sig)
	require.NoError(t, h.m.WarmUp(testChain, 2))
	h.m.Wait()
	h.take(t)
	h.take(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := h.m.WaitNext(ctx, testChain)
	require.ErrorIs(t, err, txerr.ErrPoolExhausted)
}

func TestRefillShrinksWhenSubmissionsFail(t *testing.T) {
	stats := fixedStats{Count: 10, Successes: 2, SuccessRate: 0.2}
	h := newHarness(t, &fakeSigner{}, func(c *Config) { c.Stats = stats })
	require.NoError(t, h.m.WarmUp(testChain, 5))
	h.m.Wait()
	for i := 0; i < 3; i++ {
		h.take(t)
	}
	h.m.Wait()

	st, err := h.m.Status(testChain)
	require.NoError(t, err)
	assert.Equal(t, 7, st.Total)
	assert.Equal(t, 2, st.LastBatch)
}
