package nonce

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"txaccel/internal/txerr"
)

// Source reports the nonce the network currently expects for an account.
type Source interface {
	ObservedNonce(ctx context.Context, chainID uint64, account common.Address) (uint64, error)
}

type Key struct {
	ChainID uint64
	Account common.Address
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%s", k.ChainID, k.Account.Hex())
}

// Range is a contiguous reservation [Start, Start+Count). Epoch ties it to
// the allocator state it was taken from; a resync or reset starts a new
// epoch.
type Range struct {
	Key   Key
	Start uint64
	Count int
	Epoch uint64
}

func (r Range) End() uint64 {
	return r.Start + uint64(r.Count)
}

type State struct {
	ConfirmedFrontier uint64
	ReservedFrontier  uint64
	Outstanding       []uint64
	Epoch             uint64
}

type Usage struct {
	Allocated uint64
	Used      uint64
	Released  uint64
	Resyncs   uint64
}

func (u Usage) Efficiency() float64 {
	if u.Allocated == 0 {
		return 0
	}
	return float64(u.Used) / float64(u.Allocated)
}

type state struct {
	confirmed   uint64
	reserved    uint64
	outstanding map[uint64]struct{}
	ahead       map[uint64]struct{}
	epoch       uint64
	usage       Usage
	touched     time.Time
}

type Allocator struct {
	logger *zap.SugaredLogger
	now    func() time.Time

	mu     sync.Mutex
	states map[Key]*state
	epochs uint64
}

func NewAllocator(logger *zap.SugaredLogger) *Allocator {
	return NewAllocatorWithClock(logger, time.Now)
}

func NewAllocatorWithClock(logger *zap.SugaredLogger, now func() time.Time) *Allocator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if now == nil {
		now = time.Now
	}
	return &Allocator{
		logger: logger.Named("nonce"),
		now:    now,
		states: make(map[Key]*state),
	}
}

// Initialize seeds both frontiers with the observed value. Calling it again
// only ever moves the frontiers forward.
func (a *Allocator) Initialize(key Key, observed uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[key]
	if !ok {
		a.states[key] = a.newState(observed)
		a.logger.Debugw("nonce state initialized", "key", key.String(), "nonce", observed)
		return
	}
	if observed > st.confirmed {
		st.confirmed = observed
	}
	if observed > st.reserved {
		st.reserved = observed
	}
	st.touched = a.now()
}

func (a *Allocator) Initialized(key Key) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.states[key]
	return ok
}

// Sync initializes key from src unless it already has state.
func (a *Allocator) Sync(ctx context.Context, key Key, src Source) error {
	if a.Initialized(key) {
		return nil
	}
	if src == nil {
		return txerr.New(txerr.KindNotInitialized, "nonce sync", errors.New("no nonce source"))
	}
	observed, err := src.ObservedNonce(ctx, key.ChainID, key.Account)
	if err != nil {
		return fmt.Errorf("observe nonce %s: %w", key, err)
	}
	a.Initialize(key, observed)
	return nil
}

func (a *Allocator) ReserveRange(key Key, count int) (Range, error) {
	if count < 1 {
		return Range{}, txerr.Newf(txerr.KindConfiguration, "reserve", "count must be >= 1, got %d", count)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[key]
	if !ok {
		return Range{}, txerr.New(txerr.KindNotInitialized, "reserve", fmt.Errorf("no nonce state for %s", key))
	}
	r := Range{Key: key, Start: st.reserved, Count: count, Epoch: st.epoch}
	for n := r.Start; n < r.End(); n++ {
		st.outstanding[n] = struct{}{}
	}
	st.reserved = r.End()
	st.usage.Allocated += uint64(count)
	st.touched = a.now()
	return r, nil
}

// Confirm marks nonce as settled. The confirmed frontier advances across
// every contiguous settled nonce.
func (a *Allocator) Confirm(key Key, nonce uint64) {
	a.ConfirmIn(key, 0, nonce)
}

// ConfirmIn is Confirm for a nonce reserved in epoch. A nonce from an
// epoch that has since been resynced is ignored: its value may already be
// reserved again. Epoch zero matches any epoch.
func (a *Allocator) ConfirmIn(key Key, epoch uint64, nonce uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[key]
	if !ok {
		return false
	}
	if epoch != 0 && epoch != st.epoch {
		a.logger.Debugw("confirm from resynced epoch ignored",
			"key", key.String(),
			"nonce", nonce,
			"epoch", epoch,
			"current", st.epoch,
		)
		return false
	}
	st.touched = a.now()
	if _, pending := st.outstanding[nonce]; pending {
		delete(st.outstanding, nonce)
		st.usage.Used++
	}
	if nonce < st.confirmed {
		return true
	}
	if nonce > st.confirmed {
		st.ahead[nonce] = struct{}{}
		return true
	}
	st.confirmed++
	for {
		if _, ok := st.ahead[st.confirmed]; !ok {
			break
		}
		delete(st.ahead, st.confirmed)
		st.confirmed++
	}
	if st.confirmed > st.reserved {
		st.reserved = st.confirmed
	}
	return true
}

// Release returns the highest reserved nonce to the allocator. Releasing
// anything else would leave a gap in front of later reservations.
func (a *Allocator) Release(key Key, nonce uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[key]
	if !ok {
		return txerr.New(txerr.KindNotInitialized, "release", fmt.Errorf("no nonce state for %s", key))
	}
	return st.release(nonce)
}

// ReleaseTail releases r's nonces from the top down to from (inclusive).
// A range from an older epoch is ignored.
func (a *Allocator) ReleaseTail(r Range, from uint64) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[r.Key]
	if !ok || st.epoch != r.Epoch {
		return 0, nil
	}
	if from < r.Start {
		from = r.Start
	}
	released := 0
	for n := r.End(); n > from; n-- {
		if err := st.release(n - 1); err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

func (st *state) release(nonce uint64) error {
	if _, ok := st.outstanding[nonce]; !ok {
		return fmt.Errorf("release nonce %d: not outstanding", nonce)
	}
	if st.reserved == 0 || nonce != st.reserved-1 {
		return fmt.Errorf("release nonce %d: only the highest reservation %d can be released", nonce, st.reserved-1)
	}
	delete(st.outstanding, nonce)
	st.reserved--
	st.usage.Released++
	return nil
}

// Resync drops every outstanding reservation and moves both frontiers to
// the observed value. It returns the dropped nonces at or above observed.
func (a *Allocator) Resync(key Key, observed uint64) []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[key]
	if !ok {
		a.states[key] = a.newState(observed)
		return nil
	}
	var discarded []uint64
	for n := range st.outstanding {
		if n >= observed {
			discarded = append(discarded, n)
		}
	}
	sort.Slice(discarded, func(i, j int) bool { return discarded[i] < discarded[j] })

	prevReserved := st.reserved
	st.outstanding = make(map[uint64]struct{})
	st.ahead = make(map[uint64]struct{})
	st.confirmed = observed
	st.reserved = observed
	a.epochs++
	st.epoch = a.epochs
	st.usage.Resyncs++
	st.touched = a.now()

	a.logger.Warnw("nonce state resynced",
		"key", key.String(),
		"observed", observed,
		"previousReserved", prevReserved,
		"discarded", len(discarded),
	)
	return discarded
}

func (a *Allocator) State(key Key) (State, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[key]
	if !ok {
		return State{}, false
	}
	out := State{
		ConfirmedFrontier: st.confirmed,
		ReservedFrontier:  st.reserved,
		Outstanding:       make([]uint64, 0, len(st.outstanding)),
		Epoch:             st.epoch,
	}
	for n := range st.outstanding {
		out.Outstanding = append(out.Outstanding, n)
	}
	sort.Slice(out.Outstanding, func(i, j int) bool { return out.Outstanding[i] < out.Outstanding[j] })
	return out, true
}

// Outstanding is the number of reserved but unconfirmed nonces.
func (a *Allocator) Outstanding(key Key) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.states[key]; ok {
		return len(st.outstanding)
	}
	return 0
}

func (a *Allocator) Usage(key Key) Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.states[key]; ok {
		return st.usage
	}
	return Usage{}
}

func (a *Allocator) Reset(key Key) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.states, key)
}

// Cleanup removes states with nothing outstanding that were last touched
// more than maxIdle ago.
func (a *Allocator) Cleanup(maxIdle time.Duration) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := a.now().Add(-maxIdle)
	removed := 0
	for k, st := range a.states {
		if len(st.outstanding) == 0 && st.touched.Before(cutoff) {
			delete(a.states, k)
			removed++
		}
	}
	if removed > 0 {
		a.logger.Debugw("idle nonce states removed", "count", removed)
	}
	return removed
}

func (a *Allocator) newState(observed uint64) *state {
	a.epochs++
	return &state{
		confirmed:   observed,
		reserved:    observed,
		outstanding: make(map[uint64]struct{}),
		ahead:       make(map[uint64]struct{}),
		epoch:       a.epochs,
		touched:     a.now(),
	}
}
