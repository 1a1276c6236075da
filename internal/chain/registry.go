package chain

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"txaccel/internal/txerr"
)

// Registry holds the chain profiles known to one engine instance.
type Registry struct {
	mu       sync.RWMutex
	profiles map[uint64]Profile
}

func NewRegistry() *Registry {
	return &Registry{profiles: make(map[uint64]Profile)}
}

// RegisterChain validates p after filling defaults and stores it. A chain
// id can be registered once.
func (r *Registry) RegisterChain(p Profile) (Profile, error) {
	p = p.WithDefaults()
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[p.ChainID]; ok {
		return Profile{}, txerr.Newf(txerr.KindConfiguration, "register "+p.String(), "chain already registered")
	}
	r.profiles[p.ChainID] = p
	return p, nil
}

func (r *Registry) Lookup(chainID uint64) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[chainID]
	if !ok {
		return Profile{}, txerr.New(txerr.KindConfiguration, "lookup", fmt.Errorf("chain %d not registered", chainID))
	}
	return p, nil
}

func (r *Registry) Chains() []Profile {
	r.mu.RLock()
	out := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}

// Receipt is the acknowledgment returned by synchronous submission methods.
type Receipt struct {
	Status      uint64
	BlockNumber *big.Int
	GasUsed     uint64
}

// Handle identifies a transaction accepted by the network.
type Handle struct {
	ChainID     uint64
	Hash        common.Hash
	Nonce       uint64
	Method      SubmissionMethod
	SubmittedAt time.Time
	Receipt     *Receipt
}
