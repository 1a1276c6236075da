package pool

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"txaccel/internal/fees"
	"txaccel/internal/perf"
	"txaccel/internal/txbuilder"
)

// Signer turns call parameters into a signed transaction blob. Failures
// carry one of the rate-limited, rejected or unavailable kinds.
type Signer interface {
	Account() common.Address
	Sign(ctx context.Context, req txbuilder.Request) ([]byte, error)
}

type StatsSource interface {
	RecentStats(chainID uint64, window int) perf.Stats
}

type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateHealthy       State = "healthy"
	StateLow           State = "low"
	StateCritical      State = "critical"
	StateRefilling     State = "refilling"
	StateExhausted     State = "exhausted"
)

type TaskState string

const (
	TaskIdle    TaskState = "idle"
	TaskRunning TaskState = "running"
	TaskFailed  TaskState = "failed"
)

type taskKind int

const (
	taskWarmUp taskKind = iota
	taskRefill
)

func (k taskKind) String() string {
	if k == taskWarmUp {
		return "warm-up"
	}
	return "refill"
}

// PooledTransaction is a signed, not yet submitted transaction. It is
// never modified after creation.
type PooledTransaction struct {
	ChainID uint64
	Account common.Address
	Nonce   uint64
	// Epoch is the allocator epoch the nonce was reserved in.
	Epoch     uint64
	Hash      common.Hash
	Blob      []byte
	Quote     fees.Quote
	CreatedAt time.Time
}

type Status struct {
	ChainID     uint64         `json:"chainId"`
	Account     common.Address `json:"account"`
	State       State          `json:"state"`
	Total       int            `json:"total"`
	Used        int            `json:"used"`
	Remaining   int            `json:"remaining"`
	Refilling   bool           `json:"refilling"`
	Task        TaskState      `json:"task"`
	LastBatch   int            `json:"lastBatch"`
	LastRefill  time.Time      `json:"lastRefill"`
	LastError   string         `json:"lastError,omitempty"`
	Exhaustions int            `json:"exhaustions"`
}
