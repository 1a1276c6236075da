// Package checkpoint saves the fee quote cache to disk so a restarted
// process can submit before its first fee fetch completes.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"txaccel/internal/fees"
)

type Store struct {
	path string
	mu   sync.Mutex
}

type state struct {
	SavedAt time.Time `json:"saved_at"`
	Quotes  []quote   `json:"quotes"`
}

type quote struct {
	ChainID              uint64    `json:"chain_id"`
	MaxFeePerGas         string    `json:"max_fee_per_gas,omitempty"`
	MaxPriorityFeePerGas string    `json:"max_priority_fee_per_gas,omitempty"`
	GasPrice             string    `json:"gas_price,omitempty"`
	GasLimit             uint64    `json:"gas_limit"`
	Strategy             string    `json:"strategy"`
	CapturedAt           time.Time `json:"captured_at"`
}

func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

// Load returns the saved quotes. A missing file is not an error.
func (s *Store) Load() ([]fees.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var st state
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", s.path, err)
	}
	out := make([]fees.Quote, 0, len(st.Quotes))
	for _, q := range st.Quotes {
		fq := fees.Quote{
			ChainID:    q.ChainID,
			GasLimit:   q.GasLimit,
			Strategy:   q.Strategy,
			CapturedAt: q.CapturedAt,
		}
		if fq.MaxFeePerGas, err = parseBig(q.MaxFeePerGas); err != nil {
			return nil, err
		}
		if fq.MaxPriorityFeePerGas, err = parseBig(q.MaxPriorityFeePerGas); err != nil {
			return nil, err
		}
		if fq.GasPrice, err = parseBig(q.GasPrice); err != nil {
			return nil, err
		}
		out = append(out, fq)
	}
	return out, nil
}

// Save replaces the file atomically.
func (s *Store) Save(quotes []fees.Quote, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	st := state{SavedAt: now, Quotes: make([]quote, 0, len(quotes))}
	for _, q := range quotes {
		st.Quotes = append(st.Quotes, quote{
			ChainID:              q.ChainID,
			MaxFeePerGas:         bigString(q.MaxFeePerGas),
			MaxPriorityFeePerGas: bigString(q.MaxPriorityFeePerGas),
			GasPrice:             bigString(q.GasPrice),
			GasLimit:             q.GasLimit,
			Strategy:             q.Strategy,
			CapturedAt:           q.CapturedAt,
		})
	}
	sort.Slice(st.Quotes, func(i, j int) bool { return st.Quotes[i].ChainID < st.Quotes[j].ChainID })
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("checkpoint rename: %w", err)
	}
	return nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func parseBig(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("checkpoint: invalid amount %q", s)
	}
	return v, nil
}
