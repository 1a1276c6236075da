package perf

import (
	"sort"
	"sync"
	"time"
)

const DefaultCapacity = 100

type Sample struct {
	ChainID uint64
	Latency time.Duration
	Success bool
	At      time.Time
}

type Stats struct {
	Count          int
	Successes      int
	SuccessRate    float64
	AverageLatency time.Duration
	P95Latency     time.Duration
}

type Grade string

const (
	GradeUnknown Grade = "unknown"
	GradeInstant Grade = "instant"
	GradeFast    Grade = "fast"
	GradeGood    Grade = "good"
	GradeSlow    Grade = "slow"
)

func (s Stats) Grade() Grade {
	switch {
	case s.Count == 0:
		return GradeUnknown
	case s.AverageLatency < time.Second:
		return GradeInstant
	case s.AverageLatency < 3*time.Second:
		return GradeFast
	case s.AverageLatency < 5*time.Second:
		return GradeGood
	default:
		return GradeSlow
	}
}

type ring struct {
	buf  []Sample
	next int
	full bool
}

func (r *ring) add(s Sample) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// last returns up to n most recent samples, oldest first.
func (r *ring) last(n int) []Sample {
	size := r.len()
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Sample, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// Recorder keeps a bounded window of submission samples per chain.
type Recorder struct {
	capacity int
	now      func() time.Time

	mu    sync.RWMutex
	rings map[uint64]*ring
}

func NewRecorder(capacity int) *Recorder {
	return NewRecorderWithClock(capacity, time.Now)
}

func NewRecorderWithClock(capacity int, now func() time.Time) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if now == nil {
		now = time.Now
	}
	return &Recorder{capacity: capacity, now: now, rings: make(map[uint64]*ring)}
}

func (r *Recorder) Record(chainID uint64, latency time.Duration, success bool) {
	r.mu.Lock()
	rg, ok := r.rings[chainID]
	if !ok {
		rg = &ring{buf: make([]Sample, r.capacity)}
		r.rings[chainID] = rg
	}
	rg.add(Sample{ChainID: chainID, Latency: latency, Success: success, At: r.now()})
	r.mu.Unlock()
}

// RecentStats summarizes the last window samples; a window of zero or
// less covers everything retained.
func (r *Recorder) RecentStats(chainID uint64, window int) Stats {
	return Summarize(r.Samples(chainID, window))
}

func (r *Recorder) Samples(chainID uint64, window int) []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rg, ok := r.rings[chainID]
	if !ok {
		return nil
	}
	return rg.last(window)
}

func (r *Recorder) Reset(chainID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rings, chainID)
}

func Summarize(samples []Sample) Stats {
	if len(samples) == 0 {
		return Stats{}
	}
	latencies := make([]time.Duration, 0, len(samples))
	var total time.Duration
	st := Stats{Count: len(samples)}
	for _, s := range samples {
		if s.Success {
			st.Successes++
		}
		total += s.Latency
		latencies = append(latencies, s.Latency)
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	st.SuccessRate = float64(st.Successes) / float64(st.Count)
	st.AverageLatency = total / time.Duration(st.Count)
	// nearest rank
	rank := (95*len(latencies) + 99) / 100
	st.P95Latency = latencies[rank-1]
	return st
}
