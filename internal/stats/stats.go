// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package stats implements the per-worker observability counters (spec
// §5 "Shared resource policy": "statistics counters are per-worker,
// padded to a cache line, and aggregated by the control plane on read
// rather than contended on the packet path"): packets in/out, bytes out,
// drops in total, per stage and by category. IPS/DLP hits by category
// are counted in scanner.Stats, not here.
//
// Grounded on the atomic-counter style of
// _examples/grimm-is-flywall/internal/metrics/collector.go and the
// per-category counter shape in
// _examples/grimm-is-flywall/internal/ebpf/ips/pattern_db.go, adapted
// from a single shared collector to per-worker counters merged on read.
package stats

import (
	"sync"
	"sync/atomic"

	"opensase.io/dataplane/internal/metadata"
)

// cacheLinePad is sized so Counters' hot fields don't share a cache
// line with a neighboring worker's Counters when several are allocated
// contiguously (e.g. in a slice indexed by worker id).
const cacheLinePad = 64

// Counters is one worker's atomic packet/byte/drop counters. Every
// field is accessed only by its owning worker for writes; reads for
// aggregation happen from the control plane via Snapshot.
type Counters struct {
	PacketsIn  atomic.Uint64
	PacketsOut atomic.Uint64
	BytesOut   atomic.Uint64
	Dropped    atomic.Uint64

	PolicyDenies atomic.Uint64
	IPSDrops     atomic.Uint64
	DLPDrops     atomic.Uint64
	NATExhausted atomic.Uint64
	RateLimited  atomic.Uint64

	DropsByCategory DropCounters

	_ [cacheLinePad]byte
}

// NewCounters returns a zeroed Counters.
func NewCounters() *Counters {
	return &Counters{DropsByCategory: newDropCounters()}
}

// DropCounters tracks drops per metadata.DropCategory. Backed by a
// fixed array rather than a map so the fast path never allocates or
// takes a map lock.
type DropCounters struct {
	counts [8]atomic.Uint64 // indexed by metadata.DropCategory
}

func newDropCounters() DropCounters {
	return DropCounters{}
}

// Add increments the counter for category by delta.
func (d *DropCounters) Add(category metadata.DropCategory, delta uint64) {
	if int(category) >= len(d.counts) {
		return
	}
	d.counts[category].Add(delta)
}

// Snapshot is a point-in-time read of one worker's counters, used by the
// control plane to build the aggregate observability surface (spec §6).
type Snapshot struct {
	PacketsIn       uint64
	PacketsOut      uint64
	BytesOut        uint64
	Dropped         uint64
	PolicyDenies    uint64
	IPSDrops        uint64
	DLPDrops        uint64
	NATExhausted    uint64
	RateLimited     uint64
	DropsByCategory map[metadata.DropCategory]uint64
}

// Snapshot reads every counter without synchronizing against concurrent
// writers; small transient inconsistency between fields is acceptable
// for an observability surface sampled on an interval (spec §6: "a
// best-effort periodic snapshot, not linearizable across counters").
func (c *Counters) Snapshot() Snapshot {
	s := Snapshot{
		PacketsIn:       c.PacketsIn.Load(),
		PacketsOut:      c.PacketsOut.Load(),
		BytesOut:        c.BytesOut.Load(),
		Dropped:         c.Dropped.Load(),
		PolicyDenies:    c.PolicyDenies.Load(),
		IPSDrops:        c.IPSDrops.Load(),
		DLPDrops:        c.DLPDrops.Load(),
		NATExhausted:    c.NATExhausted.Load(),
		RateLimited:     c.RateLimited.Load(),
		DropsByCategory: make(map[metadata.DropCategory]uint64, len(c.DropsByCategory.counts)),
	}
	for i := range c.DropsByCategory.counts {
		if v := c.DropsByCategory.counts[i].Load(); v > 0 {
			s.DropsByCategory[metadata.DropCategory(i)] = v
		}
	}
	return s
}

// Registry aggregates every worker's Counters for the control plane.
type Registry struct {
	mu      sync.RWMutex
	workers map[int]*Counters
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[int]*Counters)}
}

// Register associates a worker id with its Counters, called once at
// worker startup.
func (r *Registry) Register(workerID int, c *Counters) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[workerID] = c
}

// Aggregate sums every registered worker's Snapshot into one total.
func (r *Registry) Aggregate() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := Snapshot{DropsByCategory: make(map[metadata.DropCategory]uint64)}
	for _, c := range r.workers {
		s := c.Snapshot()
		total.PacketsIn += s.PacketsIn
		total.PacketsOut += s.PacketsOut
		total.BytesOut += s.BytesOut
		total.Dropped += s.Dropped
		total.PolicyDenies += s.PolicyDenies
		total.IPSDrops += s.IPSDrops
		total.DLPDrops += s.DLPDrops
		total.NATExhausted += s.NATExhausted
		total.RateLimited += s.RateLimited
		for cat, v := range s.DropsByCategory {
			total.DropsByCategory[cat] += v
		}
	}
	return total
}

// PerWorker returns a Snapshot for each registered worker, keyed by id,
// for per-worker-level dashboards (cmd/dataplane-top).
func (r *Registry) PerWorker() map[int]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[int]Snapshot, len(r.workers))
	for id, c := range r.workers {
		out[id] = c.Snapshot()
	}
	return out
}
