// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package policytbl implements the policy matcher (spec §4.3): a
// priority-ordered linear scan over predicate records, published to
// workers as an immutable vector swapped atomically by the control
// plane. The observable behaviour matches a linear scan even where an
// implementation accelerates it with a radix tree, per spec §4.3; this
// implementation keeps the straightforward scan since policy counts
// (OPENSASE_MAX_POLICIES in the original plugin) are small enough that a
// scan stays within the per-packet budget.
//
// Grounded on _examples/original_source/opensase-core/vpp/plugins/opensase/node_policy.c
// for match order and zero-predicate-matches-any semantics, and on
// _examples/grimm-is-flywall/internal/engine/matcher.go and evaluator.go
// for the Go-idiomatic predicate-matching style.
package policytbl

import (
	"net/netip"
	"sync/atomic"
)

// Action is the policy's disposition, matching spec §3's action set.
type Action uint8

const (
	ActionAllow Action = iota
	ActionDeny
	ActionLog
	ActionRateLimit
	ActionRedirect
	ActionEncrypt
	ActionInspectDLP
)

func (a Action) String() string {
	switch a {
	case ActionDeny:
		return "deny"
	case ActionLog:
		return "log"
	case ActionRateLimit:
		return "rate_limit"
	case ActionRedirect:
		return "redirect"
	case ActionEncrypt:
		return "encrypt"
	case ActionInspectDLP:
		return "inspect_dlp"
	default:
		return "allow"
	}
}

// PortRange is an inclusive port range; a zero range (0,0) matches any port.
type PortRange struct {
	Low, High uint16
}

func (r PortRange) matches(port uint16) bool {
	if r.Low == 0 && r.High == 0 {
		return true
	}
	return port >= r.Low && port <= r.High
}

// Record is one policy predicate + disposition (spec §3 "Policy record").
type Record struct {
	PolicyID      uint32
	Priority      uint32 // lower wins
	TenantID      uint32 // 0 = global, matches any tenant
	SrcPrefix     netip.Prefix
	DstPrefix     netip.Prefix
	Protocol      uint8 // 0 = any
	SrcPorts      PortRange
	DstPorts      PortRange
	Action        Action
	QoSClass      uint8
	LogEnabled    bool
	RateLimitKbps uint32
}

func (r Record) matchesTenant(tenantID uint32) bool {
	return r.TenantID == 0 || r.TenantID == tenantID
}

func (r Record) matchesPrefix(p netip.Prefix, addr netip.Addr) bool {
	if !p.IsValid() {
		return true // zero-value prefix matches any address
	}
	return p.Contains(addr)
}

func (r Record) matchesProtocol(proto uint8) bool {
	return r.Protocol == 0 || r.Protocol == proto
}

// Candidate is the packet-side input to matching: 5-tuple plus tenant.
type Candidate struct {
	TenantID uint32
	Src, Dst netip.Addr
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
}

// Matches reports whether r's predicates all match c; zero/empty
// predicates match anything, per spec §4.3.
func (r Record) Matches(c Candidate) bool {
	if !r.matchesTenant(c.TenantID) {
		return false
	}
	if !r.matchesPrefix(r.SrcPrefix, c.Src) {
		return false
	}
	if !r.matchesPrefix(r.DstPrefix, c.Dst) {
		return false
	}
	if !r.matchesProtocol(c.Protocol) {
		return false
	}
	if !r.SrcPorts.matches(c.SrcPort) {
		return false
	}
	if !r.DstPorts.matches(c.DstPort) {
		return false
	}
	return true
}

// Vector is an immutable, priority-ordered policy list. A Vector is
// never mutated after construction (spec §3 invariant: "Policies are
// installed, replaced atomically, and never mutated in place").
type Vector struct {
	records []Record
}

// NewVector builds a Vector sorted by ascending priority, preserving
// insertion order among equal priorities (spec §4.3: "ties are broken by
// insertion order").
func NewVector(records []Record) *Vector {
	sorted := make([]Record, len(records))
	copy(sorted, records)
	stableSortByPriority(sorted)
	return &Vector{records: sorted}
}

func stableSortByPriority(records []Record) {
	for i := 1; i < len(records); i++ {
		for j := i; j > 0 && records[j].Priority < records[j-1].Priority; j-- {
			records[j], records[j-1] = records[j-1], records[j]
		}
	}
}

// Match returns the first (lowest-priority-number) matching record.
func (v *Vector) Match(c Candidate) (Record, bool) {
	for _, r := range v.records {
		if r.Matches(c) {
			return r, true
		}
	}
	return Record{}, false
}

// Table is the per-worker (shared, read-only between swaps) handle to
// the current policy vector.
type Table struct {
	vector atomic.Pointer[Vector]
}

// NewTable returns a Table with an empty vector.
func NewTable() *Table {
	t := &Table{}
	t.vector.Store(NewVector(nil))
	return t
}

// Swap atomically installs a new vector (spec §5: atomic pointer swap,
// quiescent reclamation is the caller's responsibility once it has
// observed all workers past the old version — the Go GC performs that
// reclamation automatically once no worker holds the old *Vector).
func (t *Table) Swap(v *Vector) {
	t.vector.Store(v)
}

// Match looks up the current vector and matches c against it. The
// loaded pointer is used for the duration of the call only.
// worker.Process calls Match once per packet, so two packets of the same
// batch can be matched against different vectors if a Swap lands between
// them.
func (t *Table) Match(c Candidate) (Record, bool) {
	return t.Load().Match(c)
}

// Load returns the current vector for use across a whole batch.
func (t *Table) Load() *Vector {
	return t.vector.Load()
}
