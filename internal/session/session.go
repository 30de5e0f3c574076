// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package session implements the per-worker session tracker (spec §4.2):
// a 5-tuple-keyed hash table over an arena of fixed session records, LRU
// eviction under pressure, and the TCP new/established/closing/closed
// state machine.
//
// Sessions are stored in a per-worker arena indexed by uint32 (spec §9:
// "pointer graphs → arena + index") rather than as a pointer graph, so
// eviction is a slot reuse and the hash table never holds addresses.
// Grounded on the session/flow shape in
// _examples/grimm-is-flywall/internal/ebpf/types/types.go (FlowKey/FlowState)
// and the table-maintenance style of
// _examples/grimm-is-flywall/internal/kernel/provider_sim.go.
package session

import (
	"math/rand/v2"
	"net/netip"

	"github.com/cespare/xxhash/v2"
	"opensase.io/dataplane/internal/clock"
)

// State is the session's TCP-ish lifecycle state (spec §3).
type State uint8

const (
	StateNew State = iota
	StateEstablished
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "new"
	}
}

// Tuple is the 5-tuple session key.
type Tuple struct {
	Src      netip.Addr
	Dst      netip.Addr
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
}

// Reversed returns the tuple with source and destination swapped, the
// key used to recognize reverse-direction traffic for the same flow.
func (t Tuple) Reversed() Tuple {
	return Tuple{Src: t.Dst, Dst: t.Src, SrcPort: t.DstPort, DstPort: t.SrcPort, Protocol: t.Protocol}
}

// seed is mixed into every hash so two processes (or two test runs) don't
// share a predictable hash sequence; spec §4.2 calls for "a fast
// non-cryptographic hash seeded at startup".
var seed uint64 = rand.Uint64()

// SetSeed overrides the process-wide hash seed. Intended for startup
// initialization from a real entropy source; tests may pin it for
// reproducibility.
func SetSeed(s uint64) { seed = s }

func (t Tuple) hash() uint64 {
	var buf [42]byte
	n := 0
	src := t.Src.As16()
	dst := t.Dst.As16()
	n += copy(buf[n:], src[:])
	n += copy(buf[n:], dst[:])
	buf[n] = byte(t.SrcPort)
	buf[n+1] = byte(t.SrcPort >> 8)
	buf[n+2] = byte(t.DstPort)
	buf[n+3] = byte(t.DstPort >> 8)
	buf[n+4] = t.Protocol
	n += 5
	return xxhash.Sum64(buf[:n]) ^ seed
}

// Session is the per-flow record (spec §3: "cache-line aligned, 64 B").
// Go cannot force struct layout to an exact byte count the way the
// original C session struct does (opensase.h's STATIC_ASSERT), but the
// field order below groups the hot counters together to keep the common
// read/update path within a single cache line on a 64-bit system.
type Session struct {
	Tuple Tuple

	State    State
	TenantID uint32
	PolicyID uint32
	QoSClass uint8

	FwdPackets uint64
	FwdBytes   uint64
	RevPackets uint64
	RevBytes   uint64

	LastActive int64 // UnixNano, monotonic clock source

	inUse bool
}

// IsExpired reports whether the session has been idle longer than timeout.
func (s *Session) IsExpired(now int64, timeout int64) bool {
	return now-s.LastActive > timeout
}

// Table is a single worker's session table: an arena of Session slots
// plus a 5-tuple hash index. Not safe for concurrent use across workers;
// by design (spec §5) exactly one worker owns a Table.
type Table struct {
	clock clock.Clock

	arena []Session
	free  []uint32 // free-list of arena slots

	byTuple map[uint64][]uint32 // hash -> candidate slot indices (chain on collision)

	sweepCursor int // rotates through the arena for bounded Sweep passes

	maxSessions  int
	sessionCount int

	created uint64
	evicted uint64
}

// NewTable creates a session table bounded at maxSessions entries
// (spec's OPENSASE_MAX_SESSIONS_PER_CORE is the production-scale analog).
func NewTable(maxSessions int, clk clock.Clock) *Table {
	return &Table{
		clock:       clk,
		arena:       make([]Session, 0, maxSessions),
		byTuple:     make(map[uint64][]uint32),
		maxSessions: maxSessions,
	}
}

// Stats summarizes table occupancy for the observability surface.
type Stats struct {
	Active  int
	Created uint64
	Evicted uint64
}

func (t *Table) Stats() Stats {
	return Stats{Active: t.sessionCount, Created: t.created, Evicted: t.evicted}
}

// Lookup finds the session for tuple, checking both the forward and
// reverse key so reverse-direction traffic on an existing flow is
// recognized without a second table.
func (t *Table) Lookup(tuple Tuple) (idx uint32, sess *Session, reverse bool, found bool) {
	if idx, sess, found = t.lookupExact(tuple); found {
		return idx, sess, false, true
	}
	if idx, sess, found = t.lookupExact(tuple.Reversed()); found {
		return idx, sess, true, true
	}
	return 0, nil, false, false
}

func (t *Table) lookupExact(tuple Tuple) (uint32, *Session, bool) {
	h := tuple.hash()
	for _, idx := range t.byTuple[h] {
		s := &t.arena[idx]
		if s.inUse && s.Tuple == tuple {
			return idx, s, true
		}
	}
	return 0, nil, false
}

// ErrSessionTableFull-worthy condition: Create returns ok=false when
// no slot could be allocated or evicted; callers map that to
// errors.KindSessionTableFull and spec drop category session_exhaust.

// Create allocates a new session for tuple, inserting both the forward
// and reverse-tuple hash entries per spec §9's open-question resolution
// ("implementations must create both entries at session creation").
// Returns false if the table is full and no eviction candidate exists.
func (t *Table) Create(tuple Tuple, tenantID, policyID uint32, qosClass uint8) (uint32, *Session, bool) {
	idx, ok := t.allocSlot()
	if !ok {
		return 0, nil, false
	}

	now := t.clock.Now().UnixNano()
	s := &t.arena[idx]
	*s = Session{
		Tuple:      tuple,
		State:      StateNew,
		TenantID:   tenantID,
		PolicyID:   policyID,
		QoSClass:   qosClass,
		LastActive: now,
		inUse:      true,
	}

	fh := tuple.hash()
	rh := tuple.Reversed().hash()
	t.byTuple[fh] = append(t.byTuple[fh], idx)
	if rh != fh {
		t.byTuple[rh] = append(t.byTuple[rh], idx)
	}

	t.sessionCount++
	t.created++
	return idx, s, true
}

func (t *Table) allocSlot() (uint32, bool) {
	if n := len(t.free); n > 0 {
		idx := t.free[n-1]
		t.free = t.free[:n-1]
		return idx, true
	}
	if len(t.arena) < t.maxSessions {
		t.arena = append(t.arena, Session{})
		return uint32(len(t.arena) - 1), true
	}
	// Table full: evict the single oldest session (by last_active) to
	// make room, per spec §4.2 "oldest sessions ... are evicted in LRU
	// order".
	if t.evictOldest() {
		return t.allocSlot()
	}
	return 0, false
}

// evictOldest scans the arena for the in-use session with the smallest
// LastActive and removes it, returning whether one was found.
func (t *Table) evictOldest() bool {
	oldestIdx := uint32(0)
	oldestTime := int64(1<<63 - 1)
	found := false
	for i := range t.arena {
		s := &t.arena[i]
		if !s.inUse {
			continue
		}
		if !found || s.LastActive < oldestTime {
			oldestIdx = uint32(i)
			oldestTime = s.LastActive
			found = true
		}
	}
	if !found {
		return false
	}
	t.remove(oldestIdx)
	return true
}

// remove deletes the session at idx from the hash index and frees its slot.
func (t *Table) remove(idx uint32) {
	s := &t.arena[idx]
	if !s.inUse {
		return
	}
	fh := s.Tuple.hash()
	rh := s.Tuple.Reversed().hash()
	t.byTuple[fh] = removeIdx(t.byTuple[fh], idx)
	if rh != fh {
		t.byTuple[rh] = removeIdx(t.byTuple[rh], idx)
	}
	s.inUse = false
	t.free = append(t.free, idx)
	t.sessionCount--
	t.evicted++
}

func removeIdx(s []uint32, idx uint32) []uint32 {
	for i, v := range s {
		if v == idx {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

// Touch updates a session's activity counters for a packet observed in
// the forward (fwd=true) or reverse direction.
func (t *Table) Touch(s *Session, fwd bool, bytes uint64) {
	now := t.clock.Now().UnixNano()
	s.LastActive = now
	if fwd {
		s.FwdPackets++
		s.FwdBytes += bytes
	} else {
		s.RevPackets++
		s.RevBytes += bytes
	}
}

// TCPFlags mirrors the handful of TCP control bits the state machine needs.
type TCPFlags struct {
	SYN, ACK, FIN, RST bool
}

// AdvanceTCP applies the TCP state machine transition for a packet seen
// in the given direction (spec §4.2): new → established on any observed
// reverse-direction traffic; FIN/RST on either direction → closing;
// closed after a short grace period handled by the expiry sweep.
func AdvanceTCP(current State, fwd bool, flags TCPFlags) State {
	if flags.FIN || flags.RST {
		return StateClosing
	}
	switch current {
	case StateNew:
		if !fwd {
			return StateEstablished
		}
		return StateNew
	case StateClosing:
		return StateClosing
	default:
		return current
	}
}

// Sweep performs a bounded expiry pass, evicting up to budget sessions
// that have been idle longer than timeoutNanos or sit in StateClosing
// longer than closingGraceNanos. Runs opportunistically at batch
// boundaries per spec §5 ("a bounded step of at most K entries").
func (t *Table) Sweep(budget int, timeoutNanos int64, closingGraceNanos int64) int {
	if len(t.arena) == 0 {
		return 0
	}
	now := t.clock.Now().UnixNano()
	swept := 0
	checked := 0
	n := len(t.arena)
	for checked < n && swept < budget {
		idx := t.sweepCursor % n
		t.sweepCursor++
		checked++

		s := &t.arena[idx]
		if !s.inUse {
			continue
		}
		expired := now-s.LastActive > timeoutNanos
		closedOut := s.State == StateClosing && now-s.LastActive > closingGraceNanos
		if expired || closedOut {
			t.remove(uint32(idx))
			swept++
		}
	}
	return swept
}
