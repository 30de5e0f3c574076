// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package scanner implements the IPS and DLP payload-scanning stages
// (spec §4.4, §4.5) behind a shared capability abstraction, per spec §9:
// "Conditional crypto / DPI backends → capability abstraction ... an
// abstraction over {compile(patterns) → Matcher, Matcher::scan(buf) →
// Option<Hit>}; the native-pattern-engine backend and the minimal
// fall-back backend both implement it."
//
// Grounded on _examples/grimm-is-flywall/internal/ebpf/ips/patterns.go
// (Signature/MatchResult shape, regex+literal+binary pattern types) and
// _examples/original_source/opensase-core/vpp/plugins/opensase/node_dlp.c
// (category-by-id-range dispatch, the consecutive-digit and SSN fallback
// scans).
package scanner

// Category is a signature/pattern category. IPS and DLP each use a
// disjoint subset of these (spec §4.4/§4.5).
type Category string

const (
	CategoryMalware    Category = "malware"
	CategoryExploit    Category = "exploit"
	CategoryBotnet     Category = "botnet"
	CategoryCVE        Category = "cve"
	CategoryPolicy     Category = "policy"
	CategoryCreditCard Category = "credit_card"
	CategorySSN        Category = "ssn"
	CategoryIBAN       Category = "iban"
	CategoryEmail      Category = "email"
	CategoryPhone      Category = "phone"
	CategoryKeyword    Category = "keyword"
	CategoryCustom     Category = "custom"
)

// SigAction is the per-signature disposition for an IPS match.
type SigAction uint8

const (
	SigAlert SigAction = iota
	SigReject
	SigDrop
)

// severity orders SigAction so "highest wins" (spec §4.4: drop > reject > alert).
func (a SigAction) severity() int { return int(a) }

// Hit describes a single scan match.
type Hit struct {
	SignatureID uint32
	Category    Category
	Action      SigAction
	Offset      int
}

// Matcher is the scanning capability: compiled patterns over a byte
// buffer, returning the single highest-severity hit. Both the native
// pattern-engine backend and the dependency-free fallback implement it.
type Matcher interface {
	// Scan inspects buf (already bounded to the stage's scan depth by
	// the caller) and returns the single most severe hit, if any.
	Scan(buf []byte) (Hit, bool)
}

// Pattern is one compiled-from signature definition.
type Pattern struct {
	ID       uint32
	Category Category
	Action   SigAction
	Literal  []byte // nil if not a literal-match pattern
}

// Stats accumulates per-category hit counts for the observability
// surface (spec §6: "IPS signature hits by category, DLP pattern hits
// by category"), grounded on the per-category counters in
// _examples/grimm-is-flywall/internal/ebpf/ips/pattern_db.go.
type Stats struct {
	HitsByCategory map[Category]uint64
}

// NewStats returns an empty Stats.
func NewStats() *Stats {
	return &Stats{HitsByCategory: make(map[Category]uint64)}
}

// Record increments the counter for hit.Category.
func (s *Stats) Record(hit Hit) {
	s.HitsByCategory[hit.Category]++
}
