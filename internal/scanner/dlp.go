// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package scanner

// maxDLPScanBytes bounds the DLP scan depth (spec §4.5).
const maxDLPScanBytes = 4096

// criticalCategories are the DLP categories that yield DROP rather than
// LOG+continue (spec §4.5: "Credit-card and SSN matches yield DROP;
// other categories yield LOG+continue").
var criticalCategories = map[Category]bool{
	CategoryCreditCard: true,
	CategorySSN:        true,
}

// DLPVerdict is the stage-level outcome after scanning a packet.
type DLPVerdict struct {
	Matched  bool
	Hit      Hit
	Critical bool // true => drop; false => log and continue
}

// DLP is the data-loss-prevention scanning stage.
type DLP struct {
	matcher Matcher
	stats   *Stats
}

// NewDLP builds a DLP stage around the given Matcher.
func NewDLP(m Matcher) *DLP {
	return &DLP{matcher: m, stats: NewStats()}
}

// Stats returns the accumulated per-category hit counters.
func (s *DLP) Stats() *Stats { return s.stats }

// Scan inspects payload (bounded to the 4096-byte scan depth).
func (s *DLP) Scan(payload []byte) DLPVerdict {
	if len(payload) > maxDLPScanBytes {
		payload = payload[:maxDLPScanBytes]
	}
	hit, ok := s.matcher.Scan(payload)
	if !ok {
		return DLPVerdict{}
	}
	s.stats.Record(hit)
	return DLPVerdict{
		Matched:  true,
		Hit:      hit,
		Critical: criticalCategories[hit.Category],
	}
}
