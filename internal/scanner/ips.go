// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package scanner

// maxIPSScanBytes bounds the IPS scan to the first 1500 bytes of payload
// (spec §4.4).
const maxIPSScanBytes = 1500

// IPSVerdict is the stage-level outcome after scanning a packet.
type IPSVerdict struct {
	Matched  bool
	Hit      Hit
	Drop     bool
	Reject   bool
}

// IPS is the intrusion-prevention scanning stage. It wraps a Matcher and
// keeps per-category hit statistics for the observability surface.
type IPS struct {
	matcher Matcher
	stats   *Stats
}

// NewIPS builds an IPS stage around the given Matcher.
func NewIPS(m Matcher) *IPS {
	return &IPS{matcher: m, stats: NewStats()}
}

// Stats returns the accumulated per-category hit counters.
func (s *IPS) Stats() *Stats { return s.stats }

// Scan inspects payload (truncated to the 1500-byte scan window) and
// returns the verdict. Per spec §4.4, "on any match the highest-severity
// action wins (drop > reject > alert)" and "scanning produces a single
// match result per packet" — since the underlying Matcher already
// returns its single highest-severity hit, this stage simply maps that
// hit to a verdict.
func (s *IPS) Scan(payload []byte) IPSVerdict {
	if len(payload) > maxIPSScanBytes {
		payload = payload[:maxIPSScanBytes]
	}
	hit, ok := s.matcher.Scan(payload)
	if !ok {
		return IPSVerdict{}
	}
	s.stats.Record(hit)
	return IPSVerdict{
		Matched: true,
		Hit:     hit,
		Drop:    hit.Action == SigDrop,
		Reject:  hit.Action == SigReject,
	}
}
