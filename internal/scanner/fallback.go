// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package scanner

import (
	"bytes"
	"regexp"
)

// jndiPrefix is the minimal Log4Shell-style signature spec §4.4 mandates
// a fallback scanner must catch.
var jndiPrefix = []byte("${jndi:")

// sqlUnion matches SQL UNION-based injection attempts, case-insensitive,
// the second signature spec §4.4 mandates.
var sqlUnion = regexp.MustCompile(`(?i)\bUNION\b`)

// ssnPattern matches the literal XXX-XX-XXXX digit-dash-digit-dash-digit
// shape (spec §4.5), grounded on the partial scan in
// _examples/original_source/opensase-core/vpp/plugins/opensase/node_dlp.c.
var ssnPattern = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)

// FallbackIPS is the dependency-free IPS Matcher spec §4.4 requires when
// no native pattern engine is configured: it must detect at minimum
// `${jndi:` prefixes (cve, drop) and case-insensitive SQL UNION (policy, alert).
type FallbackIPS struct{}

// NewFallbackIPS returns the minimal IPS fallback Matcher.
func NewFallbackIPS() *FallbackIPS { return &FallbackIPS{} }

func (f *FallbackIPS) Scan(buf []byte) (Hit, bool) {
	if idx := bytes.Index(buf, jndiPrefix); idx >= 0 {
		return Hit{SignatureID: 4001, Category: CategoryCVE, Action: SigDrop, Offset: idx}, true
	}
	if loc := sqlUnion.FindIndex(buf); loc != nil {
		return Hit{SignatureID: 4002, Category: CategoryPolicy, Action: SigAlert, Offset: loc[0]}, true
	}
	return Hit{}, false
}

// FallbackDLP is the dependency-free DLP Matcher spec §4.5 requires:
// 13-19 consecutive digits (with optional spaces/dashes) for credit
// cards, and the literal XXX-XX-XXXX shape for SSNs.
type FallbackDLP struct{}

// NewFallbackDLP returns the minimal DLP fallback Matcher.
func NewFallbackDLP() *FallbackDLP { return &FallbackDLP{} }

func (f *FallbackDLP) Scan(buf []byte) (Hit, bool) {
	if offset, ok := scanCreditCard(buf); ok {
		return Hit{SignatureID: 5001, Category: CategoryCreditCard, Action: SigDrop, Offset: offset}, true
	}
	if loc := ssnPattern.FindIndex(buf); loc != nil {
		return Hit{SignatureID: 5002, Category: CategorySSN, Action: SigDrop, Offset: loc[0]}, true
	}
	return Hit{}, false
}

// scanCreditCard walks buf counting consecutive digits, allowing
// interleaved spaces and dashes without breaking the run (matching a
// "13-19 digits (with optional spaces/dashes)" card number), and
// reports a match once a run reaches 13-19 digits.
func scanCreditCard(buf []byte) (int, bool) {
	digitCount := 0
	runStart := -1
	for i := 0; i <= len(buf); i++ {
		var c byte
		if i < len(buf) {
			c = buf[i]
		}
		switch {
		case i < len(buf) && c >= '0' && c <= '9':
			if runStart < 0 {
				runStart = i
			}
			digitCount++
		case i < len(buf) && (c == ' ' || c == '-'):
			// allowed separator inside a run, doesn't reset it
		default:
			if digitCount >= 13 && digitCount <= 19 {
				return runStart, true
			}
			digitCount = 0
			runStart = -1
		}
	}
	return 0, false
}
