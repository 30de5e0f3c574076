// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metadata defines the per-packet metadata struct attached to
// every buffer as it traverses the pipeline, and the buffer contract the
// surrounding I/O framework must satisfy.
package metadata

// QoSClass is the packet's traffic class, driving DSCP marking and
// token-bucket shaping.
type QoSClass uint8

const (
	QoSRealtime QoSClass = iota
	QoSBusiness
	QoSDefault
	QoSBulk
	QoSScavenger
)

func (c QoSClass) String() string {
	switch c {
	case QoSRealtime:
		return "realtime"
	case QoSBusiness:
		return "business"
	case QoSBulk:
		return "bulk"
	case QoSScavenger:
		return "scavenger"
	default:
		return "default"
	}
}

// DSCP returns the DiffServ codepoint for the class (upper 6 bits of ToS).
func (c QoSClass) DSCP() uint8 {
	switch c {
	case QoSRealtime:
		return 46 // EF
	case QoSBusiness:
		return 26 // AF31
	case QoSBulk:
		return 10 // AF11
	case QoSScavenger:
		return 8 // CS1
	default:
		return 0 // BE
	}
}

// Flags is the per-packet bitset recording which stages touched the buffer.
type Flags uint8

const (
	FlagDLPInspected Flags = 1 << iota
	FlagIPSInspected
	FlagEncrypted
	FlagLogged
	FlagRateLimited
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }
func (f *Flags) Set(bit Flags)     { *f |= bit }
func (f *Flags) Clear(bit Flags)   { *f &^= bit }

// Metadata is the opaque per-packet metadata slot (spec §3/§6: at least
// 24 bytes in the buffer contract). It is mutated in place by each stage.
type Metadata struct {
	TenantID   uint32
	SessionIdx uint32
	PolicyID   uint32
	AppID      uint16
	QoSClass   QoSClass
	Flags      Flags
}

// Reset clears a Metadata value for reuse across buffers from a pool.
func (m *Metadata) Reset() {
	*m = Metadata{}
}

// Next is the tagged next-stage identifier a stage assigns to a buffer;
// a closed variant over the fixed pipeline in spec §2, an integer on the
// fast path rather than a dynamically dispatched graph node.
type Next uint8

const (
	NextTenantClassifier Next = iota
	NextSessionTracker
	NextPolicyMatcher
	NextIPSScanner
	NextDLPScanner
	NextAppClassifier
	NextNAT44
	NextQoS
	NextEncapsulator
	NextOutput
	NextDrop
)

func (n Next) String() string {
	switch n {
	case NextTenantClassifier:
		return "tenant_classifier"
	case NextSessionTracker:
		return "session_tracker"
	case NextPolicyMatcher:
		return "policy_matcher"
	case NextIPSScanner:
		return "ips_scanner"
	case NextDLPScanner:
		return "dlp_scanner"
	case NextAppClassifier:
		return "app_classifier"
	case NextNAT44:
		return "nat44"
	case NextQoS:
		return "qos"
	case NextEncapsulator:
		return "encapsulator"
	case NextOutput:
		return "output"
	default:
		return "drop"
	}
}

// DropCategory labels why a buffer was routed to NextDrop, feeding the
// observability surface's per-category drop counters (spec §6).
type DropCategory uint8

const (
	DropNone DropCategory = iota
	DropMalformed
	DropPolicyDeny
	DropDLPCritical
	DropIPSDrop
	DropNATExhaust
	DropRateLimit
	DropSessionExhaust
)

func (d DropCategory) String() string {
	switch d {
	case DropMalformed:
		return "malformed"
	case DropPolicyDeny:
		return "policy_deny"
	case DropDLPCritical:
		return "dlp_critical"
	case DropIPSDrop:
		return "ips_drop"
	case DropNATExhaust:
		return "nat_exhaust"
	case DropRateLimit:
		return "rate_limit"
	case DropSessionExhaust:
		return "session_exhaust"
	default:
		return "none"
	}
}

// Buffer is the contract the surrounding I/O framework satisfies for
// every packet handed to the core (spec §6 "Buffer contract"). The core
// never allocates or frees buffers; it reads/writes through this interface.
type Buffer interface {
	// Data returns the contiguous packet bytes, Ethernet at offset 0.
	Data() []byte
	// SetData replaces the packet bytes, e.g. after encapsulation growth
	// or NAT-driven in-place rewrite.
	SetData([]byte)
	// Meta returns the writable per-packet metadata slot.
	Meta() *Metadata
	// ID is the monotonically assigned per-buffer id used for tracing.
	ID() uint64
	// LengthInChain returns the total length across a scatter-gather chain.
	LengthInChain() int
}
