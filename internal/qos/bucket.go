// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package qos also implements the per-packet QoS marker/shaper stage
// (spec §4.8): DSCP rewriting with ECN preservation, and a per-(tenant,
// class) token bucket consulted for the scavenger class. manager.go and
// manager_stub.go (adapted from the teacher's qos.Manager) cover the adjacent
// control-plane-facing concern of installing coarse-grained HTB/fq_codel
// qdiscs on the physical egress interface via netlink/tc.
//
// Ported directly from
// _examples/original_source/opensase-core/vpp/plugins/opensase/node_qos.c
// (qos_to_dscp table, apply_dscp's ECN-preserving ToS rewrite,
// init_rate_limiter/rate_limit_check's token bucket formula).
package qos

import (
	"opensase.io/dataplane/internal/nat"
)

// ClassToDSCP mirrors node_qos.c's qos_to_dscp[] table (spec §4.8).
// Index matches metadata.QoSClass's numeric values: realtime, business,
// default, bulk, scavenger.
var ClassToDSCP = [5]uint8{46, 26, 0, 10, 8}

// ApplyDSCP rewrites the ToS/traffic-class byte's upper six bits to the
// DSCP for qosClass while preserving the lower two ECN bits, and
// incrementally updates the IPv4 header checksum. The ToS/traffic-class
// byte is ipHeader[1].
func ApplyDSCP(ipHeader []byte, qosClass uint8) {
	if len(ipHeader) < 20 || int(qosClass) >= len(ClassToDSCP) {
		return
	}
	oldTOS := ipHeader[1]
	dscp := ClassToDSCP[qosClass]
	newTOS := (dscp << 2) | (oldTOS & 0x03)
	if newTOS == oldTOS {
		return
	}
	oldWord := uint16(ipHeader[0])<<8 | uint16(oldTOS)
	newWord := uint16(ipHeader[0])<<8 | uint16(newTOS)
	ipHeader[1] = newTOS

	oldChecksum := uint16(ipHeader[10])<<8 | uint16(ipHeader[11])
	newChecksum := nat.IncrementalChecksumUpdate16(oldChecksum, oldWord, newWord)
	ipHeader[10] = byte(newChecksum >> 8)
	ipHeader[11] = byte(newChecksum)
}

// TokenBucket is a per-(tenant, class) rate limiter (spec §3/§4.8).
type TokenBucket struct {
	Tokens     float64 // bytes
	LastUpdate int64   // UnixNano
	RateBps    float64
	BurstBytes float64
}

// NewTokenBucket initializes a bucket at rateMbps, per node_qos.c's
// init_rate_limiter: rate_bps = rate_mbps*1e6/8, burst = rate_bps*0.1s,
// starting full.
func NewTokenBucket(rateMbps float64, now int64) *TokenBucket {
	rateBps := rateMbps * 1e6 / 8.0
	burst := rateBps * 0.1
	return &TokenBucket{Tokens: burst, LastUpdate: now, RateBps: rateBps, BurstBytes: burst}
}

// Allow refills the bucket for elapsed time since LastUpdate and admits
// the packet if enough tokens are available, per node_qos.c's
// rate_limit_check. Returns whether the packet is admitted.
func (b *TokenBucket) Allow(now int64, packetBytes int) bool {
	elapsedSec := float64(now-b.LastUpdate) / 1e9
	if elapsedSec > 0 {
		b.Tokens += elapsedSec * b.RateBps
		if b.Tokens > b.BurstBytes {
			b.Tokens = b.BurstBytes
		}
		b.LastUpdate = now
	}
	if b.Tokens >= float64(packetBytes) {
		b.Tokens -= float64(packetBytes)
		return true
	}
	return false
}

// BucketKey identifies one (tenant, class) token bucket.
type BucketKey struct {
	TenantID uint32
	Class    uint8
}

// Limiters is a per-worker set of (tenant, class) token buckets.
// Per spec §4.8 only the scavenger class is rate-limited on the fast
// path; other classes' buckets, if configured via SetLimit, are
// likewise consulted the same way.
type Limiters struct {
	buckets map[BucketKey]*TokenBucket
}

// NewLimiters returns an empty Limiters set.
func NewLimiters() *Limiters {
	return &Limiters{buckets: make(map[BucketKey]*TokenBucket)}
}

// SetLimit installs or replaces the rate limit for (tenantID, class).
func (l *Limiters) SetLimit(tenantID uint32, class uint8, rateMbps float64, now int64) {
	l.buckets[BucketKey{tenantID, class}] = NewTokenBucket(rateMbps, now)
}

// Allow checks the bucket for (tenantID, class), admitting unconditionally
// if no limit has been configured for that key.
func (l *Limiters) Allow(tenantID uint32, class uint8, now int64, packetBytes int) bool {
	b, ok := l.buckets[BucketKey{tenantID, class}]
	if !ok {
		return true
	}
	return b.Allow(now, packetBytes)
}
