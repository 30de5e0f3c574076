// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package nat implements stateful NAT44 (spec §4.7): per-tenant pools,
// round-robin port allocation with expiry-gated wraparound reuse, and
// incremental checksum rewriting.
//
// Ported directly from the algorithm in
// _examples/original_source/opensase-core/vpp/plugins/opensase/node_nat.c
// (nat_create_mapping, nat_translate): tenant pool selection with
// fallback to pool 0, round-robin next_port with wraparound, and
// expire_time = now + 300s for UDP/established TCP, now + 30s for
// half-open TCP.
package nat

import (
	"encoding/binary"
	"net/netip"

	"opensase.io/dataplane/internal/clock"
)

// Protocol numbers this package cares about (IANA).
const (
	ProtoTCP = 6
	ProtoUDP = 17
)

const (
	establishedTimeout = int64(300e9) // 300s in nanoseconds
	halfOpenTimeout    = int64(30e9)  // 30s in nanoseconds
)

// Pool is a per-tenant NAT44 address/port pool (spec §3).
type Pool struct {
	TenantID     uint32
	ExternalAddr netip.Addr
	PortStart    uint16
	PortEnd      uint16
	nextPort     uint16
}

// NewPool returns a pool with the cursor initialized to PortStart, the
// same default the original plugin's opensase_nat_init uses.
func NewPool(tenantID uint32, addr netip.Addr, start, end uint16) *Pool {
	return &Pool{TenantID: tenantID, ExternalAddr: addr, PortStart: start, PortEnd: end, nextPort: start}
}

// Mapping is one internal-5-tuple → external-address/port translation
// (spec §3 "NAT mapping").
type Mapping struct {
	InternalAddr netip.Addr
	InternalPort uint16
	ExternalAddr netip.Addr
	ExternalPort uint16
	Protocol     uint8
	TenantID     uint32
	ExpireTime   int64 // UnixNano
}

// internalKey / externalKey are the two lookup keys a Mapping is
// indexed under (spec §3: "Keyed by both the internal 5-tuple ... and
// the external 3-tuple").
type internalKey struct {
	addr  netip.Addr
	port  uint16
	proto uint8
}

type externalKey struct {
	addr  netip.Addr
	port  uint16
	proto uint8
}

// Table is a single worker's NAT state: pools plus the bidirectional
// mapping index.
type Table struct {
	clock clock.Clock

	pools map[uint32]*Pool // tenant_id -> pool; pool 0 is the fallback

	byInternal map[internalKey]*Mapping
	byExternal map[externalKey]*Mapping
}

// NewTable creates an empty NAT table.
func NewTable(clk clock.Clock) *Table {
	return &Table{
		clock:      clk,
		pools:      make(map[uint32]*Pool),
		byInternal: make(map[internalKey]*Mapping),
		byExternal: make(map[externalKey]*Mapping),
	}
}

// InstallPool installs or replaces a tenant's pool.
func (t *Table) InstallPool(p *Pool) {
	t.pools[p.TenantID] = p
}

// poolFor selects the tenant's pool, falling back to pool 0 when the
// tenant pool is unconfigured, per node_nat.c's nat_create_mapping.
func (t *Table) poolFor(tenantID uint32) (*Pool, bool) {
	if p, ok := t.pools[tenantID]; ok {
		return p, true
	}
	if p, ok := t.pools[0]; ok {
		return p, true
	}
	return nil, false
}

// ErrExhausted-shaped result: CreateMapping returns ok=false and the
// caller maps that to errors.KindNatPortExhausted, spec drop category
// nat_exhaust.

// Lookup finds the existing mapping for an outbound packet's internal
// 5-tuple, if one exists.
func (t *Table) Lookup(addr netip.Addr, port uint16, proto uint8) (*Mapping, bool) {
	m, ok := t.byInternal[internalKey{addr, port, proto}]
	return m, ok
}

// LookupReturn finds the mapping for a return-direction packet by its
// external 3-tuple (address, port, protocol).
func (t *Table) LookupReturn(addr netip.Addr, port uint16, proto uint8) (*Mapping, bool) {
	m, ok := t.byExternal[externalKey{addr, port, proto}]
	return m, ok
}

// CreateMapping allocates a new mapping for an internal 5-tuple,
// selecting a port by round-robin scan of the tenant's pool with
// wraparound, reusing expired ports. established indicates whether
// this is UDP or an already-established TCP flow (300s expiry) versus
// half-open TCP (30s expiry). Returns ok=false (NatPortExhausted) if a
// full scan of the pool finds no free port.
func (t *Table) CreateMapping(tenantID uint32, internalAddr netip.Addr, internalPort uint16, proto uint8, established bool) (*Mapping, bool) {
	pool, ok := t.poolFor(tenantID)
	if !ok {
		return nil, false
	}

	rangeSize := int(pool.PortEnd) - int(pool.PortStart) + 1
	now := t.clock.Now().UnixNano()

	for i := 0; i < rangeSize; i++ {
		candidate := pool.nextPort
		pool.nextPort++
		if pool.nextPort > pool.PortEnd {
			pool.nextPort = pool.PortStart
		}

		ek := externalKey{pool.ExternalAddr, candidate, proto}
		if existing, inUse := t.byExternal[ek]; inUse {
			if now <= existing.ExpireTime {
				continue // still in use, keep scanning
			}
			t.removeMapping(existing)
		}

		expireTimeout := halfOpenTimeout
		if established || proto == ProtoUDP {
			expireTimeout = establishedTimeout
		}

		m := &Mapping{
			InternalAddr: internalAddr,
			InternalPort: internalPort,
			ExternalAddr: pool.ExternalAddr,
			ExternalPort: candidate,
			Protocol:     proto,
			TenantID:     tenantID,
			ExpireTime:   now + expireTimeout,
		}
		ik := internalKey{internalAddr, internalPort, proto}
		t.byInternal[ik] = m
		t.byExternal[ek] = m
		return m, true
	}
	return nil, false
}

// Refresh extends a mapping's expiry, called on every packet that hits
// an existing mapping so active flows don't age out mid-session.
func (t *Table) Refresh(m *Mapping, established bool) {
	expireTimeout := halfOpenTimeout
	if established || m.Protocol == ProtoUDP {
		expireTimeout = establishedTimeout
	}
	m.ExpireTime = t.clock.Now().UnixNano() + expireTimeout
}

func (t *Table) removeMapping(m *Mapping) {
	delete(t.byInternal, internalKey{m.InternalAddr, m.InternalPort, m.Protocol})
	delete(t.byExternal, externalKey{m.ExternalAddr, m.ExternalPort, m.Protocol})
}

// Sweep removes expired mappings, bounded to budget entries per call,
// mirroring the session table's bounded expiry sweep (spec §5).
func (t *Table) Sweep(budget int) int {
	now := t.clock.Now().UnixNano()
	swept := 0
	for k, m := range t.byInternal {
		if swept >= budget {
			break
		}
		if now > m.ExpireTime {
			delete(t.byInternal, k)
			delete(t.byExternal, externalKey{m.ExternalAddr, m.ExternalPort, m.Protocol})
			swept++
		}
	}
	return swept
}

// --- checksum + rewrite ---

// IncrementalChecksumUpdate applies RFC 1624's incremental checksum
// update for a 32-bit field change (e.g. an IPv4 address), avoiding a
// full header recompute.
func IncrementalChecksumUpdate(oldChecksum uint16, oldVal, newVal uint32) uint16 {
	sum := uint32(^oldChecksum & 0xffff)
	sum += ^(oldVal>>16) & 0xffff
	sum += ^(oldVal) & 0xffff
	sum += (newVal >> 16) & 0xffff
	sum += newVal & 0xffff
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// IncrementalChecksumUpdate16 is RFC 1624's incremental checksum update
// for a 16-bit field change (e.g. the ToS byte's containing word).
func IncrementalChecksumUpdate16(oldChecksum, oldVal, newVal uint16) uint16 {
	sum := uint32(^oldChecksum&0xffff) + uint32(^oldVal&0xffff) + uint32(newVal)
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// Translate rewrites an IPv4 packet's source address/port and protocol
// checksums in place per the given mapping (spec §4.7): the L3 checksum
// and the TCP checksum are incrementally updated for the address and
// port change; the UDP checksum is zeroed (Translate callers may offload
// that to hardware). ipHeader and l4Header are slices into the caller's
// packet buffer.
func Translate(ipHeader, l4Header []byte, m *Mapping) {
	if len(ipHeader) < 20 {
		return
	}
	oldAddrBytes := ipHeader[12:16]
	oldAddr := binary.BigEndian.Uint32(oldAddrBytes)
	newAddrArr := m.ExternalAddr.As4()
	newAddr := binary.BigEndian.Uint32(newAddrArr[:])

	oldChecksum := binary.BigEndian.Uint16(ipHeader[10:12])
	newChecksum := IncrementalChecksumUpdate(oldChecksum, oldAddr, newAddr)
	binary.BigEndian.PutUint16(ipHeader[10:12], newChecksum)
	copy(ipHeader[12:16], newAddrArr[:])

	if len(l4Header) < 4 {
		return
	}
	oldPort := binary.BigEndian.Uint16(l4Header[0:2])
	binary.BigEndian.PutUint16(l4Header[0:2], m.ExternalPort)

	switch m.Protocol {
	case ProtoUDP:
		if len(l4Header) >= 8 {
			// Zero the UDP checksum; a real deployment offloads
			// recomputation to the NIC (node_nat.c's comment: "Recompute
			// or use HW offload").
			l4Header[6] = 0
			l4Header[7] = 0
		}
	case ProtoTCP:
		if len(l4Header) >= 18 {
			oldCk := binary.BigEndian.Uint16(l4Header[16:18])
			newCk := IncrementalChecksumUpdate(oldCk, oldAddr, newAddr)
			newCk = IncrementalChecksumUpdate16(newCk, oldPort, m.ExternalPort)
			binary.BigEndian.PutUint16(l4Header[16:18], newCk)
		}
	}
}
