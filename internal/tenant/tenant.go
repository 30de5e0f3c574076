// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package tenant implements the tenant classifier (spec §4.1): a
// longest-prefix source-address lookup and a parallel direct-mapped VNI
// table, both published to workers by atomic pointer swap so that reads
// on the fast path never block on control-plane updates.
//
// Grounded on _examples/original_source/opensase-core/vpp/plugins/opensase/node_vxlan_classifier.c
// (the VNI direct-map and acl_bypass flag) and the epoch-swap pattern
// spec §9 calls for, styled after grimm.is/flywall's internal/firewall
// atomic-update helpers.
package tenant

import (
	"encoding/binary"
	"net/netip"
	"sync/atomic"
)

// vniTableMask mirrors the original plugin's direct-mapped table: VNI is
// a 24-bit field but real deployments use a small fraction of the space,
// so entries are stored in a map, not a fixed [1<<24]array.
const vniTableMask = 0xFFFFFF

// Entry is a tenant lookup result: tenant, VRF, and whether the VNI
// (when classification came from VXLAN) bypasses the downstream ACL.
type Entry struct {
	TenantID  uint32
	VRFID     uint32
	ACLBypass bool
}

// prefixEntry is one source-prefix → tenant mapping.
type prefixEntry struct {
	prefix netip.Prefix
	entry  Entry
}

// Table is the read-mostly tenant/VNI lookup table. A *Table is never
// mutated after construction; control-plane updates build a new Table
// and atomically swap it in via Classifier.Swap.
type Table struct {
	prefixes []prefixEntry // sorted longest-prefix-first
	vni      map[uint32]Entry
}

// NewTable builds an immutable Table from prefix and VNI entries.
func NewTable(prefixes map[string]Entry, vnis map[uint32]Entry) *Table {
	t := &Table{vni: make(map[uint32]Entry, len(vnis))}
	for cidr, e := range prefixes {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			continue
		}
		t.prefixes = append(t.prefixes, prefixEntry{prefix: p, entry: e})
	}
	for vni, e := range vnis {
		t.vni[vni&vniTableMask] = e
	}
	sortByLongestPrefix(t.prefixes)
	return t
}

func sortByLongestPrefix(entries []prefixEntry) {
	// Insertion sort: tenant tables are small (thousands of entries at
	// most per spec's OPENSASE_MAX_TENANTS) and this runs only on
	// control-plane rebuild, never on the packet path.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].prefix.Bits() > entries[j-1].prefix.Bits(); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// lookupByAddr performs the longest-prefix source-address lookup.
func (t *Table) lookupByAddr(addr netip.Addr) (Entry, bool) {
	for _, pe := range t.prefixes {
		if pe.prefix.Contains(addr) {
			return pe.entry, true
		}
	}
	return Entry{}, false
}

// lookupByVNI performs the direct-mapped VNI lookup.
func (t *Table) lookupByVNI(vni uint32) (Entry, bool) {
	e, ok := t.vni[vni&vniTableMask]
	return e, ok
}

// Classifier is the per-worker (shared, read-only) handle to the current
// tenant table. Swap is called by the control plane; ClassifyIP and
// ClassifyVNI are called on the fast path by every worker.
type Classifier struct {
	table atomic.Pointer[Table]
}

// NewClassifier returns a Classifier with an empty table; every packet
// maps to the default tenant (0) until Swap installs a real table.
func NewClassifier() *Classifier {
	c := &Classifier{}
	c.table.Store(NewTable(nil, nil))
	return c
}

// Swap atomically installs a new table. Each ClassifyIP/ClassifyVNI call
// loads the current table once, so a lookup already in progress finishes
// on the table it loaded; the table is not pinned across a batch of
// packets.
func (c *Classifier) Swap(t *Table) {
	c.table.Store(t)
}

// ClassifyIP classifies a non-tunneled frame by source address.
func (c *Classifier) ClassifyIP(src netip.Addr) Entry {
	t := c.table.Load()
	if e, ok := t.lookupByAddr(src); ok {
		return e
	}
	return Entry{TenantID: 0}
}

// ClassifyVNI classifies a VXLAN-carried frame by its extracted VNI.
func (c *Classifier) ClassifyVNI(vni uint32) Entry {
	t := c.table.Load()
	if e, ok := t.lookupByVNI(vni); ok {
		return e
	}
	return Entry{TenantID: 0}
}

// VXLANDestPort is the well-known UDP destination port for VXLAN (RFC 7348).
const VXLANDestPort = 4789

// vxlanHeaderLen is the VXLAN header length: 8-byte flags/reserved/VNI.
const vxlanHeaderLen = 8

// ExtractVNI reads the 24-bit VNI from a VXLAN header (the 8 bytes
// immediately following the UDP header), returning the VNI and whether
// the I-flag (bit 3 of the first byte) was set, per RFC 7348 §5.
func ExtractVNI(vxlanHeader []byte) (vni uint32, iFlagSet bool, ok bool) {
	if len(vxlanHeader) < vxlanHeaderLen {
		return 0, false, false
	}
	flags := vxlanHeader[0]
	vni = uint32(vxlanHeader[4])<<16 | uint32(vxlanHeader[5])<<8 | uint32(vxlanHeader[6])
	return vni, flags&0x08 != 0, true
}

// BuildVXLANHeader writes an 8-byte VXLAN header with the I-flag set and
// the given VNI in the upper 24 bits, per RFC 7348.
func BuildVXLANHeader(vni uint32) [8]byte {
	var hdr [8]byte
	hdr[0] = 0x08 // I-flag
	binary.BigEndian.PutUint32(hdr[4:8], (vni&vniTableMask)<<8)
	return hdr
}
