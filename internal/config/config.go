// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config provides HCL-based loading of the control-plane document:
// tenants, policies, NAT pools, tunnels, and rate limits. The data plane
// never parses this document itself (it receives already-validated
// control-plane operations); this package is the boundary a control-plane
// process uses to read an on-disk document and turn it into those operations.
package config

import (
	"os"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"opensase.io/dataplane/internal/errors"
)

// Document is the root of the HCL control-plane document.
type Document struct {
	Tenants  []TenantBlock  `hcl:"tenant,block"`
	Policies []PolicyBlock  `hcl:"policy,block"`
	NATPools []NATPoolBlock `hcl:"nat_pool,block"`
	Tunnels  []TunnelBlock  `hcl:"tunnel,block"`
	Limits   []LimitBlock   `hcl:"rate_limit,block"`
}

// TenantBlock maps one or more source prefixes (and optionally a VNI) to a tenant.
type TenantBlock struct {
	Name       string   `hcl:"name,label"`
	TenantID   uint32   `hcl:"tenant_id"`
	VRFID      uint32   `hcl:"vrf_id,optional"`
	Prefixes   []string `hcl:"prefixes,optional"`
	VNI        *uint32  `hcl:"vni,optional"`
	ACLBypass  bool     `hcl:"acl_bypass,optional"`
}

// PolicyBlock is one policy record as control-plane document syntax.
type PolicyBlock struct {
	Name          string `hcl:"name,label"`
	PolicyID      uint32 `hcl:"policy_id"`
	Priority      uint32 `hcl:"priority"`
	TenantID      uint32 `hcl:"tenant_id,optional"`
	SrcPrefix     string `hcl:"src_prefix,optional"`
	DstPrefix     string `hcl:"dst_prefix,optional"`
	Protocol      uint8  `hcl:"protocol,optional"`
	SrcPortLow    uint16 `hcl:"src_port_low,optional"`
	SrcPortHigh   uint16 `hcl:"src_port_high,optional"`
	DstPortLow    uint16 `hcl:"dst_port_low,optional"`
	DstPortHigh   uint16 `hcl:"dst_port_high,optional"`
	Action        string `hcl:"action"`
	QoSClass      string `hcl:"qos_class,optional"`
	LogEnabled    bool   `hcl:"log_enabled,optional"`
	RateLimitKbps uint32 `hcl:"rate_limit_kbps,optional"`
}

// NATPoolBlock configures a per-tenant NAT44 pool. tenant_id is a plain
// attribute rather than a block label: gohcl labels must be strings, and
// this is a numeric tenant id.
type NATPoolBlock struct {
	TenantID       uint32 `hcl:"tenant_id"`
	ExternalAddr   string `hcl:"external_addr"`
	PortRangeStart uint16 `hcl:"port_range_start"`
	PortRangeEnd   uint16 `hcl:"port_range_end"`
}

// TunnelBlock describes an outbound tunnel and which tenants use it.
type TunnelBlock struct {
	Name       string   `hcl:"name,label"`
	Type       string   `hcl:"type"`
	OuterSrc   string   `hcl:"outer_src"`
	OuterDst   string   `hcl:"outer_dst"`
	OuterPort  uint16   `hcl:"outer_port,optional"`
	OutIfIndex uint32   `hcl:"out_if_index,optional"`
	TenantIDs  []uint32 `hcl:"tenant_ids,optional"`
}

// LimitBlock sets a per-tenant/class rate limit. tenant_id is a plain
// attribute for the same reason as NATPoolBlock.
type LimitBlock struct {
	TenantID uint32 `hcl:"tenant_id"`
	QoSClass string `hcl:"qos_class"`
	Mbps     uint32 `hcl:"mbps"`
}

// Load reads and decodes an HCL control-plane document from path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfigurationError, "read control-plane document")
	}
	return Parse(path, data)
}

// Parse decodes an HCL control-plane document from bytes.
func Parse(filename string, data []byte) (*Document, error) {
	var doc Document
	if err := hclsimple.Decode(filename, data, nil, &doc); err != nil {
		return nil, errors.Wrap(err, errors.KindConfigurationError, "decode control-plane document")
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate performs the shallow structural checks the control-plane API
// runs before accepting an operation derived from this document (spec
// error kind ConfigurationError, returned synchronously to the caller).
func (d *Document) Validate() error {
	seenPolicy := make(map[uint32]bool)
	for _, p := range d.Policies {
		if seenPolicy[p.PolicyID] {
			return errors.Errorf(errors.KindConfigurationError, "duplicate policy_id %d", p.PolicyID)
		}
		seenPolicy[p.PolicyID] = true
		switch p.Action {
		case "allow", "deny", "log", "rate_limit", "redirect", "encrypt", "inspect_dlp":
		default:
			return errors.Errorf(errors.KindConfigurationError, "policy %q: invalid action %q", p.Name, p.Action)
		}
	}
	for _, t := range d.Tenants {
		if t.TenantID == 0 {
			return errors.Errorf(errors.KindConfigurationError, "tenant %q: tenant_id 0 is reserved for global", t.Name)
		}
	}
	for _, n := range d.NATPools {
		if n.PortRangeStart > n.PortRangeEnd {
			return errors.Errorf(errors.KindConfigurationError, "nat_pool tenant %d: port_range_start > port_range_end", n.TenantID)
		}
	}
	return nil
}
