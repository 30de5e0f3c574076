// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package qos

import (
	"fmt"
	"os/exec"

	"opensase.io/dataplane/internal/config"
	"opensase.io/dataplane/internal/logging"

	"github.com/vishvananda/netlink"
)

// ClassLimit is one (tenant, QoS class) rate limit, as decoded from a
// control-plane document's rate_limit block.
type ClassLimit struct {
	TenantID uint32
	QoSClass uint8
	Mbps     uint32
}

// LimitsFromDocument converts a control-plane document's rate_limit
// blocks into the ClassLimit form Manager.ApplyConfig consumes.
func LimitsFromDocument(doc *config.Document) ([]ClassLimit, error) {
	limits := make([]ClassLimit, 0, len(doc.Limits))
	for _, l := range doc.Limits {
		class, err := classFromString(l.QoSClass)
		if err != nil {
			return nil, err
		}
		limits = append(limits, ClassLimit{TenantID: l.TenantID, QoSClass: class, Mbps: l.Mbps})
	}
	return limits, nil
}

func classFromString(s string) (uint8, error) {
	switch s {
	case "", "default":
		return 2, nil
	case "realtime":
		return 0, nil
	case "business":
		return 1, nil
	case "bulk":
		return 3, nil
	case "scavenger":
		return 4, nil
	default:
		return 0, fmt.Errorf("invalid qos_class %q", s)
	}
}

// Manager installs the coarse-grained half of per-tenant QoS: an HTB
// class tree on the physical egress interface, one child class per
// (tenant, QoS class) pair, each with an fq_codel leaf qdisc and a tc
// filter matching the fwmark CalculateFWMark gives that pair. Nothing
// in this module sets that mark on packets or sockets.
// This complements, rather than replaces, the
// per-packet DSCP marking and token-bucket shaping in bucket.go: this
// package only shapes what already left the host onto the wire.
type Manager struct {
	logger *logging.Logger
}

// NewManager creates a new QoS manager.
func NewManager(logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	return &Manager{
		logger: logger,
	}
}

// ApplyConfig installs an HTB qdisc on iface and one child class per
// entry in limits (duplicate pairs are not merged), at the given
// totalMbps ceiling for the root class.
func (m *Manager) ApplyConfig(iface string, totalMbps uint32, limits []ClassLimit) error {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("interface %s not found: %w", iface, err)
	}

	qdiscs, err := netlink.QdiscList(link)
	if err != nil {
		return fmt.Errorf("failed to list qdiscs: %w", err)
	}
	for _, q := range qdiscs {
		if q.Attrs().Parent == netlink.HANDLE_ROOT {
			netlink.QdiscDel(q)
		}
	}

	rootQdisc := netlink.NewHtb(netlink.QdiscAttrs{
		LinkIndex: link.Attrs().Index,
		Parent:    netlink.HANDLE_ROOT,
		Handle:    netlink.MakeHandle(1, 0),
	})
	if err := netlink.QdiscAdd(rootQdisc); err != nil {
		return fmt.Errorf("failed to add root HTB qdisc: %w", err)
	}

	rate := parseRate(totalMbps)
	rootClass := netlink.NewHtbClass(netlink.ClassAttrs{
		LinkIndex: link.Attrs().Index,
		Parent:    netlink.MakeHandle(1, 0),
		Handle:    netlink.MakeHandle(1, 1),
	}, netlink.HtbClassAttrs{
		Rate:    rate,
		Ceil:    rate,
		Buffer:  1514,
		Cbuffer: 1514,
	})
	if err := netlink.ClassAdd(rootClass); err != nil {
		return fmt.Errorf("failed to add root HTB class: %w", err)
	}

	for i, limit := range limits {
		minorID := uint16(10 + i)
		classRate := parseRate(limit.Mbps)

		childClass := netlink.NewHtbClass(netlink.ClassAttrs{
			LinkIndex: link.Attrs().Index,
			Parent:    netlink.MakeHandle(1, 1),
			Handle:    netlink.MakeHandle(1, minorID),
		}, netlink.HtbClassAttrs{
			Rate:    classRate,
			Ceil:    classRate,
			Prio:    uint32(limit.QoSClass),
			Buffer:  1514,
			Cbuffer: 1514,
		})
		if err := netlink.ClassAdd(childClass); err != nil {
			return fmt.Errorf("failed to add class for tenant %d/class %d: %w", limit.TenantID, limit.QoSClass, err)
		}

		fq := netlink.NewFqCodel(netlink.QdiscAttrs{
			LinkIndex: link.Attrs().Index,
			Parent:    netlink.MakeHandle(1, minorID),
			Handle:    netlink.MakeHandle(100+uint16(i), 0),
		})
		if err := netlink.QdiscAdd(fq); err != nil {
			return fmt.Errorf("failed to add leaf qdisc for tenant %d/class %d: %w", limit.TenantID, limit.QoSClass, err)
		}

		mark := CalculateFWMark(limit.TenantID, limit.QoSClass)
		// netlink's fw filter support has historically dropped the
		// handle/classid on encode (see vishvananda/netlink issues
		// against FilterAdd's fw type); shell out to tc for this one
		// filter rather than risk a silently-ineffective classification.
		cmd := exec.Command("tc", "filter", "add", "dev", iface,
			"parent", "1:0",
			"protocol", "ip",
			"prio", fmt.Sprintf("%d", 100+i),
			"handle", fmt.Sprintf("0x%x", mark),
			"fw",
			"classid", fmt.Sprintf("1:%x", minorID),
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			m.logger.Warn("failed to add fwmark filter", "mark", mark, "error", err, "output", string(out))
		}
	}
	return nil
}

func parseRate(mbps uint32) uint64 {
	return uint64(mbps) * 125000
}
