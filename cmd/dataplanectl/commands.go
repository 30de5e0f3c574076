// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

func newTenantCmd(addr *string) *cobra.Command {
	cmd := &cobra.Command{Use: "tenant", Short: "Install or remove a tenant prefix mapping"}

	var tenantID, vrfID uint32
	var prefixes []string
	var aclBypass bool
	install := &cobra.Command{
		Use:   "install",
		Short: "Install a tenant's source prefixes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doJSON("POST", *addr, "/api/v1/tenants", map[string]any{
				"tenant_id":  tenantID,
				"vrf_id":     vrfID,
				"prefixes":   prefixes,
				"acl_bypass": aclBypass,
			}, nil)
		},
	}
	install.Flags().Uint32Var(&tenantID, "tenant-id", 0, "tenant id")
	install.Flags().Uint32Var(&vrfID, "vrf-id", 0, "VRF id")
	install.Flags().StringSliceVar(&prefixes, "prefix", nil, "source prefix, repeatable")
	install.Flags().BoolVar(&aclBypass, "acl-bypass", false, "bypass the ACL stage for this tenant")

	var removePrefix string
	remove := &cobra.Command{
		Use:   "remove",
		Short: "Remove a tenant's source prefix",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doJSON("DELETE", *addr, "/api/v1/tenants?prefix="+removePrefix, nil, nil)
		},
	}
	remove.Flags().StringVar(&removePrefix, "prefix", "", "source prefix to remove")

	cmd.AddCommand(install, remove)
	return cmd
}

func newVNICmd(addr *string) *cobra.Command {
	cmd := &cobra.Command{Use: "vni", Short: "Install or remove a VNI-to-tenant mapping"}

	var vni, tenantID, vrfID uint32
	var aclBypass bool
	install := &cobra.Command{
		Use:   "install",
		Short: "Install a VNI mapping",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doJSON("POST", *addr, "/api/v1/vni", map[string]any{
				"vni":        vni,
				"tenant_id":  tenantID,
				"vrf_id":     vrfID,
				"acl_bypass": aclBypass,
			}, nil)
		},
	}
	install.Flags().Uint32Var(&vni, "vni", 0, "VXLAN VNI")
	install.Flags().Uint32Var(&tenantID, "tenant-id", 0, "tenant id")
	install.Flags().Uint32Var(&vrfID, "vrf-id", 0, "VRF id")
	install.Flags().BoolVar(&aclBypass, "acl-bypass", false, "bypass the ACL stage for this tenant")

	remove := &cobra.Command{
		Use:   "remove <vni>",
		Short: "Remove a VNI mapping",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doJSON("DELETE", *addr, "/api/v1/vni/"+args[0], nil, nil)
		},
	}

	cmd.AddCommand(install, remove)
	return cmd
}

func newPoliciesCmd(addr *string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "Replace the policy vector wholesale from a JSON records file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var records []json.RawMessage
			if err := json.Unmarshal(data, &records); err != nil {
				return err
			}
			return doJSON("PUT", *addr, "/api/v1/policies", map[string]any{"records": records}, nil)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to a JSON array of policytbl.Record objects")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newNATPoolCmd(addr *string) *cobra.Command {
	var tenantID uint32
	var externalAddr string
	var portStart, portEnd uint16

	cmd := &cobra.Command{
		Use:   "nat-pool",
		Short: "Configure a tenant's NAT44 pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doJSON("POST", *addr, "/api/v1/nat/pools", map[string]any{
				"tenant_id":        tenantID,
				"external_addr":    externalAddr,
				"port_range_start": portStart,
				"port_range_end":   portEnd,
			}, nil)
		},
	}
	cmd.Flags().Uint32Var(&tenantID, "tenant-id", 0, "tenant id")
	cmd.Flags().StringVar(&externalAddr, "external-addr", "", "external (post-NAT) IPv4 address")
	cmd.Flags().Uint16Var(&portStart, "port-start", 1024, "external port range start")
	cmd.Flags().Uint16Var(&portEnd, "port-end", 65535, "external port range end")
	return cmd
}

func newTunnelCmd(addr *string) *cobra.Command {
	cmd := &cobra.Command{Use: "tunnel", Short: "Create, update or remove a tenant's tunnel"}

	var tenantID, tunnelID, outIfIndex uint32
	var typ, outerSrc, outerDst string
	var outerPort uint16
	set := &cobra.Command{
		Use:   "set",
		Short: "Create or update a tenant's tunnel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doJSON("POST", *addr, "/api/v1/tunnels", map[string]any{
				"tenant_id":     tenantID,
				"type":          typ,
				"outer_src":     outerSrc,
				"outer_dst":     outerDst,
				"outer_port":    outerPort,
				"tunnel_id":     tunnelID,
				"out_if_index":  outIfIndex,
			}, nil)
		},
	}
	set.Flags().Uint32Var(&tenantID, "tenant-id", 0, "tenant id")
	set.Flags().StringVar(&typ, "type", "vxlan", "tunnel type: vxlan, gre, geneve, noise_tunnel, none")
	set.Flags().StringVar(&outerSrc, "outer-src", "", "outer header source address")
	set.Flags().StringVar(&outerDst, "outer-dst", "", "outer header destination address")
	set.Flags().Uint16Var(&outerPort, "outer-port", 4789, "outer header UDP port, for VXLAN/Geneve")
	set.Flags().Uint32Var(&tunnelID, "tunnel-id", 0, "tunnel/session id")
	set.Flags().Uint32Var(&outIfIndex, "out-if-index", 0, "egress interface index")

	remove := &cobra.Command{
		Use:   "remove <tenant-id>",
		Short: "Remove a tenant's tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doJSON("DELETE", *addr, "/api/v1/tunnels/"+args[0], nil, nil)
		},
	}

	cmd.AddCommand(set, remove)
	return cmd
}

func newRateLimitCmd(addr *string) *cobra.Command {
	var tenantID uint32
	var qosClass string
	var mbps uint32

	cmd := &cobra.Command{
		Use:   "rate-limit",
		Short: "Set a tenant/class token-bucket rate limit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doJSON("POST", *addr, "/api/v1/rate-limits", map[string]any{
				"tenant_id": tenantID,
				"qos_class": qosClass,
				"mbps":      mbps,
			}, nil)
		},
	}
	cmd.Flags().Uint32Var(&tenantID, "tenant-id", 0, "tenant id")
	cmd.Flags().StringVar(&qosClass, "qos-class", "default", "realtime, business, default, bulk, scavenger")
	cmd.Flags().Uint32Var(&mbps, "mbps", 0, "rate limit in megabits/sec")
	return cmd
}

func newApplyCmd(addr *string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a whole HCL control-plane document in one call",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			req, err := newRawRequest("POST", *addr+"/api/v1/config", data)
			if err != nil {
				return err
			}
			return doRawRequest(req)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to an HCL control-plane document")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newStatsCmd(addr *string) *cobra.Command {
	var perWorker bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print aggregate or per-worker counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/stats"
			if perWorker {
				path = "/api/v1/stats/workers"
			}
			var out any
			if err := doJSON("GET", *addr, path, nil, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&perWorker, "per-worker", false, "break stats down by worker id")
	return cmd
}

func newHealthCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the control plane's health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out any
			if err := doJSON("GET", *addr, "/api/v1/health", nil, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}
