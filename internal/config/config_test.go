// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"opensase.io/dataplane/internal/errors"
)

func TestParseFullDocument(t *testing.T) {
	doc, err := Parse("test.hcl", []byte(`
tenant "corp" {
  tenant_id = 11
  vrf_id    = 1
  prefixes  = ["192.168.0.0/16"]
}

policy "allow-web" {
  policy_id = 1
  priority  = 10
  action    = "allow"
  qos_class = "business"
}

nat_pool {
  tenant_id        = 11
  external_addr    = "198.51.100.1"
  port_range_start = 10000
  port_range_end   = 20000
}

tunnel "to-hq" {
  type       = "vxlan"
  outer_src  = "203.0.113.1"
  outer_dst  = "203.0.113.2"
  outer_port = 4789
  tenant_ids = [11]
}

rate_limit {
  tenant_id = 11
  qos_class = "bulk"
  mbps      = 50
}
`))
	require.NoError(t, err)
	require.Len(t, doc.Tenants, 1)
	require.Equal(t, uint32(11), doc.Tenants[0].TenantID)
	require.Len(t, doc.Policies, 1)
	require.Len(t, doc.NATPools, 1)
	require.Equal(t, uint32(11), doc.NATPools[0].TenantID)
	require.Len(t, doc.Tunnels, 1)
	require.Len(t, doc.Limits, 1)
}

func TestValidateRejectsDuplicatePolicyID(t *testing.T) {
	doc := &Document{
		Policies: []PolicyBlock{
			{Name: "a", PolicyID: 1, Action: "allow"},
			{Name: "b", PolicyID: 1, Action: "deny"},
		},
	}
	err := doc.Validate()
	require.Error(t, err)
	require.Equal(t, errors.KindConfigurationError, errors.GetKind(err))
}

func TestValidateRejectsTenantZero(t *testing.T) {
	doc := &Document{Tenants: []TenantBlock{{Name: "global", TenantID: 0}}}
	err := doc.Validate()
	require.Error(t, err)
}

func TestValidateRejectsInvertedPortRange(t *testing.T) {
	doc := &Document{NATPools: []NATPoolBlock{{TenantID: 5, PortRangeStart: 2000, PortRangeEnd: 1000}}}
	err := doc.Validate()
	require.Error(t, err)
}

func TestValidateRejectsUnknownAction(t *testing.T) {
	doc := &Document{Policies: []PolicyBlock{{Name: "a", PolicyID: 1, Action: "bogus"}}}
	err := doc.Validate()
	require.Error(t, err)
}
