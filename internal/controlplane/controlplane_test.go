// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package controlplane

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"opensase.io/dataplane/internal/clock"
	"opensase.io/dataplane/internal/config"
	"opensase.io/dataplane/internal/policytbl"
	"opensase.io/dataplane/internal/scanner"
	"opensase.io/dataplane/internal/stats"
	"opensase.io/dataplane/internal/tenant"
	"opensase.io/dataplane/internal/tunnel"
	"opensase.io/dataplane/internal/worker"
)

func newTestServer(t *testing.T) (*Server, *worker.Worker) {
	t.Helper()
	shared := &worker.Shared{Tenants: tenant.NewClassifier(), Policies: policytbl.NewTable()}
	registry := stats.NewRegistry()
	w := worker.New(shared, worker.Config{
		ID:             0,
		MaxSessions:    64,
		SessionTimeout: int64(300 * time.Second),
		ClosingGrace:   int64(5 * time.Second),
		SweepBudget:    16,
		IPS:            scanner.NewFallbackIPS(),
		DLP:            scanner.NewFallbackDLP(),
		Tunnels:        tunnel.NewMap(),
		Clock:          clock.NewMockClock(time.Unix(0, 0)),
	})
	registry.Register(w.ID(), w.Stats())

	s := NewServer(shared.Tenants, shared.Policies, tunnel.NewMap(), registry, []*worker.Worker{w})
	return s, w
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = httptest.NewRequest(method, path, bytes.NewReader(b))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, r)
	return rec
}

func TestInstallTenantAppliesImmediately(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, "POST", "/api/v1/tenants", tenantRequest{
		TenantID: 42,
		VRFID:    1,
		Prefixes: []string{"10.1.0.0/16"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	entry := s.tenants.ClassifyIP(mustAddr("10.1.2.3"))
	require.Equal(t, uint32(42), entry.TenantID)
}

func TestRemoveTenantFallsBackToDefault(t *testing.T) {
	s, _ := newTestServer(t)
	require.NoError(t, s.InstallTenant(42, 1, []string{"10.1.0.0/16"}, false))

	rec := doRequest(t, s, "DELETE", "/api/v1/tenants?prefix=10.1.0.0%2F16", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	entry := s.tenants.ClassifyIP(mustAddr("10.1.2.3"))
	require.Equal(t, uint32(0), entry.TenantID)
}

func TestInstallVNIMappingSetsACLBypass(t *testing.T) {
	s, _ := newTestServer(t)
	require.NoError(t, s.InstallVNIMapping(100, 7, 0, true))

	entry := s.tenants.ClassifyVNI(100)
	require.Equal(t, uint32(7), entry.TenantID)
	require.True(t, entry.ACLBypass)
}

func TestReplacePoliciesInstallsOrderedVector(t *testing.T) {
	s, _ := newTestServer(t)
	err := s.ReplacePolicies([]policytbl.Record{
		{PolicyID: 1, Priority: 5, Action: policytbl.ActionDeny},
		{PolicyID: 2, Priority: 1, Action: policytbl.ActionAllow},
	})
	require.NoError(t, err)

	matched, ok := s.policies.Match(policytbl.Candidate{})
	require.True(t, ok)
	require.Equal(t, uint32(2), matched.PolicyID)
}

func TestConfigureNATPoolAppliesAtNextBatchBoundary(t *testing.T) {
	s, w := newTestServer(t)
	require.NoError(t, s.ConfigureNATPool(9, "203.0.113.1", 1024, 2048))

	_, ok := w.NATTable().CreateMapping(9, mustAddr("10.0.0.1"), 5000, 17, false)
	require.False(t, ok, "pool installation is enqueued, not applied until Sweep")

	w.Sweep()
	m, ok := w.NATTable().CreateMapping(9, mustAddr("10.0.0.1"), 5000, 17, false)
	require.True(t, ok)
	require.Equal(t, "203.0.113.1", m.ExternalAddr.String())
}

func TestCreateOrUpdateTunnelIsVisibleImmediately(t *testing.T) {
	s, _ := newTestServer(t)
	err := s.CreateOrUpdateTunnel(3, tunnel.TypeVXLAN, "203.0.113.1", "203.0.113.2", 4789, 0x1234, 0)
	require.NoError(t, err)

	rec := s.tunnels.For(3)
	require.NotNil(t, rec)
	require.Equal(t, tunnel.TypeVXLAN, rec.Type)
}

func TestSetRateLimitAppliesAtNextBatchBoundary(t *testing.T) {
	s, w := newTestServer(t)
	require.NoError(t, s.SetRateLimit(5, 4, 1))

	w.Sweep()
	require.False(t, w.Limiters().Allow(5, 4, 0, 10_000_000))
}

func TestApplyDocumentWiresEveryBlock(t *testing.T) {
	s, w := newTestServer(t)
	doc := &config.Document{
		Tenants: []config.TenantBlock{
			{Name: "corp", TenantID: 11, Prefixes: []string{"192.168.0.0/16"}},
		},
		Policies: []config.PolicyBlock{
			{Name: "allow-all", PolicyID: 1, Priority: 1, Action: "allow"},
		},
		NATPools: []config.NATPoolBlock{
			{TenantID: 11, ExternalAddr: "198.51.100.1", PortRangeStart: 10000, PortRangeEnd: 20000},
		},
		Limits: []config.LimitBlock{
			{TenantID: 11, QoSClass: "bulk", Mbps: 10},
		},
	}
	require.NoError(t, s.ApplyDocument(doc))

	entry := s.tenants.ClassifyIP(mustAddr("192.168.1.1"))
	require.Equal(t, uint32(11), entry.TenantID)

	_, ok := s.policies.Match(policytbl.Candidate{TenantID: 11})
	require.True(t, ok)

	w.Sweep()
	m, ok := w.NATTable().CreateMapping(11, mustAddr("192.168.1.1"), 4000, 17, false)
	require.True(t, ok)
	require.Equal(t, "198.51.100.1", m.ExternalAddr.String())
}

func TestHandleApplyConfigParsesHCLBody(t *testing.T) {
	s, w := newTestServer(t)
	body := []byte(`
tenant "corp" {
  tenant_id = 11
  prefixes  = ["192.168.0.0/16"]
}
nat_pool {
  tenant_id        = 11
  external_addr    = "198.51.100.1"
  port_range_start = 10000
  port_range_end   = 20000
}
`)
	r := httptest.NewRequest("POST", "/api/v1/config", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, r)
	require.Equal(t, http.StatusOK, rec.Code)

	entry := s.tenants.ClassifyIP(mustAddr("192.168.1.1"))
	require.Equal(t, uint32(11), entry.TenantID)

	w.Sweep()
	_, ok := w.NATTable().CreateMapping(11, mustAddr("192.168.1.1"), 4000, 17, false)
	require.True(t, ok)
}

func TestHealthAndStatsEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, "GET", "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, "GET", "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap stats.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
}

func mustAddr(s string) netip.Addr {
	return netip.MustParseAddr(s)
}
