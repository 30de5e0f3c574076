// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package controlplane implements the external-interfaces surface of
// spec §6: a synchronous HTTP API for installing/removing tenants and
// VNI mappings, installing/replacing the policy vector, configuring NAT
// pools, creating/updating tunnels, and setting rate limits, plus the
// read-only aggregate/per-worker observability surface.
//
// Every mutating operation acknowledges synchronously once it has been
// applied (tenant/VNI table and policy vector: an immediate atomic
// pointer swap; per-worker NAT pools and rate limits: enqueued onto each
// worker.Worker, applied no later than that worker's next batch
// boundary via Worker.Enqueue, matching spec §6's "the core takes
// effect no later than the next batch boundary").
//
// Grounded on the gorilla/mux router/handler style of
// _examples/grimm-is-flywall/internal/ebpf/controlplane/controlplane.go
// (PathPrefix/Subrouter route grouping, JSON handlers, mux.Vars path
// params); HTTP status/JSON-body shape also borrows that file's
// handleHealth/handleStats conventions.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"opensase.io/dataplane/internal/config"
	"opensase.io/dataplane/internal/errors"
	"opensase.io/dataplane/internal/logging"
	"opensase.io/dataplane/internal/nat"
	"opensase.io/dataplane/internal/policytbl"
	"opensase.io/dataplane/internal/stats"
	"opensase.io/dataplane/internal/tenant"
	"opensase.io/dataplane/internal/tunnel"
	"opensase.io/dataplane/internal/worker"
)

// Server is the control plane's HTTP API and the in-memory source of
// truth it rebuilds the immutable tenant table and policy vector from
// on every mutation (spec §3: "a control-plane update ... is applied by
// building a new, immutable table/vector and swapping it in").
type Server struct {
	log      *logging.Logger
	tenants  *tenant.Classifier
	policies *policytbl.Table
	tunnels  *tunnel.Map
	workers  []*worker.Worker
	registry *stats.Registry

	router     *mux.Router
	httpServer *http.Server

	mu       sync.Mutex
	prefixes map[string]tenant.Entry
	vnis     map[uint32]tenant.Entry
}

// NewServer builds a Server bound to the shared tenant/policy/tunnel
// state and the set of workers whose private NAT/rate-limit state it
// configures.
func NewServer(tenants *tenant.Classifier, policies *policytbl.Table, tunnels *tunnel.Map, registry *stats.Registry, workers []*worker.Worker) *Server {
	s := &Server{
		log:      logging.WithComponent("controlplane"),
		tenants:  tenants,
		policies: policies,
		tunnels:  tunnels,
		workers:  workers,
		registry: registry,
		router:   mux.NewRouter(),
		prefixes: make(map[string]tenant.Entry),
		vnis:     make(map[uint32]tenant.Entry),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/tenants", s.handleInstallTenant).Methods("POST")
	api.HandleFunc("/tenants", s.handleRemoveTenant).Methods("DELETE")

	api.HandleFunc("/vni", s.handleInstallVNI).Methods("POST")
	api.HandleFunc("/vni/{vni}", s.handleRemoveVNI).Methods("DELETE")

	api.HandleFunc("/policies", s.handleReplacePolicies).Methods("PUT")

	api.HandleFunc("/nat/pools", s.handleConfigureNATPool).Methods("POST")

	api.HandleFunc("/tunnels", s.handleCreateOrUpdateTunnel).Methods("POST")
	api.HandleFunc("/tunnels/{tenant_id}", s.handleRemoveTunnel).Methods("DELETE")

	api.HandleFunc("/rate-limits", s.handleSetRateLimit).Methods("POST")

	api.HandleFunc("/config", s.handleApplyConfig).Methods("POST")

	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/stats/workers", s.handleWorkerStats).Methods("GET")
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start begins serving the control-plane API on addr.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	s.log.Info("starting control-plane API", "addr", addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("control-plane API server exited")
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// --- core mutation methods, shared by the HTTP handlers and ApplyDocument ---

// InstallTenant maps one or more source prefixes to a tenant (spec §6
// "install/remove tenant").
func (s *Server) InstallTenant(tenantID, vrfID uint32, prefixes []string, aclBypass bool) error {
	entry := tenant.Entry{TenantID: tenantID, VRFID: vrfID, ACLBypass: aclBypass}
	parsed := make([]netip.Prefix, 0, len(prefixes))
	for _, p := range prefixes {
		pfx, err := netip.ParsePrefix(p)
		if err != nil {
			return errors.Wrap(err, errors.KindConfigurationError, "invalid tenant prefix "+p)
		}
		parsed = append(parsed, pfx)
	}

	s.mu.Lock()
	for _, pfx := range parsed {
		s.prefixes[pfx.String()] = entry
	}
	s.mu.Unlock()
	s.rebuildTenantTable()
	return nil
}

// RemoveTenant deletes the mapping for a single source prefix.
func (s *Server) RemoveTenant(prefix string) error {
	pfx, err := netip.ParsePrefix(prefix)
	if err != nil {
		return errors.Wrap(err, errors.KindConfigurationError, "invalid tenant prefix "+prefix)
	}
	s.mu.Lock()
	delete(s.prefixes, pfx.String())
	s.mu.Unlock()
	s.rebuildTenantTable()
	return nil
}

// InstallVNIMapping maps a VXLAN VNI to a tenant (spec §6 "install/remove
// VNI mapping").
func (s *Server) InstallVNIMapping(vni, tenantID, vrfID uint32, aclBypass bool) error {
	s.mu.Lock()
	s.vnis[vni] = tenant.Entry{TenantID: tenantID, VRFID: vrfID, ACLBypass: aclBypass}
	s.mu.Unlock()
	s.rebuildTenantTable()
	return nil
}

// RemoveVNIMapping deletes the mapping for a single VNI.
func (s *Server) RemoveVNIMapping(vni uint32) error {
	s.mu.Lock()
	delete(s.vnis, vni)
	s.mu.Unlock()
	s.rebuildTenantTable()
	return nil
}

// rebuildTenantTable builds a fresh immutable tenant.Table from the
// current prefix/VNI maps and swaps it in (spec §5 atomic-pointer-swap
// shared resource policy).
func (s *Server) rebuildTenantTable() {
	s.mu.Lock()
	prefixes := make(map[string]tenant.Entry, len(s.prefixes))
	for k, v := range s.prefixes {
		prefixes[k] = v
	}
	vnis := make(map[uint32]tenant.Entry, len(s.vnis))
	for k, v := range s.vnis {
		vnis[k] = v
	}
	s.mu.Unlock()
	s.tenants.Swap(tenant.NewTable(prefixes, vnis))
}

// ReplacePolicies installs a new ordered policy vector wholesale (spec
// §6 "install/replace policy vector"). The caller's slice order is
// preserved as NewVector's insertion-order tiebreak among equal
// priorities, so this does not route the records through a map.
func (s *Server) ReplacePolicies(records []policytbl.Record) error {
	s.policies.Swap(policytbl.NewVector(records))
	return nil
}

// ConfigureNATPool installs or replaces a tenant's NAT44 pool on every
// worker (spec §6 "configure NAT pool"); each worker applies it at its
// own next batch boundary via Worker.Enqueue.
func (s *Server) ConfigureNATPool(tenantID uint32, externalAddr string, portStart, portEnd uint16) error {
	addr, err := netip.ParseAddr(externalAddr)
	if err != nil {
		return errors.Wrap(err, errors.KindConfigurationError, "invalid external address "+externalAddr)
	}
	if portStart > portEnd {
		return errors.Errorf(errors.KindConfigurationError, "port_range_start %d > port_range_end %d", portStart, portEnd)
	}
	pool := nat.NewPool(tenantID, addr, portStart, portEnd)
	for _, w := range s.workers {
		w.Enqueue(func(w *worker.Worker) { w.NATTable().InstallPool(pool) })
	}
	return nil
}

// CreateOrUpdateTunnel installs the tunnel used for tenantID (spec §6
// "create/update tunnel"); the tenant→tunnel map is shared and
// mutex-guarded, so this takes effect for the very next packet.
func (s *Server) CreateOrUpdateTunnel(tenantID uint32, typ tunnel.Type, outerSrc, outerDst string, outerPort uint16, tunnelID, outIfIndex uint32) error {
	src, err := netip.ParseAddr(outerSrc)
	if err != nil {
		return errors.Wrap(err, errors.KindConfigurationError, "invalid outer_src "+outerSrc)
	}
	dst, err := netip.ParseAddr(outerDst)
	if err != nil {
		return errors.Wrap(err, errors.KindConfigurationError, "invalid outer_dst "+outerDst)
	}
	s.tunnels.Set(tenantID, &tunnel.Record{
		Type:       typ,
		OuterSrc:   src,
		OuterDst:   dst,
		OuterPort:  outerPort,
		TunnelID:   tunnelID,
		OutIfIndex: outIfIndex,
	})
	return nil
}

// RemoveTunnel removes the tunnel mapping for a tenant, falling packets
// back to TypeNone (no encapsulation).
func (s *Server) RemoveTunnel(tenantID uint32) error {
	s.tunnels.Remove(tenantID)
	return nil
}

// SetRateLimit sets a tenant/class token-bucket rate on every worker
// (spec §6 "set rate limit"); each worker applies it at its own next
// batch boundary.
func (s *Server) SetRateLimit(tenantID uint32, qosClass uint8, mbps uint32) error {
	for _, w := range s.workers {
		w.Enqueue(func(w *worker.Worker) {
			w.Limiters().SetLimit(tenantID, qosClass, float64(mbps), time.Now().UnixNano())
		})
	}
	return nil
}

// ApplyDocument bulk-applies a parsed HCL control-plane document (spec
// §6's operations expressed as a file rather than one HTTP call per
// operation), as used at startup by cmd/dataplane-sim and
// cmd/dataplanectl's "apply" subcommand.
func (s *Server) ApplyDocument(doc *config.Document) error {
	for _, t := range doc.Tenants {
		if len(t.Prefixes) > 0 {
			if err := s.InstallTenant(t.TenantID, t.VRFID, t.Prefixes, t.ACLBypass); err != nil {
				return err
			}
		}
		if t.VNI != nil {
			if err := s.InstallVNIMapping(*t.VNI, t.TenantID, t.VRFID, t.ACLBypass); err != nil {
				return err
			}
		}
	}

	records := make([]policytbl.Record, 0, len(doc.Policies))
	for _, p := range doc.Policies {
		action, err := actionFromString(p.Action)
		if err != nil {
			return err
		}
		qosClass, err := qosClassFromString(p.QoSClass)
		if err != nil {
			return err
		}
		var srcPfx, dstPfx netip.Prefix
		if p.SrcPrefix != "" {
			if srcPfx, err = netip.ParsePrefix(p.SrcPrefix); err != nil {
				return errors.Wrap(err, errors.KindConfigurationError, "invalid src_prefix")
			}
		}
		if p.DstPrefix != "" {
			if dstPfx, err = netip.ParsePrefix(p.DstPrefix); err != nil {
				return errors.Wrap(err, errors.KindConfigurationError, "invalid dst_prefix")
			}
		}
		records = append(records, policytbl.Record{
			PolicyID:      p.PolicyID,
			Priority:      p.Priority,
			TenantID:      p.TenantID,
			SrcPrefix:     srcPfx,
			DstPrefix:     dstPfx,
			Protocol:      p.Protocol,
			SrcPorts:      policytbl.PortRange{Low: p.SrcPortLow, High: p.SrcPortHigh},
			DstPorts:      policytbl.PortRange{Low: p.DstPortLow, High: p.DstPortHigh},
			Action:        action,
			QoSClass:      qosClass,
			LogEnabled:    p.LogEnabled,
			RateLimitKbps: p.RateLimitKbps,
		})
	}
	if len(records) > 0 {
		if err := s.ReplacePolicies(records); err != nil {
			return err
		}
	}

	for _, n := range doc.NATPools {
		if err := s.ConfigureNATPool(n.TenantID, n.ExternalAddr, n.PortRangeStart, n.PortRangeEnd); err != nil {
			return err
		}
	}

	for _, tb := range doc.Tunnels {
		typ, err := tunnelTypeFromString(tb.Type)
		if err != nil {
			return err
		}
		for _, tenantID := range tb.TenantIDs {
			if err := s.CreateOrUpdateTunnel(tenantID, typ, tb.OuterSrc, tb.OuterDst, tb.OuterPort, tenantID, tb.OutIfIndex); err != nil {
				return err
			}
		}
	}

	for _, l := range doc.Limits {
		qosClass, err := qosClassFromString(l.QoSClass)
		if err != nil {
			return err
		}
		if err := s.SetRateLimit(l.TenantID, qosClass, l.Mbps); err != nil {
			return err
		}
	}
	return nil
}

func actionFromString(s string) (policytbl.Action, error) {
	switch s {
	case "allow":
		return policytbl.ActionAllow, nil
	case "deny":
		return policytbl.ActionDeny, nil
	case "log":
		return policytbl.ActionLog, nil
	case "rate_limit":
		return policytbl.ActionRateLimit, nil
	case "redirect":
		return policytbl.ActionRedirect, nil
	case "encrypt":
		return policytbl.ActionEncrypt, nil
	case "inspect_dlp":
		return policytbl.ActionInspectDLP, nil
	default:
		return 0, errors.Errorf(errors.KindConfigurationError, "invalid action %q", s)
	}
}

func qosClassFromString(s string) (uint8, error) {
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
		return 0, errors.Errorf(errors.KindConfigurationError, "invalid qos_class %q", s)
	}
}

func tunnelTypeFromString(s string) (tunnel.Type, error) {
	switch s {
	case "none", "":
		return tunnel.TypeNone, nil
	case "noise_tunnel":
		return tunnel.TypeNoiseTunnel, nil
	case "vxlan":
		return tunnel.TypeVXLAN, nil
	case "gre":
		return tunnel.TypeGRE, nil
	case "geneve":
		return tunnel.TypeGeneve, nil
	default:
		return 0, errors.Errorf(errors.KindConfigurationError, "invalid tunnel type %q", s)
	}
}

// --- HTTP handlers ---

type tenantRequest struct {
	TenantID  uint32   `json:"tenant_id"`
	VRFID     uint32   `json:"vrf_id"`
	Prefixes  []string `json:"prefixes"`
	ACLBypass bool     `json:"acl_bypass"`
}

func (s *Server) handleInstallTenant(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.InstallTenant(req.TenantID, req.VRFID, req.Prefixes, req.ACLBypass); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleRemoveTenant(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	if err := s.RemoveTenant(prefix); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

type vniRequest struct {
	VNI       uint32 `json:"vni"`
	TenantID  uint32 `json:"tenant_id"`
	VRFID     uint32 `json:"vrf_id"`
	ACLBypass bool   `json:"acl_bypass"`
}

func (s *Server) handleInstallVNI(w http.ResponseWriter, r *http.Request) {
	var req vniRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.InstallVNIMapping(req.VNI, req.TenantID, req.VRFID, req.ACLBypass); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleRemoveVNI(w http.ResponseWriter, r *http.Request) {
	var vni uint32
	if _, err := fmt.Sscanf(mux.Vars(r)["vni"], "%d", &vni); err != nil {
		http.Error(w, "invalid vni", http.StatusBadRequest)
		return
	}
	if err := s.RemoveVNIMapping(vni); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

type policyRequest struct {
	Records []policytbl.Record `json:"records"`
}

func (s *Server) handleReplacePolicies(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.ReplacePolicies(req.Records); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

type natPoolRequest struct {
	TenantID       uint32 `json:"tenant_id"`
	ExternalAddr   string `json:"external_addr"`
	PortRangeStart uint16 `json:"port_range_start"`
	PortRangeEnd   uint16 `json:"port_range_end"`
}

func (s *Server) handleConfigureNATPool(w http.ResponseWriter, r *http.Request) {
	var req natPoolRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.ConfigureNATPool(req.TenantID, req.ExternalAddr, req.PortRangeStart, req.PortRangeEnd); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

type tunnelRequest struct {
	TenantID   uint32 `json:"tenant_id"`
	Type       string `json:"type"`
	OuterSrc   string `json:"outer_src"`
	OuterDst   string `json:"outer_dst"`
	OuterPort  uint16 `json:"outer_port"`
	TunnelID   uint32 `json:"tunnel_id"`
	OutIfIndex uint32 `json:"out_if_index"`
}

func (s *Server) handleCreateOrUpdateTunnel(w http.ResponseWriter, r *http.Request) {
	var req tunnelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	typ, err := tunnelTypeFromString(req.Type)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.CreateOrUpdateTunnel(req.TenantID, typ, req.OuterSrc, req.OuterDst, req.OuterPort, req.TunnelID, req.OutIfIndex); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleRemoveTunnel(w http.ResponseWriter, r *http.Request) {
	var tenantID uint32
	if _, err := fmt.Sscanf(mux.Vars(r)["tenant_id"], "%d", &tenantID); err != nil {
		http.Error(w, "invalid tenant_id", http.StatusBadRequest)
		return
	}
	if err := s.RemoveTunnel(tenantID); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

type rateLimitRequest struct {
	TenantID uint32 `json:"tenant_id"`
	QoSClass string `json:"qos_class"`
	Mbps     uint32 `json:"mbps"`
}

func (s *Server) handleSetRateLimit(w http.ResponseWriter, r *http.Request) {
	var req rateLimitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	qosClass, err := qosClassFromString(req.QoSClass)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.SetRateLimit(req.TenantID, qosClass, req.Mbps); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

// handleApplyConfig accepts a raw HCL control-plane document in the
// request body (as produced by cmd/dataplanectl's "apply" subcommand)
// and applies it via ApplyDocument, so a remote client never needs to
// duplicate the action/qos-class string mappings client-side.
func (s *Server) handleApplyConfig(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	doc, err := config.Parse("config.hcl", body)
	if err != nil {
		writeError(w, errors.Wrap(err, errors.KindConfigurationError, "parse config"))
		return
	}
	if err := s.ApplyDocument(doc); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Aggregate())
}

func (s *Server) handleWorkerStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.PerWorker())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy": true,
		"workers": len(s.workers),
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.GetKind(err) == errors.KindConfigurationError {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"status": "error", "error": err.Error()})
}
