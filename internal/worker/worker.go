// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package worker implements the per-worker pipeline orchestration (spec
// §2, §5): one Worker owns a private session table, NAT table, and
// rate-limiter set, and runs every buffer handed to it through the
// eleven-stage pipeline using metadata.Next as a tagged dispatch rather
// than a graph of dynamically-invoked nodes. Workers never touch each
// other's state; the only cross-worker-visible structures are the
// atomically-swapped tenant table and policy vector and the
// mutex-guarded tunnel.Map.
//
// Grounded on the staged-validation/dispatch style of
// _examples/grimm-is-flywall/internal/engine/pipeline.go (ConfigPipeline,
// stage sequencing) and the symmetric-hash worker-affinity design
// described in
// _examples/original_source/opensase-core/vpp/plugins/opensase/main.c's
// worker-thread setup (grounded via SPEC_FULL.md since the original is a
// VPP graph-node registration, not a Go dispatch loop).
package worker

import (
	"net/netip"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"opensase.io/dataplane/internal/appclass"
	"opensase.io/dataplane/internal/clock"
	"opensase.io/dataplane/internal/logging"
	"opensase.io/dataplane/internal/metadata"
	"opensase.io/dataplane/internal/nat"
	"opensase.io/dataplane/internal/policytbl"
	"opensase.io/dataplane/internal/qos"
	"opensase.io/dataplane/internal/scanner"
	"opensase.io/dataplane/internal/session"
	"opensase.io/dataplane/internal/stats"
	"opensase.io/dataplane/internal/tenant"
	"opensase.io/dataplane/internal/tunnel"
)

// Shared is the set of control-plane-published, atomically-swapped
// structures every worker reads but none owns (spec §5 "shared resource
// policy"): the tenant/VNI table and the policy vector.
type Shared struct {
	Tenants  *tenant.Classifier
	Policies *policytbl.Table
}

// Config configures one Worker's private, non-shared state.
type Config struct {
	ID             int
	MaxSessions    int
	SessionTimeout int64 // nanoseconds
	ClosingGrace   int64 // nanoseconds
	SweepBudget    int
	IPS            scanner.Matcher
	DLP            scanner.Matcher
	Tunnels        *tunnel.Map
	Clock          clock.Clock
}

// Worker is a single shared-nothing pipeline instance, pinned to one
// core in production (spec §5); the pinning itself is a deployment
// concern and is not modeled in this module (cmd/dataplane-sim runs
// its workers on a single goroutine).
type Worker struct {
	id      int
	shared  *Shared
	clock   clock.Clock
	log     *logging.Logger
	sessBud int

	sessions  *session.Table
	natTable  *nat.Table
	limiters  *qos.Limiters
	ips       *scanner.IPS
	dlp       *scanner.DLP
	tunnels   *tunnel.Map
	stats     *stats.Counters
	sessTMO   int64
	closeGrc  int64

	opMu    sync.Mutex
	pending []func(*Worker)
}

// New builds a Worker bound to shared control-plane state.
func New(shared *Shared, cfg Config) *Worker {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real
	}
	return &Worker{
		id:       cfg.ID,
		shared:   shared,
		clock:    clk,
		log:      logging.WithComponent("worker").With("worker_id", cfg.ID),
		sessions: session.NewTable(cfg.MaxSessions, clk),
		natTable: nat.NewTable(clk),
		limiters: qos.NewLimiters(),
		ips:      scanner.NewIPS(cfg.IPS),
		dlp:      scanner.NewDLP(cfg.DLP),
		tunnels:  cfg.Tunnels,
		stats:    stats.NewCounters(),
		sessTMO:  cfg.SessionTimeout,
		closeGrc: cfg.ClosingGrace,
		sessBud:  cfg.SweepBudget,
	}
}

// ID returns the worker's index, used for symmetric-hash affinity
// routing upstream (spec §5 "Worker affinity").
func (w *Worker) ID() int { return w.id }

// Sweep runs one bounded expiry pass over the session and NAT tables,
// meant to be called opportunistically at batch boundaries (spec §5: "a
// bounded step of at most K entries, amortized across batches rather
// than a dedicated timer thread").
func (w *Worker) Sweep() {
	w.drainPending()
	swept := w.sessions.Sweep(w.sessBud, w.sessTMO, w.closeGrc)
	natSwept := w.natTable.Sweep(w.sessBud)
	if swept > 0 || natSwept > 0 {
		w.log.Debug("sweep pass", "sessions_evicted", swept, "nat_evicted", natSwept)
	}
}

// Enqueue schedules a control-plane mutation (installing a NAT pool,
// setting a rate limit, ...) to run on this worker's own goroutine
// before its next batch, per spec §6: "the core takes effect no later
// than the next batch boundary". This keeps the worker's private state
// (spec §5 "shared-nothing") free of concurrent writes from the control
// plane's goroutine.
func (w *Worker) Enqueue(op func(*Worker)) {
	w.opMu.Lock()
	w.pending = append(w.pending, op)
	w.opMu.Unlock()
}

func (w *Worker) drainPending() {
	w.opMu.Lock()
	ops := w.pending
	w.pending = nil
	w.opMu.Unlock()
	for _, op := range ops {
		op(w)
	}
}

// Stats returns this worker's observability counters.
func (w *Worker) Stats() *stats.Counters { return w.stats }

// NATTable exposes the worker's NAT state for control-plane pool
// installation (one pool set per worker; spec §4.7 "per-tenant pools").
func (w *Worker) NATTable() *nat.Table { return w.natTable }

// Limiters exposes the worker's rate limiters for control-plane
// SetLimit calls.
func (w *Worker) Limiters() *qos.Limiters { return w.limiters }

// SessionStats exposes the session table's occupancy counters.
func (w *Worker) SessionStats() session.Stats { return w.sessions.Stats() }

// AffinityHash returns the symmetric 5-tuple hash used to route a
// packet to its owning worker (spec §5: "the same hash function as the
// session table, computed over the canonical (min,max) tuple order so
// forward and reverse traffic hash identically"). Kept independent of
// session.Tuple.hash so routing can run before any Table exists.
func AffinityHash(src, dst netip.Addr, srcPort, dstPort uint16, proto uint8) uint64 {
	a, b := src, dst
	pa, pb := srcPort, dstPort
	if greaterTuple(a, pa, b, pb) {
		a, b = b, a
		pa, pb = pb, pa
	}
	var buf [42]byte
	n := 0
	sa, sb := a.As16(), b.As16()
	n += copy(buf[n:], sa[:])
	n += copy(buf[n:], sb[:])
	buf[n], buf[n+1] = byte(pa), byte(pa>>8)
	buf[n+2], buf[n+3] = byte(pb), byte(pb>>8)
	buf[n+4] = proto
	n += 5
	return xxhash.Sum64(buf[:n])
}

func greaterTuple(a netip.Addr, pa uint16, b netip.Addr, pb uint16) bool {
	if c := a.Compare(b); c != 0 {
		return c > 0
	}
	return pa > pb
}

// Process runs buf through the pipeline stages in spec §2's order,
// mutating buf's metadata in place and returning the final Next,
// Output or Drop. Each stage is a plain function rather than a
// dynamically dispatched node, per spec §9's tagged-next-id design.
func (w *Worker) Process(buf metadata.Buffer) metadata.Next {
	w.stats.PacketsIn.Add(1)

	data := buf.Data()
	meta := buf.Meta()

	pkt := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.NoCopy)
	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return w.drop(buf, metadata.DropMalformed)
	}
	ip, _ := ipLayer.(*layers.IPv4)

	vni, fromVXLAN := w.detectVXLAN(pkt, ip)
	tenantID, aclBypass := w.classifyTenant(ip, vni, fromVXLAN)
	meta.TenantID = tenantID

	tuple, ok := tupleFromPacket(pkt, ip)
	if !ok {
		return w.drop(buf, metadata.DropMalformed)
	}

	idx, sess, reverse, found := w.sessions.Lookup(tuple)
	if !found {
		idx, sess, found = w.sessions.Create(tuple, meta.TenantID, 0, uint8(meta.QoSClass))
		if !found {
			return w.drop(buf, metadata.DropSessionExhaust)
		}
		reverse = false
	}
	meta.SessionIdx = idx
	w.advanceSession(pkt, sess, reverse)

	cand := policytbl.Candidate{
		TenantID: meta.TenantID,
		Src:      tuple.Src,
		Dst:      tuple.Dst,
		SrcPort:  tuple.SrcPort,
		DstPort:  tuple.DstPort,
		Protocol: tuple.Protocol,
	}
	policy, matched := w.shared.Policies.Match(cand)
	if matched {
		meta.PolicyID = policy.PolicyID
		meta.QoSClass = metadata.QoSClass(policy.QoSClass)
		sess.PolicyID = policy.PolicyID
		sess.QoSClass = policy.QoSClass
		if policy.Action == policytbl.ActionDeny && !aclBypass {
			w.stats.PolicyDenies.Add(1)
			return w.drop(buf, metadata.DropPolicyDeny)
		}
	}

	payload := transportPayload(pkt)

	if v := w.ips.Scan(payload); v.Matched {
		meta.Flags.Set(metadata.FlagIPSInspected)
		if v.Drop {
			w.stats.IPSDrops.Add(1)
			return w.drop(buf, metadata.DropIPSDrop)
		}
	}
	if v := w.dlp.Scan(payload); v.Matched {
		meta.Flags.Set(metadata.FlagDLPInspected)
		if v.Critical {
			w.stats.DLPDrops.Add(1)
			return w.drop(buf, metadata.DropDLPCritical)
		}
	}

	result := appclass.Classify(pkt, tuple.DstPort, payload, tuple.Dst)
	meta.AppID = uint16(result.AppID)
	if !matched {
		meta.QoSClass = metadata.QoSClass(result.QoSClass)
	}

	if tuple.Protocol == nat.ProtoTCP || tuple.Protocol == nat.ProtoUDP {
		if err := w.translateNAT(ip, pkt, &tuple, sess); err != nil {
			w.stats.NATExhausted.Add(1)
			return w.drop(buf, metadata.DropNATExhaust)
		}
	}

	qos.ApplyDSCP(data[:20], uint8(meta.QoSClass))
	now := w.clock.Now().UnixNano()
	if !w.limiters.Allow(meta.TenantID, uint8(meta.QoSClass), now, len(data)) {
		meta.Flags.Set(metadata.FlagRateLimited)
		w.stats.RateLimited.Add(1)
		return w.drop(buf, metadata.DropRateLimit)
	}

	if w.tunnels != nil {
		if rec := w.tunnels.For(meta.TenantID); rec != nil && rec.Type != tunnel.TypeNone {
			encoded := tunnel.Encapsulate(buf.Data(), rec)
			buf.SetData(encoded)
			meta.Flags.Set(metadata.FlagEncrypted)
		}
	}

	w.stats.PacketsOut.Add(1)
	w.stats.BytesOut.Add(uint64(buf.LengthInChain()))
	return metadata.NextOutput
}

func (w *Worker) drop(buf metadata.Buffer, cat metadata.DropCategory) metadata.Next {
	w.stats.Dropped.Add(1)
	w.stats.DropsByCategory.Add(cat, 1)
	buf.Meta().Flags.Set(metadata.FlagLogged)
	return metadata.NextDrop
}

// classifyTenant dispatches to the VNI-keyed lookup for VXLAN-carried
// frames, else the source-prefix lookup, and reports whether the result
// carries the ACL-bypass flag (spec §4.1).
func (w *Worker) classifyTenant(ip *layers.IPv4, vni uint32, fromVXLAN bool) (tenantID uint32, aclBypass bool) {
	var entry tenant.Entry
	if fromVXLAN {
		entry = w.shared.Tenants.ClassifyVNI(vni)
	} else {
		src, _ := netip.AddrFromSlice(ip.SrcIP)
		entry = w.shared.Tenants.ClassifyIP(src.Unmap())
	}
	return entry.TenantID, entry.ACLBypass
}

// detectVXLAN reports the VNI carried by a UDP/4789 packet, if any.
func (w *Worker) detectVXLAN(pkt gopacket.Packet, ip *layers.IPv4) (uint32, bool) {
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return 0, false
	}
	udp, _ := udpLayer.(*layers.UDP)
	if uint16(udp.DstPort) != tenant.VXLANDestPort {
		return 0, false
	}
	vni, iFlag, ok := tenant.ExtractVNI(udp.Payload)
	if !ok || !iFlag {
		return 0, false
	}
	return vni, true
}

func tupleFromPacket(pkt gopacket.Packet, ip *layers.IPv4) (session.Tuple, bool) {
	src, ok1 := netip.AddrFromSlice(ip.SrcIP)
	dst, ok2 := netip.AddrFromSlice(ip.DstIP)
	if !ok1 || !ok2 {
		return session.Tuple{}, false
	}
	t := session.Tuple{Src: src.Unmap(), Dst: dst.Unmap(), Protocol: uint8(ip.Protocol)}
	switch ip.Protocol {
	case layers.IPProtocolTCP:
		if l := pkt.Layer(layers.LayerTypeTCP); l != nil {
			tcp := l.(*layers.TCP)
			t.SrcPort, t.DstPort = uint16(tcp.SrcPort), uint16(tcp.DstPort)
		}
	case layers.IPProtocolUDP:
		if l := pkt.Layer(layers.LayerTypeUDP); l != nil {
			udp := l.(*layers.UDP)
			t.SrcPort, t.DstPort = uint16(udp.SrcPort), uint16(udp.DstPort)
		}
	default:
		return t, true
	}
	return t, true
}

func transportPayload(pkt gopacket.Packet) []byte {
	if l := pkt.Layer(layers.LayerTypeTCP); l != nil {
		return l.(*layers.TCP).Payload
	}
	if l := pkt.Layer(layers.LayerTypeUDP); l != nil {
		return l.(*layers.UDP).Payload
	}
	return nil
}

// advanceSession updates counters and the TCP state machine for the
// packet just observed on sess in the given direction.
func (w *Worker) advanceSession(pkt gopacket.Packet, sess *session.Session, reverse bool) {
	fwd := !reverse
	w.sessions.Touch(sess, fwd, uint64(len(pkt.Data())))

	if l := pkt.Layer(layers.LayerTypeTCP); l != nil {
		tcp := l.(*layers.TCP)
		sess.State = session.AdvanceTCP(sess.State, fwd, session.TCPFlags{
			SYN: tcp.SYN, ACK: tcp.ACK, FIN: tcp.FIN, RST: tcp.RST,
		})
	}
}

// translateNAT looks up or creates a mapping for the packet's internal
// 5-tuple and rewrites the IPv4/L4 headers in place.
func (w *Worker) translateNAT(ip *layers.IPv4, pkt gopacket.Packet, tuple *session.Tuple, sess *session.Session) error {
	m, ok := w.natTable.Lookup(tuple.Src, tuple.SrcPort, tuple.Protocol)
	if !ok {
		established := sess.State == session.StateEstablished
		m, ok = w.natTable.CreateMapping(sess.TenantID, tuple.Src, tuple.SrcPort, tuple.Protocol, established)
		if !ok {
			return errNATExhausted
		}
	} else {
		w.natTable.Refresh(m, sess.State == session.StateEstablished)
	}

	raw := pkt.Data()
	ipHeaderLen := int(ip.IHL) * 4
	ipHeader := raw[:ipHeaderLen]
	l4Header := raw[ipHeaderLen:]
	nat.Translate(ipHeader, l4Header, m)
	return nil
}

var errNATExhausted = natExhaustedErr{}

type natExhaustedErr struct{}

func (natExhaustedErr) Error() string { return "nat pool exhausted" }
