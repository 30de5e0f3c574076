// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package worker

import (
	"net/netip"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/require"

	"opensase.io/dataplane/internal/clock"
	"opensase.io/dataplane/internal/metadata"
	"opensase.io/dataplane/internal/nat"
	"opensase.io/dataplane/internal/policytbl"
	"opensase.io/dataplane/internal/scanner"
	"opensase.io/dataplane/internal/tenant"
)

// testBuffer is a minimal metadata.Buffer backed by a plain byte slice,
// used to exercise Worker.Process without a real I/O framework.
type testBuffer struct {
	data []byte
	meta metadata.Metadata
	id   uint64
}

func (b *testBuffer) Data() []byte            { return b.data }
func (b *testBuffer) SetData(d []byte)        { b.data = d }
func (b *testBuffer) Meta() *metadata.Metadata { return &b.meta }
func (b *testBuffer) ID() uint64              { return b.id }
func (b *testBuffer) LengthInChain() int      { return len(b.data) }

func buildUDPPacket(t *testing.T, src, dst netip.Addr, srcPort, dstPort uint16, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    src.AsSlice(),
		DstIP:    dst.AsSlice(),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func newTestWorker() *Worker {
	shared := &Shared{
		Tenants:  tenant.NewClassifier(),
		Policies: policytbl.NewTable(),
	}
	shared.Policies.Swap(policytbl.NewVector([]policytbl.Record{
		{PolicyID: 1, Priority: 10, Action: policytbl.ActionAllow, QoSClass: 2},
	}))
	clk := clock.NewMockClock(time.Unix(0, 0))
	return New(shared, Config{
		ID:             0,
		MaxSessions:    64,
		SessionTimeout: int64(300 * time.Second),
		ClosingGrace:   int64(5 * time.Second),
		SweepBudget:    16,
		IPS:            scanner.NewFallbackIPS(),
		DLP:            scanner.NewFallbackDLP(),
		Clock:          clk,
	})
}

func TestProcessAllowedUDPReachesOutput(t *testing.T) {
	w := newTestWorker()
	// Every TCP/UDP packet is source-NAT'd; without a pool it would be
	// dropped as nat_exhaust.
	w.NATTable().InstallPool(nat.NewPool(0, netip.MustParseAddr("198.51.100.4"), 10000, 11000))
	src := netip.MustParseAddr("10.1.0.5")
	dst := netip.MustParseAddr("203.0.113.9")
	raw := buildUDPPacket(t, src, dst, 33000, 53, []byte("hello"))

	buf := &testBuffer{data: raw}
	next := w.Process(buf)

	require.Equal(t, metadata.NextOutput, next)
	require.Equal(t, uint32(1), buf.Meta().PolicyID)
	require.Equal(t, uint64(1), w.Stats().PacketsOut.Load())
}

func TestProcessMalformedPacketDrops(t *testing.T) {
	w := newTestWorker()
	buf := &testBuffer{data: []byte{0x01, 0x02, 0x03}}

	next := w.Process(buf)

	require.Equal(t, metadata.NextDrop, next)
	require.Equal(t, uint64(1), w.Stats().Dropped.Load())
	require.Equal(t, uint64(1), w.Stats().DropsByCategory.counts[metadata.DropMalformed].Load())
}

func TestProcessCreatesSessionOnFirstPacket(t *testing.T) {
	w := newTestWorker()
	src := netip.MustParseAddr("10.1.0.5")
	dst := netip.MustParseAddr("203.0.113.9")
	raw := buildUDPPacket(t, src, dst, 33000, 53, []byte("hello"))

	buf := &testBuffer{data: raw}
	w.Process(buf)

	stats := w.SessionStats()
	require.Equal(t, 1, stats.Active)
	require.Equal(t, uint64(1), stats.Created)
}

func TestProcessDenyPolicyDrops(t *testing.T) {
	w := newTestWorker()
	w.shared.Policies.Swap(policytbl.NewVector([]policytbl.Record{
		{PolicyID: 2, Priority: 1, Action: policytbl.ActionDeny},
	}))

	src := netip.MustParseAddr("10.1.0.5")
	dst := netip.MustParseAddr("203.0.113.9")
	raw := buildUDPPacket(t, src, dst, 33000, 53, []byte("hello"))

	buf := &testBuffer{data: raw}
	next := w.Process(buf)

	require.Equal(t, metadata.NextDrop, next)
	require.Equal(t, uint64(1), w.Stats().PolicyDenies.Load())
}

func TestAffinityHashSymmetricAcrossDirections(t *testing.T) {
	a := netip.MustParseAddr("10.1.0.5")
	b := netip.MustParseAddr("203.0.113.9")

	h1 := AffinityHash(a, b, 33000, 53, 17)
	h2 := AffinityHash(b, a, 53, 33000, 17)

	require.Equal(t, h1, h2)
}
