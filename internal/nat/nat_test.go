// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package nat

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"opensase.io/dataplane/internal/clock"
)

func TestCreateMappingAssignsFromPool(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(0, 0))
	tbl := NewTable(clk)
	tbl.InstallPool(NewPool(7, netip.MustParseAddr("198.51.100.4"), 10000, 11000))

	m, ok := tbl.CreateMapping(7, netip.MustParseAddr("10.1.0.5"), 33000, ProtoTCP, false)
	require.True(t, ok)
	require.Equal(t, uint16(10000), m.ExternalPort)

	m2, ok := tbl.CreateMapping(7, netip.MustParseAddr("10.1.0.6"), 33001, ProtoTCP, false)
	require.True(t, ok)
	require.Equal(t, uint16(10001), m2.ExternalPort)
}

func TestFallsBackToPoolZero(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(0, 0))
	tbl := NewTable(clk)
	tbl.InstallPool(NewPool(0, netip.MustParseAddr("198.51.100.1"), 20000, 20010))

	m, ok := tbl.CreateMapping(99, netip.MustParseAddr("10.1.0.5"), 1, ProtoUDP, false)
	require.True(t, ok)
	require.Equal(t, netip.MustParseAddr("198.51.100.1"), m.ExternalAddr)
}

func TestPortExhaustionWhenPoolFull(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(0, 0))
	tbl := NewTable(clk)
	tbl.InstallPool(NewPool(1, netip.MustParseAddr("198.51.100.4"), 10000, 10001))

	_, ok := tbl.CreateMapping(1, netip.MustParseAddr("10.1.0.1"), 1, ProtoTCP, true)
	require.True(t, ok)
	_, ok = tbl.CreateMapping(1, netip.MustParseAddr("10.1.0.2"), 2, ProtoTCP, true)
	require.True(t, ok)

	_, ok = tbl.CreateMapping(1, netip.MustParseAddr("10.1.0.3"), 3, ProtoTCP, true)
	require.False(t, ok, "pool exhausted, no expired entries to reclaim")
}

func TestWraparoundReusesExpiredPort(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(0, 0))
	tbl := NewTable(clk)
	tbl.InstallPool(NewPool(1, netip.MustParseAddr("198.51.100.4"), 10000, 10001))

	m1, ok := tbl.CreateMapping(1, netip.MustParseAddr("10.1.0.1"), 1, ProtoUDP, false)
	require.True(t, ok)
	require.Equal(t, uint16(10000), m1.ExternalPort)

	_, ok = tbl.CreateMapping(1, netip.MustParseAddr("10.1.0.2"), 2, ProtoUDP, false)
	require.True(t, ok)

	// Expire m1, then a third allocation should wrap and reclaim port 10000.
	clk.Advance(400 * time.Second)
	m3, ok := tbl.CreateMapping(1, netip.MustParseAddr("10.1.0.3"), 3, ProtoUDP, false)
	require.True(t, ok)
	require.Equal(t, uint16(10000), m3.ExternalPort)
}

func TestTranslateRoundTrip(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(0, 0))
	tbl := NewTable(clk)
	tbl.InstallPool(NewPool(1, netip.MustParseAddr("198.51.100.4"), 10000, 11000))
	m, ok := tbl.CreateMapping(1, netip.MustParseAddr("10.1.0.5"), 33000, ProtoUDP, false)
	require.True(t, ok)

	// Build a minimal IPv4 + UDP header with the internal address/port.
	ipHeader := make([]byte, 20)
	ipHeader[0] = 0x45
	copy(ipHeader[12:16], netip.MustParseAddr("10.1.0.5").As4())
	udpHeader := make([]byte, 8)
	udpHeader[0] = byte(33000 >> 8)
	udpHeader[1] = byte(33000)

	Translate(ipHeader, udpHeader, m)

	gotAddr := netip.AddrFrom4([4]byte(ipHeader[12:16]))
	require.Equal(t, m.ExternalAddr, gotAddr)
	gotPort := uint16(udpHeader[0])<<8 | uint16(udpHeader[1])
	require.Equal(t, m.ExternalPort, gotPort)

	// Return direction: lookup by external 3-tuple recovers the mapping,
	// and applying Translate with the internal values restores the
	// original packet (untranslate(translate(pkt)) == pkt).
	back, ok := tbl.LookupReturn(m.ExternalAddr, m.ExternalPort, ProtoUDP)
	require.True(t, ok)
	reverseMapping := &Mapping{ExternalAddr: back.InternalAddr, ExternalPort: back.InternalPort, Protocol: ProtoUDP}
	Translate(ipHeader, udpHeader, reverseMapping)

	gotAddr = netip.AddrFrom4([4]byte(ipHeader[12:16]))
	require.Equal(t, netip.MustParseAddr("10.1.0.5"), gotAddr)
	gotPort = uint16(udpHeader[0])<<8 | uint16(udpHeader[1])
	require.Equal(t, uint16(33000), gotPort)
}
