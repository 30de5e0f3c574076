// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package session

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"opensase.io/dataplane/internal/clock"
)

func testTuple() Tuple {
	return Tuple{
		Src:      netip.MustParseAddr("10.1.0.5"),
		Dst:      netip.MustParseAddr("203.0.113.10"),
		SrcPort:  33000,
		DstPort:  443,
		Protocol: 6,
	}
}

func TestCreateAndLookupForwardAndReverse(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(0, 0))
	tbl := NewTable(16, clk)
	tuple := testTuple()

	_, sess, ok := tbl.Create(tuple, 7, 0, 2)
	require.True(t, ok)
	require.Equal(t, StateNew, sess.State)

	_, found, reverse, ok := tbl.Lookup(tuple)
	require.True(t, ok)
	require.False(t, reverse)
	require.Equal(t, tuple, found.Tuple)

	_, found2, reverse2, ok := tbl.Lookup(tuple.Reversed())
	require.True(t, ok)
	require.True(t, reverse2)
	require.Equal(t, tuple, found2.Tuple)
}

func TestTCPStateMachine(t *testing.T) {
	s := StateNew
	s = AdvanceTCP(s, true, TCPFlags{SYN: true})
	require.Equal(t, StateNew, s)
	s = AdvanceTCP(s, false, TCPFlags{SYN: true, ACK: true})
	require.Equal(t, StateEstablished, s)
	s = AdvanceTCP(s, true, TCPFlags{FIN: true, ACK: true})
	require.Equal(t, StateClosing, s)
}

func TestCountersMonotonic(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(0, 0))
	tbl := NewTable(16, clk)
	tuple := testTuple()
	_, sess, _ := tbl.Create(tuple, 1, 0, 2)

	for i := 0; i < 5; i++ {
		tbl.Touch(sess, true, 100)
	}
	require.EqualValues(t, 5, sess.FwdPackets)
	require.EqualValues(t, 500, sess.FwdBytes)
}

func TestEvictionUnderPressure(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(0, 0))
	tbl := NewTable(2, clk)

	t1 := Tuple{Src: netip.MustParseAddr("10.0.0.1"), Dst: netip.MustParseAddr("10.0.0.2"), SrcPort: 1, DstPort: 2, Protocol: 6}
	t2 := Tuple{Src: netip.MustParseAddr("10.0.0.3"), Dst: netip.MustParseAddr("10.0.0.4"), SrcPort: 1, DstPort: 2, Protocol: 6}
	t3 := Tuple{Src: netip.MustParseAddr("10.0.0.5"), Dst: netip.MustParseAddr("10.0.0.6"), SrcPort: 1, DstPort: 2, Protocol: 6}

	_, _, ok := tbl.Create(t1, 1, 0, 2)
	require.True(t, ok)
	clk.Advance(time.Second)
	_, _, ok = tbl.Create(t2, 1, 0, 2)
	require.True(t, ok)

	// Table is at capacity (2); creating a third must evict t1 (oldest).
	_, _, ok = tbl.Create(t3, 1, 0, 2)
	require.True(t, ok)

	_, _, _, found := tbl.Lookup(t1)
	require.False(t, found, "oldest session should have been evicted")
	_, _, _, found = tbl.Lookup(t2)
	require.True(t, found)
	_, _, _, found = tbl.Lookup(t3)
	require.True(t, found)
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(0, 0))
	tbl := NewTable(16, clk)
	tuple := testTuple()
	tbl.Create(tuple, 1, 0, 2)

	clk.Advance(10 * time.Second)
	swept := tbl.Sweep(10, int64(5*time.Second), int64(time.Second))
	require.Equal(t, 1, swept)
	require.Equal(t, 0, tbl.Stats().Active)
}
