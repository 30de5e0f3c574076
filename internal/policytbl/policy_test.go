// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policytbl

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func candidate() Candidate {
	return Candidate{
		TenantID: 7,
		Src:      netip.MustParseAddr("10.1.0.5"),
		Dst:      netip.MustParseAddr("203.0.113.10"),
		SrcPort:  33000,
		DstPort:  443,
		Protocol: 6,
	}
}

func TestEmptyVectorNoMatch(t *testing.T) {
	v := NewVector(nil)
	_, ok := v.Match(candidate())
	require.False(t, ok)
}

func TestDenyMatchesExactDestination(t *testing.T) {
	deny := Record{
		PolicyID:  1,
		Priority:  10,
		DstPrefix: netip.MustParsePrefix("203.0.113.10/32"),
		Action:    ActionDeny,
	}
	v := NewVector([]Record{deny})
	r, ok := v.Match(candidate())
	require.True(t, ok)
	require.Equal(t, ActionDeny, r.Action)
}

func TestPriorityOrderingLowestWins(t *testing.T) {
	low := Record{PolicyID: 1, Priority: 100, Action: ActionAllow}
	high := Record{PolicyID: 2, Priority: 1, Action: ActionDeny}
	v := NewVector([]Record{low, high})
	r, ok := v.Match(candidate())
	require.True(t, ok)
	require.Equal(t, uint32(2), r.PolicyID)
}

func TestTiesBrokenByInsertionOrder(t *testing.T) {
	first := Record{PolicyID: 1, Priority: 5, Action: ActionAllow}
	second := Record{PolicyID: 2, Priority: 5, Action: ActionDeny}
	v := NewVector([]Record{first, second})
	r, ok := v.Match(candidate())
	require.True(t, ok)
	require.Equal(t, uint32(1), r.PolicyID)
}

func TestTenantZeroIsGlobal(t *testing.T) {
	global := Record{PolicyID: 1, Priority: 1, TenantID: 0, Action: ActionDeny}
	v := NewVector([]Record{global})
	_, ok := v.Match(candidate())
	require.True(t, ok)
}

func TestAtomicSwapVisibility(t *testing.T) {
	tbl := NewTable()
	_, ok := tbl.Match(candidate())
	require.False(t, ok)

	tbl.Swap(NewVector([]Record{{PolicyID: 1, Priority: 1, Action: ActionDeny}}))
	r, ok := tbl.Match(candidate())
	require.True(t, ok)
	require.Equal(t, ActionDeny, r.Action)
}
