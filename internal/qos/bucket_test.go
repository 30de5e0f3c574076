// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package qos

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyDSCPPreservesECN(t *testing.T) {
	ipHeader := make([]byte, 20)
	ipHeader[0] = 0x45
	ipHeader[1] = 0x02 // ECN = 0b10, DSCP = 0

	ApplyDSCP(ipHeader, 0) // realtime -> 46
	require.Equal(t, uint8(46<<2|0x02), ipHeader[1])

	// Re-marking the same class is idempotent and still preserves ECN.
	before := ipHeader[1]
	ApplyDSCP(ipHeader, 0)
	require.Equal(t, before, ipHeader[1])
}

func TestTokenBucketBounds(t *testing.T) {
	b := NewTokenBucket(100, 0) // 100 Mbps
	require.LessOrEqual(t, b.Tokens, b.BurstBytes)
	require.GreaterOrEqual(t, b.Tokens, 0.0)

	ok := b.Allow(0, 1000)
	require.True(t, ok)
	require.LessOrEqual(t, b.Tokens, b.BurstBytes)
	require.GreaterOrEqual(t, b.Tokens, 0.0)
}

func TestTokenBucketDropsWhenEmpty(t *testing.T) {
	b := NewTokenBucket(1, 0) // 1 Mbps, small burst
	admitted := 0
	for i := 0; i < 1000; i++ {
		if b.Allow(0, 1000) {
			admitted++
		}
	}
	require.Less(t, admitted, 1000, "bucket should eventually refuse packets with no time advancing")
}

func TestLimitersUnconfiguredAllowsAll(t *testing.T) {
	l := NewLimiters()
	require.True(t, l.Allow(1, 4, 0, 1000))
}
