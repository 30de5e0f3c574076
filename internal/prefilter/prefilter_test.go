// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package prefilter

import (
	"testing"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/stretchr/testify/require"

	"opensase.io/dataplane/internal/errors"
	"opensase.io/dataplane/internal/testutil"
)

func testSpec() *ebpf.CollectionSpec {
	return &ebpf.CollectionSpec{
		Programs: map[string]*ebpf.ProgramSpec{
			"xdp_prefilter": {
				Type: ebpf.XDP,
				Instructions: asm.Instructions{
					asm.Mov.Imm(asm.R0, 1),
					asm.Return(),
				},
				License: "GPL",
			},
		},
		Maps: map[string]*ebpf.MapSpec{
			"prefilter_counters": {
				Type:       ebpf.PerCPUArray,
				KeySize:    4,
				ValueSize:  8,
				MaxEntries: counterCount,
			},
		},
	}
}

func TestLoadCollectionRejectsMissingProgram(t *testing.T) {
	l := NewLoader("eth0")
	spec := &ebpf.CollectionSpec{
		Maps: map[string]*ebpf.MapSpec{
			"prefilter_counters": {Type: ebpf.PerCPUArray, KeySize: 4, ValueSize: 8, MaxEntries: counterCount},
		},
	}
	// ebpf.NewCollection with no programs still succeeds (it needs root
	// to create the map); the guard under test is the xdp_prefilter
	// lookup afterward, so use a spec that would load fine but lacks the
	// expected program.
	testutil.RequireRoot(t)
	err := l.LoadCollection(spec)
	require.Error(t, err)
	require.Equal(t, errors.KindConfigurationError, errors.GetKind(err))
}

func TestReadCountersBeforeLoadReturnsError(t *testing.T) {
	l := NewLoader("eth0")
	_, err := l.ReadCounters()
	require.Error(t, err)
}

func TestAttachBeforeLoadReturnsError(t *testing.T) {
	l := NewLoader("eth0")
	err := l.Attach()
	require.Error(t, err)
}

func TestCloseWithNothingLoadedIsNoop(t *testing.T) {
	l := NewLoader("eth0")
	require.NoError(t, l.Close())
}

func TestLoadCollectionAndReadCounters(t *testing.T) {
	testutil.RequireRoot(t)
	l := NewLoader("eth0")
	require.NoError(t, l.LoadCollection(testSpec()))
	defer l.Close()

	stats, err := l.ReadCounters()
	require.NoError(t, err)
	require.Equal(t, uint64(0), stats.Passed)
	require.Equal(t, uint32(0), stats.SynCookieHint)
}
