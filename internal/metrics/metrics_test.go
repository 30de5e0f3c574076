// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"opensase.io/dataplane/internal/metadata"
	"opensase.io/dataplane/internal/stats"
)

func gatherFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric family %q not found", name)
	return nil
}

func TestCollectorReportsAggregateCounters(t *testing.T) {
	registry := stats.NewRegistry()
	c1 := stats.NewCounters()
	c1.PacketsIn.Add(10)
	c1.PacketsOut.Add(8)
	c1.Dropped.Add(2)
	c1.DropsByCategory.Add(metadata.DropPolicyDeny, 2)
	registry.Register(0, c1)

	c2 := stats.NewCounters()
	c2.PacketsIn.Add(5)
	c2.PacketsOut.Add(5)
	registry.Register(1, c2)

	collector := NewCollector(registry)
	promReg := prometheus.NewRegistry()
	require.NoError(t, promReg.Register(collector))

	family := gatherFamily(t, promReg, "opensase_packets_in_total")
	require.Len(t, family.Metric, 1)
	require.Equal(t, float64(15), family.Metric[0].Counter.GetValue())

	family = gatherFamily(t, promReg, "opensase_drops_by_category_total")
	require.Len(t, family.Metric, 1)
	require.Equal(t, float64(2), family.Metric[0].Counter.GetValue())
	require.Equal(t, "policy_deny", family.Metric[0].Label[0].GetValue())
}

func TestCollectorWithNoWorkersReportsZero(t *testing.T) {
	registry := stats.NewRegistry()
	collector := NewCollector(registry)
	promReg := prometheus.NewRegistry()
	require.NoError(t, promReg.Register(collector))

	family := gatherFamily(t, promReg, "opensase_packets_out_total")
	require.Equal(t, float64(0), family.Metric[0].Counter.GetValue())
}
