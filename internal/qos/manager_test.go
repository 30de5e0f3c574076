// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package qos

import (
	"testing"

	"github.com/stretchr/testify/require"

	"opensase.io/dataplane/internal/config"
)

func TestLimitsFromDocument(t *testing.T) {
	doc := &config.Document{
		Limits: []config.LimitBlock{
			{TenantID: 11, QoSClass: "realtime", Mbps: 50},
			{TenantID: 11, QoSClass: "", Mbps: 10},
			{TenantID: 12, QoSClass: "scavenger", Mbps: 1},
		},
	}

	limits, err := LimitsFromDocument(doc)
	require.NoError(t, err)
	require.Equal(t, []ClassLimit{
		{TenantID: 11, QoSClass: 0, Mbps: 50},
		{TenantID: 11, QoSClass: 2, Mbps: 10},
		{TenantID: 12, QoSClass: 4, Mbps: 1},
	}, limits)
}

func TestLimitsFromDocumentRejectsUnknownClass(t *testing.T) {
	doc := &config.Document{
		Limits: []config.LimitBlock{{TenantID: 11, QoSClass: "urgent", Mbps: 50}},
	}
	_, err := LimitsFromDocument(doc)
	require.Error(t, err)
}
