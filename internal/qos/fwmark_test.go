// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package qos

import (
	"testing"
)

func TestCalculateFWMark(t *testing.T) {
	tests := []struct {
		tenantID uint32
		qosClass uint8
		expected uint32
	}{
		{0, 0, 0xF000},
		{0, 1, 0xF001},
		{1, 0, 0xF010},
		{1, 5, 0xF015},
		{10, 4, 0xF0A4},
		{4095, 15, 0xFFFF},
	}

	for _, tt := range tests {
		got := CalculateFWMark(tt.tenantID, tt.qosClass)
		if got != tt.expected {
			t.Errorf("CalculateFWMark(%d, %d) = 0x%x; want 0x%x", tt.tenantID, tt.qosClass, got, tt.expected)
		}
	}
}
