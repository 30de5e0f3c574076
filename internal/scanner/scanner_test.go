// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package scanner

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFallbackIPSDetectsJNDI(t *testing.T) {
	ips := NewIPS(NewFallbackIPS())
	payload := make([]byte, 40)
	payload = append(payload, []byte("${jndi:ldap://x/y}")...)

	v := ips.Scan(payload)
	require.True(t, v.Matched)
	require.True(t, v.Drop)
	require.Equal(t, CategoryCVE, v.Hit.Category)
	require.EqualValues(t, 1, ips.Stats().HitsByCategory[CategoryCVE])
}

func TestFallbackIPSDetectsSQLUnion(t *testing.T) {
	ips := NewIPS(NewFallbackIPS())
	v := ips.Scan([]byte("SELECT * FROM a union select * from b"))
	require.True(t, v.Matched)
	require.False(t, v.Drop)
}

func TestFallbackDLPDetectsCreditCard(t *testing.T) {
	dlp := NewDLP(NewFallbackDLP())
	v := dlp.Scan([]byte("card number: 4111 1111 1111 1111 thanks"))
	require.True(t, v.Matched)
	require.True(t, v.Critical)
	require.Equal(t, CategoryCreditCard, v.Hit.Category)
}

func TestFallbackDLPDetectsSSN(t *testing.T) {
	dlp := NewDLP(NewFallbackDLP())
	v := dlp.Scan([]byte("ssn 123-45-6789 on file"))
	require.True(t, v.Matched)
	require.True(t, v.Critical)
	require.Equal(t, CategorySSN, v.Hit.Category)
}

func TestFallbackDLPNoMatch(t *testing.T) {
	dlp := NewDLP(NewFallbackDLP())
	v := dlp.Scan([]byte("nothing sensitive here"))
	require.False(t, v.Matched)
}
