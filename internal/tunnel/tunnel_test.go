// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package tunnel

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func testRecord(typ Type) *Record {
	return &Record{
		Type:      typ,
		OuterSrc:  netip.MustParseAddr("203.0.113.1"),
		OuterDst:  netip.MustParseAddr("203.0.113.2"),
		OuterPort: 4789,
		TunnelID:  0x00abcdef,
	}
}

func TestEncapDecapRoundTripAllTypes(t *testing.T) {
	inner := []byte{0x45, 0x00, 0x00, 0x1c, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	for _, typ := range []Type{TypeNone, TypeNoiseTunnel, TypeVXLAN, TypeGRE, TypeGeneve} {
		r := testRecord(typ)
		encoded := Encapsulate(inner, r)
		decoded, ok := Decapsulate(encoded, typ)
		require.True(t, ok, "type %d", typ)
		require.Equal(t, inner, decoded, "type %d", typ)
	}
}

func TestNilOrNoneRecordIsNoop(t *testing.T) {
	inner := []byte{1, 2, 3}
	require.Equal(t, inner, Encapsulate(inner, nil))
	require.Equal(t, inner, Encapsulate(inner, testRecord(TypeNone)))
}

func TestVXLANHeaderCarriesVNI(t *testing.T) {
	r := testRecord(TypeVXLAN)
	encoded := Encapsulate([]byte{0xaa}, r)
	vxlanHdr := encoded[28 : 28+vxlanHeaderLen]
	require.Equal(t, byte(0x08), vxlanHdr[0], "I-flag set")
	vni := uint32(vxlanHdr[4])<<16 | uint32(vxlanHdr[5])<<8 | uint32(vxlanHdr[6])
	require.Equal(t, r.TunnelID, vni)
}

func TestNoiseTunnelCounterMonotonic(t *testing.T) {
	r := testRecord(TypeNoiseTunnel)
	inner := []byte{0x01}

	first := Encapsulate(inner, r)
	second := Encapsulate(inner, r)

	c1, ok := extractNoiseCounter(first)
	require.True(t, ok)
	c2, ok := extractNoiseCounter(second)
	require.True(t, ok)
	require.Equal(t, uint64(0), c1)
	require.Equal(t, uint64(1), c2)
}

func TestNoiseTunnelHeaderLayout(t *testing.T) {
	r := testRecord(TypeNoiseTunnel)
	encoded := Encapsulate([]byte{0x01}, r)
	nh := encoded[28 : 28+noiseHeaderLen]
	require.Equal(t, byte(noiseMsgType), nh[0])
	require.Equal(t, [3]byte{0, 0, 0}, [3]byte(nh[1:4]))
}

func TestMapFallsThroughToNoneWhenUnmapped(t *testing.T) {
	m := NewMap()
	m.Set(1, testRecord(TypeVXLAN))

	require.Equal(t, TypeVXLAN, m.For(1).Type)
	require.Nil(t, m.For(2))
}

func TestDecapsulateRejectsShortBuffers(t *testing.T) {
	_, ok := Decapsulate([]byte{0x01, 0x02}, TypeVXLAN)
	require.False(t, ok)
}
