// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package appclass implements the application classifier (spec §4.6):
// primarily a fixed well-known-port table, with targeted DPI for
// QUIC/TLS and destination-prefix refinement for major collaboration
// services. The JA3 fingerprint of a TLS ClientHello is recorded in the
// result but does not change the application id.
//
// Grounded on the JA3 usage in
// _examples/grimm-is-flywall/internal/scanner/tls.go
// (github.com/dreadl0ck/ja3's DigestPacket), adapted from device
// fingerprinting to application identification.
package appclass

import (
	"encoding/hex"
	"net/netip"

	"github.com/dreadl0ck/ja3"
	"github.com/gopacket/gopacket"
)

// AppID values. 0 is reserved for "unknown".
type AppID uint16

const (
	AppUnknown AppID = iota
	AppDNS
	AppHTTP
	AppHTTPS
	AppSSH
	AppSMTP
	AppQUIC
	AppCollabTLS // recognized-prefix TLS collaboration service
)

// QoSClass mirrors metadata.QoSClass's numeric values without importing
// that package, to keep appclass dependency-light; callers convert.
type QoSClass uint8

const (
	QoSRealtime QoSClass = iota
	QoSBusiness
	QoSDefault
	QoSBulk
	QoSScavenger
)

// portEntry is one well-known-port table row.
type portEntry struct {
	app AppID
	qos QoSClass
}

// wellKnownPorts is the fixed table spec §4.6 calls for. Protocol is
// not distinguished here since the spec's table is keyed by port alone;
// TCP/UDP port collisions (e.g. 443) are disambiguated by the DPI path
// below before falling back to this table.
var wellKnownPorts = map[uint16]portEntry{
	53:  {AppDNS, QoSBusiness},
	80:  {AppHTTP, QoSDefault},
	443: {AppHTTPS, QoSDefault},
	22:  {AppSSH, QoSBusiness},
	25:  {AppSMTP, QoSBulk},
}

// quicVersions are the recognized QUIC version values spec §4.6 refers
// to ("known QUIC v1/v2/draft values").
var quicVersions = map[uint32]bool{
	0x00000001: true, // QUIC v1 (RFC 9000)
	0x6b3343cf: true, // QUIC v2 (RFC 9369)
	0xff00001d: true, // draft-29
	0xfaceb002: true, // draft (Google/early IETF)
}

// collabPrefixes are curated destination-prefix ranges for major
// collaboration services, consulted whenever a TLS ClientHello is
// observed, on any destination port.
var collabPrefixes []netip.Prefix

// SetCollabPrefixes installs the curated prefix list used to recognize
// TLS traffic to major collaboration services by destination address.
func SetCollabPrefixes(prefixes []netip.Prefix) {
	collabPrefixes = prefixes
}

// Result is the classifier's output.
type Result struct {
	AppID    AppID
	QoSClass QoSClass
	JA3      string // hex JA3 hash, if a TLS ClientHello was inspected
}

// ClassifyPort performs the primary, port-based classification.
func ClassifyPort(dstPort uint16) (Result, bool) {
	e, ok := wellKnownPorts[dstPort]
	if !ok {
		return Result{}, false
	}
	return Result{AppID: e.app, QoSClass: e.qos}, true
}

// ClassifyQUIC inspects the first bytes of a payload sent to port 443
// for the QUIC long-header form (spec §4.6): if the first byte's high
// bit is set, the next four bytes are read as a version and checked
// against quicVersions. The transport protocol is not checked here.
func ClassifyQUIC(dstPort uint16, payload []byte) (Result, bool) {
	if dstPort != 443 || len(payload) < 5 {
		return Result{}, false
	}
	if payload[0]&0x80 == 0 {
		return Result{}, false
	}
	version := uint32(payload[1])<<24 | uint32(payload[2])<<16 | uint32(payload[3])<<8 | uint32(payload[4])
	if !quicVersions[version] {
		return Result{}, false
	}
	return Result{AppID: AppQUIC, QoSClass: QoSDefault}, true
}

// tlsClientHello reports whether payload begins a TLS handshake
// ClientHello: record type 0x16, handshake type 0x01 at offset 5.
func tlsClientHello(payload []byte) bool {
	return len(payload) >= 6 && payload[0] == 0x16 && payload[5] == 0x01
}

// ClassifyTLS inspects a TCP payload for a TLS ClientHello and, if
// found, records its JA3 fingerprint and refines the application id by
// destination address against the curated collaboration-service
// prefixes.
func ClassifyTLS(packet gopacket.Packet, payload []byte, dst netip.Addr) (Result, bool) {
	if !tlsClientHello(payload) {
		return Result{}, false
	}

	result := Result{AppID: AppHTTPS, QoSClass: QoSDefault}

	digest := ja3.DigestPacket(packet)
	hash := hex.EncodeToString(digest[:])
	if hash != "d41d8cd98f00b204e9800998ecf8427e" {
		result.JA3 = hash
	}

	for _, p := range collabPrefixes {
		if p.Contains(dst) {
			result.AppID = AppCollabTLS
			result.QoSClass = QoSBusiness
			break
		}
	}
	return result, true
}

// Classify runs the full classifier for one packet: QUIC/TLS DPI first,
// falling back to the port table, and finally app_unknown/qos_default.
func Classify(packet gopacket.Packet, dstPort uint16, payload []byte, dst netip.Addr) Result {
	if r, ok := ClassifyQUIC(dstPort, payload); ok {
		return r
	}
	if r, ok := ClassifyTLS(packet, payload, dst); ok {
		return r
	}
	if r, ok := ClassifyPort(dstPort); ok {
		return r
	}
	return Result{AppID: AppUnknown, QoSClass: QoSDefault}
}
