// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package netstack

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildSYN assembles a minimal, unchecksummed IPv4+TCP SYN packet for the
// sniffer — sniffSYN only reads header fields, it never validates checksums.
func buildSYN(t *testing.T, src, dst netip.AddrPort, synAck bool) []byte {
	t.Helper()
	pkt := make([]byte, 40)
	pkt[0] = 0x45 // version 4, IHL 5
	pkt[9] = 6    // protocol TCP
	copy(pkt[12:16], src.Addr().AsSlice())
	copy(pkt[16:20], dst.Addr().AsSlice())

	tcpHdr := pkt[20:40]
	tcpHdr[0] = byte(src.Port() >> 8)
	tcpHdr[1] = byte(src.Port())
	tcpHdr[2] = byte(dst.Port() >> 8)
	tcpHdr[3] = byte(dst.Port())
	if synAck {
		tcpHdr[13] = 0x12 // SYN+ACK
	} else {
		tcpHdr[13] = 0x02 // SYN only
	}
	return pkt
}

func TestSniffSYNRecognizesPureSYN(t *testing.T) {
	src := netip.MustParseAddrPort("10.255.255.2:51000")
	dst := netip.MustParseAddrPort("93.184.216.34:443")
	pkt := buildSYN(t, src, dst, false)

	gotSrc, gotDst, ok := sniffSYN(pkt)
	require.True(t, ok)
	require.Equal(t, src, gotSrc)
	require.Equal(t, dst, gotDst)
}

func TestSniffSYNIgnoresSYNACK(t *testing.T) {
	src := netip.MustParseAddrPort("10.255.255.2:51000")
	dst := netip.MustParseAddrPort("93.184.216.34:443")
	pkt := buildSYN(t, src, dst, true)

	_, _, ok := sniffSYN(pkt)
	require.False(t, ok)
}

func TestSniffSYNIgnoresShortAndNonIPv4Packets(t *testing.T) {
	_, _, ok := sniffSYN(nil)
	require.False(t, ok)

	_, _, ok = sniffSYN([]byte{0x60, 0, 0, 0})
	require.False(t, ok, "IPv6 packets must be ignored")
}
