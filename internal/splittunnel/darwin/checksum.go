//go:build darwin

package darwin

import "encoding/binary"

// checksumFold folds a 32-bit accumulator to a 16-bit one's complement
// value (RFC 1071).
func checksumFold(sum uint32) uint16 {
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return uint16(sum)
}

// checksumUpdate16 incrementally updates a one's complement checksum when
// a single 16-bit field changes from oldVal to newVal (RFC 1624).
func checksumUpdate16(oldCk, oldVal, newVal uint16) uint16 {
	sum := uint32(^oldCk) + uint32(^oldVal) + uint32(newVal)
	return ^checksumFold(sum)
}

// rewriteIPv4Src overwrites the IPv4 source address at ipOff+12 and
// incrementally fixes the IP header checksum (ipOff+10) plus, if
// transportCkOff is nonzero, the TCP/UDP pseudo-header checksum — per
// spec §4.9 step 5 ("v4: IP header + TCP/UDP pseudo-header").
func rewriteIPv4Src(pkt []byte, ipOff int, newSrc [4]byte, transportCkOff int) {
	srcOff := ipOff + 12
	oldHi := binary.BigEndian.Uint16(pkt[srcOff:])
	oldLo := binary.BigEndian.Uint16(pkt[srcOff+2:])
	newHi := binary.BigEndian.Uint16(newSrc[:2])
	newLo := binary.BigEndian.Uint16(newSrc[2:])
	copy(pkt[srcOff:srcOff+4], newSrc[:])

	ckOff := ipOff + 10
	ck := binary.BigEndian.Uint16(pkt[ckOff:])
	ck = checksumUpdate16(ck, oldHi, newHi)
	ck = checksumUpdate16(ck, oldLo, newLo)
	binary.BigEndian.PutUint16(pkt[ckOff:], ck)

	if transportCkOff > 0 {
		tck := binary.BigEndian.Uint16(pkt[transportCkOff:])
		if tck != 0 {
			tck = checksumUpdate16(tck, oldHi, newHi)
			tck = checksumUpdate16(tck, oldLo, newLo)
			binary.BigEndian.PutUint16(pkt[transportCkOff:], tck)
		}
	}
}

// rewriteIPv6Src overwrites a 16-byte IPv6 source address and fixes only
// the TCP/UDP pseudo-header checksum — IPv6 has no header checksum of its
// own, matching spec §4.9 step 5 ("v6: only TCP/UDP pseudo-header").
func rewriteIPv6Src(pkt []byte, ipOff int, newSrc [16]byte, transportCkOff int) {
	srcOff := ipOff + 8
	var oldWords, newWords [8]uint16
	for i := 0; i < 8; i++ {
		oldWords[i] = binary.BigEndian.Uint16(pkt[srcOff+2*i:])
		newWords[i] = binary.BigEndian.Uint16(newSrc[2*i : 2*i+2])
	}
	copy(pkt[srcOff:srcOff+16], newSrc[:])

	if transportCkOff > 0 {
		tck := binary.BigEndian.Uint16(pkt[transportCkOff:])
		if tck != 0 {
			for i := 0; i < 8; i++ {
				tck = checksumUpdate16(tck, oldWords[i], newWords[i])
			}
			binary.BigEndian.PutUint16(pkt[transportCkOff:], tck)
		}
	}
}
