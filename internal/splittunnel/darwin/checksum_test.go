//go:build darwin

package darwin

import (
	"encoding/binary"
	"testing"
)

// naiveChecksum computes the ones-complement checksum the slow way, used
// as an oracle against the incremental update functions.
func naiveChecksum(words []uint16) uint16 {
	var sum uint32
	for _, w := range words {
		sum += uint32(w)
	}
	return ^checksumFold(sum)
}

func TestRewriteIPv4SrcMatchesNaiveRecompute(t *testing.T) {
	// Minimal 20-byte IPv4 header at offset 0: version/ihl, tos, totlen,
	// id, flags/frag, ttl, proto, checksum, src, dst.
	hdr := make([]byte, 20)
	hdr[0] = 0x45
	binary.BigEndian.PutUint16(hdr[2:], 20)
	hdr[8] = 64
	hdr[9] = 6 // TCP
	copy(hdr[12:16], []byte{10, 0, 0, 5})
	copy(hdr[16:20], []byte{8, 8, 8, 8})

	words := make([]uint16, 10)
	for i := 0; i < 10; i++ {
		words[i] = binary.BigEndian.Uint16(hdr[2*i:])
	}
	binary.BigEndian.PutUint16(hdr[10:], naiveChecksum(words))

	newSrc := [4]byte{192, 168, 1, 77}
	rewriteIPv4Src(hdr, 0, newSrc, 0)

	words2 := make([]uint16, 10)
	for i := 0; i < 10; i++ {
		if i == 5 {
			words2[i] = 0 // checksum field itself excluded when recomputing
			continue
		}
		words2[i] = binary.BigEndian.Uint16(hdr[2*i:])
	}
	want := naiveChecksum(words2)
	got := binary.BigEndian.Uint16(hdr[10:])
	if got != want {
		t.Fatalf("incremental checksum mismatch: got %#04x want %#04x", got, want)
	}

	if [4]byte(hdr[12:16]) != newSrc {
		t.Fatalf("source address not rewritten: %v", hdr[12:16])
	}
}

func TestRewriteIPv6SrcUpdatesTransportChecksumOnly(t *testing.T) {
	pkt := make([]byte, 40+8) // IPv6 header + UDP header
	ipOff := 0
	udpOff := 40
	src := [16]byte{0xfd, 0x12}
	copy(pkt[ipOff+8:ipOff+24], src[:])

	binary.BigEndian.PutUint16(pkt[udpOff+6:], 0x1234) // fake checksum

	newSrc := [16]byte{0xfd, 0x99}
	rewriteIPv6Src(pkt, ipOff, newSrc, udpOff+6)

	if [16]byte(pkt[ipOff+8:ipOff+24]) != newSrc {
		t.Fatal("IPv6 source not rewritten")
	}
	if binary.BigEndian.Uint16(pkt[udpOff+6:]) == 0x1234 {
		t.Fatal("UDP checksum not updated after source rewrite")
	}
}

func TestRewriteIPv6SrcSkipsZeroUDPChecksum(t *testing.T) {
	pkt := make([]byte, 40+8)
	src := [16]byte{0xfd, 0x12}
	copy(pkt[8:24], src[:])
	// checksum left at 0 (disabled)

	rewriteIPv6Src(pkt, 0, [16]byte{0xfd, 0x99}, 40+6)

	if binary.BigEndian.Uint16(pkt[46:]) != 0 {
		t.Fatal("disabled UDP checksum must remain 0")
	}
}
