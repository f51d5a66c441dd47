//go:build windows

package windows

import (
	"net/netip"
	"testing"

	"golang.org/x/sys/windows"
)

func TestBuildRowEncodesIPv4Prefix(t *testing.T) {
	dest := netip.MustParsePrefix("0.0.0.0/0")
	nextHop := netip.MustParseAddr("10.64.0.1")
	row := buildRow(dest, nextHop, 7)

	if row.destPrefixFamily != windows.AF_INET {
		t.Fatalf("expected AF_INET, got %d", row.destPrefixFamily)
	}
	if row.destPrefixLength != 0 {
		t.Fatalf("expected /0 prefix length, got %d", row.destPrefixLength)
	}
	if row.index != 7 {
		t.Fatalf("expected interface index 7, got %d", row.index)
	}
	want := nextHop.As4()
	if [4]byte(row.nextHopAddr[:4]) != want {
		t.Fatalf("next hop mismatch: got %v want %v", row.nextHopAddr[:4], want)
	}
}

func TestBuildRowEncodesIPv6Prefix(t *testing.T) {
	dest := netip.MustParsePrefix("::/0")
	nextHop := netip.MustParseAddr("fe80::1")
	row := buildRow(dest, nextHop, 3)

	if row.destPrefixFamily != windows.AF_INET6 {
		t.Fatalf("expected AF_INET6, got %d", row.destPrefixFamily)
	}
	want := nextHop.As16()
	if [16]byte(row.nextHopAddr[:16]) != want {
		t.Fatalf("next hop mismatch: got %v want %v", row.nextHopAddr[:16], want)
	}
}
