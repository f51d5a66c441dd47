//go:build darwin

package darwin

import (
	"net/netip"
	"testing"
)

type fakeClassifier struct {
	disposition Disposition
}

func (f fakeClassifier) Classify(pid int32) Disposition { return f.disposition }

type captureWriter struct {
	frames [][]byte
}

func (c *captureWriter) WriteFrame(frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	c.frames = append(c.frames, cp)
	return nil
}

func buildIPv4UDP(src, dst [4]byte, srcPort, dstPort uint16) []byte {
	pkt := make([]byte, 20+8)
	pkt[0] = 0x45
	pkt[9] = 17
	copy(pkt[12:16], src[:])
	copy(pkt[16:20], dst[:])
	// zero IP checksum, recompute naively
	words := make([]uint16, 10)
	for i := 0; i < 10; i++ {
		words[i] = uint16(pkt[2*i])<<8 | uint16(pkt[2*i+1])
	}
	ck := naiveChecksum(words)
	pkt[10] = byte(ck >> 8)
	pkt[11] = byte(ck)

	udpOff := 20
	pkt[udpOff] = byte(srcPort >> 8)
	pkt[udpOff+1] = byte(srcPort)
	pkt[udpOff+2] = byte(dstPort >> 8)
	pkt[udpOff+3] = byte(dstPort)
	pkt[udpOff+4] = 0
	pkt[udpOff+5] = 8
	// leave UDP checksum 0 (disabled) — common for IPv4 UDP
	return pkt
}

func TestHandleOutboundDefaultInterfaceRewritesSource(t *testing.T) {
	writer := &captureWriter{}
	vpnWriter := &captureWriter{}
	classifier := fakeClassifier{disposition: DispositionDefaultInterface}

	defaultAddr := netip.MustParseAddr("192.168.1.50")
	r := NewRedirector(classifier, writer, vpnWriter, defaultAddr, netip.Addr{}, netip.Addr{}, netip.Addr{})

	pkt := buildIPv4UDP([4]byte{10, 123, 123, 123}, [4]byte{8, 8, 8, 8}, 5000, 53)
	if err := r.HandleOutbound(42, pkt); err != nil {
		t.Fatalf("HandleOutbound: %v", err)
	}

	if len(writer.frames) != 1 {
		t.Fatalf("expected one frame written to default interface, got %d", len(writer.frames))
	}
	got := writer.frames[0]
	want := defaultAddr.As4()
	if [4]byte(got[12:16]) != want {
		t.Fatalf("source not rewritten: got %v want %v", got[12:16], want)
	}
	if len(vpnWriter.frames) != 0 {
		t.Fatal("nothing should be written to the VPN interface")
	}
}

func TestHandleOutboundDropDiscardsPacket(t *testing.T) {
	writer := &captureWriter{}
	vpnWriter := &captureWriter{}
	classifier := fakeClassifier{disposition: DispositionDrop}
	r := NewRedirector(classifier, writer, vpnWriter, netip.Addr{}, netip.Addr{}, netip.Addr{}, netip.Addr{})

	pkt := buildIPv4UDP([4]byte{10, 123, 123, 123}, [4]byte{8, 8, 8, 8}, 5000, 53)
	if err := r.HandleOutbound(1, pkt); err != nil {
		t.Fatalf("HandleOutbound: %v", err)
	}
	if len(writer.frames) != 0 || len(vpnWriter.frames) != 0 {
		t.Fatal("dropped packet must not be written anywhere")
	}
}

func TestHandleOutboundVPNTunnelRejectsMismatchedSource(t *testing.T) {
	writer := &captureWriter{}
	vpnWriter := &captureWriter{}
	classifier := fakeClassifier{disposition: DispositionVPNTunnel}
	vpnAddr := netip.MustParseAddr("10.64.0.2")
	r := NewRedirector(classifier, writer, vpnWriter, netip.Addr{}, netip.Addr{}, vpnAddr, netip.Addr{})

	pkt := buildIPv4UDP([4]byte{10, 123, 123, 123}, [4]byte{8, 8, 8, 8}, 5000, 53)
	if err := r.HandleOutbound(1, pkt); err == nil {
		t.Fatal("expected error for source mismatch against VPN tunnel address")
	}
	if len(vpnWriter.frames) != 0 {
		t.Fatal("rejected packet must not be written")
	}
}
