//go:build darwin

// Package darwin implements macOS split tunneling (spec §4.9): a
// per-process packet redirector built on a dummy utun interface, pktap
// packet capture, and raw BPF writes — no kernel extension required.
package darwin

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

// Disposition is what Classify decides for one captured packet.
type Disposition int

const (
	DispositionDrop Disposition = iota
	DispositionDefaultInterface
	DispositionVPNTunnel
)

// Classifier maps a captured packet's source PID to a disposition (spec
// §4.9 step 4: "classify(pktap_packet) -> {DefaultInterface, VpnTunnel,
// Drop}").
type Classifier interface {
	Classify(pid int32) Disposition
}

// BPFWriter writes a raw IP frame out an interface's BPF device.
type BPFWriter interface {
	WriteFrame(frame []byte) error
}

// Redirector rewrites and re-emits packets captured off the ST utun
// (spec §4.9 steps 5-6).
type Redirector struct {
	classifier   Classifier
	defaultIface BPFWriter
	vpnIface     BPFWriter

	defaultAddr4 [4]byte
	defaultAddr6 [16]byte
	vpnAddr4     netip.Addr
	vpnAddr6     netip.Addr
}

// NewRedirector creates a redirector that rewrites outbound source
// addresses to the default interface's addresses (for
// DefaultInterface-classified traffic) and validates against the VPN
// tunnel's addresses (for VpnTunnel-classified traffic). Either address
// of a family may be the zero value if that family is unused.
func NewRedirector(classifier Classifier, defaultIface, vpnIface BPFWriter, defaultAddr4, defaultAddr6, vpnAddr4, vpnAddr6 netip.Addr) *Redirector {
	r := &Redirector{
		classifier:   classifier,
		defaultIface: defaultIface,
		vpnIface:     vpnIface,
		vpnAddr4:     vpnAddr4,
		vpnAddr6:     vpnAddr6,
	}
	if defaultAddr4.Is4() {
		r.defaultAddr4 = defaultAddr4.As4()
	}
	if defaultAddr6.Is6() {
		r.defaultAddr6 = defaultAddr6.As16()
	}
	return r
}

// HandleOutbound implements spec §4.9 steps 3-7 for one pktap-captured
// frame: ip is the IP payload (Ethernet header already stripped/
// synthesized away per spec, "only the IP payload is authoritative").
func (r *Redirector) HandleOutbound(pid int32, ip []byte) error {
	if len(ip) < 20 {
		return fmt.Errorf("short packet: %d bytes", len(ip))
	}

	disp := r.classifier.Classify(pid)
	switch disp {
	case DispositionDrop:
		return nil

	case DispositionDefaultInterface:
		if err := r.rewriteForDefault(ip); err != nil {
			return err
		}
		return r.defaultIface.WriteFrame(ip)

	case DispositionVPNTunnel:
		if err := r.verifyVPNSource(ip); err != nil {
			return err
		}
		return r.vpnIface.WriteFrame(ip)

	default:
		return nil
	}
}

func (r *Redirector) rewriteForDefault(ip []byte) error {
	version := ip[0] >> 4
	switch version {
	case 4:
		proto := ip[9]
		ihl := int(ip[0]&0x0f) * 4
		transportCkOff := transportChecksumOffset4(proto, ihl)
		rewriteIPv4Src(ip, 0, r.defaultAddr4, transportCkOff)
		return nil
	case 6:
		proto := ip[6]
		transportCkOff := transportChecksumOffset6(proto)
		var addr16 [16]byte
		copy(addr16[:], r.defaultAddr6[:])
		rewriteIPv6Src(ip, 0, addr16, transportCkOff)
		return nil
	default:
		return fmt.Errorf("unknown IP version %d", version)
	}
}

func (r *Redirector) verifyVPNSource(ip []byte) error {
	version := ip[0] >> 4
	switch version {
	case 4:
		var got [4]byte
		copy(got[:], ip[12:16])
		if r.vpnAddr4.IsValid() && got != r.vpnAddr4.As4() {
			return fmt.Errorf("unexpected source %v for VPN-tunnel disposition", net.IP(got[:]))
		}
	case 6:
		var got [16]byte
		copy(got[:], ip[8:24])
		if r.vpnAddr6.IsValid() && got != r.vpnAddr6.As16() {
			return fmt.Errorf("unexpected source %v for VPN-tunnel disposition", net.IP(got[:]))
		}
	}
	return nil
}

// transportChecksumOffset4 returns the absolute offset of the TCP/UDP
// checksum field for an IPv4 packet, or 0 if proto is neither.
func transportChecksumOffset4(proto byte, ihl int) int {
	switch proto {
	case 6: // TCP
		return ihl + 16
	case 17: // UDP
		return ihl + 6
	default:
		return 0
	}
}

// transportChecksumOffset6 returns the TCP/UDP checksum offset assuming
// no IPv6 extension headers, the common case for redirected traffic.
func transportChecksumOffset6(proto byte) int {
	switch proto {
	case 6:
		return 40 + 16
	case 17:
		return 40 + 6
	default:
		return 0
	}
}

// loopbackHeaderLen is the size of the BSD loopback prefix (a 32-bit
// address-family header) BPF devices expect ahead of the IP payload —
// spec §4.9 "incoming side" paragraph.
const loopbackHeaderLen = 4

// PrependLoopbackHeader returns ip prefixed with the 4-byte BSD loopback
// address-family header (AF_INET or AF_INET6, host byte order, as
// bpf(4)/lo0 expect).
func PrependLoopbackHeader(ip []byte) []byte {
	out := make([]byte, loopbackHeaderLen+len(ip))
	version := ip[0] >> 4
	var af uint32
	if version == 6 {
		af = 30 // AF_INET6 on Darwin
	} else {
		af = 2 // AF_INET
	}
	binary.LittleEndian.PutUint32(out[:4], af)
	copy(out[4:], ip)
	return out
}
