package wireguard

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// ICMPPinger implements Pinger by writing a single raw ICMP echo request to
// the tunnel gateway (spec §4.4 step 2, "send an ICMP echo to the
// gateway"). It does not wait for or validate a reply — any real response
// arrives as ordinary inbound tunnel traffic and is what the next
// GetStats poll in Monitor.tick actually reacts to.
type ICMPPinger struct{}

var pingSeq uint32

// Ping sends one echo request to gateway, picking the ICMP protocol
// version from the address family.
func (ICMPPinger) Ping(ctx context.Context, gateway netip.Addr) error {
	if !gateway.IsValid() {
		return fmt.Errorf("ping: invalid gateway address")
	}

	network := "ip4:icmp"
	msgType := icmp.Type(ipv4.ICMPTypeEcho)
	if gateway.Is6() {
		network = "ip6:icmp"
		msgType = icmp.Type(ipv6.ICMPTypeEchoRequest)
	}

	conn, err := icmp.ListenPacket(network, "")
	if err != nil {
		return fmt.Errorf("open icmp socket: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	if dl, ok := ctx.Deadline(); ok {
		deadline = dl
	}
	_ = conn.SetWriteDeadline(deadline)

	msg := icmp.Message{
		Type: msgType,
		Code: 0,
		Body: &icmp.Echo{
			ID:   os.Getpid() & 0xffff,
			Seq:  int(atomic.AddUint32(&pingSeq, 1)),
			Data: []byte("mullvad-connectivity-check"),
		},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return fmt.Errorf("marshal icmp echo: %w", err)
	}

	dst := &net.IPAddr{IP: net.IP(gateway.AsSlice())}
	if _, err := conn.WriteTo(wb, dst); err != nil {
		return fmt.Errorf("write icmp echo to %s: %w", gateway, err)
	}
	return nil
}
