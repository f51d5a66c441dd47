//go:build darwin

package dnsfilter

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// bindControl returns a net.Dialer Control function that binds the dialed
// socket to the physical interface at ifIndex via IP_BOUND_IF/IPV6_BOUND_IF,
// so the upstream query can't recurse back through the VPN tunnel while the
// tunnel is up. A zero ifIndex leaves the socket unbound.
func bindControl(ifIndex int) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		if ifIndex == 0 {
			return nil
		}
		var sockErr error
		err := c.Control(func(fd uintptr) {
			switch network {
			case "udp6", "tcp6":
				sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_BOUND_IF, ifIndex)
			default:
				sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_BOUND_IF, ifIndex)
			}
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}
