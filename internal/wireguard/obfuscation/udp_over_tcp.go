// Package obfuscation implements the UDP-over-TCP wrapper interposed
// between the local WireGuard endpoint and a censored remote (spec §4.3
// step 1, §6 "Obfuscator").
package obfuscation

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/mullvad-core/daemon/internal/core"
)

// Proxy accepts UDP datagrams from the local WireGuard driver on a local
// socket and forwards each one over a single length-prefixed TCP
// connection to the remote obfuscation listener, and back.
type Proxy struct {
	localConn  *net.UDPConn
	remoteAddr *net.TCPAddr

	mu       sync.Mutex
	tcpConn  net.Conn
	wgAddr   *net.UDPAddr // the single local WireGuard peer this proxy serves
	closed   bool
	doneCh   chan struct{}
}

// LocalAddr returns the UDP address the WireGuard driver should dial as
// its rewritten peer endpoint (spec §4.3 step 1).
func (p *Proxy) LocalAddr() *net.UDPAddr {
	return p.localConn.LocalAddr().(*net.UDPAddr)
}

// Start binds a local UDP socket and opens the TCP connection to
// remoteHostPort, then spawns the pump goroutines. Close tears down both
// sockets.
func Start(remoteHostPort string) (*Proxy, error) {
	remoteAddr, err := net.ResolveTCPAddr("tcp", remoteHostPort)
	if err != nil {
		return nil, core.InvariantViolation("obfuscation.start", fmt.Errorf("resolve remote: %w", err))
	}

	localConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		return nil, core.ResourceExhausted("obfuscation.start", fmt.Errorf("bind local udp: %w", err))
	}

	tcpConn, err := net.DialTCP("tcp", nil, remoteAddr)
	if err != nil {
		localConn.Close()
		return nil, core.Transient("obfuscation.start", fmt.Errorf("dial remote: %w", err))
	}

	p := &Proxy{
		localConn:  localConn,
		remoteAddr: remoteAddr,
		tcpConn:    tcpConn,
		doneCh:     make(chan struct{}),
	}
	go p.pumpUDPToTCP()
	go p.pumpTCPToUDP()

	core.Log.Infof("obfuscation", "udp-over-tcp proxy %s <-> %s", localConn.LocalAddr(), remoteHostPort)
	return p, nil
}

// Close tears down both sockets. Safe to call more than once.
func (p *Proxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.doneCh)
	p.localConn.Close()
	return p.tcpConn.Close()
}

// pumpUDPToTCP reads datagrams from the local WireGuard socket and frames
// each one with a big-endian uint16 length prefix onto the TCP stream.
func (p *Proxy) pumpUDPToTCP() {
	buf := make([]byte, 65535)
	for {
		n, addr, err := p.localConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		p.mu.Lock()
		p.wgAddr = addr
		p.mu.Unlock()

		var header [2]byte
		binary.BigEndian.PutUint16(header[:], uint16(n))
		if _, err := p.tcpConn.Write(header[:]); err != nil {
			return
		}
		if _, err := p.tcpConn.Write(buf[:n]); err != nil {
			return
		}
	}
}

// pumpTCPToUDP reads length-prefixed frames from the TCP stream and writes
// each payload back to the WireGuard driver's UDP socket.
func (p *Proxy) pumpTCPToUDP() {
	var header [2]byte
	for {
		if _, err := io.ReadFull(p.tcpConn, header[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint16(header[:])
		payload := make([]byte, n)
		if _, err := io.ReadFull(p.tcpConn, payload); err != nil {
			return
		}

		p.mu.Lock()
		dst := p.wgAddr
		p.mu.Unlock()
		if dst == nil {
			continue
		}
		p.localConn.WriteToUDP(payload, dst)
	}
}
