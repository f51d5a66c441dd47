package wireguard

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/mullvad-core/daemon/internal/core"

	"google.golang.org/protobuf/encoding/protowire"
)

// respondOnce plays the relay side of the config-service exchange: read
// one length-prefixed request frame (ignored beyond framing), then reply
// with a length-prefixed ephemeral-private-key/PSK response, matching the
// wire format internal/wireguard/pskclient speaks.
func respondOnce(conn net.Conn) error {
	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(header[:])
	if _, err := io.CopyN(io.Discard, conn, int64(n)); err != nil {
		return err
	}

	var resp []byte
	resp = protowire.AppendTag(resp, 1, protowire.BytesType)
	resp = protowire.AppendBytes(resp, make([]byte, 32))
	resp = protowire.AppendTag(resp, 2, protowire.BytesType)
	resp = protowire.AppendBytes(resp, []byte("negotiated-psk"))

	var out [4]byte
	binary.BigEndian.PutUint32(out[:], uint32(len(resp)))
	if _, err := conn.Write(out[:]); err != nil {
		return err
	}
	_, err := conn.Write(resp)
	return err
}

func TestNegotiatePSKSkippedWhenNotQuantumResistant(t *testing.T) {
	cfg := core.Config{PrivateKey: base64.StdEncoding.EncodeToString(make([]byte, 32))}
	got, err := NegotiatePSK(context.Background(), cfg, netip.Addr{}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Peer.PresharedKey != "" {
		t.Fatalf("expected no PSK when QuantumResistant is false, got %q", got.Peer.PresharedKey)
	}
}

func TestNegotiatePSKAppliesResultToConfig(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	gateway := netip.MustParseAddr("127.0.0.1")
	addrPort := netip.MustParseAddrPort(ln.Addr().String())
	orig := configServicePort
	configServicePort = addrPort.Port()
	defer func() { configServicePort = orig }()

	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()
		serverDone <- respondOnce(conn)
	}()

	priv := make([]byte, 32)
	priv[0] = 1
	cfg := core.Config{
		PrivateKey:       base64.StdEncoding.EncodeToString(priv),
		QuantumResistant: true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := NegotiatePSK(ctx, cfg, gateway, 0)
	if err != nil {
		t.Fatalf("NegotiatePSK: %v", err)
	}
	if got.PrivateKey == cfg.PrivateKey {
		t.Fatal("expected private key to be replaced by the ephemeral key")
	}
	if got.Peer.PresharedKey == "" {
		t.Fatal("expected a non-empty preshared key")
	}
	if err := <-serverDone; err != nil {
		t.Fatalf("server: %v", err)
	}
}
