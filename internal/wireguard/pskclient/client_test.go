package pskclient

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestNegotiateRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()

		raw, err := readFrame(conn)
		if err != nil {
			serverDone <- err
			return
		}
		req, err := unmarshalPskRequest(raw)
		if err != nil {
			serverDone <- err
			return
		}
		if string(req.PublicKey) != "test-pubkey" {
			serverDone <- errors.New("unexpected public key in request")
			return
		}

		resp := pskResponse{EphemeralPrivateKey: []byte("new-priv-key"), PSK: []byte("negotiated-psk")}
		serverDone <- writeFrame(conn, resp.Marshal())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := Negotiate(ctx, ln.Addr().String(), []byte("test-pubkey"))
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if string(result.EphemeralPrivateKey) != "new-priv-key" {
		t.Fatalf("got private key %q", result.EphemeralPrivateKey)
	}
	if string(result.PSK) != "negotiated-psk" {
		t.Fatalf("got psk %q", result.PSK)
	}

	if err := <-serverDone; err != nil {
		t.Fatalf("server: %v", err)
	}
}

func TestTimeoutGrowsAndCaps(t *testing.T) {
	if got := Timeout(0); got != 4*time.Second {
		t.Fatalf("Timeout(0) = %v, want 4s", got)
	}
	if got := Timeout(5); got != 15*time.Second {
		t.Fatalf("Timeout(5) = %v, want capped 15s", got)
	}
}
