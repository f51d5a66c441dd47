package pskclient

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/mullvad-core/daemon/internal/core"
)

// ConfigServicePort is the fixed TCP port the relay's config service
// listens on inside the tunnel (spec §6 "Config service").
const ConfigServicePort uint16 = 1337

// Result is the negotiated post-quantum key material to apply to the
// entry peer's tunnel config.
type Result struct {
	EphemeralPrivateKey []byte
	PSK                 []byte
}

// Negotiate dials gatewayPort (e.g. "10.64.0.1:1337") inside the half-open
// tunnel, sends the daemon's current public key, and reads back the
// ephemeral private key and PSK. The channel's trust model is entirely the
// tunnel's own cryptography (spec §6) — no additional TLS is layered here.
func Negotiate(ctx context.Context, gatewayPort string, publicKey []byte) (Result, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", gatewayPort)
	if err != nil {
		return Result{}, core.Transient("pskclient.negotiate", fmt.Errorf("dial config service: %w", err))
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	req := pskRequest{PublicKey: publicKey}.Marshal()
	if err := writeFrame(conn, req); err != nil {
		return Result{}, core.Transient("pskclient.negotiate", fmt.Errorf("send request: %w", err))
	}

	raw, err := readFrame(conn)
	if err != nil {
		return Result{}, core.Transient("pskclient.negotiate", fmt.Errorf("read response: %w", err))
	}

	resp, err := unmarshalPskResponse(raw)
	if err != nil {
		return Result{}, core.InvariantViolation("pskclient.negotiate", err)
	}

	core.Log.Debugf("pskclient", "negotiated psk with %s", gatewayPort)
	return Result{EphemeralPrivateKey: resp.EphemeralPrivateKey, PSK: resp.PSK}, nil
}

// Timeout returns the PSK negotiation timeout for a given retry attempt
// (spec §4.3 step 4, §5): min(15s, 4s * 2^attempt).
func Timeout(attempt int) time.Duration {
	budget := 4 * time.Second
	for i := 0; i < attempt; i++ {
		budget *= 2
		if budget >= 15*time.Second {
			return 15 * time.Second
		}
	}
	if budget > 15*time.Second {
		return 15 * time.Second
	}
	return budget
}

func writeFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	const maxFrame = 1 << 16
	if n > maxFrame {
		return nil, fmt.Errorf("frame too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
