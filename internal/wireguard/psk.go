package wireguard

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/netip"

	"github.com/mullvad-core/daemon/internal/core"
	"github.com/mullvad-core/daemon/internal/wireguard/pskclient"

	"golang.org/x/crypto/curve25519"
)

// configServicePort is a var, not the pskclient.ConfigServicePort const
// directly, so tests can point NegotiatePSK at a loopback listener on an
// ephemeral port instead of the real fixed one.
var configServicePort = pskclient.ConfigServicePort

// NegotiatePSK performs spec §4.3 step 4's post-quantum key exchange: it
// calls the relay's config service inside the already-open tunnel and
// returns cfg with the private key replaced by the negotiated ephemeral
// key and the entry peer's PresharedKey set. The caller applies the
// result with Tunnel.SetConfig. cfg is returned unchanged if
// cfg.QuantumResistant is false.
func NegotiatePSK(ctx context.Context, cfg core.Config, gateway netip.Addr, attempt int) (core.Config, error) {
	if !cfg.QuantumResistant {
		return cfg, nil
	}
	if !gateway.IsValid() {
		return cfg, fmt.Errorf("negotiate psk: no tunnel gateway available")
	}

	priv, err := decodeKey(cfg.PrivateKey)
	if err != nil {
		return cfg, fmt.Errorf("negotiate psk: decode private key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return cfg, fmt.Errorf("negotiate psk: derive public key: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, pskclient.Timeout(attempt))
	defer cancel()

	addr := netip.AddrPortFrom(gateway, configServicePort).String()
	result, err := pskclient.Negotiate(timeoutCtx, addr, pub)
	if err != nil {
		return cfg, fmt.Errorf("negotiate psk: %w", err)
	}

	cfg.PrivateKey = base64.StdEncoding.EncodeToString(result.EphemeralPrivateKey)
	cfg.Peer.PresharedKey = base64.StdEncoding.EncodeToString(result.PSK)
	return cfg, nil
}
