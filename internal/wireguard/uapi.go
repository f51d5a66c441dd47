package wireguard

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/mullvad-core/daemon/internal/core"

	"golang.org/x/crypto/curve25519"
)

// uapiConfig translates a core.Config into the WireGuard UAPI wire format
// (key=value lines, see wireguard(8) / the cross-platform userspace
// implementation's configuration protocol).
func uapiConfig(cfg core.Config) (string, error) {
	privHex, err := keyToHex(cfg.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("private_key: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%s\n", privHex)
	if cfg.FirewallMark != 0 {
		fmt.Fprintf(&b, "fwmark=%d\n", cfg.FirewallMark)
	}

	pubHex, err := keyToHex(cfg.Peer.PublicKey)
	if err != nil {
		return "", fmt.Errorf("peer public_key: %w", err)
	}
	fmt.Fprintf(&b, "public_key=%s\n", pubHex)
	if cfg.Peer.PresharedKey != "" {
		pskHex, err := keyToHex(cfg.Peer.PresharedKey)
		if err != nil {
			return "", fmt.Errorf("preshared_key: %w", err)
		}
		fmt.Fprintf(&b, "preshared_key=%s\n", pskHex)
	}
	if cfg.Peer.Endpoint.IsValid() {
		fmt.Fprintf(&b, "endpoint=%s\n", cfg.Peer.Endpoint.String())
	}
	for _, ip := range cfg.Peer.AllowedIPs {
		fmt.Fprintf(&b, "allowed_ip=%s\n", ip.String())
	}
	fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", 25)

	return b.String(), nil
}

// keyToHex decodes a base64 or hex WireGuard key string into the hex form
// the UAPI expects, validating it is exactly 32 bytes (a curve25519 key).
func keyToHex(key string) (string, error) {
	raw, err := decodeKey(key)
	if err != nil {
		return "", err
	}
	if len(raw) != curve25519.PointSize {
		return "", fmt.Errorf("key must be %d bytes, got %d", curve25519.PointSize, len(raw))
	}
	return hex.EncodeToString(raw), nil
}

func decodeKey(key string) ([]byte, error) {
	if raw, err := hex.DecodeString(key); err == nil && len(raw) == curve25519.PointSize {
		return raw, nil
	}
	return base64.StdEncoding.DecodeString(key)
}

// parseUAPIStats extracts per-peer rx/tx counters from an IpcGet() dump.
func parseUAPIStats(raw string) []PeerStats {
	var stats []PeerStats
	var current *PeerStats

	for _, line := range strings.Split(raw, "\n") {
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key, val := kv[0], kv[1]

		switch key {
		case "public_key":
			stats = append(stats, PeerStats{PublicKey: val})
			current = &stats[len(stats)-1]
		case "rx_bytes":
			if current != nil {
				if n, err := strconv.ParseUint(val, 10, 64); err == nil {
					current.RxBytes = n
				}
			}
		case "tx_bytes":
			if current != nil {
				if n, err := strconv.ParseUint(val, 10, 64); err == nil {
					current.TxBytes = n
				}
			}
		}
	}
	return stats
}
