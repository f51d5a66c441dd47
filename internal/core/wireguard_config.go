package core

import "net/netip"

// Obfuscation selects how the WireGuard UDP stream is disguised before it
// reaches the network, if at all.
type ObfuscationKind int

const (
	ObfuscationOff ObfuscationKind = iota
	ObfuscationUDPOverTCP
)

// ObfuscationSpec configures the obfuscator when ObfuscationKind != Off.
type ObfuscationSpec struct {
	Kind ObfuscationKind
	// RemotePort is the TCP port the obfuscation proxy on the relay
	// listens on, typically distinct from the relay's WireGuard UDP port.
	RemotePort uint16
}

// PeerConfig is one WireGuard peer entry (always exactly the relay itself
// in this daemon — no mesh/multi-peer support).
type PeerConfig struct {
	PublicKey  string
	Endpoint   netip.AddrPort
	AllowedIPs []netip.Prefix
	// PresharedKey is set on the entry peer after post-quantum PSK
	// negotiation (spec §4.3 step 4); empty otherwise.
	PresharedKey string
}

// Config is the fully resolved WireGuard tunnel configuration the driver
// opens a device with. It is produced by the relay selector + account
// manager (the account's private key) and consumed by internal/wireguard.
type Config struct {
	PrivateKey string
	Addresses  []netip.Prefix
	Peer       PeerConfig
	MTU        int
	// FirewallMark tags outgoing tunnel packets for Linux policy routing
	// (fwmark) so split-tunnel exclusion rules can steer around them.
	FirewallMark uint32
	Obfuscation  ObfuscationSpec
	// DaitaEnabled requests Defence Against AI-guided Traffic Analysis
	// padding/constant-rate shaping from relays that support it — exposed
	// here for future wiring, not implemented by internal/wireguard.
	DaitaEnabled bool
	// QuantumResistant requests the post-quantum PSK exchange against the
	// relay's config service before the tunnel is considered up (spec
	// §4.3 step 4).
	QuantumResistant bool
}

// DeviceData is the account-bound WireGuard device/key record persisted in
// the device cache.
type DeviceData struct {
	ID         string
	Name       string
	PublicKey  string
	PrivateKey string
	CreatedAt  int64 // unix seconds
	// HijackDNS instructs the relay to capture third-party DNS traffic on
	// the tunnel and redirect it to the relay's resolver.
	HijackDNS bool
	IPv4Address netip.Prefix
	IPv6Address netip.Prefix
}

// KeyAge returns the device key's age in seconds given the current time.
func (d DeviceData) KeyAge(nowUnix int64) int64 {
	return nowUnix - d.CreatedAt
}
