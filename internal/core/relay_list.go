package core

import "net/netip"

// Ownership distinguishes Mullvad-owned infrastructure from rented servers.
type Ownership int

const (
	OwnershipAny Ownership = iota
	OwnershipMullvadOwned
	OwnershipRented
)

// TransportProtocol is the L4 protocol a WireGuard/OpenVPN endpoint uses.
type TransportProtocol int

const (
	TransportUDP TransportProtocol = iota
	TransportTCP
)

// TunnelProtocol selects which tunnel technology an endpoint serves.
type TunnelProtocol int

const (
	ProtocolWireGuard TunnelProtocol = iota
	ProtocolOpenVPN
)

// PortRange is an inclusive [First, Last] range of ports, First==Last for a
// single port.
type PortRange struct {
	First uint16
	Last  uint16
}

// Count returns the number of ports covered by the range.
func (r PortRange) Count() int { return int(r.Last) - int(r.First) + 1 }

// Contains reports whether port lies within the range.
func (r PortRange) Contains(port uint16) bool { return port >= r.First && port <= r.Last }

// WireGuardEndpointData is the per-relay WireGuard-specific metadata.
type WireGuardEndpointData struct {
	PublicKey string
	PortRanges []PortRange
	// Gateways are the in-tunnel IPs used as the WireGuard gateway (and for
	// connectivity-monitor ICMP pings) for IPv4 and IPv6 respectively.
	IPv4Gateway netip.Addr
	IPv6Gateway netip.Addr
}

// OpenVPNEndpointData is the per-relay OpenVPN-specific metadata.
type OpenVPNEndpointData struct {
	Ports []PortRange
}

// ShadowsocksEndpointData describes a bridge relay usable by the
// access-method rotator's Bridge resolution.
type ShadowsocksEndpointData struct {
	Port     uint16
	Cipher   string
	Password string
}

// RelayEndpointData groups all protocol-specific endpoint metadata a relay
// may carry. A relay can serve more than one protocol.
type RelayEndpointData struct {
	WireGuard  *WireGuardEndpointData
	OpenVPN    *OpenVPNEndpointData
	Shadowsocks *ShadowsocksEndpointData
}

// RelayLocation identifies a relay's geographic placement.
type RelayLocation struct {
	Country   string // ISO code, e.g. "se"
	City      string // city code, e.g. "got"
	Latitude  float64
	Longitude float64
}

// Relay describes a single server in the relay list.
type Relay struct {
	Hostname         string
	IPv4AddrIn       netip.Addr
	IPv6AddrIn       netip.Addr // invalid (zero) if relay has no v6 endpoint
	IncludeInCountry bool
	Active           bool
	Owned            Ownership
	Provider         string
	Weight           uint64
	EndpointData     RelayEndpointData
	Location         RelayLocation
}

// HasIPv6 reports whether the relay exposes an IPv6 entry endpoint.
func (r Relay) HasIPv6() bool { return r.IPv6AddrIn.IsValid() }

// City groups relays sharing one (country, city) pair.
type City struct {
	Name      string
	Code      string
	Latitude  float64
	Longitude float64
	Relays    []Relay
}

// Country groups cities under one ISO country code.
type Country struct {
	Name  string
	Code  string
	Cities []City
}

// RelayList is the cached set of all known relays. Invariants: relay
// weights are non-negative (guaranteed by the uint64 type); a relay appears
// in exactly one (country, city) — enforced by Validate.
type RelayList struct {
	Countries []Country
}

// AllRelays flattens the list into (relay, location) pairs with Location
// populated from the owning city/country.
func (rl RelayList) AllRelays() []Relay {
	var out []Relay
	for _, c := range rl.Countries {
		for _, city := range c.Cities {
			for _, r := range city.Relays {
				r.Location = RelayLocation{
					Country:   c.Code,
					City:      city.Code,
					Latitude:  city.Latitude,
					Longitude: city.Longitude,
				}
				out = append(out, r)
			}
		}
	}
	return out
}

// Validate checks the invariants the wire format and the selector rely on:
// non-negative weights (structural, always true for uint64) and each
// relay hostname appearing in exactly one (country, city) pair.
func (rl RelayList) Validate() error {
	seen := make(map[string]string, 64)
	for _, c := range rl.Countries {
		for _, city := range c.Cities {
			for _, r := range city.Relays {
				key := c.Code + "/" + city.Code
				if prev, ok := seen[r.Hostname]; ok && prev != key {
					return &DuplicateRelayError{Hostname: r.Hostname, First: prev, Second: key}
				}
				seen[r.Hostname] = key
			}
		}
	}
	return nil
}

// DuplicateRelayError reports a relay hostname appearing under two
// different (country, city) locations, violating the RelayList invariant.
type DuplicateRelayError struct {
	Hostname     string
	First, Second string
}

func (e *DuplicateRelayError) Error() string {
	return "relay " + e.Hostname + " appears in both " + e.First + " and " + e.Second
}

// Endpoint is a concrete dial target chosen by the relay selector: an IP,
// port, transport protocol and tunnel protocol.
type Endpoint struct {
	Address  netip.AddrPort
	Protocol TunnelProtocol
	Transport TransportProtocol
}
