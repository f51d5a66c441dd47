package relay

import (
	"math"
	"net/netip"
	"testing"

	"github.com/mullvad-core/daemon/internal/core"
)

func wgRelay(hostname string, weight uint64, country, city string) core.Relay {
	return core.Relay{
		Hostname:   hostname,
		IPv4AddrIn: netip.MustParseAddr("10.0.0.1"),
		Active:     true,
		Weight:     weight,
		EndpointData: core.RelayEndpointData{
			WireGuard: &core.WireGuardEndpointData{
				PublicKey:  "key-" + hostname,
				PortRanges: []core.PortRange{{First: 51820, Last: 51820}},
			},
		},
		Location: core.RelayLocation{Country: country, City: city},
	}
}

func listOf(relays ...core.Relay) core.RelayList {
	byCity := map[string][]core.Relay{}
	for _, r := range relays {
		key := r.Location.Country + "/" + r.Location.City
		byCity[key] = append(byCity[key], r)
	}
	countries := map[string]*core.Country{}
	var order []string
	for _, r := range relays {
		if _, ok := countries[r.Location.Country]; !ok {
			countries[r.Location.Country] = &core.Country{Code: r.Location.Country}
			order = append(order, r.Location.Country)
		}
	}
	for _, cc := range order {
		c := countries[cc]
		cityCodes := map[string]bool{}
		for _, r := range relays {
			if r.Location.Country != cc || cityCodes[r.Location.City] {
				continue
			}
			cityCodes[r.Location.City] = true
			c.Cities = append(c.Cities, core.City{Code: r.Location.City, Relays: byCity[cc+"/"+r.Location.City]})
		}
	}
	var rl core.RelayList
	for _, cc := range order {
		rl.Countries = append(rl.Countries, *countries[cc])
	}
	return rl
}

func newTestSelector(list core.RelayList) *Selector {
	c := &Cache{list: list}
	return NewSelector(c)
}

func TestGetTunnelEndpointSingleRelayDeterministic(t *testing.T) {
	list := listOf(wgRelay("se1", 100, "se", "got"))
	sel := newTestSelector(list)

	query := core.RelayQuery{Location: core.Only(core.RelayLocationFilter{Country: "se", City: "got"})}
	r, ep, err := sel.GetTunnelEndpoint(query, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Hostname != "se1" {
		t.Fatalf("expected se1, got %s", r.Hostname)
	}
	if ep.Protocol != core.ProtocolWireGuard {
		t.Fatalf("expected WireGuard endpoint, got %v", ep.Protocol)
	}
}

func TestGetTunnelEndpointEqualWeightFrequency(t *testing.T) {
	list := listOf(wgRelay("a", 50, "se", "got"), wgRelay("b", 50, "se", "got"))
	sel := newTestSelector(list)

	const n = 20000
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		r, _, err := sel.GetTunnelEndpoint(core.RelayQuery{}, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		counts[r.Hostname]++
	}

	p := 0.5
	sigma := math.Sqrt(float64(n) * p * (1 - p))
	want := float64(n) * p
	for _, host := range []string{"a", "b"} {
		got := float64(counts[host])
		if math.Abs(got-want) > 3*sigma {
			t.Fatalf("host %s frequency %v outside 3 sigma of %v (sigma=%v)", host, got, want, sigma)
		}
	}
}

func TestGetTunnelEndpointOpenVPNOnlyNeverReturnsWireGuard(t *testing.T) {
	wgOnly := wgRelay("wg1", 10, "se", "got")
	ovpnOnly := core.Relay{
		Hostname:   "ovpn1",
		IPv4AddrIn: netip.MustParseAddr("10.0.0.2"),
		Active:     true,
		Weight:     10,
		EndpointData: core.RelayEndpointData{
			OpenVPN: &core.OpenVPNEndpointData{Ports: []core.PortRange{{First: 1194, Last: 1194}}},
		},
		Location: core.RelayLocation{Country: "se", City: "got"},
	}
	list := listOf(wgOnly, ovpnOnly)
	sel := newTestSelector(list)

	query := core.RelayQuery{Protocol: core.Only(core.ProtocolOpenVPN)}
	for i := 0; i < 200; i++ {
		r, ep, err := sel.GetTunnelEndpoint(query, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if r.Hostname != "ovpn1" || ep.Protocol != core.ProtocolOpenVPN {
			t.Fatalf("OpenVPN-only query returned %s / %v", r.Hostname, ep.Protocol)
		}
	}
}

func TestGetTunnelEndpointNoMatchReturnsErrNoRelay(t *testing.T) {
	list := listOf(wgRelay("se1", 10, "se", "got"))
	sel := newTestSelector(list)

	query := core.RelayQuery{Location: core.Only(core.RelayLocationFilter{Country: "no"})}
	_, _, err := sel.GetTunnelEndpoint(query, 0)
	if err != ErrNoRelay {
		t.Fatalf("expected ErrNoRelay, got %v", err)
	}
}

func ssRelay(hostname string, cipher, password string, port uint16) core.Relay {
	return core.Relay{
		Hostname:   hostname,
		IPv4AddrIn: netip.MustParseAddr("10.0.0.3"),
		Active:     true,
		Weight:     10,
		EndpointData: core.RelayEndpointData{
			Shadowsocks: &core.ShadowsocksEndpointData{
				Port:     port,
				Cipher:   cipher,
				Password: password,
			},
		},
		Location: core.RelayLocation{Country: "se", City: "got"},
	}
}

func TestSelectBridgeResolvesShadowsocksCredentials(t *testing.T) {
	list := listOf(ssRelay("br1", "aes-256-gcm", "hunter2", 4444))
	sel := newTestSelector(list)

	mode, err := sel.SelectBridge()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mode.Setting.Kind != core.AccessBridge {
		t.Fatalf("expected AccessBridge, got %v", mode.Setting.Kind)
	}
	if mode.Setting.ShadowsocksCipher != "aes-256-gcm" || mode.Setting.ShadowsocksPassword != "hunter2" {
		t.Fatalf("bridge credentials not carried through: %+v", mode.Setting)
	}
	if mode.ProxyEndpoint.Port() != 4444 {
		t.Fatalf("expected relay's own Shadowsocks port 4444, got %d", mode.ProxyEndpoint.Port())
	}
}

func TestSelectBridgeIgnoresWireGuardOnlyRelays(t *testing.T) {
	list := listOf(wgRelay("wg1", 10, "se", "got"))
	sel := newTestSelector(list)

	if _, err := sel.SelectBridge(); err != ErrNoRelay {
		t.Fatalf("expected ErrNoRelay for a relay with no Shadowsocks data, got %v", err)
	}
}

func TestRetryPreferenceCyclesThroughTable(t *testing.T) {
	seen := map[int]bool{}
	for attempt := 0; attempt < len(retryPreferences)*2; attempt++ {
		idx := attempt % len(retryPreferences)
		if retryPreference(attempt) != retryPreferences[idx] {
			t.Fatalf("attempt %d: expected table entry %d", attempt, idx)
		}
		seen[idx] = true
	}
	if len(seen) != len(retryPreferences) {
		t.Fatalf("expected all %d table entries to be reachable", len(retryPreferences))
	}
}
