// Package relay implements the random weighted relay selector: it picks a
// concrete (relay, endpoint) pair from a cached RelayList under a
// RelayQuery, honoring an attempt-indexed retry preference table.
package relay

import (
	"errors"
	"math/rand"
	"net/netip"

	"github.com/mullvad-core/daemon/internal/core"
)

// ErrNoRelay is returned when no relay in the list satisfies the query.
var ErrNoRelay = errors.New("no relay matching constraints")

// retryPreferences is the attempt-indexed override table from spec §4.1:
// no override, WireGuard on port 53, WireGuard on port 443, then OpenVPN,
// selected by attempt mod len.
var retryPreferences = []core.RelayQuery{
	{}, // attempt 0: no override, use the user query as-is
	{Protocol: core.Only(core.ProtocolWireGuard), WireGuardPort: core.Only[uint16](53)},
	{Protocol: core.Only(core.ProtocolWireGuard), WireGuardPort: core.Only[uint16](443)},
	{Protocol: core.Only(core.ProtocolOpenVPN)},
}

// retryPreference returns the override query for the given 0-indexed retry
// attempt, cycling through retryPreferences.
func retryPreference(attempt int) core.RelayQuery {
	return retryPreferences[attempt%len(retryPreferences)]
}

// Selector picks relay endpoints against a shared, periodically refreshed
// RelayList. Safe for concurrent use: the list is protected by the cache's
// own synchronization (see cache.go); GetTunnelEndpoint only reads a
// snapshot.
type Selector struct {
	cache *Cache
	rng   *rand.Rand
}

// NewSelector creates a selector reading from cache, with its own random
// source seeded from the global one.
func NewSelector(cache *Cache) *Selector {
	return &Selector{cache: cache, rng: rand.New(rand.NewSource(rand.Int63()))}
}

// GetTunnelEndpoint implements the spec §4.2 algorithm: try the
// attempt-indexed preference intersected with query first, falling back to
// query alone if the intersection is empty or nothing matches.
func (s *Selector) GetTunnelEndpoint(query core.RelayQuery, attempt int) (core.Relay, core.Endpoint, error) {
	list := s.cache.Snapshot()

	if preferred, ok := retryPreference(attempt).Intersect(query); ok {
		if r, ep, err := s.pick(list, preferred); err == nil {
			return r, ep, nil
		}
	}
	return s.pick(list, query)
}

// pick filters, then weighted-random-selects a relay, then picks a
// concrete endpoint from it.
func (s *Selector) pick(list core.RelayList, query core.RelayQuery) (core.Relay, core.Endpoint, error) {
	candidates := filterRelays(list, query)
	if len(candidates) == 0 {
		return core.Relay{}, core.Endpoint{}, ErrNoRelay
	}

	r := s.weightedPick(candidates)
	ep, ok := s.pickEndpoint(r, query)
	if !ok {
		return core.Relay{}, core.Endpoint{}, ErrNoRelay
	}
	return r, ep, nil
}

// filterRelays applies steps 3(a)-(e) of the spec algorithm: active,
// location, provider, ownership, and possession of a matching endpoint.
func filterRelays(list core.RelayList, query core.RelayQuery) []core.Relay {
	var out []core.Relay
	for _, r := range list.AllRelays() {
		if !r.Active {
			continue
		}
		if !query.Matches(r, r.Location) {
			continue
		}
		if !hasMatchingEndpoint(r, query) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// hasMatchingEndpoint reports whether r has at least one endpoint
// satisfying the query's protocol/port sub-constraint.
func hasMatchingEndpoint(r core.Relay, query core.RelayQuery) bool {
	proto, hasProto := query.Protocol.Value()

	if !hasProto || proto == core.ProtocolWireGuard {
		if wg := r.EndpointData.WireGuard; wg != nil {
			if port, ok := query.WireGuardPort.Value(); !ok || portInRanges(wg.PortRanges, port) {
				return true
			}
		}
	}
	if !hasProto || proto == core.ProtocolOpenVPN {
		if r.EndpointData.OpenVPN != nil {
			return true
		}
	}
	return false
}

func portInRanges(ranges []core.PortRange, port uint16) bool {
	for _, rg := range ranges {
		if rg.Contains(port) {
			return true
		}
	}
	return false
}

// weightedPick draws i ∈ [0, Σweights) and walks candidates subtracting
// weights until i falls within the current relay's span (step 4).
func (s *Selector) weightedPick(candidates []core.Relay) core.Relay {
	var total uint64
	for _, r := range candidates {
		total += relayWeight(r)
	}
	if total == 0 {
		return candidates[s.rng.Intn(len(candidates))]
	}

	i := s.rng.Int63n(int64(total))
	for _, r := range candidates {
		w := int64(relayWeight(r))
		if i < w {
			return r
		}
		i -= w
	}
	return candidates[len(candidates)-1]
}

// relayWeight treats a zero weight as 1 so relays with unset weight still
// have a chance of being picked rather than being structurally excluded.
func relayWeight(r core.Relay) uint64 {
	if r.Weight == 0 {
		return 1
	}
	return r.Weight
}

// SelectBridge implements accessmethod.BridgeSelector: picks an active
// relay carrying Shadowsocks bridge data at random and resolves it to a
// dial-ready Shadowsocks endpoint, per spec §4.5 ("ask the relay selector
// for a bridge and wrap it as Shadowsocks").
func (s *Selector) SelectBridge() (core.ResolvedConnectionMode, error) {
	list := s.cache.Snapshot()
	var candidates []core.Relay
	for _, r := range list.AllRelays() {
		if r.Active && r.EndpointData.Shadowsocks != nil {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return core.ResolvedConnectionMode{}, ErrNoRelay
	}
	r := s.weightedPick(candidates)
	ss := r.EndpointData.Shadowsocks

	return core.ResolvedConnectionMode{
		Setting: core.AccessMethodSetting{
			ID:                  "bridge",
			Kind:                core.AccessBridge,
			ShadowsocksCipher:   ss.Cipher,
			ShadowsocksPassword: ss.Password,
		},
		ProxyEndpoint: netip.AddrPortFrom(r.IPv4AddrIn, ss.Port),
	}, nil
}

// pickEndpoint implements step 5: choose a concrete endpoint on relay r
// satisfying query's protocol/port sub-constraint. For WireGuard with an
// Any port constraint, ports are chosen uniformly across the union of all
// port ranges, not uniformly per-range.
func (s *Selector) pickEndpoint(r core.Relay, query core.RelayQuery) (core.Endpoint, bool) {
	proto, hasProto := query.Protocol.Value()

	wantWireGuard := !hasProto || proto == core.ProtocolWireGuard
	if wantWireGuard && r.EndpointData.WireGuard != nil {
		if ep, ok := s.pickWireGuardEndpoint(r, query); ok {
			return ep, true
		}
	}
	wantOpenVPN := !hasProto || proto == core.ProtocolOpenVPN
	if wantOpenVPN && r.EndpointData.OpenVPN != nil {
		if ep, ok := s.pickOpenVPNEndpoint(r, query); ok {
			return ep, true
		}
	}
	return core.Endpoint{}, false
}

func (s *Selector) pickWireGuardEndpoint(r core.Relay, query core.RelayQuery) (core.Endpoint, bool) {
	wg := r.EndpointData.WireGuard

	if port, ok := query.WireGuardPort.Value(); ok {
		if !portInRanges(wg.PortRanges, port) {
			return core.Endpoint{}, false
		}
		return core.Endpoint{
			Address:   netip.AddrPortFrom(r.IPv4AddrIn, port),
			Protocol:  core.ProtocolWireGuard,
			Transport: core.TransportUDP,
		}, true
	}

	total := 0
	for _, rg := range wg.PortRanges {
		total += rg.Count()
	}
	if total == 0 {
		return core.Endpoint{}, false
	}
	i := s.rng.Intn(total)
	for _, rg := range wg.PortRanges {
		if i < rg.Count() {
			port := rg.First + uint16(i)
			return core.Endpoint{
				Address:   netip.AddrPortFrom(r.IPv4AddrIn, port),
				Protocol:  core.ProtocolWireGuard,
				Transport: core.TransportUDP,
			}, true
		}
		i -= rg.Count()
	}
	return core.Endpoint{}, false
}

func (s *Selector) pickOpenVPNEndpoint(r core.Relay, query core.RelayQuery) (core.Endpoint, bool) {
	ovpn := r.EndpointData.OpenVPN
	if len(ovpn.Ports) == 0 {
		return core.Endpoint{}, false
	}
	rg := ovpn.Ports[s.rng.Intn(len(ovpn.Ports))]
	port := rg.First
	if rg.Count() > 1 {
		port = rg.First + uint16(s.rng.Intn(rg.Count()))
	}
	return core.Endpoint{
		Address:   netip.AddrPortFrom(r.IPv4AddrIn, port),
		Protocol:  core.ProtocolOpenVPN,
		Transport: core.TransportUDP,
	}, true
}
