// Package statemachine implements the top-level tunnel state machine
// (spec §4.1): the controller that drives the connection through
// Disconnected -> Connecting -> Connected -> Disconnecting -> Error, with
// retry, failover, and fail-safe firewall behavior. It is the only
// component permitted to issue firewall and route commands (spec §5).
package statemachine

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/mullvad-core/daemon/internal/core"
	"github.com/mullvad-core/daemon/internal/wireguard"
)

// Firewall is the narrow capability set the state machine drives (spec
// §9: model as a small capability set, not a large interface).
type Firewall interface {
	AllowEndpoint(ep core.Endpoint, allowLAN bool) error
	BlockAll(allowLAN bool) error
	// Open lifts the firewall to an unrestricted policy: the Disconnected
	// state's resting configuration (spec §4.1's transition table, "lift
	// firewall"). Lockdown mode, which would skip this, is not modeled
	// by this daemon (see DESIGN.md).
	Open() error
}

// RouteManager adds/removes the routes the spec calls "required routes".
type RouteManager interface {
	AddRoutes(prefixes []string) error
	RemoveRoutes(prefixes []string) error
}

// DNSManager sets or restores the system resolver.
type DNSManager interface {
	SetResolvers(addrs []string) error
	Restore() error
}

// TunnelOpener starts a tunnel driver for a given config, returning the
// fully resolved config it actually applied (private key, addresses and
// other fields the caller fills in beyond what onConnect seeds). Returning
// an error here means the attempt failed before any interface came up.
type TunnelOpener func(ctx context.Context, cfg core.Config) (TunnelHandle, core.Config, error)

// TunnelHandle is the tunnel driver capability set the state machine
// drives: stop it on teardown, and read its stats to feed the
// connectivity monitor (spec §9's note on the Tunnel capability set).
type TunnelHandle = wireguard.Tunnel

// Selector picks a (relay, endpoint) pair for a retry attempt.
type Selector interface {
	GetTunnelEndpoint(query core.RelayQuery, attempt int) (core.Relay, core.Endpoint, error)
}

// Input is the union of events the state machine's run loop selects over
// (spec §4.1): Connect, Disconnect, Block, AllowLan, TunnelEvent and timer
// ticks are all represented as a tagged Input value sent on inputCh.
type Input struct {
	Kind InputKind

	BlockReason core.BlockReason // Block
	AllowLAN    bool             // AllowLan
	TunnelEvent TunnelEventKind  // TunnelEvent
}

type InputKind int

const (
	InputConnect InputKind = iota
	InputDisconnect
	InputBlock
	InputAllowLAN
	InputTunnelEvent
)

type TunnelEventKind int

const (
	TunnelEventInterfaceUp TunnelEventKind = iota
	TunnelEventUp
	TunnelEventAuthFailed
	TunnelEventDown
)

// Machine owns the single core.TunnelState and reacts to Input values sent
// on its channel (spec §5: single actor, FIFO command processing).
type Machine struct {
	mu    sync.Mutex
	state core.TunnelState

	allowLAN bool
	attempt  int
	backoff  *core.Backoff

	query    core.RelayQuery
	selector Selector
	openTunnel TunnelOpener
	firewall Firewall
	routes   RouteManager
	dns      DNSManager
	pinger   wireguard.Pinger
	bus      *core.EventBus

	tunnel  TunnelHandle
	config  core.Config
	gateway netip.Addr
	inputCh chan Input
}

// New creates a state machine in the Disconnected state. pinger may be nil,
// in which case the connectivity monitor relies solely on inbound traffic
// counters (see wireguard.Monitor).
func New(selector Selector, openTunnel TunnelOpener, firewall Firewall, routes RouteManager, dns DNSManager, pinger wireguard.Pinger, bus *core.EventBus) *Machine {
	return &Machine{
		state:      core.Disconnected(),
		selector:   selector,
		openTunnel: openTunnel,
		firewall:   firewall,
		routes:     routes,
		dns:        dns,
		pinger:     pinger,
		bus:        bus,
		backoff:    core.NewBackoff(),
		inputCh:    make(chan Input, 16),
	}
}

// State returns a snapshot of the current tunnel state.
func (m *Machine) State() core.TunnelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Send enqueues an input for processing by Run's loop.
func (m *Machine) Send(in Input) {
	m.inputCh <- in
}

// Connect requests a connection using query as the user's preferences.
func (m *Machine) Connect(query core.RelayQuery) {
	m.mu.Lock()
	m.query = query
	m.mu.Unlock()
	m.Send(Input{Kind: InputConnect})
}

// Run processes inputs in FIFO order until ctx is cancelled (spec §5:
// "within a single actor, commands are processed in FIFO order").
func (m *Machine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-m.inputCh:
			m.handle(ctx, in)
		}
	}
}

func (m *Machine) handle(ctx context.Context, in Input) {
	switch in.Kind {
	case InputConnect:
		m.onConnect(ctx)
	case InputDisconnect:
		m.onDisconnect()
	case InputBlock:
		m.onBlock(in.BlockReason)
	case InputAllowLAN:
		m.mu.Lock()
		m.allowLAN = in.AllowLAN
		m.mu.Unlock()
	case InputTunnelEvent:
		m.onTunnelEvent(ctx, in.TunnelEvent)
	}
}

func (m *Machine) setState(next core.TunnelState) {
	m.mu.Lock()
	old := m.state
	m.state = next
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(core.Event{Type: core.EventTunnelStateChanged, Payload: core.TunnelStatePayload{Old: old, New: next}})
	}
}

// onConnect implements the Disconnected -> Connecting transition: ask the
// selector for params and open the firewall for that endpoint only,
// strictly before the tunnel device is started (spec §5 ordering
// guarantee).
func (m *Machine) onConnect(ctx context.Context) {
	m.mu.Lock()
	query := m.query
	attempt := m.attempt
	allowLAN := m.allowLAN
	m.mu.Unlock()

	r, ep, err := m.selector.GetTunnelEndpoint(query, attempt)
	if err != nil {
		m.onBlock(core.BlockReasonNoRelay)
		return
	}

	if err := m.firewall.AllowEndpoint(ep, allowLAN); err != nil {
		m.onBlock(core.BlockReasonNoFirewall)
		return
	}

	m.setState(core.Connecting(ep, r.Location))

	cfg := core.Config{Peer: core.PeerConfig{Endpoint: ep.Address}}
	tunnel, cfg, err := m.openTunnel(ctx, cfg)
	if err != nil {
		m.scheduleRetry(ctx)
		return
	}

	var gateway netip.Addr
	if wg := r.EndpointData.WireGuard; wg != nil {
		gateway = wg.IPv4Gateway
		if !gateway.IsValid() {
			gateway = wg.IPv6Gateway
		}
	}

	m.mu.Lock()
	m.tunnel = tunnel
	m.config = cfg
	m.gateway = gateway
	m.mu.Unlock()

	if cfg.QuantumResistant {
		negotiated, err := wireguard.NegotiatePSK(ctx, cfg, gateway, attempt)
		if err != nil {
			core.Log.Warnf("statemachine", "psk negotiation failed: %v", err)
			m.onBlock(core.BlockReasonTunnelParameterError)
			return
		}
		if err := tunnel.SetConfig(negotiated); err != nil {
			core.Log.Warnf("statemachine", "apply negotiated psk failed: %v", err)
			m.onBlock(core.BlockReasonTunnelParameterError)
			return
		}
	}

	m.Send(Input{Kind: InputTunnelEvent, TunnelEvent: TunnelEventInterfaceUp})

	monitor := wireguard.NewMonitor(tunnel, gateway, m.pinger)
	go m.runConnectivity(ctx, monitor, attempt)
}

// runConnectivity drives the connectivity monitor for a just-opened
// tunnel: it waits for the attempt's establish budget (spec §4.4 and §5)
// to decide the Connecting -> Connected transition, then keeps the
// monitor running for the rest of the connection's life so a later
// traffic stall (tunnel declared dead) drives a reconnect.
func (m *Machine) runConnectivity(ctx context.Context, monitor *wireguard.Monitor, attempt int) {
	runDone := make(chan error, 1)
	go func() { runDone <- monitor.Run(ctx) }()

	if !wireguard.EstablishConnectivity(ctx, monitor, attempt) {
		m.Send(Input{Kind: InputTunnelEvent, TunnelEvent: TunnelEventDown})
		return
	}
	m.Send(Input{Kind: InputTunnelEvent, TunnelEvent: TunnelEventUp})

	if err := <-runDone; err != nil {
		m.Send(Input{Kind: InputTunnelEvent, TunnelEvent: TunnelEventDown})
	}
}

// preTunnelRoutes builds the routes added once the interface is up but
// before traffic is considered fully routed (spec §4.1 step 3): the
// gateway via the tunnel, plus every allowed-IP network that is not
// itself a default route.
func (m *Machine) preTunnelRoutes() []string {
	m.mu.Lock()
	gateway := m.gateway
	allowed := m.config.Peer.AllowedIPs
	m.mu.Unlock()

	var prefixes []string
	if gateway.IsValid() {
		bits := 32
		if gateway.Is6() {
			bits = 128
		}
		prefixes = append(prefixes, netip.PrefixFrom(gateway, bits).String())
	}
	for _, p := range allowed {
		if p.Bits() > 0 {
			prefixes = append(prefixes, p.String())
		}
	}
	return prefixes
}

// postTunnelRoutes builds the routes added once the tunnel is fully up
// (spec §4.1 step 6): the allowed-IP networks that are themselves
// default routes. Platforms without policy routing are responsible for
// materializing a default-route prefix as the two-half-prefix split
// themselves (see cmd/mullvad-daemon's windowsRoutes); Linux installs it
// as-is onto its own policy-routed table.
func (m *Machine) postTunnelRoutes() []string {
	m.mu.Lock()
	allowed := m.config.Peer.AllowedIPs
	m.mu.Unlock()

	var prefixes []string
	for _, p := range allowed {
		if p.Bits() == 0 {
			prefixes = append(prefixes, p.String())
		}
	}
	return prefixes
}

// scheduleRetry implements the Connecting -> Connecting(attempt+1)
// exponential-backoff transition.
func (m *Machine) scheduleRetry(ctx context.Context) {
	m.mu.Lock()
	m.attempt++
	m.mu.Unlock()

	delay := m.backoff.Next()
	core.Log.Infof("statemachine", "connection attempt failed, retrying in %s", delay)

	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(delay):
			m.Send(Input{Kind: InputConnect})
		}
	}()
}

// onTunnelEvent implements the InterfaceUp/Up/AuthFailed/Down transitions
// from the table in spec §4.1.
func (m *Machine) onTunnelEvent(ctx context.Context, ev TunnelEventKind) {
	switch ev {
	case TunnelEventInterfaceUp:
		m.mu.Lock()
		state := m.state
		m.mu.Unlock()
		if state.Tag != core.TunnelConnecting {
			return
		}
		if m.routes != nil {
			_ = m.routes.AddRoutes(m.preTunnelRoutes())
		}

	case TunnelEventUp:
		m.mu.Lock()
		state := m.state
		m.mu.Unlock()
		if state.Tag != core.TunnelConnecting {
			return
		}
		if m.routes != nil {
			_ = m.routes.AddRoutes(m.postTunnelRoutes())
		}
		if m.dns != nil {
			_ = m.dns.SetResolvers(nil)
		}
		m.backoff.Reset()
		m.mu.Lock()
		m.attempt = 0
		m.mu.Unlock()
		m.setState(core.Connected(state.Endpoint, state.Location, core.TunnelMetadata{}))

	case TunnelEventAuthFailed:
		m.onBlock(core.BlockReasonAuthFailed)
		go func() {
			select {
			case <-ctx.Done():
			case <-time.After(60 * time.Second):
				m.Send(Input{Kind: InputConnect})
			}
		}()

	case TunnelEventDown:
		m.mu.Lock()
		tunnel := m.tunnel
		m.tunnel = nil
		m.mu.Unlock()
		if tunnel != nil {
			_ = tunnel.Stop()
		}
		m.scheduleRetry(ctx)
	}
}

// onDisconnect implements Connected -> Disconnecting(Nothing) and
// Error -> Disconnected.
func (m *Machine) onDisconnect() {
	m.mu.Lock()
	state := m.state
	tunnel := m.tunnel
	m.tunnel = nil
	m.mu.Unlock()

	if state.Tag == core.TunnelError {
		if err := m.firewall.Open(); err != nil {
			core.Log.Warnf("statemachine", "lift firewall on disconnect: %v", err)
		}
		m.setState(core.Disconnected())
		return
	}

	m.setState(core.Disconnecting(core.AfterDisconnectNothing))

	if m.dns != nil {
		_ = m.dns.Restore()
	}
	if m.routes != nil {
		_ = m.routes.RemoveRoutes(nil)
	}
	if tunnel != nil {
		_ = tunnel.Stop()
	}
	if err := m.firewall.Open(); err != nil {
		core.Log.Warnf("statemachine", "lift firewall on disconnect: %v", err)
	}

	m.setState(core.Disconnected())
}

// onBlock implements "Any -> Error(reason)", applying the fail-safe
// firewall regardless of the state the machine was in (spec §4.1 fail-safe
// rule, §7 "Any unrecoverable error ... moves to Error{reason} with the
// firewall in fail-closed configuration").
func (m *Machine) onBlock(reason core.BlockReason) {
	m.mu.Lock()
	allowLAN := m.allowLAN
	tunnel := m.tunnel
	m.tunnel = nil
	m.mu.Unlock()

	if tunnel != nil {
		_ = tunnel.Stop()
	}
	_ = m.firewall.BlockAll(allowLAN)
	m.setState(core.ErrorState(reason))
}
