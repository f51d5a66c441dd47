package core

import "net/netip"

// TunnelStateTag identifies which variant of TunnelState is active.
type TunnelStateTag int

const (
	TunnelDisconnected TunnelStateTag = iota
	TunnelConnecting
	TunnelConnected
	TunnelDisconnecting
	TunnelError
)

func (t TunnelStateTag) String() string {
	switch t {
	case TunnelDisconnected:
		return "disconnected"
	case TunnelConnecting:
		return "connecting"
	case TunnelConnected:
		return "connected"
	case TunnelDisconnecting:
		return "disconnecting"
	case TunnelError:
		return "error"
	default:
		return "unknown"
	}
}

// BlockReason explains why the tunnel entered the Error state.
type BlockReason int

const (
	BlockReasonNone BlockReason = iota
	BlockReasonAuthFailed
	BlockReasonNoRelay
	BlockReasonNoFirewall
	BlockReasonTunnelParameterError
	BlockReasonNeedFullDiskPermissions
	BlockReasonInternal
)

func (r BlockReason) String() string {
	switch r {
	case BlockReasonAuthFailed:
		return "auth_failed"
	case BlockReasonNoRelay:
		return "no_matching_relay"
	case BlockReasonNoFirewall:
		return "set_firewall_policy_error"
	case BlockReasonTunnelParameterError:
		return "tunnel_parameter_error"
	case BlockReasonNeedFullDiskPermissions:
		return "need_full_disk_permissions"
	case BlockReasonInternal:
		return "internal"
	default:
		return "none"
	}
}

// DisconnectAction says what to do once Disconnecting finishes tearing down.
type DisconnectAction int

const (
	AfterDisconnectNothing DisconnectAction = iota
	AfterDisconnectReconnect
	AfterDisconnectBlock
)

// TunnelMetadata describes the tunnel interface once it is up.
type TunnelMetadata struct {
	InterfaceName string
	IPv4          netip.Addr
	IPv6          netip.Addr
	AllowedTraffic AllowedTraffic
}

// AllowedTraffic narrows the firewall's opening while a tunnel is only
// half-established (e.g. during PSK negotiation, only the config-service
// endpoint is reachable).
type AllowedTraffic struct {
	All      bool
	Endpoint Endpoint // valid iff !All
}

// TunnelState is the tagged variant the daemon's tunnel state machine owns.
// Exactly one of its fields is meaningful, selected by Tag — a sum type
// expressed the idiomatic Go way (tag + fields) rather than as one giant
// optional-field struct read ad-hoc.
type TunnelState struct {
	Tag TunnelStateTag

	// Connecting / Connected
	Endpoint Endpoint
	Location RelayLocation
	Metadata TunnelMetadata

	// Disconnecting
	AfterDisconnect DisconnectAction

	// Error
	Reason BlockReason
}

func Disconnected() TunnelState { return TunnelState{Tag: TunnelDisconnected} }

func Connecting(ep Endpoint, loc RelayLocation) TunnelState {
	return TunnelState{Tag: TunnelConnecting, Endpoint: ep, Location: loc}
}

func Connected(ep Endpoint, loc RelayLocation, md TunnelMetadata) TunnelState {
	return TunnelState{Tag: TunnelConnected, Endpoint: ep, Location: loc, Metadata: md}
}

func Disconnecting(after DisconnectAction) TunnelState {
	return TunnelState{Tag: TunnelDisconnecting, AfterDisconnect: after}
}

func ErrorState(reason BlockReason) TunnelState {
	return TunnelState{Tag: TunnelError, Reason: reason}
}

// RequiresFirewall reports whether the state requires a non-empty firewall
// policy (the fail-safe rule: every state but Disconnected must have the
// firewall closed except for a narrow allow-list).
func (s TunnelState) RequiresFirewall() bool {
	return s.Tag != TunnelDisconnected
}
