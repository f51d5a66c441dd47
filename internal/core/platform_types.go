package core

import "net/netip"

// RouteRecord describes one row added via CreateIpForwardEntry2 and later
// removed via DeleteIpForwardEntry2. internal/routing/windows tracks its
// installed routes with its own RouteRecord type, not this one.
type RouteRecord struct {
	Destination netip.Prefix
	Gateway     netip.Addr
	InterfaceLUID uint64
	Metric      uint32
}

// PktapPacket is a single captured frame from the macOS pktap BPF device,
// carrying the extra per-packet metadata (interface, direction, owning
// process) pktap prepends ahead of the raw link-layer bytes.
type PktapPacket struct {
	InterfaceName string
	// Outbound is true when the packet is leaving the process (captured on
	// the loopback/utun direction the split tunnel redirects).
	Outbound bool
	PID      int32
	Payload  []byte
}
