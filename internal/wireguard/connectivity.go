package wireguard

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/mullvad-core/daemon/internal/core"
)

// Timing constants from spec §4.4.
const (
	BytesRxTimeout  = 5 * time.Second
	TrafficTimeout  = 120 * time.Second
	SecondsPerPing  = 3 * time.Second
	PingTimeout     = 15 * time.Second
	tickInterval    = 1 * time.Second
	establishInitial  = 4 * time.Second
	establishMult     = 2.0
	establishMaxBudget = 15 * time.Second
)

// Pinger sends one ICMP echo to the tunnel gateway. Implemented by the
// platform ICMP sender; kept as an interface so the monitor is testable
// without real sockets.
type Pinger interface {
	Ping(ctx context.Context, gateway netip.Addr) error
}

// monitorState is the monitor's state tag (spec §4.4): connecting,
// pinging, or connected. The fields each state uses live on Monitor.
type monitorState int

const (
	stateConnecting monitorState = iota
	statePinging
	stateConnected
)

// Monitor is the per-tunnel ICMP + traffic-counter liveness probe (spec
// §4.4). It is biased toward observing inbound traffic, since every
// legitimate outbound packet should eventually produce a response.
type Monitor struct {
	tunnel  Tunnel
	gateway netip.Addr
	pinger  Pinger

	mu          sync.Mutex
	state       monitorState
	lastRx      uint64
	lastTx      uint64
	lastRxTs    time.Time
	lastTxTs    time.Time
	lastTick    time.Time
	firstPingAt time.Time
}

// NewMonitor creates a connectivity monitor for tunnel, pinging gateway
// when inbound traffic stalls.
func NewMonitor(tunnel Tunnel, gateway netip.Addr, pinger Pinger) *Monitor {
	now := time.Now()
	return &Monitor{
		tunnel:   tunnel,
		gateway:  gateway,
		pinger:   pinger,
		state:    stateConnecting,
		lastTick: now,
	}
}

// Connected reports whether the monitor currently believes the tunnel is
// passing traffic.
func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateConnected
}

// Run drives the tick loop until ctx is cancelled or the tunnel is
// declared dead, in which case it returns a transient error so the caller
// (the state machine) can trigger a reconnect.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			dead, err := m.tick(ctx, now)
			if err != nil {
				return err
			}
			if dead {
				return core.Transient("wireguard.connectivity", errTunnelDead)
			}
		}
	}
}

var errTunnelDead = tunnelDeadError{}

type tunnelDeadError struct{}

func (tunnelDeadError) Error() string { return "tunnel declared dead: no inbound traffic within ping deadline" }

// tick implements one iteration of spec §4.4 steps 1-4.
func (m *Monitor) tick(ctx context.Context, now time.Time) (dead bool, err error) {
	m.mu.Lock()
	// Step 4: a suspended host (e.g. laptop sleep) must not be mistaken
	// for connectivity loss — if the gap since the last tick exceeds twice
	// the expected interval, reset timestamps instead of evaluating them.
	if !m.lastTick.IsZero() && now.Sub(m.lastTick) > 2*tickInterval {
		m.lastRxTs = now
		m.lastTxTs = now
		m.firstPingAt = time.Time{}
		m.state = stateConnected
		m.lastTick = now
		m.mu.Unlock()
		return false, nil
	}
	m.lastTick = now
	m.mu.Unlock()

	stats, statErr := m.tunnel.GetStats()
	if statErr != nil {
		return false, statErr
	}
	var rx, tx uint64
	for _, s := range stats {
		rx += s.RxBytes
		tx += s.TxBytes
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rxIncreased := rx > m.lastRx
	txIncreased := tx > m.lastTx
	m.lastRx, m.lastTx = rx, tx

	// Step 1: any inbound traffic means we're connected.
	if rxIncreased {
		m.state = stateConnected
		m.lastRxTs = now
		m.firstPingAt = time.Time{}
	}
	if txIncreased {
		m.lastTxTs = now
	}

	if m.state == stateConnected {
		// Step 2: start pinging if tx moved but rx stalled for
		// BytesRxTimeout, or neither moved for TrafficTimeout.
		rxStalled := now.Sub(m.lastRxTs) >= BytesRxTimeout
		bothStalled := now.Sub(m.lastRxTs) >= TrafficTimeout && now.Sub(m.lastTxTs) >= TrafficTimeout
		if rxStalled || bothStalled {
			m.state = statePinging
			m.firstPingAt = now
		}
	}

	if m.state == statePinging {
		if m.firstPingAt.IsZero() {
			m.firstPingAt = now
		}
		// Step 3: declare dead once PingTimeout elapses from the first ping
		// with still no inbound traffic.
		if now.Sub(m.firstPingAt) >= PingTimeout {
			return true, nil
		}
		if m.pinger != nil {
			_ = m.pinger.Ping(ctx, m.gateway)
		}
	}

	return false, nil
}

// EstablishBudget returns the per-attempt timeout for establish_connectivity
// (spec §4.4 and §5): min(15s, 4s * 2^attempt).
func EstablishBudget(attempt int) time.Duration {
	budget := establishInitial
	for i := 0; i < attempt; i++ {
		budget *= time.Duration(establishMult)
		if budget >= establishMaxBudget {
			return establishMaxBudget
		}
	}
	if budget > establishMaxBudget {
		return establishMaxBudget
	}
	return budget
}

// EstablishConnectivity blocks until the monitor reports Connected or the
// per-attempt budget elapses, returning true iff connectivity was
// established within budget.
func EstablishConnectivity(ctx context.Context, m *Monitor, attempt int) bool {
	budget := EstablishBudget(attempt)
	deadline := time.Now().Add(budget)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if m.Connected() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
