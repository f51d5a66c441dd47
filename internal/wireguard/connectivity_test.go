package wireguard

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/mullvad-core/daemon/internal/core"
)

// fakeTunnel lets tests drive rx/tx counters directly without a real device.
type fakeTunnel struct {
	rx, tx uint64
}

func (f *fakeTunnel) GetInterfaceName() string             { return "wg-test" }
func (f *fakeTunnel) Stop() error                          { return nil }
func (f *fakeTunnel) SetConfig(cfg core.Config) error       { return nil }
func (f *fakeTunnel) GetStats() ([]PeerStats, error) {
	return []PeerStats{{PublicKey: "peer", RxBytes: f.rx, TxBytes: f.tx}}, nil
}

func newMonitorForTest(f *fakeTunnel) *Monitor {
	gw := netip.MustParseAddr("10.64.0.1")
	return &Monitor{tunnel: f, gateway: gw, state: stateConnecting, lastTick: time.Now()}
}

func TestMonitorStaysConnectedWhileCountersIncrement(t *testing.T) {
	f := &fakeTunnel{}
	m := newMonitorForTest(f)
	now := time.Now()

	for i := 0; i < 500; i++ {
		now = now.Add(tickInterval)
		f.rx += 100
		f.tx += 100
		dead, err := m.tick(context.Background(), now)
		if err != nil {
			t.Fatalf("tick error: %v", err)
		}
		if dead {
			t.Fatalf("monitor declared dead at tick %d despite incrementing counters", i)
		}
	}
	if !m.Connected() {
		t.Fatal("expected monitor to be Connected")
	}
}

func TestMonitorDeclaresDeadAfterStall(t *testing.T) {
	f := &fakeTunnel{}
	m := newMonitorForTest(f)
	now := time.Now()

	// Establish connected state first.
	now = now.Add(tickInterval)
	f.rx += 100
	f.tx += 100
	if dead, err := m.tick(context.Background(), now); err != nil || dead {
		t.Fatalf("unexpected dead/err on warmup tick: %v %v", dead, err)
	}

	// tx keeps moving, rx stalls. Expect the tunnel to be declared dead
	// within BytesRxTimeout + PingTimeout + a couple of ticks of slack.
	ticks := int((BytesRxTimeout+PingTimeout)/tickInterval) + 2
	var declaredDead bool
	for i := 0; i < ticks; i++ {
		now = now.Add(tickInterval)
		f.tx += 100
		dead, err := m.tick(context.Background(), now)
		if err != nil {
			t.Fatalf("tick error: %v", err)
		}
		if dead {
			declaredDead = true
			break
		}
	}
	if !declaredDead {
		t.Fatalf("expected monitor to declare tunnel dead within %d ticks", ticks)
	}
}

func TestEstablishBudgetGrowsAndCaps(t *testing.T) {
	if got := EstablishBudget(0); got != establishInitial {
		t.Fatalf("attempt 0 budget = %v, want %v", got, establishInitial)
	}
	if got := EstablishBudget(10); got != establishMaxBudget {
		t.Fatalf("attempt 10 budget = %v, want capped %v", got, establishMaxBudget)
	}
}
