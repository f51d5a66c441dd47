package statemachine

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/mullvad-core/daemon/internal/core"
	"github.com/mullvad-core/daemon/internal/wireguard"
)

type fakeFirewall struct {
	blocked  bool
	opened   bool
	allowed  core.Endpoint
	allowLAN bool
}

func (f *fakeFirewall) AllowEndpoint(ep core.Endpoint, allowLAN bool) error {
	f.blocked = false
	f.opened = false
	f.allowed = ep
	f.allowLAN = allowLAN
	return nil
}

func (f *fakeFirewall) BlockAll(allowLAN bool) error {
	f.blocked = true
	f.opened = false
	f.allowLAN = allowLAN
	return nil
}

func (f *fakeFirewall) Open() error {
	f.blocked = false
	f.opened = true
	return nil
}

type fakeSelector struct {
	relay core.Relay
	ep    core.Endpoint
	err   error
}

func (s fakeSelector) GetTunnelEndpoint(query core.RelayQuery, attempt int) (core.Relay, core.Endpoint, error) {
	return s.relay, s.ep, s.err
}

type noopTunnel struct{}

func (noopTunnel) Stop() error                             { return nil }
func (noopTunnel) GetInterfaceName() string                { return "noop" }
func (noopTunnel) GetStats() ([]wireguard.PeerStats, error) { return nil, nil }
func (noopTunnel) SetConfig(cfg core.Config) error          { return nil }

func alwaysFailOpen(ctx context.Context, cfg core.Config) (TunnelHandle, core.Config, error) {
	return nil, cfg, errors.New("dial failed")
}

func alwaysSucceedOpen(ctx context.Context, cfg core.Config) (TunnelHandle, core.Config, error) {
	return noopTunnel{}, cfg, nil
}

func testEndpoint() core.Endpoint {
	return core.Endpoint{Address: netip.MustParseAddrPort("185.213.154.68:51820"), Protocol: core.ProtocolWireGuard}
}

func TestBlockAppliesFailSafeFirewallFromAnyState(t *testing.T) {
	fw := &fakeFirewall{}
	sel := fakeSelector{ep: testEndpoint()}
	m := New(sel, alwaysSucceedOpen, fw, nil, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.Connect(core.RelayQuery{})
	waitFor(t, func() bool { return m.State().Tag != core.TunnelDisconnected })

	m.Send(Input{Kind: InputBlock, BlockReason: core.BlockReasonInternal})
	waitFor(t, func() bool { return m.State().Tag == core.TunnelError })

	if !fw.blocked {
		t.Fatal("expected firewall to be in blocked configuration after Block")
	}
	if m.State().RequiresFirewall() == false {
		t.Fatal("Error state must require a firewall")
	}
}

func TestNoRelayTransitionsToErrorWithFailSafeFirewall(t *testing.T) {
	fw := &fakeFirewall{}
	sel := fakeSelector{err: errors.New("no match")}
	m := New(sel, alwaysSucceedOpen, fw, nil, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.Connect(core.RelayQuery{})
	waitFor(t, func() bool { return m.State().Tag == core.TunnelError })

	if m.State().Reason != core.BlockReasonNoRelay {
		t.Fatalf("expected BlockReasonNoRelay, got %v", m.State().Reason)
	}
	if !fw.blocked {
		t.Fatal("expected fail-safe firewall on no-relay error")
	}
}

func TestDisconnectedStateNeverRequiresFirewall(t *testing.T) {
	if core.Disconnected().RequiresFirewall() {
		t.Fatal("Disconnected must not require a firewall")
	}
}

func TestDisconnectFromErrorLiftsFirewall(t *testing.T) {
	fw := &fakeFirewall{}
	sel := fakeSelector{err: errors.New("no match")}
	m := New(sel, alwaysSucceedOpen, fw, nil, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.Connect(core.RelayQuery{})
	waitFor(t, func() bool { return m.State().Tag == core.TunnelError })
	if !fw.blocked {
		t.Fatal("expected fail-safe firewall while in Error")
	}

	m.Send(Input{Kind: InputDisconnect})
	waitFor(t, func() bool { return m.State().Tag == core.TunnelDisconnected })

	if !fw.opened {
		t.Fatal("expected firewall to be lifted on Error -> Disconnected")
	}
	if fw.blocked {
		t.Fatal("firewall must not still be in fail-closed configuration once disconnected")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
