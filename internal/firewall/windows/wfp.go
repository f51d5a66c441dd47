//go:build windows

// Package windows implements the Windows fail-safe firewall (spec §4.1,
// §8) with a dynamic WFP session, the same provider/sublayer/dynamic-
// session shape as the split-tunnel InterfaceBlocker in
// internal/splittunnel/windows, scoped to a different sublayer GUID so
// the two rule sets coexist independently.
package windows

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	"github.com/tailscale/wf"
	"golang.org/x/sys/windows"

	"github.com/mullvad-core/daemon/internal/core"
)

var (
	providerID = wf.ProviderID{
		Data1: 0x6d756c6c,
		Data2: 0x7661,
		Data3: 0x6631,
		Data4: [8]byte{0x66, 0x69, 0x72, 0x65, 0x77, 0x61, 0x6c, 0x6c},
	}
	sublayerID = wf.SublayerID{
		Data1: 0x6d756c6c,
		Data2: 0x7661,
		Data3: 0x6632,
		Data4: [8]byte{0x66, 0x69, 0x72, 0x65, 0x77, 0x61, 0x6c, 0x6c},
	}
)

// Engine implements statemachine.Firewall and dnsfilter.FirewallAllower
// on Windows. Every permit rule is tied to a dynamic session, so a crash
// leaves no orphaned filters and the OS returns to its own default-deny
// WFP base layers — never an open state (spec §4.1's fail-safe rule).
type Engine struct {
	session *wf.Session
	tunLUID uint64

	mu      sync.Mutex
	ruleIDs []wf.RuleID
	nextSeq uint32
}

// NewEngine opens a dynamic WFP session scoped to tunLUID.
func NewEngine(tunLUID uint64) (*Engine, error) {
	sess, err := wf.New(&wf.Options{
		Name:        "Mullvad firewall",
		Description: "Fail-safe firewall for the VPN tunnel lifecycle",
		Dynamic:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("open WFP session: %w", err)
	}

	if err := sess.AddProvider(&wf.Provider{
		ID:          providerID,
		Name:        "Mullvad firewall",
		Description: "Mullvad firewall WFP provider",
	}); err != nil {
		sess.Close()
		return nil, fmt.Errorf("add WFP provider: %w", err)
	}
	if err := sess.AddSublayer(&wf.Sublayer{
		ID:       sublayerID,
		Name:     "Mullvad firewall rules",
		Provider: providerID,
		Weight:   0x0F,
	}); err != nil {
		sess.Close()
		return nil, fmt.Errorf("add WFP sublayer: %w", err)
	}

	e := &Engine{session: sess, tunLUID: tunLUID}
	if err := e.blockAllLocked(false); err != nil {
		sess.Close()
		return nil, err
	}
	return e, nil
}

// AllowEndpoint narrows the firewall to permit only ep, the tunnel
// interface, loopback and (if allowLAN) private address ranges.
func (e *Engine) AllowEndpoint(ep core.Endpoint, allowLAN bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearLocked()

	if err := e.permitLoopback(); err != nil {
		return err
	}
	if err := e.permitInterface(e.tunLUID); err != nil {
		return err
	}
	if err := e.permitEndpoint(ep.Address); err != nil {
		return err
	}
	if allowLAN {
		if err := e.permitLAN(); err != nil {
			return err
		}
	}
	return e.permitDHCP()
}

// BlockAll applies the fail-safe closed configuration.
func (e *Engine) BlockAll(allowLAN bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.blockAllLocked(allowLAN)
}

func (e *Engine) blockAllLocked(allowLAN bool) error {
	e.clearLocked()
	if err := e.permitLoopback(); err != nil {
		return err
	}
	if allowLAN {
		if err := e.permitLAN(); err != nil {
			return err
		}
	}
	return e.permitDHCP()
}

// Open lifts the firewall to an unrestricted policy: every daemon-
// installed permit rule is torn down, leaving the WFP sublayer with no
// filters of ours to evaluate (spec §4.1's transition table, "lift
// firewall") — the Disconnected state's resting configuration.
func (e *Engine) Open() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearLocked()
	return nil
}

// AddAllowedIps implements dnsfilter.FirewallAllower.
func (e *Engine) AddAllowedIps(ctx context.Context, ips []netip.Addr) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ip := range ips {
		if err := e.addRule(wf.LayerALEAuthConnectV4, []*wf.Match{
			{Field: wf.FieldIPRemoteAddress, Op: wf.MatchTypeEqual, Value: ip},
		}); err != nil {
			return err
		}
	}
	return nil
}

// ApplyAccessMethod implements accessmethod.FirewallACKer.
func (e *Engine) ApplyAccessMethod(mode core.ResolvedConnectionMode) error {
	if !mode.ProxyEndpoint.IsValid() {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.permitEndpoint(mode.ProxyEndpoint)
}

func (e *Engine) permitLoopback() error {
	return e.addRule(wf.LayerALEAuthConnectV4, []*wf.Match{
		{Field: wf.FieldFlags, Op: wf.MatchTypeFlagsAllSet, Value: wf.ConditionFlagIsLoopback},
	})
}

func (e *Engine) permitInterface(luid uint64) error {
	return e.addRule(wf.LayerALEAuthConnectV4, []*wf.Match{
		{Field: wf.FieldIPLocalInterface, Op: wf.MatchTypeEqual, Value: luid},
	})
}

func (e *Engine) permitEndpoint(addr netip.AddrPort) error {
	return e.addRule(wf.LayerALEAuthConnectV4, []*wf.Match{
		{Field: wf.FieldIPRemoteAddress, Op: wf.MatchTypeEqual, Value: addr.Addr()},
		{Field: wf.FieldIPRemotePort, Op: wf.MatchTypeEqual, Value: addr.Port()},
	})
}

func (e *Engine) permitLAN() error {
	for _, prefix := range []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("172.16.0.0/12"),
		netip.MustParsePrefix("192.168.0.0/16"),
		netip.MustParsePrefix("169.254.0.0/16"),
	} {
		if err := e.addRule(wf.LayerALEAuthConnectV4, []*wf.Match{
			{Field: wf.FieldIPRemoteAddress, Op: wf.MatchTypeEqual, Value: prefix},
		}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) permitDHCP() error {
	return e.addRule(wf.LayerALEAuthConnectV4, []*wf.Match{
		{Field: wf.FieldIPRemotePort, Op: wf.MatchTypeEqual, Value: uint16(67)},
	})
}

// addRule installs a permit rule for layer/conditions, tracked for
// teardown on the next clearLocked. Must be called with e.mu held.
func (e *Engine) addRule(layer wf.LayerID, conditions []*wf.Match) error {
	id := e.nextRuleID()
	if err := e.session.AddRule(&wf.Rule{
		ID:         id,
		Name:       "mullvad firewall permit",
		Layer:      layer,
		Sublayer:   sublayerID,
		Weight:     1000,
		Conditions: conditions,
		Action:     wf.ActionPermit,
	}); err != nil {
		return fmt.Errorf("add WFP rule: %w", err)
	}
	e.ruleIDs = append(e.ruleIDs, id)
	return nil
}

// clearLocked removes every rule currently tracked. Must be called with
// e.mu held.
func (e *Engine) clearLocked() {
	for _, id := range e.ruleIDs {
		e.session.DeleteRule(id)
	}
	e.ruleIDs = e.ruleIDs[:0]
}

func (e *Engine) nextRuleID() wf.RuleID {
	e.nextSeq++
	guid, err := windows.GenerateGUID()
	if err != nil {
		return wf.RuleID{Data1: 0x6d756c6c + e.nextSeq, Data2: 0x7661, Data3: 0x6633, Data4: providerID.Data4}
	}
	return wf.RuleID(guid)
}

// Close closes the session; Dynamic=true means every rule is auto-removed,
// restoring the OS's own default-deny base layers.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Close()
}
