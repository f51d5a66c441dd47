//go:build darwin

// Package darwin implements the macOS fail-safe firewall (spec §4.1, §8)
// on top of PF anchors, adapted from the teacher's pf-based process
// filter: one reference-counted pfctl -E token plus a dedicated anchor
// tree, rules built as a string and piped to pfctl -f - per anchor.
package darwin

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/mullvad-core/daemon/internal/core"
)

const (
	pfAnchorRoot = "com.mullvad"
	pfAnchorMain = "com.mullvad/main"
)

// Engine implements statemachine.Firewall and dnsfilter.FirewallAllower on
// macOS using a dedicated PF anchor. The fail-safe invariant (spec §4.1):
// whenever the anchor is loaded, only the currently allowed endpoint(s),
// the tunnel interface, loopback and (if enabled) LAN pass; everything
// else is dropped.
type Engine struct {
	mu sync.Mutex

	pfToken string
	pfSetup bool

	tunIfName   string
	allowed     []netip.AddrPort // currently permitted endpoints
	allowedIPs  []netip.Addr     // addresses opened by AddAllowedIps (DNS filter coordination)
	allowLAN    bool
	blockingAll bool
}

// NewEngine enables PF with reference counting and registers the daemon's
// anchor in the running configuration, mirroring the teacher's
// ensureAnchorReference.
func NewEngine(tunIfName string) (*Engine, error) {
	e := &Engine{tunIfName: tunIfName}

	token, err := pfctlEnable()
	if err != nil {
		return nil, fmt.Errorf("enable PF: %w", err)
	}
	e.pfToken = token

	if err := e.ensureAnchorReference(); err != nil {
		exec.Command("pfctl", "-X", token).Run()
		return nil, fmt.Errorf("register PF anchor: %w", err)
	}
	e.pfSetup = true

	core.Log.Infof("firewall", "PF initialized (token=%s)", e.pfToken)
	return e, nil
}

// ensureAnchorReference loads a temporary PF config that includes our
// anchor reference alongside the original /etc/pf.conf rules, without
// modifying pf.conf on disk.
func (e *Engine) ensureAnchorReference() error {
	orig, err := os.ReadFile("/etc/pf.conf")
	if err != nil {
		return fmt.Errorf("read pf.conf: %w", err)
	}

	content := string(orig)
	if strings.Contains(content, pfAnchorRoot) {
		return nil
	}

	anchorLine := fmt.Sprintf("anchor \"%s/*\"", pfAnchorRoot)
	lines := strings.Split(content, "\n")
	var result []string
	inserted := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !inserted && strings.HasPrefix(trimmed, "anchor ") {
			result = append(result, anchorLine)
			inserted = true
		}
		result = append(result, line)
	}
	if !inserted {
		result = append(result, anchorLine)
	}

	cmd := exec.Command("pfctl", "-f", "-")
	cmd.Stdin = strings.NewReader(strings.Join(result, "\n"))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("pfctl load: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// AllowEndpoint narrows the firewall to permit only traffic to ep (plus
// the tunnel interface, loopback, and LAN if allowLAN), per the fail-safe
// rule in spec §4.1/§8.
func (e *Engine) AllowEndpoint(ep core.Endpoint, allowLAN bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.allowed = append(e.allowed[:0], ep.Address)
	e.allowLAN = allowLAN
	e.blockingAll = false
	return e.rebuild()
}

// BlockAll applies the fail-safe closed configuration: only loopback and
// (if allowLAN) LAN traffic passes. Any crash downstream of this call
// leaves the anchor in this state, never an open one.
func (e *Engine) BlockAll(allowLAN bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.allowed = e.allowed[:0]
	e.allowLAN = allowLAN
	e.blockingAll = true
	return e.rebuild()
}

// Open lifts the firewall to an unrestricted policy: the anchor is
// flushed to no rules at all, so PF's own pass-through default applies
// until the next AllowEndpoint/BlockAll call rebuilds it (spec §4.1's
// transition table, "lift firewall").
func (e *Engine) Open() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.allowed = e.allowed[:0]
	e.allowedIPs = e.allowedIPs[:0]
	e.allowLAN = false
	e.blockingAll = false
	return pfctlFlushAnchor(pfAnchorMain)
}

// AddAllowedIps implements dnsfilter.FirewallAllower: the macOS captive
// portal resolver awaits this before replying to the client, so the probe
// cannot resolve before the firewall is open for its answers.
func (e *Engine) AddAllowedIps(ctx context.Context, ips []netip.Addr) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.allowedIPs = append(e.allowedIPs, ips...)
	return e.rebuild()
}

// ApplyAccessMethod implements accessmethod.FirewallACKer: the rotator
// awaits this ACK before declaring a rotation applied (spec §4.5).
func (e *Engine) ApplyAccessMethod(mode core.ResolvedConnectionMode) error {
	if !mode.ProxyEndpoint.IsValid() {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.allowed = append(e.allowed, mode.ProxyEndpoint)
	return e.rebuild()
}

// rebuild regenerates and loads the com.mullvad/main anchor. Must be
// called with e.mu held.
func (e *Engine) rebuild() error {
	if !e.pfSetup {
		return fmt.Errorf("PF anchor not registered")
	}

	var rules strings.Builder
	rules.WriteString("pass quick on lo0 all\n")
	if e.tunIfName != "" && !e.blockingAll {
		fmt.Fprintf(&rules, "pass quick on %s all\n", e.tunIfName)
	}
	if e.allowLAN {
		for _, prefix := range []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "169.254.0.0/16"} {
			fmt.Fprintf(&rules, "pass out quick to %s\n", prefix)
			fmt.Fprintf(&rules, "pass in quick from %s\n", prefix)
		}
	}
	// DHCP and ICMPv6 neighbor discovery, allowed regardless of state.
	rules.WriteString("pass out quick proto udp from any port 68 to any port 67\n")
	rules.WriteString("pass in quick proto udp from any port 67 to any port 68\n")
	rules.WriteString("pass quick proto icmp6 icmp6-type {neighbrsol, neighbradv, routersol, routeradv}\n")

	for _, ep := range e.allowed {
		fmt.Fprintf(&rules, "pass out quick proto udp to %s\n", ep.String())
		fmt.Fprintf(&rules, "pass out quick proto tcp to %s\n", ep.String())
	}
	for _, ip := range e.allowedIPs {
		fmt.Fprintf(&rules, "pass quick to %s\n", ip.String())
	}

	rules.WriteString("block drop out quick all\n")
	rules.WriteString("block drop in quick all\n")

	return pfctlLoadAnchor(pfAnchorMain, rules.String())
}

// Close flushes the daemon's anchor and restores the original pf.conf.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pfSetup {
		pfctlFlushAnchor(pfAnchorMain)
		if out, err := exec.Command("pfctl", "-f", "/etc/pf.conf").CombinedOutput(); err != nil {
			core.Log.Warnf("firewall", "restore pf.conf: %s: %v", strings.TrimSpace(string(out)), err)
		}
		e.pfSetup = false
	}
	if e.pfToken != "" {
		exec.Command("pfctl", "-X", e.pfToken).Run()
		e.pfToken = ""
	}
	return nil
}

func pfctlEnable() (string, error) {
	out, _ := exec.Command("pfctl", "-E").CombinedOutput()
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Token") {
			if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
				return strings.TrimSpace(parts[1]), nil
			}
		}
	}
	return "", fmt.Errorf("no PF token in output: %s", strings.TrimSpace(string(out)))
}

func pfctlLoadAnchor(anchor, rules string) error {
	cmd := exec.Command("pfctl", "-a", anchor, "-f", "-")
	cmd.Stdin = strings.NewReader(rules)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("pfctl -a %s: %s: %w", anchor, strings.TrimSpace(string(out)), err)
	}
	return nil
}

func pfctlFlushAnchor(anchor string) error {
	out, err := exec.Command("pfctl", "-a", anchor, "-F", "all").CombinedOutput()
	if err != nil {
		return fmt.Errorf("pfctl flush %s: %s: %w", anchor, strings.TrimSpace(string(out)), err)
	}
	return nil
}
