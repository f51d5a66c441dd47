//go:build linux

// Package linux implements the Linux fail-safe firewall (spec §4.1, §8)
// with nftables. No nftables Go library appears anywhere in the example
// corpus (see DESIGN.md), so rules are built as a ruleset string and
// piped to the nft CLI's `-f -`, the same "shell out to the platform
// firewall tool with rules on stdin" idiom the macOS and Windows engines
// use for pfctl and WFP respectively.
package linux

import (
	"context"
	"fmt"
	"net/netip"
	"os/exec"
	"strings"
	"sync"

	"github.com/mullvad-core/daemon/internal/core"
	routing "github.com/mullvad-core/daemon/internal/routing/linux"
)

const (
	nftTable = "inet mullvad"
)

// Engine implements statemachine.Firewall and dnsfilter.FirewallAllower
// on Linux via a dedicated nftables table. Split-tunnel exclusion keeps
// using routing.Fwmark-tagged traffic to bypass the tunnel entirely, so
// the fail-safe table explicitly accepts fwmarked traffic rather than
// trying to re-derive the exclusion policy here.
type Engine struct {
	mu sync.Mutex

	tunIfName string

	allowed     []netip.AddrPort
	allowedIPs  []netip.Addr
	allowLAN    bool
	blockingAll bool
	open        bool
}

// NewEngine creates the daemon's nftables table, replacing any stale
// instance left by a prior run.
func NewEngine(tunIfName string) (*Engine, error) {
	e := &Engine{tunIfName: tunIfName}
	if err := runNft(fmt.Sprintf("table %s\n", nftTable)); err != nil {
		return nil, fmt.Errorf("create nftables table: %w", err)
	}
	if err := e.rebuild(); err != nil {
		return nil, err
	}
	core.Log.Infof("firewall", "nftables table %s initialized", nftTable)
	return e, nil
}

// AllowEndpoint narrows the firewall to ep, the tunnel interface,
// loopback, and LAN if allowLAN (spec §4.1's fail-safe rule).
func (e *Engine) AllowEndpoint(ep core.Endpoint, allowLAN bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.allowed = append(e.allowed[:0], ep.Address)
	e.allowLAN = allowLAN
	e.blockingAll = false
	e.open = false
	return e.rebuild()
}

// BlockAll closes the firewall to everything but loopback, LAN (if
// allowed), fwmarked split-tunnel traffic, and DHCP/ND.
func (e *Engine) BlockAll(allowLAN bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.allowed = e.allowed[:0]
	e.allowLAN = allowLAN
	e.blockingAll = true
	e.open = false
	return e.rebuild()
}

// Open lifts the firewall to an unrestricted policy: the table's hooks
// switch to policy accept with no rules, the Disconnected state's
// resting configuration (spec §4.1's transition table, "lift firewall").
func (e *Engine) Open() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.allowed = e.allowed[:0]
	e.allowedIPs = e.allowedIPs[:0]
	e.allowLAN = false
	e.blockingAll = false
	e.open = true
	return e.rebuild()
}

// AddAllowedIps implements dnsfilter.FirewallAllower.
func (e *Engine) AddAllowedIps(ctx context.Context, ips []netip.Addr) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.allowedIPs = append(e.allowedIPs, ips...)
	return e.rebuild()
}

// ApplyAccessMethod implements accessmethod.FirewallACKer.
func (e *Engine) ApplyAccessMethod(mode core.ResolvedConnectionMode) error {
	if !mode.ProxyEndpoint.IsValid() {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.allowed = append(e.allowed, mode.ProxyEndpoint)
	return e.rebuild()
}

// rebuild regenerates and atomically reloads the daemon's nftables
// table. Must be called with e.mu held.
func (e *Engine) rebuild() error {
	var b strings.Builder
	fmt.Fprintf(&b, "table %s {\n", nftTable)
	if e.open {
		b.WriteString("  chain output {\n")
		b.WriteString("    type filter hook output priority 0; policy accept;\n")
		b.WriteString("  }\n")
		b.WriteString("  chain input {\n")
		b.WriteString("    type filter hook input priority 0; policy accept;\n")
		b.WriteString("  }\n")
		b.WriteString("}\n")
		return runNft(fmt.Sprintf("delete table %s\n%s", nftTable, b.String()))
	}
	b.WriteString("  chain output {\n")
	b.WriteString("    type filter hook output priority 0; policy drop;\n")
	b.WriteString("    oif lo accept\n")
	fmt.Fprintf(&b, "    meta mark %#x accept\n", routing.Fwmark)
	if e.tunIfName != "" && !e.blockingAll {
		fmt.Fprintf(&b, "    oif %q accept\n", e.tunIfName)
	}
	if e.allowLAN {
		for _, prefix := range []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "169.254.0.0/16"} {
			fmt.Fprintf(&b, "    ip daddr %s accept\n", prefix)
		}
	}
	b.WriteString("    udp sport 68 udp dport 67 accept\n")
	for _, ep := range e.allowed {
		fmt.Fprintf(&b, "    ip daddr %s udp dport %d accept\n", ep.Addr(), ep.Port())
		fmt.Fprintf(&b, "    ip daddr %s tcp dport %d accept\n", ep.Addr(), ep.Port())
	}
	for _, ip := range e.allowedIPs {
		fmt.Fprintf(&b, "    ip daddr %s accept\n", ip)
	}
	b.WriteString("  }\n")
	b.WriteString("  chain input {\n")
	b.WriteString("    type filter hook input priority 0; policy drop;\n")
	b.WriteString("    iif lo accept\n")
	b.WriteString("    ct state established,related accept\n")
	fmt.Fprintf(&b, "    meta mark %#x accept\n", routing.Fwmark)
	if e.tunIfName != "" && !e.blockingAll {
		fmt.Fprintf(&b, "    iif %q accept\n", e.tunIfName)
	}
	if e.allowLAN {
		for _, prefix := range []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "169.254.0.0/16"} {
			fmt.Fprintf(&b, "    ip saddr %s accept\n", prefix)
		}
	}
	b.WriteString("    udp sport 67 udp dport 68 accept\n")
	b.WriteString("    icmpv6 type { nd-neighbor-solicit, nd-neighbor-advert, nd-router-solicit, nd-router-advert } accept\n")
	b.WriteString("  }\n")
	b.WriteString("}\n")

	return runNft(fmt.Sprintf("delete table %s\n%s", nftTable, b.String()))
}

// Close removes the daemon's nftables table entirely.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return runNft(fmt.Sprintf("delete table %s\n", nftTable))
}

func runNft(ruleset string) error {
	cmd := exec.Command("nft", "-f", "-")
	cmd.Stdin = strings.NewReader(ruleset)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("nft: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}
