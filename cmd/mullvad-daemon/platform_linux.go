//go:build linux

package main

import (
	"context"
	"fmt"
	"net"

	firewall "github.com/mullvad-core/daemon/internal/firewall/linux"
	routing "github.com/mullvad-core/daemon/internal/routing/linux"
	splittunnel "github.com/mullvad-core/daemon/internal/splittunnel/linux"
	"github.com/mullvad-core/daemon/internal/statemachine"
	"github.com/mullvad-core/daemon/internal/wireguard"

	"github.com/mullvad-core/daemon/internal/core"
	"github.com/mullvad-core/daemon/internal/version"
)

// newGitHubDownloader leaves FetchAndExtract unwired: Linux installs
// track distro packages rather than this checker's GitHub releases, so
// CheckNow still reports an available version but there is no bundled
// extraction/replace step to drive from it.
func newGitHubDownloader() *version.GitHubDownloader {
	return &version.GitHubDownloader{}
}

// platformBundle wires the Linux routing table, nftables fail-safe
// firewall and cgroup-based split-tunnel excluder behind the narrow
// capability interfaces the state machine and access-method rotator
// drive.
type platformBundle struct {
	Firewall firewallEngine
	Routes   statemachine.RouteManager
	DNS      statemachine.DNSManager

	firewallEngine *firewall.Engine
	routeManager   *routing.RouteManager
	watcher        *routing.Watcher
	excluder       *splittunnel.Excluder

	CaptivePortalFilter captivePortalFilter

	tunIfName string
}

func newPlatformBundle(tunIfName string, settings *core.SettingsManager) (*platformBundle, error) {
	fw, err := firewall.NewEngine(tunIfName)
	if err != nil {
		return nil, fmt.Errorf("init nftables firewall: %w", err)
	}

	rm := routing.NewRouteManager(tunIfName)

	watcher, err := routing.NewWatcher()
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("init route watcher: %w", err)
	}

	excluder := splittunnel.NewExcluder()
	if err := excluder.EnsureCgroup(); err != nil {
		fw.Close()
		return nil, fmt.Errorf("init split-tunnel cgroup: %w", err)
	}
	if err := excluder.InstallPolicyRule(); err != nil {
		fw.Close()
		return nil, fmt.Errorf("install split-tunnel policy rule: %w", err)
	}

	return &platformBundle{
		Firewall:       fw,
		Routes:         &linuxRoutes{rm: rm},
		DNS:            &linuxDNS{},
		firewallEngine: fw,
		routeManager:   rm,
		watcher:        watcher,
		excluder:       excluder,
		tunIfName:      tunIfName,
	}, nil
}

// OpenTunnel starts the userspace WireGuard driver over the netstack TUN.
func (b *platformBundle) OpenTunnel(ctx context.Context, cfg core.Config) (statemachine.TunnelHandle, error) {
	cfg.FirewallMark = routing.Fwmark
	return wireguard.Start(ctx, b.tunIfName, cfg)
}

// Run drives the route-change watcher until ctx is canceled.
func (b *platformBundle) Run(ctx context.Context) {
	b.watcher.Run(ctx, func() {
		core.Log.Debugf("routing", "default route changed")
	})
}

func (b *platformBundle) Close() error {
	b.excluder.RemovePolicyRule()
	b.routeManager.RemoveRoutes()
	return b.firewallEngine.Close()
}

// Notify is a no-op: desktop toast notifications are a Windows-only
// ambient concern here (see platform_windows.go).
func (b *platformBundle) Notify(bus *core.EventBus) {}

// linuxRoutes adapts routing.RouteManager's *net.IPNet-based API to the
// state machine's []string prefix interface.
type linuxRoutes struct {
	rm *routing.RouteManager
}

func (r *linuxRoutes) AddRoutes(prefixes []string) error {
	nets := make([]*net.IPNet, 0, len(prefixes))
	for _, p := range prefixes {
		_, n, err := net.ParseCIDR(p)
		if err != nil {
			return fmt.Errorf("parse route prefix %q: %w", p, err)
		}
		nets = append(nets, n)
	}
	return r.rm.AddRoutes(nets)
}

func (r *linuxRoutes) RemoveRoutes(prefixes []string) error {
	return r.rm.RemoveRoutes()
}

// linuxDNS is a no-op: Linux resolver updates ride the tunnel's own
// DHCP-style resolvconf integration, not a separate daemon-managed step.
type linuxDNS struct{}

func (linuxDNS) SetResolvers(addrs []string) error { return nil }
func (linuxDNS) Restore() error                    { return nil }
