//go:build darwin

package main

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/mullvad-core/daemon/internal/core"
	"github.com/mullvad-core/daemon/internal/dnsfilter"
	firewall "github.com/mullvad-core/daemon/internal/firewall/darwin"
	routing "github.com/mullvad-core/daemon/internal/routing/darwin"
	splittunnel "github.com/mullvad-core/daemon/internal/splittunnel/darwin"
	"github.com/mullvad-core/daemon/internal/statemachine"
	"github.com/mullvad-core/daemon/internal/update"
	"github.com/mullvad-core/daemon/internal/version"
	"github.com/mullvad-core/daemon/internal/wireguard"
)

// newGitHubDownloader binds version.GitHubDownloader's FetchAndExtract
// hook to the teacher's darwin tar.gz download/extract code.
func newGitHubDownloader() *version.GitHubDownloader {
	client := &http.Client{Timeout: 5 * time.Minute}
	return &version.GitHubDownloader{
		HTTPClient: client,
		FetchAndExtract: func(ctx context.Context, assetURL string, assetSize int64, progress func(downloaded, total int64)) (string, error) {
			return update.DownloadDarwin(ctx, &update.Info{AssetURL: assetURL, AssetSize: assetSize}, client, update.ProgressFunc(progress))
		},
	}
}

// platformBundle wires the PF-anchored routing and fail-safe firewall,
// the eslogger-based split-tunnel classifier, and the captive-portal DNS
// resolver behind the state machine's narrow capability interfaces.
type platformBundle struct {
	Firewall firewallEngine
	Routes   statemachine.RouteManager
	DNS      statemachine.DNSManager

	CaptivePortalFilter captivePortalFilter

	firewallEngine *firewall.Engine
	routeManager   *routing.RouteManager
	watcher        *routing.Watcher
	esMonitor      *splittunnel.ESMonitor

	tunIfName string

	mu            sync.Mutex
	tunnelGateway netip.Addr
}

// excludePaths adapts a *core.SettingsManager's split-tunnel path list to
// splittunnel.PathSet.
type excludePaths struct {
	settings *core.SettingsManager
}

func (e excludePaths) Excluded(execPath string) bool {
	for _, p := range e.settings.Get().SplitTunnel.Paths {
		if p == execPath {
			return true
		}
	}
	return false
}

func newPlatformBundle(tunIfName string, settings *core.SettingsManager) (*platformBundle, error) {
	rm := routing.NewRouteManager(tunIfName)

	fw, err := firewall.NewEngine(tunIfName)
	if err != nil {
		return nil, fmt.Errorf("init PF firewall: %w", err)
	}

	esMonitor := splittunnel.NewESMonitor(excludePaths{settings: settings})

	b := &platformBundle{
		Firewall:       fw,
		firewallEngine: fw,
		routeManager:   rm,
		esMonitor:      esMonitor,
		tunIfName:      tunIfName,
	}
	b.Routes = &darwinRoutes{b: b}
	b.DNS = &darwinDNS{}
	b.CaptivePortalFilter = dnsfilter.New(fw)
	return b, nil
}

// OpenTunnel starts the userspace WireGuard driver and records the
// tunnel's interior gateway so route anchoring has a target once the
// caller asks for routes.
func (b *platformBundle) OpenTunnel(ctx context.Context, cfg core.Config) (statemachine.TunnelHandle, error) {
	handle, err := wireguard.Start(ctx, b.tunIfName, cfg)
	if err != nil {
		return nil, err
	}
	if len(cfg.Addresses) > 0 {
		b.mu.Lock()
		b.tunnelGateway = cfg.Addresses[0].Addr()
		b.mu.Unlock()
		watcher, werr := routing.NewWatcher(b.routeManager, b.tunnelGateway)
		if werr == nil {
			b.watcher = watcher
		}
	}
	return handle, nil
}

// Run drives the default-route watcher and the exec/fork/exit monitor
// feeding the split-tunnel classifier until ctx is canceled.
func (b *platformBundle) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := b.esMonitor.Run(ctx); err != nil {
			core.Log.Warnf("splittunnel", "es monitor stopped: %v", err)
		}
	}()
	if b.watcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.watcher.Run(ctx)
		}()
	}
	wg.Wait()
}

func (b *platformBundle) Close() error {
	b.routeManager.Restore()
	return b.firewallEngine.Close()
}

// Notify is a no-op: desktop toast notifications are a Windows-only
// ambient concern here (see platform_windows.go).
func (b *platformBundle) Notify(bus *core.EventBus) {}

// darwinRoutes adapts the default-route anchoring API to the state
// machine's []string prefix interface: macOS anchors the default route
// rather than tracking individual required-route prefixes, so AddRoutes
// anchors both address families around the tunnel's interior gateway.
type darwinRoutes struct {
	b *platformBundle
}

func (r *darwinRoutes) AddRoutes(prefixes []string) error {
	r.b.mu.Lock()
	gw := r.b.tunnelGateway
	r.b.mu.Unlock()
	if !gw.IsValid() {
		return fmt.Errorf("anchor default route: no tunnel gateway recorded yet")
	}
	for _, family := range []string{"inet", "inet6"} {
		best, err := routing.FindBestDefault(family)
		if err != nil {
			continue
		}
		if err := r.b.routeManager.AnchorDefault(family, best, gw); err != nil {
			return fmt.Errorf("anchor default route (%s): %w", family, err)
		}
	}
	return nil
}

func (r *darwinRoutes) RemoveRoutes(prefixes []string) error {
	return r.b.routeManager.Restore()
}

// darwinDNS is a no-op: resolver changes are driven by the captive-portal
// filter's own SetResolvers/ClearResolvers, not a separate daemon step.
type darwinDNS struct{}

func (darwinDNS) SetResolvers(addrs []string) error { return nil }
func (darwinDNS) Restore() error                    { return nil }
