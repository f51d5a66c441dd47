// Command mullvad-daemon is the VPN daemon entrypoint: it wires every
// actor described in the spec (tunnel state machine, relay cache and
// selector, access-method rotator, account manager, version router, the
// platform routing/split-tunnel/firewall engines) into a single running
// process, the same component-by-component bring-up order as the
// teacher's runVPN.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mullvad-core/daemon/internal/account"
	"github.com/mullvad-core/daemon/internal/accessmethod"
	"github.com/mullvad-core/daemon/internal/core"
	"github.com/mullvad-core/daemon/internal/relay"
	"github.com/mullvad-core/daemon/internal/statemachine"
	"github.com/mullvad-core/daemon/internal/update"
	"github.com/mullvad-core/daemon/internal/version"
	"github.com/mullvad-core/daemon/internal/wireguard"
)

// updateCheckInterval is how often the background self-update checker
// polls GitHub Releases (spec §4.13's ambient version concern).
const updateCheckInterval = 6 * time.Hour

// Build info — injected via ldflags at compile time.
var (
	buildVersion = "dev"
	commit       = "unknown"
	buildDate    = "unknown"
)

const tunnelInterfaceName = "wg-mullvad"

func main() {
	dataDir := flag.String("data-dir", defaultDataDir(), "Directory for settings, caches and device state")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error, off")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mullvad-daemon %s (commit=%s, built=%s)\n", buildVersion, commit, buildDate)
		os.Exit(0)
	}

	if err := os.MkdirAll(*dataDir, 0700); err != nil {
		log.Fatalf("[Core] create data dir %s: %v", *dataDir, err)
	}

	core.Log = core.NewLogger(core.LogConfig{Level: *logLevel})
	if err := run(*dataDir); err != nil {
		core.Log.Fatalf("Core", "fatal: %v", err)
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "mullvad-daemon")
	}
	return "."
}

// run wires every actor and blocks until a shutdown signal arrives.
func run(dataDir string) error {
	bus := core.NewEventBus()

	settings := core.NewSettingsManager(filepath.Join(dataDir, "settings.yaml"), bus)
	if err := settings.Load(); err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	cfg := settings.Get()

	relayCache := relay.NewCache(filepath.Join(dataDir, "relays.json"), resolveRelativeToExe("relays.json"))
	go relayCache.RunRefreshLoop(context.Background(), bus)
	selector := relay.NewSelector(relayCache)

	accountToken := os.Getenv("MULLVAD_ACCOUNT_TOKEN")
	var api account.API
	var httpAPI *account.HTTPAPI
	if accountToken != "" {
		httpAPI = account.NewHTTPAPI(accountToken, accessmethod.Dial)
		api = httpAPI
	}
	acctMgr, err := account.NewManager(filepath.Join(dataDir, "device.json"), 24*time.Hour, api, bus)
	if err != nil {
		return fmt.Errorf("init account manager: %w", err)
	}
	if httpAPI != nil {
		bus.Subscribe(core.EventAccessMethodChanged, func(e core.Event) {
			httpAPI.SetConnectionMode(e.Payload.(core.AccessMethodPayload).Mode)
		})
	}

	platformBundle, err := newPlatformBundle(tunnelInterfaceName, settings)
	if err != nil {
		return fmt.Errorf("init platform integration: %w", err)
	}
	defer platformBundle.Close()
	platformBundle.Notify(bus)

	rotator := accessmethod.NewRotator(
		cfg.AccessMethods,
		selector,
		accessmethod.NewDoHProxyFetcher("https://dns.mullvad.net/dns-query"),
		platformBundle.Firewall,
		bus,
	)
	go rotator.Run()

	openTunnel := func(ctx context.Context, tunnelCfg core.Config) (statemachine.TunnelHandle, core.Config, error) {
		if dev := acctMgr.Device(); dev != nil {
			tunnelCfg.PrivateKey = dev.PrivateKey
			tunnelCfg.Peer.PublicKey = dev.PublicKey
			tunnelCfg.Addresses = deviceAddresses(dev)
		}
		tunnelCfg.MTU = cfg.WireguardMTU
		tunnelCfg.DaitaEnabled = cfg.Daita.Enabled
		tunnelCfg.QuantumResistant = cfg.QuantumResistant
		tunnelCfg.Peer.AllowedIPs = defaultAllowedIPs(tunnelCfg.Addresses)
		tunnel, err := platformBundle.OpenTunnel(ctx, tunnelCfg)
		return tunnel, tunnelCfg, err
	}

	machine := statemachine.New(selector, openTunnel, platformBundle.Firewall, platformBundle.Routes, platformBundle.DNS, wireguard.ICMPPinger{}, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go machine.Run(ctx)
	go acctMgr.RunRotationLoop(ctx)
	go platformBundle.Run(ctx)

	updateChecker := update.NewChecker(buildVersion, updateCheckInterval, bus, nil)
	go updateChecker.Start(ctx)

	versionUpdates := make(chan version.Cache, 1)
	bus.Subscribe(core.EventUpdateAvailable, func(e core.Event) {
		payload := e.Payload.(core.UpdatePayload)
		info := updateChecker.GetLatestInfo()
		cache := version.Cache{CurrentVersion: buildVersion, SuggestedUpgrade: payload.Version, ReleaseNotes: payload.ReleaseNotes}
		if info != nil {
			cache.AssetURL, cache.AssetSize = info.AssetURL, info.AssetSize
		}
		select {
		case versionUpdates <- cache:
		default:
			core.Log.Warnf("Core", "version router busy, dropping update notification for %s", payload.Version)
		}
	})

	versionRouter := version.New(newGitHubDownloader(), versionUpdates, bus)
	go versionRouter.Run(ctx)

	if captive := platformBundle.CaptivePortalFilter; captive != nil {
		go func() {
			if err := captive.Start(ctx); err != nil {
				core.Log.Warnf("Core", "captive portal filter stopped: %v", err)
			}
		}()
		defer captive.Stop()
	}

	if cfg.AutoConnect {
		machine.Connect(core.RelayQuery{})
	}

	core.Log.Infof("Core", "mullvad-daemon %s running (data dir %s)", buildVersion, dataDir)
	return waitForShutdown()
}

// waitForShutdown blocks until an OS signal arrives.
func waitForShutdown() error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	<-sig
	core.Log.Infof("Core", "shutdown signal received, stopping")
	return nil
}

func resolveRelativeToExe(name string) string {
	exe, err := os.Executable()
	if err != nil {
		return name
	}
	return filepath.Join(filepath.Dir(exe), name)
}

// deviceAddresses derives the tunnel address set from the device cache's
// assigned IPv4/IPv6 prefixes.
func deviceAddresses(dev *core.DeviceData) []netip.Prefix {
	var out []netip.Prefix
	if dev.IPv4Address.IsValid() {
		out = append(out, dev.IPv4Address)
	}
	if dev.IPv6Address.IsValid() {
		out = append(out, dev.IPv6Address)
	}
	return out
}

// defaultAllowedIPs returns the peer's AllowedIPs for a full-tunnel
// client: the default route for each address family the tunnel actually
// carries an address for. This daemon has no mesh/split-routing peer
// config, so every non-default network reaching the tunnel is steered
// there by the route manager, not by AllowedIPs (spec §4.1 step 3/6).
func defaultAllowedIPs(addrs []netip.Prefix) []netip.Prefix {
	var out []netip.Prefix
	for _, a := range addrs {
		if a.Addr().Is4() {
			out = append(out, netip.PrefixFrom(netip.IPv4Unspecified(), 0))
		} else {
			out = append(out, netip.PrefixFrom(netip.IPv6Unspecified(), 0))
		}
	}
	return out
}
