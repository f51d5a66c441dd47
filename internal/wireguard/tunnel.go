// Package wireguard owns the tunnel device: applying configuration,
// reporting per-peer statistics, and driving the startup sequence from
// spec §4.3 (obfuscator bind, PSK negotiation, connectivity monitor,
// route staging) to completion.
package wireguard

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	"github.com/mullvad-core/daemon/internal/core"

	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun/netstack"
)

// PeerStats is the per-peer byte counter snapshot exposed by get_stats.
type PeerStats struct {
	PublicKey string
	RxBytes   uint64
	TxBytes   uint64
}

// Tunnel is the small capability set the state machine drives the tunnel
// device through (spec §9: model Tunnel as a polymorphic capability set
// rather than an interface with a large surface).
type Tunnel interface {
	GetInterfaceName() string
	Stop() error
	GetStats() ([]PeerStats, error)
	SetConfig(cfg core.Config) error
}

// Driver implements Tunnel on top of a userspace WireGuard device running
// over a gVisor netstack, exactly as the teacher's provider does — the
// Mullvad domain never needs raw packet injection, so only the subset of
// the teacher's surface relevant to spec §4.3 is kept.
type Driver struct {
	mu     sync.RWMutex
	name   string
	config core.Config

	dev  *device.Device
	tnet *netstack.Net
}

// Start opens the tunnel device and applies cfg (step 2 of the spec §4.3
// startup sequence — obfuscator binding and route staging are the caller's
// responsibility).
func Start(ctx context.Context, name string, cfg core.Config) (*Driver, error) {
	addrs := make([]netip.Addr, 0, len(cfg.Addresses))
	for _, p := range cfg.Addresses {
		addrs = append(addrs, p.Addr())
	}
	if len(addrs) == 0 {
		return nil, core.InvariantViolation("wireguard.start", fmt.Errorf("config has no tunnel addresses"))
	}

	mtu := cfg.MTU
	if mtu == 0 {
		mtu = 1420
	}

	tunDev, tnet, err := netstack.CreateNetTUN(addrs, nil, mtu)
	if err != nil {
		return nil, core.Transient("wireguard.start", fmt.Errorf("create netstack tun: %w", err))
	}

	logger := device.NewLogger(device.LogLevelError, fmt.Sprintf("[wireguard:%s] ", name))
	dev := device.NewDevice(tunDev, conn.NewDefaultBind(), logger)

	uapi, err := uapiConfig(cfg)
	if err != nil {
		dev.Close()
		return nil, core.InvariantViolation("wireguard.start", err)
	}
	if err := dev.IpcSet(uapi); err != nil {
		dev.Close()
		return nil, core.Transient("wireguard.start", fmt.Errorf("apply config: %w", err))
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return nil, core.Transient("wireguard.start", fmt.Errorf("device up: %w", err))
	}

	core.Log.Infof("wireguard", "tunnel %q up, addrs=%v mtu=%d", name, addrs, mtu)

	return &Driver{name: name, config: cfg, dev: dev, tnet: tnet}, nil
}

func (d *Driver) GetInterfaceName() string { return d.name }

// Stop closes the underlying device. Idempotent.
func (d *Driver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev == nil {
		return nil
	}
	d.dev.Close()
	d.dev = nil
	d.tnet = nil
	core.Log.Infof("wireguard", "tunnel %q stopped", d.name)
	return nil
}

// GetStats parses the UAPI status string for per-peer rx/tx counters — the
// connectivity monitor's only read from the driver (spec §4.3, "preserves
// counters" invariant is naturally upheld since SetConfig re-applies the
// config to the running device, never recreates it).
func (d *Driver) GetStats() ([]PeerStats, error) {
	d.mu.RLock()
	dev := d.dev
	d.mu.RUnlock()
	if dev == nil {
		return nil, core.InvariantViolation("wireguard.get_stats", fmt.Errorf("tunnel not running"))
	}
	raw, err := dev.IpcGet()
	if err != nil {
		return nil, core.Transient("wireguard.get_stats", err)
	}
	return parseUAPIStats(raw), nil
}

// SetConfig re-applies configuration without recreating the device, so
// existing byte counters survive (used after PSK negotiation rewrites the
// private key and sets the entry peer's PSK).
func (d *Driver) SetConfig(cfg core.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev == nil {
		return core.InvariantViolation("wireguard.set_config", fmt.Errorf("tunnel not running"))
	}
	uapi, err := uapiConfig(cfg)
	if err != nil {
		return core.InvariantViolation("wireguard.set_config", err)
	}
	if err := d.dev.IpcSet(uapi); err != nil {
		return core.Transient("wireguard.set_config", err)
	}
	d.config = cfg
	return nil
}
