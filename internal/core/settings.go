package core

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// DaitaSetting controls whether the daemon requests DAITA padding from
// relays that support it.
type DaitaSetting struct {
	Enabled    bool `yaml:"enabled,omitempty"`
	DirectOnly bool `yaml:"direct_only,omitempty"`
}

// SplitTunnelSettings is the user-maintained exclude set for the platform
// split-tunnel engines (spec §4.9/§4.10): a set of executable paths plus
// whether exclusion is active at all.
type SplitTunnelSettings struct {
	Enabled bool     `yaml:"enabled,omitempty"`
	Paths   []string `yaml:"paths,omitempty"`
}

// DaemonSettings is the top-level daemon configuration surface named in
// spec.md §6: access-method list with enable flags, split-tunnel path set,
// WireGuard MTU, IPv6 enable, LAN allow, auto-connect. Named DaemonSettings
// rather than Config because internal/core.Config already names the
// resolved per-tunnel WireGuard configuration (see DESIGN.md).
type DaemonSettings struct {
	Version int `yaml:"version"`

	AccessMethods []AccessMethodSetting `yaml:"access_methods,omitempty"`
	SplitTunnel   SplitTunnelSettings   `yaml:"split_tunnel,omitempty"`

	WireguardMTU int  `yaml:"wireguard_mtu,omitempty"`
	EnableIPv6   bool `yaml:"enable_ipv6,omitempty"`
	AllowLAN     bool `yaml:"allow_lan,omitempty"`
	AutoConnect  bool `yaml:"auto_connect,omitempty"`

	Daita            DaitaSetting `yaml:"daita,omitempty"`
	QuantumResistant bool         `yaml:"quantum_resistant,omitempty"`

	ShowBetaReleases bool `yaml:"show_beta_releases,omitempty"`
}

// CurrentSettingsVersion is the latest settings schema version.
const CurrentSettingsVersion = 1

func defaultDaemonSettings() DaemonSettings {
	return DaemonSettings{
		Version: CurrentSettingsVersion,
		AccessMethods: []AccessMethodSetting{
			{ID: "direct", Kind: AccessDirect, Enabled: true},
			{ID: "bridge", Kind: AccessBridge, Enabled: true},
			{ID: "encrypted-dns", Kind: AccessEncryptedDNS, Enabled: true},
		},
		WireguardMTU: 1380,
		EnableIPv6:   true,
	}
}

// SettingsManager handles loading and saving daemon settings, adapted from
// the teacher's ConfigManager (same YAML load-save/EventConfigReloaded
// shape, generalized to this domain's schema). Setters change the
// in-memory settings only; Save writes the file in place.
type SettingsManager struct {
	mu       sync.RWMutex
	settings DaemonSettings
	filePath string
	bus      *EventBus
}

// NewSettingsManager creates a settings manager backed by filePath.
func NewSettingsManager(filePath string, bus *EventBus) *SettingsManager {
	return &SettingsManager{filePath: filePath, bus: bus}
}

// Load reads and parses settings from disk, applying any pending
// migrations. If the file does not exist, defaults are written and used.
func (sm *SettingsManager) Load() error {
	data, err := os.ReadFile(sm.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			Log.Infof("core", "settings file %s not found, writing defaults", sm.filePath)
			sm.mu.Lock()
			sm.settings = defaultDaemonSettings()
			sm.mu.Unlock()
			if saveErr := sm.Save(); saveErr != nil {
				return fmt.Errorf("write default settings: %w", saveErr)
			}
			return nil
		}
		return fmt.Errorf("read settings %s: %w", sm.filePath, err)
	}

	raw := make(map[string]any)
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse settings: %w", err)
	}
	migrated, err := MigrateSettings(raw)
	if err != nil {
		return fmt.Errorf("migrate settings: %w", err)
	}

	remarshaled, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("remarshal migrated settings: %w", err)
	}
	var s DaemonSettings
	if err := yaml.Unmarshal(remarshaled, &s); err != nil {
		return fmt.Errorf("decode migrated settings: %w", err)
	}

	sm.mu.Lock()
	sm.settings = s
	sm.mu.Unlock()

	if migrated {
		if err := sm.Save(); err != nil {
			return fmt.Errorf("persist migrated settings: %w", err)
		}
	}

	if sm.bus != nil {
		sm.bus.Publish(Event{Type: EventConfigReloaded})
	}
	return nil
}

// Save writes the current settings to disk.
func (sm *SettingsManager) Save() error {
	sm.mu.RLock()
	data, err := yaml.Marshal(&sm.settings)
	sm.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.WriteFile(sm.filePath, data, 0600); err != nil {
		return fmt.Errorf("write settings %s: %w", sm.filePath, err)
	}
	return nil
}

// Get returns a copy of the current settings.
func (sm *SettingsManager) Get() DaemonSettings {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.settings
}

// SetAccessMethods replaces the access-method list.
func (sm *SettingsManager) SetAccessMethods(methods []AccessMethodSetting) {
	sm.mu.Lock()
	sm.settings.AccessMethods = methods
	sm.mu.Unlock()
	sm.publishReload()
}

// SetSplitTunnel replaces the split-tunnel exclude set.
func (sm *SettingsManager) SetSplitTunnel(st SplitTunnelSettings) {
	sm.mu.Lock()
	sm.settings.SplitTunnel = st
	sm.mu.Unlock()
	sm.publishReload()
}

// SetAllowLAN updates the allow-LAN flag.
func (sm *SettingsManager) SetAllowLAN(allow bool) {
	sm.mu.Lock()
	sm.settings.AllowLAN = allow
	sm.mu.Unlock()
	sm.publishReload()
}

func (sm *SettingsManager) publishReload() {
	if sm.bus != nil {
		sm.bus.Publish(Event{Type: EventConfigReloaded})
	}
}
