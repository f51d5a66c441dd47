package core

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSettingsManagerLoadWritesDefaultsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")

	sm := NewSettingsManager(path, nil)
	if err := sm.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected default settings file to be written: %v", err)
	}
	got := sm.Get()
	if got.Version != CurrentSettingsVersion {
		t.Fatalf("expected default version %d, got %d", CurrentSettingsVersion, got.Version)
	}
	if len(got.AccessMethods) == 0 {
		t.Fatal("expected default access methods to be populated")
	}
}

func TestSettingsManagerRoundTripsViaSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")

	sm := NewSettingsManager(path, nil)
	if err := sm.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sm.SetAllowLAN(true)
	sm.SetSplitTunnel(SplitTunnelSettings{Enabled: true, Paths: []string{"/Applications/Foo.app/Contents/MacOS/Foo"}})
	if err := sm.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	sm2 := NewSettingsManager(path, nil)
	if err := sm2.Load(); err != nil {
		t.Fatalf("reload Load: %v", err)
	}
	got := sm2.Get()
	if !got.AllowLAN {
		t.Fatal("expected AllowLAN to round-trip as true")
	}
	if !got.SplitTunnel.Enabled || len(got.SplitTunnel.Paths) != 1 {
		t.Fatalf("unexpected split tunnel settings after round trip: %+v", got.SplitTunnel)
	}
}

func TestMigrateSettingsV0ToV1ConvertsPathList(t *testing.T) {
	raw := map[string]any{
		"split_tunnel_paths": []any{"/usr/bin/curl"},
	}

	migrated, err := MigrateSettings(raw)
	if err != nil {
		t.Fatalf("MigrateSettings: %v", err)
	}
	if !migrated {
		t.Fatal("expected migration to report it ran")
	}
	if _, stillPresent := raw["split_tunnel_paths"]; stillPresent {
		t.Fatal("expected legacy key to be removed")
	}
	st, ok := raw["split_tunnel"].(map[string]any)
	if !ok {
		t.Fatalf("expected split_tunnel map, got %T", raw["split_tunnel"])
	}
	if enabled, _ := st["enabled"].(bool); !enabled {
		t.Fatal("expected split_tunnel.enabled to be true")
	}
	if raw["version"] != 1 {
		t.Fatalf("expected version bumped to 1, got %v", raw["version"])
	}
}

func TestMigrateSettingsNoopWhenAlreadyCurrent(t *testing.T) {
	raw := map[string]any{"version": 1}
	migrated, err := MigrateSettings(raw)
	if err != nil {
		t.Fatalf("MigrateSettings: %v", err)
	}
	if migrated {
		t.Fatal("expected no migration to run for an already-current version")
	}
}

func TestAccessMethodKindYAMLRoundTrip(t *testing.T) {
	cases := []AccessMethodKind{
		AccessDirect, AccessBridge, AccessEncryptedDNS,
		AccessCustomSocks5, AccessCustomShadowsocks, AccessCustomHTTP,
	}
	for _, k := range cases {
		s := k.String()
		parsed, err := ParseAccessMethodKind(s)
		if err != nil {
			t.Fatalf("ParseAccessMethodKind(%q): %v", s, err)
		}
		if parsed != k {
			t.Fatalf("round trip mismatch for %v: got %v via %q", k, parsed, s)
		}
	}
}
