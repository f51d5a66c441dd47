package accessmethod

import (
	"testing"

	"github.com/mullvad-core/daemon/internal/core"
)

func settings() []core.AccessMethodSetting {
	return []core.AccessMethodSetting{
		{ID: "direct", Kind: core.AccessDirect, Enabled: true},
		{ID: "bridge", Kind: core.AccessBridge, Enabled: true},
	}
}

// fakeBridge resolves the bridge method the way relay.Selector.SelectBridge
// does, without a relay list.
type fakeBridge struct{}

func (fakeBridge) SelectBridge() (core.ResolvedConnectionMode, error) {
	return core.ResolvedConnectionMode{Setting: core.AccessMethodSetting{ID: "bridge", Kind: core.AccessBridge}}, nil
}

func newTestRotator() *Rotator {
	r := NewRotator(settings(), fakeBridge{}, nil, nil, nil)
	go r.Run()
	return r
}

func TestRotateAdvancesToNextEnabled(t *testing.T) {
	r := newTestRotator()

	mode, err := r.Rotate()
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if mode.Setting.ID != "bridge" {
		t.Fatalf("expected bridge after rotating from direct, got %s", mode.Setting.ID)
	}
}

func TestRotateFallsBackToDirectWhenNoneEnabled(t *testing.T) {
	r := NewRotator([]core.AccessMethodSetting{
		{ID: "direct", Kind: core.AccessDirect, Enabled: false},
		{ID: "bridge", Kind: core.AccessBridge, Enabled: false},
	}, nil, nil, nil, nil)
	go r.Run()

	mode, err := r.Rotate()
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if mode.Setting.Kind != core.AccessDirect {
		t.Fatalf("expected Direct fallback, got %v", mode.Setting.Kind)
	}
}

// TestUpdateRemovingCurrentRecomputesByID exercises the Open Question
// decision: removing the current entry during Update must not corrupt
// selection via a stale index. The rotator should fall back gracefully
// and a subsequent Rotate should still pick a valid, enabled entry.
func TestUpdateRemovingCurrentRecomputesByID(t *testing.T) {
	r := newTestRotator()

	if err := r.Use("bridge"); err != nil {
		t.Fatalf("Use: %v", err)
	}

	newSettings := []core.AccessMethodSetting{
		{ID: "direct", Kind: core.AccessDirect, Enabled: true},
		{ID: "custom1", Kind: core.AccessCustomSocks5, Enabled: true},
	}
	if err := r.Update(newSettings); err != nil {
		t.Fatalf("Update: %v", err)
	}

	mode, err := r.Rotate()
	if err != nil {
		t.Fatalf("Rotate after Update: %v", err)
	}
	if mode.Setting.ID != "direct" && mode.Setting.ID != "custom1" {
		t.Fatalf("Rotate after removing current entry returned stale id %q", mode.Setting.ID)
	}
}
