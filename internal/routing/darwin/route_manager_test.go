//go:build darwin

package darwin

import (
	"testing"
)

func TestRestoreNoopWhenNothingAnchored(t *testing.T) {
	rm := NewRouteManager("utun7")
	if err := rm.Restore(); err != nil {
		t.Fatalf("Restore with nothing anchored should be a no-op, got %v", err)
	}
}

func TestUndoArgsTrackedPerFamily(t *testing.T) {
	rm := NewRouteManager("utun7")
	rm.mu.Lock()
	rm.scoped["inet"] = []string{"-n", "delete", "-net", "default", "-ifscope", "en0"}
	rm.unscoped["inet"] = []string{"-n", "delete", "-net", "default", "-interface", "utun7"}
	rm.mu.Unlock()

	if len(rm.scoped) != 1 || len(rm.unscoped) != 1 {
		t.Fatalf("expected one tracked family, got scoped=%d unscoped=%d", len(rm.scoped), len(rm.unscoped))
	}
}
