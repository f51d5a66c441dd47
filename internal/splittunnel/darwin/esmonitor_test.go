//go:build darwin

package darwin

import (
	"strings"
	"testing"
	"time"
)

type fakeExcludeSet struct {
	excluded map[string]bool
}

func (f fakeExcludeSet) Excluded(path string) bool { return f.excluded[path] }

func TestHandleLineTracksExecPath(t *testing.T) {
	m := NewESMonitor(fakeExcludeSet{excluded: map[string]bool{"/usr/bin/curl": true}})

	line := `{"event":{"exec":{"target":{"pid":{"pid":100},"executable":{"path":"/usr/bin/curl"}}}},"process":{"audit_token":{"pid":100}}}`
	m.handleLine([]byte(line))

	if got := m.Classify(100); got != DispositionDefaultInterface {
		t.Fatalf("expected DefaultInterface for excluded path, got %v", got)
	}
}

func TestHandleLineInheritsPathAcrossFork(t *testing.T) {
	m := NewESMonitor(fakeExcludeSet{excluded: map[string]bool{"/usr/bin/curl": true}})

	execLine := `{"event":{"exec":{"target":{"pid":{"pid":100},"executable":{"path":"/usr/bin/curl"}}}},"process":{"audit_token":{"pid":100}}}`
	m.handleLine([]byte(execLine))

	forkLine := `{"event":{"fork":{"child":{"pid":{"pid":200}}}},"process":{"audit_token":{"pid":100}}}`
	m.handleLine([]byte(forkLine))

	if got := m.Classify(200); got != DispositionDefaultInterface {
		t.Fatalf("expected child pid to inherit excluded parent's path, got %v", got)
	}
}

func TestHandleLineExitRemovesPath(t *testing.T) {
	m := NewESMonitor(fakeExcludeSet{excluded: map[string]bool{"/usr/bin/curl": true}})

	execLine := `{"event":{"exec":{"target":{"pid":{"pid":100},"executable":{"path":"/usr/bin/curl"}}}},"process":{"audit_token":{"pid":100}}}`
	m.handleLine([]byte(execLine))

	exitLine := `{"event":{"exit":{}},"process":{"audit_token":{"pid":100}}}`
	m.handleLine([]byte(exitLine))

	if got := m.Classify(100); got != DispositionVPNTunnel {
		t.Fatalf("expected untracked pid to default to VpnTunnel, got %v", got)
	}
}

func TestClassifyDefaultsToVPNTunnelForUnknownPid(t *testing.T) {
	m := NewESMonitor(nil)
	if got := m.Classify(9999); got != DispositionVPNTunnel {
		t.Fatalf("expected VpnTunnel default, got %v", got)
	}
}

func TestWatchStderrSignalsOnFDADenialMarker(t *testing.T) {
	m := NewESMonitor(nil)
	denied := make(chan struct{}, 1)
	r := strings.NewReader("some preamble\n" + fdaDenialMarker + ": client rejected\n")

	m.watchStderr(r, denied)

	select {
	case <-denied:
	case <-time.After(time.Second):
		t.Fatal("expected denied signal after marker line")
	}
}
