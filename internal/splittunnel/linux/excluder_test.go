//go:build linux

package linux

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureCgroupWritesClassID(t *testing.T) {
	root := t.TempDir()
	cgroupDir := filepath.Join(root, "mullvad-exclude")
	e := newExcluderAt(cgroupDir, root)

	if err := e.EnsureCgroup(); err != nil {
		t.Fatalf("EnsureCgroup: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(cgroupDir, "net_cls.classid"))
	if err != nil {
		t.Fatalf("read classid: %v", err)
	}
	if string(data) != "589825" { // ExcludeClassID in decimal
		t.Fatalf("unexpected classid contents: %q", data)
	}
}

func TestAddAndRemoveProcessTracksMembership(t *testing.T) {
	root := t.TempDir()
	cgroupDir := filepath.Join(root, "mullvad-exclude")
	e := newExcluderAt(cgroupDir, root)
	if err := e.EnsureCgroup(); err != nil {
		t.Fatalf("EnsureCgroup: %v", err)
	}
	// cgroup.procs files in a real cgroupfs already exist; emulate that.
	if err := os.WriteFile(filepath.Join(cgroupDir, "cgroup.procs"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "cgroup.procs"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	if err := e.AddProcess(4242); err != nil {
		t.Fatalf("AddProcess: %v", err)
	}
	members := e.Members()
	if len(members) != 1 || members[0] != 4242 {
		t.Fatalf("expected [4242], got %v", members)
	}

	if err := e.RemoveProcess(4242); err != nil {
		t.Fatalf("RemoveProcess: %v", err)
	}
	if len(e.Members()) != 0 {
		t.Fatalf("expected empty membership after removal, got %v", e.Members())
	}
}
