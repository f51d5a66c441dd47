//go:build linux

// Package linux implements Linux split tunneling: per-process exclusion
// keyed on a firewall mark and a cgroup net_cls classid, routed via
// policy rules that bypass the tunnel's dedicated routing table.
package linux

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/vishvananda/netlink"
)

// ExcludeClassID is the cgroup net_cls classid assigned to excluded
// processes; packets from this cgroup are marked and routed through the
// main table instead of routing.TunnelTable.
const ExcludeClassID = 0x00090001

// cgroupNetClsRoot is where the daemon mounts/uses the net_cls cgroup
// hierarchy for split-tunnel exclusion.
const cgroupNetClsRoot = "/sys/fs/cgroup/net_cls/mullvad-exclude"

// Excluder manages the policy rule that routes ExcludeClassID-marked
// traffic around the tunnel, and the cgroup processes are added to in
// order to pick up that mark.
type Excluder struct {
	cgroupRoot string // net_cls cgroup directory for excluded processes
	parentRoot string // net_cls cgroup directory processes return to on removal

	mu      sync.Mutex
	rule    *netlink.Rule
	members map[int]bool // pids currently in the exclude cgroup
}

// NewExcluder creates an excluder rooted at the real net_cls cgroup
// hierarchy. Call EnsureCgroup before adding processes.
func NewExcluder() *Excluder {
	return newExcluderAt(cgroupNetClsRoot, "/sys/fs/cgroup/net_cls")
}

// newExcluderAt creates an excluder rooted at an arbitrary path, so tests
// can exercise AddProcess/RemoveProcess against a temp directory instead
// of the real cgroup filesystem.
func newExcluderAt(cgroupRoot, parentRoot string) *Excluder {
	return &Excluder{cgroupRoot: cgroupRoot, parentRoot: parentRoot, members: make(map[int]bool)}
}

// EnsureCgroup creates the net_cls cgroup and assigns ExcludeClassID to
// it, creating the directory if it does not already exist.
func (e *Excluder) EnsureCgroup() error {
	if err := os.MkdirAll(e.cgroupRoot, 0755); err != nil {
		return fmt.Errorf("create net_cls cgroup: %w", err)
	}
	classIDPath := filepath.Join(e.cgroupRoot, "net_cls.classid")
	if err := os.WriteFile(classIDPath, []byte(strconv.Itoa(ExcludeClassID)), 0644); err != nil {
		return fmt.Errorf("write net_cls.classid: %w", err)
	}
	return nil
}

// InstallPolicyRule adds the netlink rule that sends cgroup-tagged
// traffic to the main table, bypassing routing.TunnelTable — the
// complement of the tunnel's own fwmark rule.
func (e *Excluder) InstallPolicyRule() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rule := netlink.NewRule()
	rule.Mark = ExcludeClassID
	rule.Table = unix_RT_TABLE_MAIN
	rule.Priority = 50 // lower priority value than the tunnel rule: evaluated first
	if err := netlink.RuleAdd(rule); err != nil {
		return fmt.Errorf("add exclude policy rule: %w", err)
	}
	e.rule = rule
	return nil
}

// unix_RT_TABLE_MAIN mirrors RT_TABLE_MAIN (254) from <linux/rtnetlink.h>
// without pulling in golang.org/x/sys/unix purely for one constant.
const unix_RT_TABLE_MAIN = 254

// RemovePolicyRule undoes InstallPolicyRule.
func (e *Excluder) RemovePolicyRule() error {
	e.mu.Lock()
	rule := e.rule
	e.rule = nil
	e.mu.Unlock()

	if rule == nil {
		return nil
	}
	if err := netlink.RuleDel(rule); err != nil {
		return fmt.Errorf("remove exclude policy rule: %w", err)
	}
	return nil
}

// AddProcess assigns pid to the exclude cgroup, causing its traffic to be
// tagged with ExcludeClassID (and thus routed around the tunnel).
func (e *Excluder) AddProcess(pid int) error {
	procsPath := filepath.Join(e.cgroupRoot, "cgroup.procs")
	if err := os.WriteFile(procsPath, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return fmt.Errorf("add pid %d to exclude cgroup: %w", pid, err)
	}
	e.mu.Lock()
	e.members[pid] = true
	e.mu.Unlock()
	return nil
}

// RemoveProcess moves pid back to the parent cgroup (classid 0), so its
// traffic resumes routing via the tunnel's dedicated table.
func (e *Excluder) RemoveProcess(pid int) error {
	rootProcsPath := filepath.Join(e.parentRoot, "cgroup.procs")
	if err := os.WriteFile(rootProcsPath, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return fmt.Errorf("remove pid %d from exclude cgroup: %w", pid, err)
	}
	e.mu.Lock()
	delete(e.members, pid)
	e.mu.Unlock()
	return nil
}

// Members returns the pids currently excluded, for diagnostics.
func (e *Excluder) Members() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int, 0, len(e.members))
	for pid := range e.members {
		out = append(out, pid)
	}
	return out
}
