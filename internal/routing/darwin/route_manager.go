//go:build darwin

// Package darwin implements the macOS routing integration (spec §4.7):
// scoped default-route anchoring via route(8), refreshed on every
// PF_ROUTE change with a burst guard.
package darwin

import (
	"fmt"
	"net"
	"net/netip"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mullvad-core/daemon/internal/core"
)

// restoreRetryBase and restoreMaxAttempts implement the "500ms * 5^attempt,
// up to 3 attempts" bounded-retry teardown from spec §4.7.
const (
	restoreRetryBase = 500 * time.Millisecond
	restoreMaxAttempts = 3
	burstGuardWindow   = 200 * time.Millisecond
)

// DefaultInterface is the result of finding the "best default route" for
// one address family (spec §4.7 step 1).
type DefaultInterface struct {
	Name    string
	Gateway netip.Addr
	Index   int
}

// RouteManager owns the macOS routing table changes made while a tunnel is
// up: scoped defaults anchored to the pre-tunnel best interface, plus an
// unscoped default through the tunnel. Grounded on the teacher's route(8)
// shell-out pattern (same tolerant-of-"File exists"/"not in table" style).
type RouteManager struct {
	tunIfName string

	mu       sync.Mutex
	scoped   map[string][]string // family -> delete args for the scoped default
	unscoped map[string][]string // family -> delete args for the tunnel default
	current  map[string]DefaultInterface
}

// NewRouteManager creates a manager that will scope routes around tunIfName
// (e.g. "utun5") once tunnel routes are installed.
func NewRouteManager(tunIfName string) *RouteManager {
	return &RouteManager{
		tunIfName: tunIfName,
		scoped:    map[string][]string{},
		unscoped:  map[string][]string{},
		current:   map[string]DefaultInterface{},
	}
}

// FindBestDefault parses `route -n get -inet`/`-inet6` default output to
// find the first interface in network-service order with a valid gateway
// for family ("inet" or "inet6") — spec §4.7 step 1.
func FindBestDefault(family string) (DefaultInterface, error) {
	out, err := exec.Command("route", "-n", "get", "-"+family, "default").CombinedOutput()
	if err != nil {
		return DefaultInterface{}, fmt.Errorf("route get default (%s): %w", family, err)
	}

	var gateway, ifName string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "gateway:") {
			gateway = strings.TrimSpace(line[len("gateway:"):])
		} else if strings.HasPrefix(line, "interface:") {
			ifName = strings.TrimSpace(line[len("interface:"):])
		}
	}
	if gateway == "" || ifName == "" {
		return DefaultInterface{}, fmt.Errorf("no default gateway for family %s", family)
	}

	gw, err := netip.ParseAddr(gateway)
	if err != nil {
		return DefaultInterface{}, fmt.Errorf("parse gateway %q: %w", gateway, err)
	}
	iface, err := net.InterfaceByName(ifName)
	if err != nil {
		return DefaultInterface{}, fmt.Errorf("interface %s: %w", ifName, err)
	}

	return DefaultInterface{Name: ifName, Gateway: gw, Index: iface.Index}, nil
}

// AnchorDefault performs spec §4.7 steps 2-3 for one address family:
// replace the unscoped default with an RTF_IFSCOPE-scoped variant on
// best, then add a new unscoped default via the tunnel's link address.
func (rm *RouteManager) AnchorDefault(family string, best DefaultInterface, tunnelGateway netip.Addr) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	netArg := "-net"
	dest := "default"

	delUnscoped := []string{"-n", "delete", netArg, dest}
	_ = routeExec(delUnscoped, false) // tolerate absence

	addScoped := []string{"-n", "add", netArg, dest, best.Gateway.String(), "-ifscope", best.Name}
	if err := routeExec(addScoped, true); err != nil {
		return fmt.Errorf("anchor scoped default via %s: %w", best.Name, err)
	}
	rm.scoped[family] = []string{"-n", "delete", netArg, dest, "-ifscope", best.Name}

	addUnscoped := []string{"-n", "add", netArg, dest, tunnelGateway.String(), "-interface", rm.tunIfName}
	if err := routeExec(addUnscoped, true); err != nil {
		return fmt.Errorf("add tunnel default: %w", err)
	}
	rm.unscoped[family] = []string{"-n", "delete", netArg, dest, "-interface", rm.tunIfName}

	rm.current[family] = best
	core.Log.Infof("routing.darwin", "anchored %s default: scoped=%s tunnel=%s", family, best.Name, rm.tunIfName)
	return nil
}

// RefreshIfChanged re-runs FindBestDefault and, if it differs from the
// currently anchored interface, repeats AnchorDefault — spec §4.7's
// burst-guarded refresh. Callers should debounce calls by burstGuardWindow
// themselves (the PF_ROUTE watch loop owns that).
func (rm *RouteManager) RefreshIfChanged(family string, tunnelGateway netip.Addr) error {
	best, err := FindBestDefault(family)
	if err != nil {
		return err
	}
	rm.mu.Lock()
	cur, ok := rm.current[family]
	rm.mu.Unlock()
	if ok && cur.Name == best.Name && cur.Gateway == best.Gateway {
		return nil
	}
	return rm.AnchorDefault(family, best, tunnelGateway)
}

// Restore undoes AnchorDefault for every family, retrying with the
// bounded backoff from spec §4.7 (500ms * 5^attempt, up to 3 attempts)
// since restoration races with OS interface reconfiguration.
func (rm *RouteManager) Restore() error {
	rm.mu.Lock()
	families := make([]string, 0, len(rm.scoped))
	for f := range rm.scoped {
		families = append(families, f)
	}
	rm.mu.Unlock()

	var lastErr error
	for _, family := range families {
		if err := rm.restoreOne(family); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (rm *RouteManager) restoreOne(family string) error {
	rm.mu.Lock()
	scopedDel := rm.scoped[family]
	unscopedDel := rm.unscoped[family]
	rm.mu.Unlock()

	delay := restoreRetryBase
	var lastErr error
	for attempt := 0; attempt < restoreMaxAttempts; attempt++ {
		err1 := routeExec(unscopedDel, false)
		err2 := routeExec(scopedDel, false)
		if err1 == nil && err2 == nil {
			rm.mu.Lock()
			delete(rm.scoped, family)
			delete(rm.unscoped, family)
			delete(rm.current, family)
			rm.mu.Unlock()
			return nil
		}
		lastErr = err1
		if err2 != nil {
			lastErr = err2
		}
		time.Sleep(delay)
		delay *= 5
	}
	return fmt.Errorf("restore default route for %s after %d attempts: %w", family, restoreMaxAttempts, lastErr)
}

func routeExec(args []string, tolerateExists bool) error {
	out, err := exec.Command("route", args...).CombinedOutput()
	if err != nil {
		outStr := strings.TrimSpace(string(out))
		if tolerateExists && strings.Contains(outStr, "File exists") {
			return nil
		}
		if strings.Contains(outStr, "not in table") {
			return nil
		}
		return fmt.Errorf("route %s: %s", strings.Join(args, " "), outStr)
	}
	return nil
}
