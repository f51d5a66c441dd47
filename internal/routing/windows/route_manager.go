//go:build windows

// Package windows implements the Windows routing integration (spec
// §4.8): IP Helper route table entries owned by the daemon, rebound to
// whichever physical interface currently holds the best default route.
package windows

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/mullvad-core/daemon/internal/core"
)

var (
	modiphlpapi              = windows.NewLazySystemDLL("iphlpapi.dll")
	procCreateIpForwardEntry2 = modiphlpapi.NewProc("CreateIpForwardEntry2")
	procDeleteIpForwardEntry2 = modiphlpapi.NewProc("DeleteIpForwardEntry2")
	procGetBestInterfaceEx    = modiphlpapi.NewProc("GetBestInterfaceEx")
)

// mibIPforwardRow2 mirrors the fields of MIB_IPFORWARD_ROW2 this package
// actually sets; the rest of the struct is left zeroed, which the IP
// Helper API treats as "don't care" for an add.
type mibIPforwardRow2 struct {
	luid              uint64
	index             uint32
	destPrefixFamily  uint16
	_                 uint16
	destPrefixAddr    [16]byte
	destPrefixLength  uint8
	_                 [3]byte
	nextHopFamily     uint16
	_                 uint16
	nextHopAddr       [16]byte
	_                 [100]byte // remainder of MIB_IPFORWARD_ROW2 (metric, protocol, age, etc.)
}

// RouteRecord describes one route the daemon has installed, kept so it
// can be undone and so DefaultRouteMonitor can rebind it when the
// underlying physical interface changes.
type RouteRecord struct {
	Destination netip.Prefix
	NextHop     netip.Addr
	InterfaceIndex uint32
}

// RouteManager owns the set of routes installed for one tunnel.
type RouteManager struct {
	mu     sync.Mutex
	routes []RouteRecord
}

// NewRouteManager creates an empty manager.
func NewRouteManager() *RouteManager {
	return &RouteManager{}
}

// AddRoute installs a route for dest via nextHop on the interface
// identified by ifIndex, and records it for later undo/rebind.
func (rm *RouteManager) AddRoute(dest netip.Prefix, nextHop netip.Addr, ifIndex uint32) error {
	row := buildRow(dest, nextHop, ifIndex)
	r1, _, _ := procCreateIpForwardEntry2.Call(uintptr(unsafe.Pointer(&row)))
	if r1 != 0 {
		return fmt.Errorf("CreateIpForwardEntry2(%s via %s): status %d", dest, nextHop, r1)
	}

	rm.mu.Lock()
	rm.routes = append(rm.routes, RouteRecord{Destination: dest, NextHop: nextHop, InterfaceIndex: ifIndex})
	rm.mu.Unlock()
	return nil
}

// RemoveAll deletes every route this manager installed.
func (rm *RouteManager) RemoveAll() error {
	rm.mu.Lock()
	routes := rm.routes
	rm.routes = nil
	rm.mu.Unlock()

	var lastErr error
	for _, r := range routes {
		row := buildRow(r.Destination, r.NextHop, r.InterfaceIndex)
		r1, _, _ := procDeleteIpForwardEntry2.Call(uintptr(unsafe.Pointer(&row)))
		if r1 != 0 {
			core.Log.Warnf("routing.windows", "delete route %s: status %d", r.Destination, r1)
			lastErr = fmt.Errorf("DeleteIpForwardEntry2(%s): status %d", r.Destination, r1)
		}
	}
	return lastErr
}

// Rebind replaces every tracked route's interface/next-hop with newIndex
// and newNextHop — used when DefaultRouteMonitor observes the best
// default route move to a different physical adapter (spec §4.8).
func (rm *RouteManager) Rebind(newIndex uint32, newNextHop netip.Addr) error {
	rm.mu.Lock()
	routes := make([]RouteRecord, len(rm.routes))
	copy(routes, rm.routes)
	rm.mu.Unlock()

	var lastErr error
	for i, r := range routes {
		oldRow := buildRow(r.Destination, r.NextHop, r.InterfaceIndex)
		procDeleteIpForwardEntry2.Call(uintptr(unsafe.Pointer(&oldRow)))

		newRow := buildRow(r.Destination, newNextHop, newIndex)
		r1, _, _ := procCreateIpForwardEntry2.Call(uintptr(unsafe.Pointer(&newRow)))
		if r1 != 0 {
			lastErr = fmt.Errorf("rebind %s to interface %d: status %d", r.Destination, newIndex, r1)
			continue
		}

		rm.mu.Lock()
		rm.routes[i].InterfaceIndex = newIndex
		rm.routes[i].NextHop = newNextHop
		rm.mu.Unlock()
	}
	return lastErr
}

func buildRow(dest netip.Prefix, nextHop netip.Addr, ifIndex uint32) mibIPforwardRow2 {
	var row mibIPforwardRow2
	row.index = ifIndex

	if dest.Addr().Is4() {
		row.destPrefixFamily = windows.AF_INET
		copy(row.destPrefixAddr[:4], dest.Addr().AsSlice())
	} else {
		row.destPrefixFamily = windows.AF_INET6
		copy(row.destPrefixAddr[:16], dest.Addr().AsSlice())
	}
	row.destPrefixLength = uint8(dest.Bits())

	if nextHop.Is4() {
		row.nextHopFamily = windows.AF_INET
		copy(row.nextHopAddr[:4], nextHop.AsSlice())
	} else {
		row.nextHopFamily = windows.AF_INET6
		copy(row.nextHopAddr[:16], nextHop.AsSlice())
	}

	return row
}

// DefaultRouteMonitor polls for the interface index GetBestInterfaceEx
// resolves for the public internet and calls onChange with its index
// whenever it differs from the previous observation.
type DefaultRouteMonitor struct {
	pollInterval time.Duration
}

// NewDefaultRouteMonitor creates a monitor polling at the given interval.
func NewDefaultRouteMonitor(pollInterval time.Duration) *DefaultRouteMonitor {
	return &DefaultRouteMonitor{pollInterval: pollInterval}
}

// Run polls until ctx is cancelled, invoking onChange(ifIndex) whenever
// the best-interface resolution changes.
func (d *DefaultRouteMonitor) Run(ctx context.Context, probe netip.Addr, onChange func(ifIndex uint32)) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	var last uint32
	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idx, err := bestInterfaceFor(probe)
			if err != nil {
				core.Log.Warnf("routing.windows", "GetBestInterfaceEx: %v", err)
				continue
			}
			if first || idx != last {
				first = false
				last = idx
				onChange(idx)
			}
		}
	}
}

func bestInterfaceFor(dst netip.Addr) (uint32, error) {
	sa := sockaddrInet(dst)
	var ifIndex uint32
	r1, _, _ := procGetBestInterfaceEx.Call(uintptr(unsafe.Pointer(&sa)), uintptr(unsafe.Pointer(&ifIndex)))
	if r1 != 0 {
		return 0, fmt.Errorf("status %d", r1)
	}
	return ifIndex, nil
}

// sockaddrInet builds a minimal sockaddr big enough for GetBestInterfaceEx,
// which only inspects the address family and address bytes.
func sockaddrInet(addr netip.Addr) [28]byte {
	var buf [28]byte
	if addr.Is4() {
		buf[0] = byte(windows.AF_INET)
		copy(buf[4:8], addr.AsSlice())
	} else {
		buf[0] = byte(windows.AF_INET6)
		copy(buf[8:24], addr.AsSlice())
	}
	return buf
}
