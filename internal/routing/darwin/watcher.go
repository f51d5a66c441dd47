//go:build darwin

package darwin

import (
	"context"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mullvad-core/daemon/internal/core"
)

// Watcher subscribes to a PF_ROUTE socket and calls RefreshIfChanged on rm
// for both address families whenever the kernel reports a route or address
// change, coalescing bursts of messages into a single refresh per
// burstGuardWindow (spec §4.7: "refresh on every route-table change",
// guarded against reconfiguration storms).
type Watcher struct {
	rm            *RouteManager
	fd            int
	tunnelGateway netip.Addr
}

// NewWatcher opens a PF_ROUTE socket listening for route and address
// events relevant to default-route discovery.
func NewWatcher(rm *RouteManager, tunnelGateway netip.Addr) (*Watcher, error) {
	fd, err := unix.Socket(unix.AF_ROUTE, unix.SOCK_RAW, unix.AF_UNSPEC)
	if err != nil {
		return nil, err
	}
	return &Watcher{rm: rm, fd: fd, tunnelGateway: tunnelGateway}, nil
}

// Run reads PF_ROUTE messages until ctx is cancelled, triggering a
// debounced refresh on RTM_ADD, RTM_DELETE, RTM_CHANGE, RTM_NEWADDR and
// RTM_DELADDR.
func (w *Watcher) Run(ctx context.Context) {
	defer unix.Close(w.fd)

	go func() {
		<-ctx.Done()
		unix.Close(w.fd)
	}()

	pending := make(chan struct{}, 1)
	go w.refreshLoop(ctx, pending)

	buf := make([]byte, 2048)
	for {
		n, err := unix.Read(w.fd, buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			core.Log.Warnf("routing.darwin", "PF_ROUTE read error: %v", err)
			continue
		}
		if n < 4 {
			continue
		}
		msgType := buf[3]
		switch msgType {
		case unix.RTM_ADD, unix.RTM_DELETE, unix.RTM_CHANGE, unix.RTM_NEWADDR, unix.RTM_DELADDR:
			select {
			case pending <- struct{}{}:
			default:
			}
		}
	}
}

// refreshLoop coalesces bursts of pending signals: it waits for the first
// signal, then sleeps burstGuardWindow to absorb any further signals
// before running a single refresh.
func (w *Watcher) refreshLoop(ctx context.Context, pending <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-pending:
		}

		timer := time.NewTimer(burstGuardWindow)
	drain:
		for {
			select {
			case <-pending:
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(burstGuardWindow)
			case <-timer.C:
				break drain
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}

		for _, family := range []string{"inet", "inet6"} {
			if err := w.rm.RefreshIfChanged(family, w.tunnelGateway); err != nil {
				core.Log.Warnf("routing.darwin", "refresh default route (%s): %v", family, err)
			}
		}
	}
}
