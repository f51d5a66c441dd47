//go:build darwin

// Package dnsfilter implements the macOS captive-portal DNS filter (spec
// §4.11): a stub resolver bound to 127.0.0.1:53 that answers only
// `captive.apple.com` by forwarding to the configured upstream, opening
// the firewall for the resulting addresses before replying.
package dnsfilter

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/mullvad-core/daemon/internal/core"
)

const (
	listenAddr     = "127.0.0.1:53"
	captivePortal  = "captive.apple.com."
	upstreamDialTO = 3 * time.Second
)

// FirewallAllower is the narrow capability this filter drives: opening the
// firewall for resolved addresses before the reply reaches the client,
// mirroring the state machine's own small-capability-set pattern in
// internal/statemachine.
type FirewallAllower interface {
	AddAllowedIps(ctx context.Context, ips []netip.Addr) error
}

// Resolver is the captive-portal stub DNS server. It can be configured with
// more than one (interface, upstream addresses) pair -- e.g. while the
// network service order is still settling -- and picks one to query.
type Resolver struct {
	firewall FirewallAllower

	mu       sync.Mutex
	active   map[string][]netip.Addr // interface name -> upstream addresses
	ifaceIdx map[string]int          // interface name -> interface index, for bindControl

	server *dns.Server
}

// New creates a captive-portal resolver that reports resolved addresses to
// firewall before answering.
func New(firewall FirewallAllower) *Resolver {
	return &Resolver{firewall: firewall, active: make(map[string][]netip.Addr), ifaceIdx: make(map[string]int)}
}

// SetResolvers replaces the set of (interface, upstream addresses, link
// index) triples the resolver may forward through.
func (r *Resolver) SetResolvers(ifaceName string, addrs []netip.Addr, ifaceIndex int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[ifaceName] = addrs
	r.ifaceIdx[ifaceName] = ifaceIndex
}

// ClearResolvers drops every configured upstream.
func (r *Resolver) ClearResolvers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = make(map[string][]netip.Addr)
	r.ifaceIdx = make(map[string]int)
}

// getResolverConfig picks the (interface, addresses) pair to query. Prefers
// an entry whose addresses are not themselves loopback (i.e. not pointed
// back at this very resolver).
func (r *Resolver) getResolverConfig() (string, []netip.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for iface, addrs := range r.active {
		hasLoopback := false
		for _, a := range addrs {
			if a.IsLoopback() {
				hasLoopback = true
				break
			}
		}
		if !hasLoopback && len(addrs) > 0 {
			// TODO: actually pick the best resolver; for now the first
			// non-loopback entry found wins.
			return iface, addrs
		}
	}
	return "", nil
}

// Start binds 127.0.0.1:53 and begins serving. It blocks until the server
// stops or ctx is done.
func (r *Resolver) Start(ctx context.Context) error {
	mux := dns.NewServeMux()
	mux.HandleFunc(".", r.handle)

	r.server = &dns.Server{Addr: listenAddr, Net: "udp", Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- r.server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return r.Stop()
	case err := <-errCh:
		return err
	}
}

// Stop shuts the server down.
func (r *Resolver) Stop() error {
	if r.server == nil {
		return nil
	}
	return r.server.Shutdown()
}

func (r *Resolver) handle(w dns.ResponseWriter, req *dns.Msg) {
	resp := new(dns.Msg)
	resp.SetReply(req)

	if len(req.Question) != 1 {
		w.WriteMsg(resp)
		return
	}
	q := req.Question[0]
	if q.Name != captivePortal || (q.Qtype != dns.TypeA && q.Qtype != dns.TypeAAAA && q.Qtype != dns.TypeCNAME) {
		w.WriteMsg(resp)
		return
	}

	answer, err := r.forward(req)
	if err != nil {
		core.Log.Warnf("dnsfilter", "forward %s: %v", q.Name, err)
		w.WriteMsg(resp)
		return
	}

	ips := extractAddrs(answer)
	if len(ips) > 0 && r.firewall != nil {
		ctx, cancel := context.WithTimeout(context.Background(), upstreamDialTO)
		if err := r.firewall.AddAllowedIps(ctx, ips); err != nil {
			cancel()
			core.Log.Warnf("dnsfilter", "AddAllowedIps: %v", err)
			w.WriteMsg(resp)
			return
		}
		cancel()
	}

	w.WriteMsg(answer)
}

func (r *Resolver) forward(req *dns.Msg) (*dns.Msg, error) {
	iface, addrs := r.getResolverConfig()
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no upstream resolver configured")
	}

	r.mu.Lock()
	ifIndex := r.ifaceIdx[iface]
	r.mu.Unlock()

	upstream := net.JoinHostPort(addrs[0].String(), "53")
	client := &dns.Client{
		Net:     "udp",
		Timeout: upstreamDialTO,
		Dialer:  &net.Dialer{Timeout: upstreamDialTO, Control: bindControl(ifIndex)},
	}
	resp, _, err := client.Exchange(req, upstream)
	if err != nil {
		return nil, fmt.Errorf("exchange with %s via %s: %w", upstream, iface, err)
	}
	return resp, nil
}

func extractAddrs(msg *dns.Msg) []netip.Addr {
	var out []netip.Addr
	for _, rr := range msg.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			if addr, ok := netip.AddrFromSlice(rec.A.To4()); ok {
				out = append(out, addr)
			}
		case *dns.AAAA:
			if addr, ok := netip.AddrFromSlice(rec.AAAA.To16()); ok {
				out = append(out, addr)
			}
		}
	}
	return out
}
