//go:build darwin

package dnsfilter

import (
	"net/netip"
	"testing"

	"github.com/miekg/dns"
)

func TestGetResolverConfigSkipsLoopbackEntries(t *testing.T) {
	r := New(nil)
	r.SetResolvers("lo0", []netip.Addr{netip.MustParseAddr("127.0.0.1")}, 1)
	r.SetResolvers("en0", []netip.Addr{netip.MustParseAddr("10.0.0.1")}, 4)

	iface, addrs := r.getResolverConfig()
	if iface != "en0" || len(addrs) != 1 || addrs[0].String() != "10.0.0.1" {
		t.Fatalf("got (%q, %v), want (en0, [10.0.0.1])", iface, addrs)
	}
}

func TestGetResolverConfigEmptyWhenOnlyLoopback(t *testing.T) {
	r := New(nil)
	r.SetResolvers("lo0", []netip.Addr{netip.MustParseAddr("127.0.0.1")}, 1)

	iface, addrs := r.getResolverConfig()
	if iface != "" || addrs != nil {
		t.Fatalf("got (%q, %v), want (\"\", nil)", iface, addrs)
	}
}

func TestClearResolversEmptiesConfig(t *testing.T) {
	r := New(nil)
	r.SetResolvers("en0", []netip.Addr{netip.MustParseAddr("10.0.0.1")}, 4)
	r.ClearResolvers()

	if iface, addrs := r.getResolverConfig(); iface != "" || addrs != nil {
		t.Fatalf("expected empty config after Clear, got (%q, %v)", iface, addrs)
	}
}

func TestExtractAddrsCollectsAAndAAAA(t *testing.T) {
	msg := new(dns.Msg)
	msg.SetQuestion(captivePortal, dns.TypeA)
	a, err := dns.NewRR("captive.apple.com. 60 IN A 17.253.144.10")
	if err != nil {
		t.Fatal(err)
	}
	aaaa, err := dns.NewRR("captive.apple.com. 60 IN AAAA 2620:149:a44::10")
	if err != nil {
		t.Fatal(err)
	}
	msg.Answer = []dns.RR{a, aaaa}

	got := extractAddrs(msg)
	if len(got) != 2 {
		t.Fatalf("expected 2 addresses, got %v", got)
	}
	if got[0].String() != "17.253.144.10" || got[1].String() != "2620:149:a44::10" {
		t.Fatalf("unexpected addresses: %v", got)
	}
}

func TestHandleIgnoresQueriesForOtherNames(t *testing.T) {
	r := New(nil)

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	rec := &recordingWriter{}
	r.handle(rec, req)

	if rec.msg == nil {
		t.Fatal("expected a reply to be written")
	}
	if len(rec.msg.Answer) != 0 {
		t.Fatalf("expected empty answer for non-captive-portal query, got %v", rec.msg.Answer)
	}
}

// recordingWriter is a minimal dns.ResponseWriter that just captures the
// written message; none of the other methods are exercised by handle.
type recordingWriter struct {
	dns.ResponseWriter
	msg *dns.Msg
}

func (w *recordingWriter) WriteMsg(m *dns.Msg) error {
	w.msg = m
	return nil
}
