package accessmethod

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"github.com/mullvad-core/daemon/internal/core"
)

// pinnedDoHHost is the fixed hostname the daemon queries over DNS-over-
// HTTPS for the current set of encrypted-DNS-proxy endpoints (spec
// §4.5's "fetch configs via DoH against a pinned name").
const pinnedDoHHost = "api.mullvad.net"

// DoHProxyFetcher implements EncryptedDNSProxyFetcher by resolving
// pinnedDoHHost's A records over a fixed DoH resolver — the same wire
// format (github.com/miekg/dns message construction) used by
// internal/dnsfilter, POSTed as application/dns-message per RFC 8484.
type DoHProxyFetcher struct {
	DoHURL string // e.g. "https://dns.mullvad.net/dns-query"
	Client *http.Client
}

// NewDoHProxyFetcher creates a fetcher against dohURL with a bounded HTTP
// client timeout.
func NewDoHProxyFetcher(dohURL string) *DoHProxyFetcher {
	return &DoHProxyFetcher{DoHURL: dohURL, Client: &http.Client{Timeout: 5 * time.Second}}
}

// FetchProxies resolves pinnedDoHHost and turns each returned address
// into a resolved encrypted-DNS-proxy connection mode on port 443.
func (f *DoHProxyFetcher) FetchProxies() ([]core.ResolvedConnectionMode, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(pinnedDoHHost), dns.TypeA)
	msg.RecursionDesired = true

	packed, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("pack DoH query: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.DoHURL, bytes.NewReader(packed))
	if err != nil {
		return nil, fmt.Errorf("build DoH request: %w", err)
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("DoH request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("read DoH response: %w", err)
	}

	reply := new(dns.Msg)
	if err := reply.Unpack(body); err != nil {
		return nil, fmt.Errorf("unpack DoH response: %w", err)
	}

	var out []core.ResolvedConnectionMode
	for _, rr := range reply.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(a.A.To4())
		if !ok {
			continue
		}
		out = append(out, core.ResolvedConnectionMode{
			Setting: core.AccessMethodSetting{
				ID:   "encrypted-dns-" + addr.String(),
				Kind: core.AccessEncryptedDNS,
			},
			ProxyEndpoint: netip.AddrPortFrom(addr, 443),
		})
	}
	return out, nil
}
