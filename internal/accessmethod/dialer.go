package accessmethod

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/net/proxy"

	"github.com/sagernet/sing-shadowsocks"
	M "github.com/sagernet/sing/common/metadata"

	"github.com/mullvad-core/daemon/internal/core"
)

// DialFunc matches http.Transport.DialContext, letting a resolved
// connection mode be dropped straight into an *http.Client.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Dial builds the DialFunc the account HTTP client should use for mode,
// per spec §4.5: Direct dials straight through, Bridge/CustomShadowsocks
// wrap the connection to ProxyEndpoint in Shadowsocks, CustomSocks5 goes
// through a SOCKS5 handshake, and CustomHTTP/EncryptedDNS tunnel via
// HTTP CONNECT (the encrypted-DNS-proxy's resolved port-443 endpoint is
// itself a TLS-fronted CONNECT proxy, the same shape as a custom HTTP
// proxy).
func Dial(mode core.ResolvedConnectionMode) (DialFunc, error) {
	switch mode.Setting.Kind {
	case core.AccessDirect:
		return (&net.Dialer{}).DialContext, nil
	case core.AccessBridge, core.AccessCustomShadowsocks:
		return shadowsocksDialer(mode), nil
	case core.AccessCustomSocks5:
		return socks5Dialer(mode), nil
	case core.AccessCustomHTTP, core.AccessEncryptedDNS:
		return connectDialer(mode), nil
	default:
		return nil, fmt.Errorf("no dialer for access method kind %v", mode.Setting.Kind)
	}
}

// shadowsocksDialer dials the proxy endpoint in the clear, then wraps it
// in the negotiated Shadowsocks AEAD method before handing the stream
// back to the caller's destination.
func shadowsocksDialer(mode core.ResolvedConnectionMode) DialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		method, err := shadowsocks.NewMethod(ctx, mode.Setting.ShadowsocksCipher, shadowsocks.MethodOptions{
			Password: mode.Setting.ShadowsocksPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("init shadowsocks method %s: %w", mode.Setting.ShadowsocksCipher, err)
		}

		conn, err := (&net.Dialer{}).DialContext(ctx, network, mode.ProxyEndpoint.String())
		if err != nil {
			return nil, fmt.Errorf("dial shadowsocks bridge %s: %w", mode.ProxyEndpoint, err)
		}

		dest := M.ParseSocksaddr(addr)
		ssConn, err := method.DialConn(ctx, conn, dest)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("shadowsocks handshake to %s: %w", addr, err)
		}
		return ssConn, nil
	}
}

// socks5Dialer authenticates against the user-supplied SOCKS5 endpoint
// with no credentials (spec's Custom access methods carry no SOCKS5
// username/password fields) and issues a CONNECT for each dial.
func socks5Dialer(mode core.ResolvedConnectionMode) DialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialer, err := proxy.SOCKS5(network, mode.ProxyEndpoint.String(), nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("init socks5 dialer %s: %w", mode.ProxyEndpoint, err)
		}
		if ctxDialer, ok := dialer.(proxy.ContextDialer); ok {
			return ctxDialer.DialContext(ctx, network, addr)
		}
		return dialer.Dial(network, addr)
	}
}

// connectDialer speaks a plain HTTP CONNECT handshake to the proxy
// endpoint and hands back the tunneled connection once the proxy
// confirms with a 200 response.
func connectDialer(mode core.ResolvedConnectionMode) DialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := (&net.Dialer{}).DialContext(ctx, network, mode.ProxyEndpoint.String())
		if err != nil {
			return nil, fmt.Errorf("dial http proxy %s: %w", mode.ProxyEndpoint, err)
		}
		// The encrypted-DNS-proxy variant fronts its CONNECT endpoint with
		// TLS on port 443; a plain custom HTTP proxy does not.
		if mode.Setting.Kind == core.AccessEncryptedDNS {
			conn = tls.Client(conn, &tls.Config{ServerName: mode.ProxyEndpoint.Addr().String()})
		}

		req, err := http.NewRequest(http.MethodConnect, "http://"+addr, nil)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("build CONNECT request: %w", err)
		}
		req.Host = addr
		if err := req.Write(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("write CONNECT request: %w", err)
		}

		resp, err := http.ReadResponse(bufio.NewReader(conn), req)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("read CONNECT response: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			conn.Close()
			return nil, fmt.Errorf("CONNECT %s: unexpected status %s", addr, resp.Status)
		}
		return conn, nil
	}
}
