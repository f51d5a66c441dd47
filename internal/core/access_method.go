package core

import (
	"fmt"
	"net/netip"

	"gopkg.in/yaml.v3"
)

// AccessMethodKind identifies how the daemon reaches the Mullvad API.
type AccessMethodKind int

const (
	AccessDirect AccessMethodKind = iota
	AccessBridge
	AccessEncryptedDNS
	AccessCustomSocks5
	AccessCustomShadowsocks
	AccessCustomHTTP
)

func (k AccessMethodKind) String() string {
	switch k {
	case AccessDirect:
		return "direct"
	case AccessBridge:
		return "bridge"
	case AccessEncryptedDNS:
		return "encrypted_dns"
	case AccessCustomSocks5:
		return "custom_socks5"
	case AccessCustomShadowsocks:
		return "custom_shadowsocks"
	case AccessCustomHTTP:
		return "custom_http"
	default:
		return "unknown"
	}
}

func ParseAccessMethodKind(s string) (AccessMethodKind, error) {
	switch s {
	case "direct":
		return AccessDirect, nil
	case "bridge":
		return AccessBridge, nil
	case "encrypted_dns":
		return AccessEncryptedDNS, nil
	case "custom_socks5":
		return AccessCustomSocks5, nil
	case "custom_shadowsocks":
		return AccessCustomShadowsocks, nil
	case "custom_http":
		return AccessCustomHTTP, nil
	default:
		return AccessDirect, fmt.Errorf("unknown access method kind: %q", s)
	}
}

// UnmarshalYAML implements yaml.Unmarshaler for AccessMethodKind, the same
// pattern the teacher uses for FallbackPolicy.
func (k *AccessMethodKind) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseAccessMethodKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for AccessMethodKind.
func (k AccessMethodKind) MarshalYAML() (any, error) {
	return k.String(), nil
}

// AccessMethodSetting is one entry in the rotator's ordered list, as
// configured by the user (or the built-in defaults: Direct, Bridge,
// EncryptedDnsProxy).
type AccessMethodSetting struct {
	ID      string           `yaml:"id"`
	Kind    AccessMethodKind `yaml:"kind"`
	Enabled bool             `yaml:"enabled"`

	// Custom fields, valid depending on Kind.
	Socks5Addr          netip.AddrPort `yaml:"socks5_addr,omitempty"`
	ShadowsocksAddr     netip.AddrPort `yaml:"shadowsocks_addr,omitempty"`
	ShadowsocksCipher   string         `yaml:"shadowsocks_cipher,omitempty"`
	ShadowsocksPassword string         `yaml:"shadowsocks_password,omitempty"`
	HTTPAddr            netip.AddrPort `yaml:"http_addr,omitempty"`
}

// ResolvedConnectionMode is the concrete, dial-ready form of an
// AccessMethodSetting once the rotator has picked it and (for Bridge)
// resolved it against the current relay list.
type ResolvedConnectionMode struct {
	Setting AccessMethodSetting
	// ProxyEndpoint is the address to dial for proxying, empty for Direct.
	ProxyEndpoint netip.AddrPort
}
