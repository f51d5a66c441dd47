// Package accessmethod implements the API access-method rotator: a
// single-task actor owning the ordered list of enabled proxy/bridge
// settings and rotating among them when the direct path is censored
// (spec §4.5).
package accessmethod

import (
	"fmt"

	"github.com/mullvad-core/daemon/internal/core"
)

// BridgeSelector asks the relay selector for a Shadowsocks bridge endpoint
// when resolving the built-in Bridge method.
type BridgeSelector interface {
	SelectBridge() (core.ResolvedConnectionMode, error)
}

// EncryptedDNSProxyFetcher fetches the current set of encrypted-DNS-proxy
// configs, e.g. via DoH against a pinned hostname.
type EncryptedDNSProxyFetcher interface {
	FetchProxies() ([]core.ResolvedConnectionMode, error)
}

// FirewallACKer is the firewall actor's side of the rotation handshake:
// the rotator must wait for its ACK before declaring a rotation applied
// (spec §4.5).
type FirewallACKer interface {
	ApplyAccessMethod(mode core.ResolvedConnectionMode) error
}

// command requests are processed one at a time by the rotator's run loop,
// giving the FIFO ordering guarantee the spec requires of every actor.
type command struct {
	kind  cmdKind
	id    string                   // Use
	entry []core.AccessMethodSetting // Update
	reply chan<- any
}

type cmdKind int

const (
	cmdGet cmdKind = iota
	cmdUse
	cmdRotate
	cmdUpdate
	cmdResolve
)

// Rotator is the access-method rotator actor (spec §4.5).
type Rotator struct {
	settings []core.AccessMethodSetting
	// currentID is the authoritative selection key. Per the spec's Open
	// Question decision (recorded in DESIGN.md), the index into settings
	// is always recomputed by scanning for currentID rather than being
	// adjusted in place when Update removes an entry.
	currentID string

	bridge   BridgeSelector
	dnsProxy EncryptedDNSProxyFetcher
	firewall FirewallACKer
	bus      *core.EventBus

	cmdCh chan command
}

// NewRotator creates a rotator seeded with the initial settings list. The
// first enabled entry becomes current.
func NewRotator(settings []core.AccessMethodSetting, bridge BridgeSelector, dnsProxy EncryptedDNSProxyFetcher, firewall FirewallACKer, bus *core.EventBus) *Rotator {
	r := &Rotator{
		settings: settings,
		bridge:   bridge,
		dnsProxy: dnsProxy,
		firewall: firewall,
		bus:      bus,
		cmdCh:    make(chan command),
	}
	if idx := firstEnabled(settings); idx >= 0 {
		r.currentID = settings[idx].ID
	}
	return r
}

func firstEnabled(settings []core.AccessMethodSetting) int {
	for i, s := range settings {
		if s.Enabled {
			return i
		}
	}
	return -1
}

// Run processes commands until cmdCh is closed. Per spec §4.5, a closed
// channel is a fatal condition for this actor: it exits and the daemon
// must be restarted, it does not attempt to self-heal.
func (r *Rotator) Run() {
	for cmd := range r.cmdCh {
		r.handle(cmd)
	}
	core.Log.Fatalf("accessmethod", "command channel closed, rotator actor exiting")
}

func (r *Rotator) handle(cmd command) {
	switch cmd.kind {
	case cmdGet:
		cmd.reply <- r.current()
	case cmdUse:
		cmd.reply <- r.use(cmd.id)
	case cmdRotate:
		mode, err := r.rotate()
		cmd.reply <- rotateResult{mode, err}
	case cmdUpdate:
		cmd.reply <- r.update(cmd.entry)
	case cmdResolve:
		mode, err := r.resolve(r.settingByID(cmd.id))
		cmd.reply <- resolveResult{mode, err}
	}
}

type rotateResult struct {
	mode core.ResolvedConnectionMode
	err  error
}

type resolveResult struct {
	mode core.ResolvedConnectionMode
	ok   error
}

// Get returns the currently selected setting.
func (r *Rotator) Get() core.AccessMethodSetting {
	reply := make(chan any, 1)
	r.cmdCh <- command{kind: cmdGet, reply: reply}
	return (<-reply).(core.AccessMethodSetting)
}

func (r *Rotator) current() core.AccessMethodSetting {
	for _, s := range r.settings {
		if s.ID == r.currentID {
			return s
		}
	}
	return core.AccessMethodSetting{Kind: core.AccessDirect}
}

// Use selects a specific method by id.
func (r *Rotator) Use(id string) error {
	reply := make(chan any, 1)
	r.cmdCh <- command{kind: cmdUse, id: id, reply: reply}
	err, _ := (<-reply).(error)
	return err
}

func (r *Rotator) use(id string) error {
	for _, s := range r.settings {
		if s.ID == id {
			r.currentID = id
			return nil
		}
	}
	return fmt.Errorf("no such access method %q", id)
}

// Rotate advances to the next enabled method (spec §4.5): linear scan from
// (index+1) mod N, defaulting to Direct if none are enabled.
func (r *Rotator) Rotate() (core.ResolvedConnectionMode, error) {
	reply := make(chan any, 1)
	r.cmdCh <- command{kind: cmdRotate, reply: reply}
	res := (<-reply).(rotateResult)
	return res.mode, res.err
}

func (r *Rotator) rotate() (core.ResolvedConnectionMode, error) {
	next := r.nextEnabled()
	if next == nil {
		direct := core.AccessMethodSetting{ID: "direct", Kind: core.AccessDirect, Enabled: true}
		return r.applyAndAck(direct)
	}
	r.currentID = next.ID
	return r.applyAndAck(*next)
}

// nextEnabled scans linearly starting just after the current id,
// wrapping around, and returns the first enabled entry other than
// possibly the current one (if it's the only enabled entry, it is
// returned again, matching "rotate with exactly one bridge enabled is a
// no-op").
func (r *Rotator) nextEnabled() *core.AccessMethodSetting {
	if len(r.settings) == 0 {
		return nil
	}
	start := r.indexOfCurrent()
	for i := 1; i <= len(r.settings); i++ {
		idx := (start + i) % len(r.settings)
		if r.settings[idx].Enabled {
			return &r.settings[idx]
		}
	}
	return nil
}

// indexOfCurrent recomputes the index from currentID every time, per the
// Open Question decision: never trust a cached index across an Update.
func (r *Rotator) indexOfCurrent() int {
	for i, s := range r.settings {
		if s.ID == r.currentID {
			return i
		}
	}
	return -1
}

func (r *Rotator) settingByID(id string) core.AccessMethodSetting {
	for _, s := range r.settings {
		if s.ID == id {
			return s
		}
	}
	return core.AccessMethodSetting{}
}

// Update replaces the settings list.
func (r *Rotator) Update(settings []core.AccessMethodSetting) error {
	reply := make(chan any, 1)
	r.cmdCh <- command{kind: cmdUpdate, entry: settings, reply: reply}
	err, _ := (<-reply).(error)
	return err
}

func (r *Rotator) update(settings []core.AccessMethodSetting) error {
	r.settings = settings
	// currentID is left untouched even if it no longer exists in the new
	// list: current() and indexOfCurrent() both fall back to Direct / -1
	// gracefully, and the next Rotate() will pick a fresh valid entry.
	return nil
}

// Resolve turns an AccessMethodSetting into a dial-ready
// ResolvedConnectionMode.
func (r *Rotator) Resolve(id string) (core.ResolvedConnectionMode, error) {
	reply := make(chan any, 1)
	r.cmdCh <- command{kind: cmdResolve, id: id, reply: reply}
	res := (<-reply).(resolveResult)
	return res.mode, res.ok
}

func (r *Rotator) resolve(setting core.AccessMethodSetting) (core.ResolvedConnectionMode, error) {
	switch setting.Kind {
	case core.AccessDirect:
		return core.ResolvedConnectionMode{Setting: setting}, nil
	case core.AccessBridge:
		if r.bridge == nil {
			return core.ResolvedConnectionMode{}, fmt.Errorf("no bridge selector configured")
		}
		return r.bridge.SelectBridge()
	case core.AccessEncryptedDNS:
		if r.dnsProxy == nil {
			return core.ResolvedConnectionMode{}, fmt.Errorf("no encrypted dns proxy fetcher configured")
		}
		proxies, err := r.dnsProxy.FetchProxies()
		if err != nil || len(proxies) == 0 {
			return core.ResolvedConnectionMode{}, fmt.Errorf("no encrypted dns proxies available")
		}
		return proxies[0], nil
	case core.AccessCustomSocks5, core.AccessCustomShadowsocks, core.AccessCustomHTTP:
		return resolveCustom(setting)
	default:
		return core.ResolvedConnectionMode{}, fmt.Errorf("unknown access method kind %v", setting.Kind)
	}
}

func resolveCustom(setting core.AccessMethodSetting) (core.ResolvedConnectionMode, error) {
	switch setting.Kind {
	case core.AccessCustomSocks5:
		return core.ResolvedConnectionMode{Setting: setting, ProxyEndpoint: setting.Socks5Addr}, nil
	case core.AccessCustomShadowsocks:
		return core.ResolvedConnectionMode{Setting: setting, ProxyEndpoint: setting.ShadowsocksAddr}, nil
	case core.AccessCustomHTTP:
		return core.ResolvedConnectionMode{Setting: setting, ProxyEndpoint: setting.HTTPAddr}, nil
	default:
		return core.ResolvedConnectionMode{}, fmt.Errorf("not a custom access method")
	}
}

// applyAndAck resolves setting and broadcasts it to the firewall actor,
// which must ACK before the rotation is considered applied (spec §4.5).
// If resolution yields nothing, the rotator falls back to Direct. If the
// firewall channel is closed the caller's ApplyAccessMethod call itself
// reports that (the Rotator does not own that channel directly).
func (r *Rotator) applyAndAck(setting core.AccessMethodSetting) (core.ResolvedConnectionMode, error) {
	mode, err := r.resolve(setting)
	if err != nil {
		mode = core.ResolvedConnectionMode{Setting: core.AccessMethodSetting{Kind: core.AccessDirect}}
	}

	if r.firewall != nil {
		if err := r.firewall.ApplyAccessMethod(mode); err != nil {
			return core.ResolvedConnectionMode{}, fmt.Errorf("firewall did not ack access method: %w", err)
		}
	}

	if r.bus != nil {
		r.bus.Publish(core.Event{Type: core.EventAccessMethodChanged, Payload: core.AccessMethodPayload{Mode: mode}})
	}
	return mode, nil
}
