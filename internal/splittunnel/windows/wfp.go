//go:build windows

package windows

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sys/windows"

	"github.com/tailscale/wf"
)

// WFP provider/sublayer GUIDs for the daemon's split-tunnel rules.
var (
	providerID = wf.ProviderID{
		Data1: 0x6d756c6c,
		Data2: 0x7661,
		Data3: 0x6431,
		Data4: [8]byte{0x73, 0x70, 0x6c, 0x69, 0x74, 0x00, 0x00, 0x01},
	}
	sublayerID = wf.SublayerID{
		Data1: 0x6d756c6c,
		Data2: 0x7661,
		Data3: 0x6432,
		Data4: [8]byte{0x73, 0x70, 0x6c, 0x69, 0x74, 0x00, 0x00, 0x02},
	}
)

// InterfaceBlocker uses a dynamic WFP session to keep excluded processes
// confined to the physical NIC: every rule is tied to the session, so a
// daemon crash leaves no orphaned filters (spec §4.10's reason for
// preferring WFP over a kernel driver).
type InterfaceBlocker struct {
	session *wf.Session
	tunLUID uint64

	mu      sync.Mutex
	rules   map[string][]wf.RuleID
	nextSeq uint32
}

// NewInterfaceBlocker opens a dynamic WFP session scoped to tunLUID, the
// tunnel interface excluded processes must NOT use.
func NewInterfaceBlocker(tunLUID uint64) (*InterfaceBlocker, error) {
	sess, err := wf.New(&wf.Options{
		Name:        "Mullvad split tunnel",
		Description: "Per-process interface blocking for split tunneling",
		Dynamic:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("open WFP session: %w", err)
	}

	if err := sess.AddProvider(&wf.Provider{
		ID:          providerID,
		Name:        "Mullvad split tunnel",
		Description: "Mullvad split tunnel WFP provider",
	}); err != nil {
		sess.Close()
		return nil, fmt.Errorf("add WFP provider: %w", err)
	}

	if err := sess.AddSublayer(&wf.Sublayer{
		ID:       sublayerID,
		Name:     "Mullvad split tunnel rules",
		Provider: providerID,
		Weight:   0x0F,
	}); err != nil {
		sess.Close()
		return nil, fmt.Errorf("add WFP sublayer: %w", err)
	}

	return &InterfaceBlocker{session: sess, tunLUID: tunLUID, rules: make(map[string][]wf.RuleID)}, nil
}

// Block adds rules that confine exePath to interfaces other than the
// tunnel: outbound connect and inbound accept are both blocked whenever
// LocalInterface equals the tunnel's LUID. Idempotent.
func (b *InterfaceBlocker) Block(exePath string) error {
	key := strings.ToLower(exePath)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.rules[key]; exists {
		return nil
	}

	appID, err := wf.AppID(exePath)
	if err != nil {
		return fmt.Errorf("AppID(%s): %w", exePath, err)
	}

	connectID := b.nextRuleID()
	if err := b.session.AddRule(&wf.Rule{
		ID:       connectID,
		Name:     fmt.Sprintf("mullvad split-tunnel block connect: %s", key),
		Layer:    wf.LayerALEAuthConnectV4,
		Sublayer: sublayerID,
		Weight:   1000,
		Conditions: []*wf.Match{
			{Field: wf.FieldALEAppID, Op: wf.MatchTypeEqual, Value: appID},
			{Field: wf.FieldIPLocalInterface, Op: wf.MatchTypeEqual, Value: b.tunLUID},
		},
		Action: wf.ActionBlock,
	}); err != nil {
		return fmt.Errorf("add connect-block rule: %w", err)
	}

	recvID := b.nextRuleID()
	if err := b.session.AddRule(&wf.Rule{
		ID:       recvID,
		Name:     fmt.Sprintf("mullvad split-tunnel block recv: %s", key),
		Layer:    wf.LayerALEAuthRecvAcceptV4,
		Sublayer: sublayerID,
		Weight:   1000,
		Conditions: []*wf.Match{
			{Field: wf.FieldALEAppID, Op: wf.MatchTypeEqual, Value: appID},
			{Field: wf.FieldIPLocalInterface, Op: wf.MatchTypeEqual, Value: b.tunLUID},
		},
		Action: wf.ActionBlock,
	}); err != nil {
		b.session.DeleteRule(connectID)
		return fmt.Errorf("add recv-block rule: %w", err)
	}

	b.rules[key] = []wf.RuleID{connectID, recvID}
	return nil
}

// Unblock removes the rules installed for exePath, if any.
func (b *InterfaceBlocker) Unblock(exePath string) {
	key := strings.ToLower(exePath)

	b.mu.Lock()
	ids, ok := b.rules[key]
	if ok {
		delete(b.rules, key)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.session.DeleteRule(id)
	}
}

// Close closes the session; Dynamic=true means every rule is auto-removed.
func (b *InterfaceBlocker) Close() error {
	return b.session.Close()
}

func (b *InterfaceBlocker) nextRuleID() wf.RuleID {
	b.nextSeq++
	guid, err := windows.GenerateGUID()
	if err != nil {
		return wf.RuleID{Data1: 0x6d756c6c + b.nextSeq, Data2: 0x7661, Data3: 0x6433, Data4: providerID.Data4}
	}
	return wf.RuleID(guid)
}
