package main

import (
	"context"

	"github.com/mullvad-core/daemon/internal/core"
)

// captivePortalFilter is the narrow capability the darwin platform bundle
// exposes for internal/dnsfilter's captive-portal DNS resolver; nil on
// platforms with no such component.
type captivePortalFilter interface {
	Start(ctx context.Context) error
	Stop() error
}

// firewallEngine is the union of every capability a platform's firewall
// engine exposes to the rest of the daemon: the state machine's
// AllowEndpoint/BlockAll pair and the access-method rotator's
// ApplyAccessMethod ack. Each platform engine satisfies this structurally;
// callers that only need the narrower statemachine.Firewall or
// accessmethod.FirewallACKer view get it for free since this method set is
// a superset of both.
type firewallEngine interface {
	AllowEndpoint(ep core.Endpoint, allowLAN bool) error
	BlockAll(allowLAN bool) error
	Open() error
	ApplyAccessMethod(mode core.ResolvedConnectionMode) error
}
