package account

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mullvad-core/daemon/internal/core"
)

// mullvadAPIBase is the pinned Mullvad account API host, the same fixed
// endpoint the teacher's update checker hits for release metadata.
const mullvadAPIBase = "https://api.mullvad.net/app/v1"

// ConnectionModeDialer resolves a connection mode to a dial function,
// satisfied by accessmethod.Dial. Declared here rather than imported
// directly so internal/account does not depend on internal/accessmethod.
type ConnectionModeDialer func(mode core.ResolvedConnectionMode) (func(ctx context.Context, network, addr string) (net.Conn, error), error)

// HTTPAPI implements API against the real Mullvad account REST endpoint.
// Its Client's Transport is rebuilt whenever the access-method rotator
// broadcasts a new ApiConnectionMode (spec §4.5's "HTTP client observes
// the new ApiConnectionMode on its notification channel").
type HTTPAPI struct {
	BaseURL string
	Client  *http.Client
	token   string
	dial    ConnectionModeDialer
}

// NewHTTPAPI creates an API client authenticated with the account token,
// dialing directly until the first access-method notification arrives.
func NewHTTPAPI(token string, dial ConnectionModeDialer) *HTTPAPI {
	return &HTTPAPI{
		BaseURL: mullvadAPIBase,
		Client:  &http.Client{Timeout: 10 * time.Second},
		token:   token,
		dial:    dial,
	}
}

// SetConnectionMode rebuilds the client's Transport to route API traffic
// through mode's resolved proxy, or direct if dial rejects it.
func (a *HTTPAPI) SetConnectionMode(mode core.ResolvedConnectionMode) {
	if a.dial == nil {
		return
	}
	dialFunc, err := a.dial(mode)
	if err != nil {
		core.Log.Warnf("account", "connection mode %s unusable, staying on previous transport: %v", mode.Setting.Kind, err)
		return
	}
	a.Client.Transport = &http.Transport{DialContext: dialFunc}
}

type replaceKeyRequest struct {
	Pubkey string `json:"pubkey"`
}

// ReplacePublicKey submits newPublicKey for deviceID, replacing the
// device's WireGuard key server-side. The daemon generates the key pair
// entirely locally (see internal/account.generateKeyPair) and only ever
// hands the public half to the API — the server has no private key to
// return.
func (a *HTTPAPI) ReplacePublicKey(ctx context.Context, deviceID string, newPublicKey string) error {
	body, err := json.Marshal(replaceKeyRequest{Pubkey: newPublicKey})
	if err != nil {
		return fmt.Errorf("marshal replace-key request: %w", err)
	}

	url := fmt.Sprintf("%s/devices/%s/wireguard-keys", a.BaseURL, deviceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build replace-key request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.token)
	// Key rotation must not double-apply if a retry crosses a response
	// that actually succeeded server-side.
	req.Header.Set("Idempotency-Key", uuid.NewString())

	resp, err := a.Client.Do(req)
	if err != nil {
		return fmt.Errorf("replace-key request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("replace-key: unexpected status %s", resp.Status)
	}
	return nil
}
