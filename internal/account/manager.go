// Package account owns the authenticated device/key lifecycle: the
// on-disk device cache and the periodic key rotation timer (spec §4.3,
// "Key rotation timer").
package account

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mullvad-core/daemon/internal/core"
)

// KeyCheckInterval is how often the rotation timer wakes to check the
// current device's key age (spec §4.3).
const KeyCheckInterval = 60 * time.Second

// API is the subset of the Mullvad account API the manager calls.
type API interface {
	// ReplacePublicKey submits a locally generated public key for
	// deviceID, replacing the previous one server-side. The matching
	// private key never leaves the daemon, so the API has nothing to
	// return beyond success/failure.
	ReplacePublicKey(ctx context.Context, deviceID string, newPublicKey string) error
}

// Manager owns the single active DeviceData and its cache file. Only this
// actor touches the cache file path (spec §9, "global mutable state").
type Manager struct {
	mu         sync.Mutex
	cachePath  string
	device     *core.DeviceData
	rotationInterval time.Duration

	api API
	bus *core.EventBus

	backoff *core.Backoff
	// retryAt holds off the next rotation attempt after a failed one until
	// the backoff delay has passed.
	retryAt time.Time
}

// NewManager loads the device cache (if present) from cachePath.
func NewManager(cachePath string, rotationInterval time.Duration, api API, bus *core.EventBus) (*Manager, error) {
	m := &Manager{
		cachePath:        cachePath,
		rotationInterval: rotationInterval,
		api:              api,
		bus:              bus,
		backoff:          core.NewBackoff(),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.cachePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return core.Transient("account.load", err)
	}
	var dev core.DeviceData
	if err := json.Unmarshal(data, &dev); err != nil {
		return core.InvariantViolation("account.load", fmt.Errorf("parse device cache: %w", err))
	}
	m.device = &dev
	return nil
}

// Device returns the currently active device, or nil if logged out.
func (m *Manager) Device() *core.DeviceData {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device
}

// Login installs dev as the active device and persists it to the cache
// (0600 per spec §6).
func (m *Manager) Login(dev core.DeviceData) error {
	m.mu.Lock()
	m.device = &dev
	m.mu.Unlock()

	if err := m.persist(dev); err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.Publish(core.Event{Type: core.EventDeviceChanged, Payload: core.DevicePayload{Device: &dev}})
	}
	return nil
}

// Logout clears the active device and removes the cache file. Switching
// devices always goes through Logout then Login (spec §3 invariant).
func (m *Manager) Logout() error {
	m.mu.Lock()
	m.device = nil
	m.mu.Unlock()

	if err := os.Remove(m.cachePath); err != nil && !os.IsNotExist(err) {
		return core.Transient("account.logout", err)
	}
	if m.bus != nil {
		m.bus.Publish(core.Event{Type: core.EventDeviceChanged, Payload: core.DevicePayload{Device: nil}})
	}
	return nil
}

func (m *Manager) persist(dev core.DeviceData) error {
	data, err := json.Marshal(dev)
	if err != nil {
		return core.InvariantViolation("account.persist", err)
	}
	dir := filepath.Dir(m.cachePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return core.Transient("account.persist", err)
	}
	tmp, err := os.CreateTemp(dir, ".device-*.tmp")
	if err != nil {
		return core.Transient("account.persist", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return core.Transient("account.persist", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return core.Transient("account.persist", err)
	}
	if err := tmp.Close(); err != nil {
		return core.Transient("account.persist", err)
	}
	return os.Rename(tmp.Name(), m.cachePath)
}

// RunRotationLoop wakes every KeyCheckInterval and rotates the device key
// if it is older than rotationInterval (spec §4.3). Rotation is expected
// to be stopped (via ctx cancellation) on logout and restarted on login,
// per spec §5 cancellation semantics.
func (m *Manager) RunRotationLoop(ctx context.Context) {
	ticker := time.NewTicker(KeyCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.maybeRotate(ctx)
		}
	}
}

func (m *Manager) maybeRotate(ctx context.Context) {
	m.mu.Lock()
	dev := m.device
	retryAt := m.retryAt
	m.mu.Unlock()
	if dev == nil || time.Now().Before(retryAt) {
		return
	}

	if time.Since(time.Unix(dev.CreatedAt, 0)) < m.rotationInterval {
		return
	}

	newPriv, newPub, err := generateKeyPair()
	if err != nil {
		core.Log.Errorf("account", "key rotation: generate key pair: %v", err)
		return
	}

	if err := m.api.ReplacePublicKey(ctx, dev.ID, newPub); err != nil {
		delay := m.backoff.Next()
		m.mu.Lock()
		m.retryAt = time.Now().Add(delay)
		m.mu.Unlock()
		core.Log.Warnf("account", "key rotation failed, retrying in %s: %v", delay, err)
		return
	}
	m.backoff.Reset()

	m.mu.Lock()
	updated := *m.device
	updated.PrivateKey = newPriv
	updated.PublicKey = newPub
	updated.CreatedAt = time.Now().Unix()
	m.device = &updated
	m.mu.Unlock()

	if err := m.persist(updated); err != nil {
		core.Log.Errorf("account", "key rotation succeeded but cache write failed: %v", err)
		return
	}
	core.Log.Infof("account", "rotated wireguard key for device %s", updated.ID)
	if m.bus != nil {
		m.bus.Publish(core.Event{Type: core.EventDeviceChanged, Payload: core.DevicePayload{Device: &updated}})
	}
}
