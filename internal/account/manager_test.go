package account

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mullvad-core/daemon/internal/core"
)

type fakeAPI struct {
	calls        int
	gotPublicKey string
}

func (f *fakeAPI) ReplacePublicKey(ctx context.Context, deviceID, newPublicKey string) error {
	f.calls++
	f.gotPublicKey = newPublicKey
	return nil
}

func TestKeyRotationCalledOnceWhenDue(t *testing.T) {
	dir := t.TempDir()
	cachePath := filepath.Join(dir, "device.json")

	api := &fakeAPI{}
	m, err := NewManager(cachePath, time.Hour, api, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	dev := core.DeviceData{
		ID:         "dev1",
		PublicKey:  "pub1",
		PrivateKey: "priv1",
		CreatedAt:  time.Now().Add(-2 * time.Hour).Unix(), // older than rotation interval
	}
	if err := m.Login(dev); err != nil {
		t.Fatalf("Login: %v", err)
	}

	m.maybeRotate(context.Background())

	if api.calls != 1 {
		t.Fatalf("expected exactly one API call, got %d", api.calls)
	}
	got := m.Device()
	if got.PrivateKey == "priv1" || got.PublicKey == "pub1" {
		t.Fatalf("expected a freshly generated local key pair, got %+v", got)
	}
	if api.gotPublicKey != got.PublicKey {
		t.Fatalf("api was not given the new public key: sent %q, stored %q", api.gotPublicKey, got.PublicKey)
	}

	data, err := os.ReadFile(cachePath)
	if err != nil {
		t.Fatalf("read cache: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("cache file empty after rotation")
	}

	info, err := os.Stat(cachePath)
	if err != nil {
		t.Fatalf("stat cache: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}
}

func TestKeyRotationSkippedWhenNotDue(t *testing.T) {
	dir := t.TempDir()
	cachePath := filepath.Join(dir, "device.json")

	api := &fakeAPI{}
	m, err := NewManager(cachePath, time.Hour, api, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	dev := core.DeviceData{ID: "dev1", CreatedAt: time.Now().Unix()}
	if err := m.Login(dev); err != nil {
		t.Fatalf("Login: %v", err)
	}

	m.maybeRotate(context.Background())

	if api.calls != 0 {
		t.Fatalf("expected no API calls, got %d", api.calls)
	}
}
