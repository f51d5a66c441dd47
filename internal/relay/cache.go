package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mullvad-core/daemon/internal/core"
)

const (
	relayListURL = "https://api.mullvad.net/app/v1/relays"

	refreshWakeInterval = 5 * time.Minute
	staleAfter          = 1 * time.Hour
	downloadTimeout     = 15 * time.Second
)

// Cache owns the in-memory relay list plus its on-disk mirror, following
// the same copy-on-read pattern the daemon's other registries use: readers
// get an independent snapshot so they never race the background refresh
// goroutine that replaces the list.
type Cache struct {
	mu       sync.RWMutex
	list     core.RelayList
	modified time.Time

	cachePath  string
	bundlePath string
	client     *http.Client
}

// NewCache loads the relay list from disk (preferring the bundled resource
// if its timestamp exceeds the cache's, per spec §4.2), falling back to an
// empty list if neither is present.
func NewCache(cachePath, bundlePath string) *Cache {
	c := &Cache{
		cachePath:  cachePath,
		bundlePath: bundlePath,
		client:     &http.Client{Timeout: downloadTimeout},
	}
	c.loadFromDisk()
	return c
}

// Snapshot returns a copy of the current relay list, safe to range over
// without holding any lock.
func (c *Cache) Snapshot() core.RelayList {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.list
}

func (c *Cache) loadFromDisk() {
	cachedList, cachedMtime, cacheErr := readRelayFile(c.cachePath)
	bundledList, bundledMtime, bundleErr := readRelayFile(c.bundlePath)

	switch {
	case bundleErr == nil && (cacheErr != nil || bundledMtime.After(cachedMtime)):
		c.mu.Lock()
		c.list, c.modified = bundledList, bundledMtime
		c.mu.Unlock()
	case cacheErr == nil:
		c.mu.Lock()
		c.list, c.modified = cachedList, cachedMtime
		c.mu.Unlock()
	default:
		core.Log.Warnf("relay", "no relay list on disk, starting empty")
	}
}

func readRelayFile(path string) (core.RelayList, time.Time, error) {
	if path == "" {
		return core.RelayList{}, time.Time{}, fmt.Errorf("no path configured")
	}
	info, err := os.Stat(path)
	if err != nil {
		return core.RelayList{}, time.Time{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return core.RelayList{}, time.Time{}, err
	}
	var list core.RelayList
	if err := json.Unmarshal(data, &list); err != nil {
		return core.RelayList{}, time.Time{}, fmt.Errorf("parse relay list %s: %w", path, err)
	}
	if err := list.Validate(); err != nil {
		return core.RelayList{}, time.Time{}, fmt.Errorf("validate relay list %s: %w", path, err)
	}
	return list, info.ModTime(), nil
}

// RunRefreshLoop wakes every refreshWakeInterval and, if the cached list is
// older than staleAfter, fetches a fresh one. It returns when ctx is
// cancelled.
func (c *Cache) RunRefreshLoop(ctx context.Context, bus *core.EventBus) {
	ticker := time.NewTicker(refreshWakeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.RLock()
			stale := time.Since(c.modified) > staleAfter
			c.mu.RUnlock()
			if !stale {
				continue
			}
			if err := c.refresh(ctx); err != nil {
				core.Log.Warnf("relay", "refresh failed: %v", err)
				if bus != nil {
					bus.Publish(core.Event{Type: core.EventRelayListUpdated, Payload: core.RelayListPayload{Err: err}})
				}
				continue
			}
			if bus != nil {
				snap := c.Snapshot()
				bus.Publish(core.Event{Type: core.EventRelayListUpdated, Payload: core.RelayListPayload{
					CountryCount: len(snap.Countries),
					RelayCount:   len(snap.AllRelays()),
				}})
			}
		}
	}
}

func (c *Cache) refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, relayListURL, nil)
	if err != nil {
		return core.Transient("relay.refresh", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return core.Transient("relay.refresh", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return core.Transient("relay.refresh", fmt.Errorf("server returned %d", resp.StatusCode))
	}

	var list core.RelayList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return core.InvariantViolation("relay.refresh", fmt.Errorf("decode relay list: %w", err))
	}
	if err := list.Validate(); err != nil {
		return core.InvariantViolation("relay.refresh", err)
	}

	if err := c.writeAtomic(list); err != nil {
		return core.Transient("relay.refresh", fmt.Errorf("write cache: %w", err))
	}

	c.mu.Lock()
	c.list, c.modified = list, time.Now()
	c.mu.Unlock()

	core.Log.Infof("relay", "refreshed relay list: %d countries", len(list.Countries))
	return nil
}

// writeAtomic persists list to the cache path via a temp-file-then-rename
// so a crash mid-write never corrupts the on-disk cache.
func (c *Cache) writeAtomic(list core.RelayList) error {
	if c.cachePath == "" {
		return nil
	}
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	dir := filepath.Dir(c.cachePath)
	tmp, err := os.CreateTemp(dir, ".relays-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), c.cachePath)
}
