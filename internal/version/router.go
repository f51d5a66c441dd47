package version

import (
	"context"
	"sync"

	"github.com/mullvad-core/daemon/internal/core"
)

// AppDownloader fetches and verifies an upgrade installer for a given
// cache entry, grounded on internal/update.Download's extract +
// zip-slip-safe-unpack shape, generalized behind an interface so the
// router doesn't depend on a concrete transport.
type AppDownloader interface {
	// Download fetches and extracts the release named by cache, reporting
	// progress via progress (may be nil), and returns the path to the
	// extracted installer.
	Download(ctx context.Context, cache Cache, progress func(downloaded, total int64)) (installerPath string, err error)
	// Verify checks the downloaded installer's integrity, returning the
	// path to use for VerifiedInstallerPath.
	Verify(installerPath string, cache Cache) (verifiedPath string, err error)
}

// RequestKind identifies the union of requests the router FIFO-processes
// (spec §4.12's get_latest_version / update_application / cancel_update /
// set_show_beta_releases, processed in order per spec §5).
type RequestKind int

const (
	RequestGetLatestVersion RequestKind = iota
	RequestUpdateApplication
	RequestCancelUpdate
	RequestSetShowBetaReleases
)

type Request struct {
	Kind         RequestKind
	ShowBeta     bool       // SetShowBetaReleases
	ReplyVersion chan Cache // GetLatestVersion
}

// Router is the version-router actor (spec §4.12): a single owner of
// State, fed new-version results from an upstream channel and requests
// from its own FIFO.
type Router struct {
	mu    sync.Mutex
	state State

	showBeta bool

	downloader AppDownloader
	bus        *core.EventBus

	requests chan Request
	updates  <-chan Cache // upstream version-check results

	cancelDownload context.CancelFunc
}

// New creates a router in the NoVersion state. updates is the channel new
// version-check results are consumed from.
func New(downloader AppDownloader, updates <-chan Cache, bus *core.EventBus) *Router {
	return &Router{
		state:      NoVersion(),
		downloader: downloader,
		bus:        bus,
		updates:    updates,
		requests:   make(chan Request, 16),
	}
}

// State returns a snapshot of the current state.
func (r *Router) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Send enqueues a request for FIFO processing by Run's loop.
func (r *Router) Send(req Request) {
	r.requests <- req
}

// Run processes upstream version updates and requests in the order they
// arrive until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cache, ok := <-r.updates:
			if !ok {
				r.updates = nil
				continue
			}
			r.onNewVersion(ctx, cache)
		case req := <-r.requests:
			r.handle(ctx, req)
		}
	}
}

func (r *Router) handle(ctx context.Context, req Request) {
	switch req.Kind {
	case RequestGetLatestVersion:
		if req.ReplyVersion != nil {
			req.ReplyVersion <- r.State().Cache
		}
	case RequestUpdateApplication:
		r.onUpdateApplication(ctx)
	case RequestCancelUpdate:
		r.onCancelUpdate()
	case RequestSetShowBetaReleases:
		r.mu.Lock()
		r.showBeta = req.ShowBeta
		r.mu.Unlock()
	}
}

// onNewVersion implements spec §4.12's cache-replacement rule: while
// Downloading/Downloaded, a new result silently replaces the cache unless
// it changes the suggested upgrade, in which case any in-flight download
// is abandoned and the router falls back to HasVersion.
func (r *Router) onNewVersion(ctx context.Context, cache Cache) {
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()

	switch state.Tag {
	case StateNoVersion, StateHasVersion:
		r.setState(HasVersion(cache))

	case StateDownloading, StateDownloaded:
		if state.Cache.SuggestsSameUpgrade(cache) {
			// Same target: just refresh metadata (release notes, etc).
			r.setStateCacheOnly(cache)
			return
		}
		core.Log.Infof("version", "suggested upgrade changed mid-%s, abandoning", state.Tag)
		r.mu.Lock()
		if r.cancelDownload != nil {
			r.cancelDownload()
			r.cancelDownload = nil
		}
		r.mu.Unlock()
		r.setState(HasVersion(cache))
	}
}

func (r *Router) setState(next State) {
	r.mu.Lock()
	r.state = next
	r.mu.Unlock()
	if r.bus != nil {
		r.bus.Publish(core.Event{
			Type: core.EventUpdateAvailable,
			Payload: core.UpdatePayload{
				Version:      next.Cache.SuggestedUpgrade,
				ReleaseNotes: next.Cache.ReleaseNotes,
			},
		})
	}
}

// setStateCacheOnly replaces the cache in place without disturbing
// Downloading/Downloaded bookkeeping fields.
func (r *Router) setStateCacheOnly(cache Cache) {
	r.mu.Lock()
	r.state.Cache = cache
	r.mu.Unlock()
}

// onUpdateApplication implements spec §4.12: a no-op unless HasVersion
// with a newer-than-current suggested upgrade.
func (r *Router) onUpdateApplication(ctx context.Context) {
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()

	if state.Tag != StateHasVersion {
		return
	}
	if state.Cache.SuggestedUpgrade == "" || state.Cache.SuggestedUpgrade == state.Cache.CurrentVersion {
		return
	}

	dlCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancelDownload = cancel
	r.mu.Unlock()

	r.setState(Downloading(state.Cache, state.Cache.SuggestedUpgrade))

	go r.runDownload(dlCtx, state.Cache)
}

func (r *Router) runDownload(ctx context.Context, cache Cache) {
	path, err := r.downloader.Download(ctx, cache, nil)
	if err != nil {
		if ctx.Err() != nil {
			return // cancelled; onCancelUpdate already reset state
		}
		core.Log.Warnf("version", "download %s failed: %v", cache.SuggestedUpgrade, err)
		r.setState(HasVersion(cache))
		return
	}

	verified, err := r.downloader.Verify(path, cache)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		core.Log.Warnf("version", "verify %s failed: %v", cache.SuggestedUpgrade, err)
		r.setState(HasVersion(cache))
		return
	}

	r.mu.Lock()
	if r.state.Tag != StateDownloading || ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.setState(Downloaded(cache, verified))
}

// onCancelUpdate abandons any in-flight download and, if one was running,
// falls back to HasVersion with the current cache.
func (r *Router) onCancelUpdate() {
	r.mu.Lock()
	cancel := r.cancelDownload
	r.cancelDownload = nil
	state := r.state
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if state.Tag == StateDownloading {
		r.setState(HasVersion(state.Cache))
	}
}
