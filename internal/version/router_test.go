package version

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeDownloader struct {
	mu        sync.Mutex
	started   int
	blockCh   chan struct{} // closed to let Download return
	installer string
	failErr   error
}

func (f *fakeDownloader) Download(ctx context.Context, cache Cache, progress func(int64, int64)) (string, error) {
	f.mu.Lock()
	f.started++
	f.mu.Unlock()

	select {
	case <-f.blockCh:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if f.failErr != nil {
		return "", f.failErr
	}
	return f.installer, nil
}

func (f *fakeDownloader) Verify(path string, cache Cache) (string, error) {
	return path, nil
}

func newTestRouter(t *testing.T, dl AppDownloader) (*Router, chan Cache, context.CancelFunc) {
	t.Helper()
	updates := make(chan Cache, 4)
	r := New(dl, updates, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	return r, updates, cancel
}

func waitForTag(t *testing.T, r *Router, want StateTag) State {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		s := r.State()
		if s.Tag == want {
			return s
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for tag %v, last state %v", want, s.Tag)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestNewVersionMovesNoVersionToHasVersion(t *testing.T) {
	r, updates, cancel := newTestRouter(t, &fakeDownloader{})
	defer cancel()

	updates <- Cache{CurrentVersion: "1.0.0", SuggestedUpgrade: "1.1.0"}

	s := waitForTag(t, r, StateHasVersion)
	if s.Cache.SuggestedUpgrade != "1.1.0" {
		t.Fatalf("unexpected cache: %+v", s.Cache)
	}
}

func TestUpdateApplicationNoopWithoutNewerVersion(t *testing.T) {
	dl := &fakeDownloader{blockCh: make(chan struct{})}
	r, updates, cancel := newTestRouter(t, dl)
	defer cancel()

	updates <- Cache{CurrentVersion: "1.0.0", SuggestedUpgrade: "1.0.0"}
	waitForTag(t, r, StateHasVersion)

	r.Send(Request{Kind: RequestUpdateApplication})
	time.Sleep(50 * time.Millisecond)

	if r.State().Tag != StateHasVersion {
		t.Fatalf("expected update_application to be a no-op, got %v", r.State().Tag)
	}
	dl.mu.Lock()
	defer dl.mu.Unlock()
	if dl.started != 0 {
		t.Fatalf("expected no download to start, started=%d", dl.started)
	}
}

func TestUpdateApplicationDownloadsAndVerifies(t *testing.T) {
	dl := &fakeDownloader{blockCh: make(chan struct{}), installer: "/tmp/installer"}
	r, updates, cancel := newTestRouter(t, dl)
	defer cancel()

	updates <- Cache{CurrentVersion: "1.0.0", SuggestedUpgrade: "1.1.0"}
	waitForTag(t, r, StateHasVersion)

	r.Send(Request{Kind: RequestUpdateApplication})
	waitForTag(t, r, StateDownloading)

	close(dl.blockCh)
	s := waitForTag(t, r, StateDownloaded)
	if s.VerifiedInstallerPath != "/tmp/installer" {
		t.Fatalf("unexpected installer path: %q", s.VerifiedInstallerPath)
	}
}

func TestCancelUpdateAbandonsDownload(t *testing.T) {
	dl := &fakeDownloader{blockCh: make(chan struct{})}
	r, updates, cancel := newTestRouter(t, dl)
	defer cancel()

	updates <- Cache{CurrentVersion: "1.0.0", SuggestedUpgrade: "1.1.0"}
	waitForTag(t, r, StateHasVersion)

	r.Send(Request{Kind: RequestUpdateApplication})
	waitForTag(t, r, StateDownloading)

	r.Send(Request{Kind: RequestCancelUpdate})
	waitForTag(t, r, StateHasVersion)
}

func TestNewVersionMidDownloadWithDifferentUpgradeAbandonsAndReplacesCache(t *testing.T) {
	dl := &fakeDownloader{blockCh: make(chan struct{})}
	r, updates, cancel := newTestRouter(t, dl)
	defer cancel()

	updates <- Cache{CurrentVersion: "1.0.0", SuggestedUpgrade: "1.1.0"}
	waitForTag(t, r, StateHasVersion)

	r.Send(Request{Kind: RequestUpdateApplication})
	waitForTag(t, r, StateDownloading)

	updates <- Cache{CurrentVersion: "1.0.0", SuggestedUpgrade: "1.2.0"}

	s := waitForTag(t, r, StateHasVersion)
	if s.Cache.SuggestedUpgrade != "1.2.0" {
		t.Fatalf("expected cache to be replaced with 1.2.0, got %+v", s.Cache)
	}
}

func TestNewVersionMidDownloadWithSameUpgradeRefreshesCacheOnly(t *testing.T) {
	dl := &fakeDownloader{blockCh: make(chan struct{})}
	r, updates, cancel := newTestRouter(t, dl)
	defer cancel()

	updates <- Cache{CurrentVersion: "1.0.0", SuggestedUpgrade: "1.1.0", ReleaseNotes: "first"}
	waitForTag(t, r, StateHasVersion)

	r.Send(Request{Kind: RequestUpdateApplication})
	waitForTag(t, r, StateDownloading)

	updates <- Cache{CurrentVersion: "1.0.0", SuggestedUpgrade: "1.1.0", ReleaseNotes: "updated notes"}
	time.Sleep(50 * time.Millisecond)

	s := r.State()
	if s.Tag != StateDownloading {
		t.Fatalf("expected download to keep running, got %v", s.Tag)
	}
	if s.Cache.ReleaseNotes != "updated notes" {
		t.Fatalf("expected cache metadata refreshed, got %+v", s.Cache)
	}

	close(dl.blockCh)
	waitForTag(t, r, StateDownloaded)
}

func TestDownloadFailureFallsBackToHasVersion(t *testing.T) {
	dl := &fakeDownloader{blockCh: make(chan struct{}), failErr: errors.New("network down")}
	r, updates, cancel := newTestRouter(t, dl)
	defer cancel()

	updates <- Cache{CurrentVersion: "1.0.0", SuggestedUpgrade: "1.1.0"}
	waitForTag(t, r, StateHasVersion)

	r.Send(Request{Kind: RequestUpdateApplication})
	waitForTag(t, r, StateDownloading)

	close(dl.blockCh)
	s := waitForTag(t, r, StateHasVersion)
	if s.Cache.SuggestedUpgrade != "1.1.0" {
		t.Fatalf("unexpected fallback cache: %+v", s.Cache)
	}
}

func TestGetLatestVersionRepliesWithCurrentCache(t *testing.T) {
	r, updates, cancel := newTestRouter(t, &fakeDownloader{})
	defer cancel()

	updates <- Cache{CurrentVersion: "1.0.0", SuggestedUpgrade: "1.1.0"}
	waitForTag(t, r, StateHasVersion)

	reply := make(chan Cache, 1)
	r.Send(Request{Kind: RequestGetLatestVersion, ReplyVersion: reply})

	select {
	case got := <-reply:
		if got.SuggestedUpgrade != "1.1.0" {
			t.Fatalf("unexpected reply: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
}
