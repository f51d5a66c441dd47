package version

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// GitHubDownloader adapts internal/update's GitHub-release download flow
// into the AppDownloader interface: fetch the asset, extract it (handled
// by FetchAndExtract, supplied by the platform-specific update package),
// then verify via a SHA-256 checksum supplied by FetchChecksum.
type GitHubDownloader struct {
	HTTPClient *http.Client

	// FetchAndExtract downloads cache's asset and extracts it, returning
	// the path to the extracted installer. Bound to internal/update.Download
	// (or the darwin tar.gz variant) by the daemon's wiring code.
	FetchAndExtract func(ctx context.Context, assetURL string, assetSize int64, progress func(downloaded, total int64)) (string, error)

	// FetchChecksum, if set, supplies the expected SHA-256 that Verify
	// compares against the extracted installer's hash; if nil, Verify
	// accepts the installer unchecked.
	FetchChecksum func(ctx context.Context, cache Cache) (expectedHex string, err error)
}

func (d *GitHubDownloader) Download(ctx context.Context, cache Cache, progress func(downloaded, total int64)) (string, error) {
	if d.FetchAndExtract == nil {
		return "", fmt.Errorf("version: no download backend configured")
	}
	return d.FetchAndExtract(ctx, cache.AssetURL, cache.AssetSize, progress)
}

func (d *GitHubDownloader) Verify(installerPath string, cache Cache) (string, error) {
	if d.FetchChecksum == nil {
		return installerPath, nil
	}

	f, err := os.Open(installerPath)
	if err != nil {
		return "", fmt.Errorf("open installer: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash installer: %w", err)
	}
	got := hex.EncodeToString(h.Sum(nil))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	want, err := d.FetchChecksum(ctx, cache)
	if err != nil {
		return "", fmt.Errorf("fetch checksum: %w", err)
	}
	if want != "" && want != got {
		return "", fmt.Errorf("checksum mismatch: got %s want %s", got, want)
	}
	return installerPath, nil
}
