//go:build darwin

package update

// AssetPattern matches release assets for macOS arm64.
const AssetPattern = "mullvad-daemon-v"
const AssetSuffix = "-darwin-arm64.tar.gz"
