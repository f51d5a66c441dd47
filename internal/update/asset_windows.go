//go:build windows

package update

// AssetPattern matches release assets for Windows amd64.
const AssetPattern = "mullvad-daemon-v"
const AssetSuffix = "-windows-amd64.zip"
