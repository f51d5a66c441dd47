//go:build linux

package update

// AssetPattern matches release assets for Linux amd64. Most Linux
// installs track distro packages rather than this checker's releases,
// but the naming is kept consistent so CheckNow still reports an
// available version even where FetchAndExtract is left unwired.
const AssetPattern = "mullvad-daemon-v"
const AssetSuffix = "-linux-amd64.tar.gz"
