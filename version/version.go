package version

var (
	// GitCommit is the current HEAD set using ldflags.
	GitCommit string

	// Version is the built softwares version.
	Version = BNCoreSemVer
)

func init() {
	if GitCommit != "" {
		Version += "-" + GitCommit
	}
}

const (
	// BNCoreSemVer is the semantic version of the base node.
	BNCoreSemVer = "0.4.0"

	// SyncProtocol versions the header, block and horizon state requests
	// exchanged during chain sync.
	SyncProtocol uint64 = 1
)
