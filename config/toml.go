package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/creachadair/atomicfile"
)

// defaultDirPerm is the default permissions used when creating directories.
const defaultDirPerm = 0700

var configTemplate *template.Template

func init() {
	var err error
	tmpl := template.New("configFileTemplate")
	if configTemplate, err = tmpl.Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

/****** these are for production settings ***********/

// EnsureRoot creates the root, config, and data directories if they don't exist.
func EnsureRoot(rootDir string) error {
	for _, dir := range []string{
		rootDir,
		filepath.Join(rootDir, defaultConfigDir),
		filepath.Join(rootDir, defaultDataDir),
	} {
		if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
			return fmt.Errorf("could not create directory %q: %w", dir, err)
		}
	}
	return nil
}

// WriteConfigFile renders config using the template and writes it to
// the config file under rootDir.
func WriteConfigFile(rootDir string, config *Config) error {
	return config.WriteToTemplate(filepath.Join(rootDir, defaultConfigFilePath))
}

// WriteToTemplate writes the config to the exact file specified by
// the path, in the default toml template and does not mangle the path
// or filename at all. The file is replaced atomically.
func (cfg *Config) WriteToTemplate(path string) error {
	var buffer bytes.Buffer

	if err := configTemplate.Execute(&buffer, cfg); err != nil {
		return err
	}

	_, err := atomicfile.WriteAll(path, &buffer, 0644)
	return err
}

// WriteDefaultConfigFileIfNone writes the default config unless a config
// file already exists.
func WriteDefaultConfigFileIfNone(rootDir string) error {
	configFilePath := filepath.Join(rootDir, defaultConfigFilePath)
	if _, err := os.Stat(configFilePath); err == nil {
		return nil
	}
	return WriteConfigFile(rootDir, DefaultConfig())
}

// Note: any changes to the comments/variables/mapstructure
// must be reflected in the appropriate struct in config/config.go
const defaultConfigTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

# NOTE: Any path below can be absolute (e.g. "/var/basenode/data") or
# relative to the home directory (e.g. "data"). The home directory is
# "$HOME/.basenode" by default, but could be changed via $BNHOME env variable
# or --home cmd flag.

#######################################################################
###                   Main Base Config Options                      ###
#######################################################################

# A custom human readable name for this node
moniker = "{{ .BaseConfig.Moniker }}"

# Consensus rules to follow: mainnet | testnet | localnet
network = "{{ .BaseConfig.Network }}"

# Database backend: goleveldb | badgerdb | memdb
db_backend = "{{ .BaseConfig.DBBackend }}"

# Database directory
db_dir = "{{ js .BaseConfig.DBPath }}"

# Output level for logging: debug | info | error
log_level = "{{ .BaseConfig.LogLevel }}"

# Output format: 'plain' (colored text) or 'json'
log_format = "{{ .BaseConfig.LogFormat }}"

#######################################################################
###                 Chain Metadata Configuration                    ###
#######################################################################
[metadata]

# Interval between liveness ping rounds
broadcast_interval = "{{ .Metadata.BroadcastInterval }}"

# NetworkSilence is published when no peer claim arrives within this window
silence_window = "{{ .Metadata.SilenceWindow }}"

# Peer claims not refreshed within this timeout are discarded
stale_claim_timeout = "{{ .Metadata.StaleClaimTimeout }}"

# Events buffered per subscriber before new events are dropped
event_buffer_size = {{ .Metadata.EventBufferSize }}

#######################################################################
###                 Chain Sync Configuration                        ###
#######################################################################
[sync]

# Sync mode: archival | pruned
mode = "{{ .Sync.Mode }}"

# Blocks kept behind the tip in pruned mode
pruning_horizon = {{ .Sync.PruningHorizon }}

# Headers requested per round trip during header sync
header_batch_size = {{ .Sync.HeaderBatchSize }}

# Deepest fork below the local tip that a peer chain may branch off
max_reorg_depth = {{ .Sync.MaxReorgDepth }}

# Timeout of a single request to a sync peer
request_timeout = "{{ .Sync.RequestTimeout }}"

# How long a misbehaving peer is excluded from selection
ban_duration = "{{ .Sync.BanDuration }}"

# Peers tried per round before giving up and waiting
max_peer_attempts = {{ .Sync.MaxPeerAttempts }}

# Cooldown between sync attempts
waiting_timeout = "{{ .Sync.WaitingTimeout }}"

# Consecutive waiting rounds without progress before the node reports
# itself as stuck
stuck_rounds = {{ .Sync.StuckRounds }}

# Comma separated list of node IDs. If non-empty only these peers are
# used for syncing.
forced_sync_peers = [{{ range .Sync.ForcedSyncPeers }}"{{ . }}", {{ end }}]

#######################################################################
###                 Instrumentation Configuration                   ###
#######################################################################
[instrumentation]

# When true, Prometheus metrics are served under /metrics on
# PrometheusListenAddr.
prometheus = {{ .Instrumentation.Prometheus }}

# Address to listen for Prometheus collector(s) connections
prometheus_listen_addr = "{{ .Instrumentation.PrometheusListenAddr }}"

# Instrumentation namespace
namespace = "{{ .Instrumentation.Namespace }}"
`

/****** these are for test settings ***********/

// ResetTestRoot creates a fresh home directory under dir with a test
// config written to it.
func ResetTestRoot(dir, testName string) (*Config, error) {
	rootDir, err := os.MkdirTemp(dir, testName)
	if err != nil {
		return nil, err
	}
	if err := EnsureRoot(rootDir); err != nil {
		return nil, err
	}

	config := TestConfig().SetRoot(rootDir)
	if err := WriteConfigFile(rootDir, config); err != nil {
		return nil, err
	}
	return config, nil
}
