package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

const (
	// LogFormatPlain is a format for colored text
	LogFormatPlain = "plain"
	// LogFormatJSON is a format for json output
	LogFormatJSON = "json"

	// SyncModeArchival replays every block from genesis.
	SyncModeArchival = "archival"
	// SyncModePruned fetches a horizon snapshot and keeps only recent bodies.
	SyncModePruned = "pruned"
)

// NOTE: Most of the structs & relevant comments + the
// default configuration options were used to manually
// generate the config.toml. Please reflect any changes
// made here in the defaultConfigTemplate constant in
// config/toml.go
// NOTE: libs/cli must know to look in the config dir!
var (
	DefaultBaseNodeDir = ".basenode"
	defaultConfigDir   = "config"
	defaultDataDir     = "data"

	defaultConfigFileName = "config.toml"

	defaultConfigFilePath = filepath.Join(defaultConfigDir, defaultConfigFileName)
)

// Config defines the top level configuration for a base node
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	Metadata        *MetadataConfig        `mapstructure:"metadata"`
	Sync            *SyncConfig            `mapstructure:"sync"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration for a base node
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		Metadata:        DefaultMetadataConfig(),
		Sync:            DefaultSyncConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		Metadata:        TestMetadataConfig(),
		Sync:            TestSyncConfig(),
		Instrumentation: TestInstrumentationConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.Metadata.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [metadata] section")
	}
	if err := cfg.Sync.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [sync] section")
	}
	return errors.Wrap(
		cfg.Instrumentation.ValidateBasic(),
		"error in [instrumentation] section",
	)
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a base node
type BaseConfig struct {
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// A custom human readable name for this node
	Moniker string `mapstructure:"moniker"`

	// Network selects the consensus rules: mainnet | testnet | localnet
	Network string `mapstructure:"network"`

	// Database backend: goleveldb | badgerdb | memdb
	// * goleveldb (github.com/syndtr/goleveldb)
	//   - pure go
	//   - stable
	// * badgerdb (github.com/dgraph-io/badger)
	//   - pure go
	//   - LSM tree with value log, suited to large UTXO sets
	// * memdb
	//   - nothing is persisted, for tests and throwaway nodes
	DBBackend string `mapstructure:"db_backend"`

	// Database directory
	DBPath string `mapstructure:"db_dir"`

	// Output level for logging
	LogLevel string `mapstructure:"log_level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log_format"`
}

// DefaultBaseConfig returns a default base configuration for a base node
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		Moniker:   defaultMoniker,
		Network:   "mainnet",
		LogLevel:  DefaultLogLevel,
		LogFormat: LogFormatPlain,
		DBBackend: "goleveldb",
		DBPath:    defaultDataDir,
	}
}

// TestBaseConfig returns a base configuration for testing a base node
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.Network = "localnet"
	cfg.DBBackend = "memdb"
	return cfg
}

// DBDir returns the full path to the database directory
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// ConfigFile returns the full path to the config.toml file
func (cfg BaseConfig) ConfigFile() string {
	return rootify(defaultConfigFilePath, cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case LogFormatPlain, LogFormatJSON:
	default:
		return errors.New("unknown log_format (must be 'plain' or 'json')")
	}
	switch cfg.DBBackend {
	case "goleveldb", "badgerdb", "memdb":
	default:
		return fmt.Errorf("unknown db_backend %q (must be 'goleveldb', 'badgerdb' or 'memdb')", cfg.DBBackend)
	}
	if cfg.Network == "" {
		return errors.New("network can't be empty")
	}
	return nil
}

// DefaultLogLevel is the log level used when none is configured.
const DefaultLogLevel = "info"

//-----------------------------------------------------------------------------
// MetadataConfig

// MetadataConfig defines the configuration of the chain metadata service
// that collects peers' claimed chain tips.
type MetadataConfig struct {
	// Interval between liveness ping rounds.
	BroadcastInterval time.Duration `mapstructure:"broadcast_interval"`

	// NetworkSilence is published when no claim arrives within this window.
	SilenceWindow time.Duration `mapstructure:"silence_window"`

	// Claims not refreshed within this timeout are discarded.
	StaleClaimTimeout time.Duration `mapstructure:"stale_claim_timeout"`

	// Events buffered per subscriber before new events are dropped.
	EventBufferSize int `mapstructure:"event_buffer_size"`
}

// DefaultMetadataConfig returns a default configuration for the chain
// metadata service.
func DefaultMetadataConfig() *MetadataConfig {
	return &MetadataConfig{
		BroadcastInterval: 30 * time.Second,
		SilenceWindow:     90 * time.Second,
		StaleClaimTimeout: 60 * time.Second,
		EventBufferSize:   32,
	}
}

// TestMetadataConfig returns a configuration for testing the chain
// metadata service.
func TestMetadataConfig() *MetadataConfig {
	return &MetadataConfig{
		BroadcastInterval: 100 * time.Millisecond,
		SilenceWindow:     5 * time.Second,
		StaleClaimTimeout: 10 * time.Second,
		EventBufferSize:   16,
	}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *MetadataConfig) ValidateBasic() error {
	if cfg.BroadcastInterval <= 0 {
		return errors.New("broadcast_interval must be positive")
	}
	if cfg.SilenceWindow <= 0 {
		return errors.New("silence_window must be positive")
	}
	if cfg.StaleClaimTimeout < cfg.BroadcastInterval {
		return errors.New("stale_claim_timeout can't be shorter than broadcast_interval")
	}
	if cfg.EventBufferSize <= 0 {
		return errors.New("event_buffer_size must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// SyncConfig

// SyncConfig defines the configuration of the chain synchronization state
// machine.
type SyncConfig struct {
	// Sync mode: archival | pruned
	Mode string `mapstructure:"mode"`

	// Number of blocks kept behind the tip in pruned mode. The horizon
	// snapshot is taken at target height minus this value.
	PruningHorizon uint64 `mapstructure:"pruning_horizon"`

	// Headers requested per round trip during header sync.
	HeaderBatchSize uint64 `mapstructure:"header_batch_size"`

	// Deepest fork below the local tip a peer chain may branch off. Peers
	// sharing no block with the local chain within this depth are skipped.
	MaxReorgDepth uint64 `mapstructure:"max_reorg_depth"`

	// Timeout of a single request to a sync peer.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// How long a misbehaving peer is excluded from selection.
	BanDuration time.Duration `mapstructure:"ban_duration"`

	// Peers tried per round before giving up and waiting.
	MaxPeerAttempts int `mapstructure:"max_peer_attempts"`

	// Cooldown between sync attempts.
	WaitingTimeout time.Duration `mapstructure:"waiting_timeout"`

	// Consecutive waiting rounds without height progress before the
	// status reports the node as stuck.
	StuckRounds int `mapstructure:"stuck_rounds"`

	// If set, only these peers are used for syncing.
	ForcedSyncPeers []string `mapstructure:"forced_sync_peers"`
}

// DefaultSyncConfig returns a default configuration for the sync state
// machine.
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		Mode:            SyncModeArchival,
		PruningHorizon:  1000,
		HeaderBatchSize: 100,
		MaxReorgDepth:   1000,
		RequestTimeout:  30 * time.Second,
		BanDuration:     30 * time.Minute,
		MaxPeerAttempts: 5,
		WaitingTimeout:  60 * time.Second,
		StuckRounds:     5,
	}
}

// TestSyncConfig returns a configuration for testing the sync state
// machine.
func TestSyncConfig() *SyncConfig {
	cfg := DefaultSyncConfig()
	cfg.PruningHorizon = 5
	cfg.HeaderBatchSize = 4
	cfg.MaxReorgDepth = 20
	cfg.RequestTimeout = 2 * time.Second
	cfg.StuckRounds = 2
	return cfg
}

// IsPruned reports whether the node syncs from a horizon snapshot.
func (cfg *SyncConfig) IsPruned() bool { return cfg.Mode == SyncModePruned }

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *SyncConfig) ValidateBasic() error {
	switch cfg.Mode {
	case SyncModeArchival:
	case SyncModePruned:
		if cfg.PruningHorizon == 0 {
			return errors.New("pruning_horizon must be positive in pruned mode")
		}
	default:
		return fmt.Errorf("unknown mode %q (must be 'archival' or 'pruned')", cfg.Mode)
	}
	if cfg.HeaderBatchSize == 0 {
		return errors.New("header_batch_size must be positive")
	}
	if cfg.MaxReorgDepth == 0 {
		return errors.New("max_reorg_depth must be positive")
	}
	if cfg.RequestTimeout <= 0 {
		return errors.New("request_timeout must be positive")
	}
	if cfg.BanDuration < 0 {
		return errors.New("ban_duration can't be negative")
	}
	if cfg.MaxPeerAttempts <= 0 {
		return errors.New("max_peer_attempts must be positive")
	}
	if cfg.WaitingTimeout <= 0 {
		return errors.New("waiting_timeout must be positive")
	}
	if cfg.StuckRounds <= 0 {
		return errors.New("stuck_rounds must be positive")
	}
	for _, p := range cfg.ForcedSyncPeers {
		if p == "" {
			return errors.New("forced_sync_peers can't contain empty ids")
		}
	}
	return nil
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus_listen_addr"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		Namespace:            "basenode",
	}
}

// TestInstrumentationConfig returns a default configuration for metrics
// reporting.
func TestInstrumentationConfig() *InstrumentationConfig {
	return DefaultInstrumentationConfig()
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *InstrumentationConfig) ValidateBasic() error {
	if cfg.Prometheus && cfg.PrometheusListenAddr == "" {
		return errors.New("prometheus_listen_addr can't be empty when prometheus is enabled")
	}
	return nil
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

//-----------------------------------------------------------------------------
// Moniker

var defaultMoniker = getDefaultMoniker()

// getDefaultMoniker returns a default moniker, which is the host name. If runtime
// fails to get the host name, "anonymous" will be returned.
func getDefaultMoniker() string {
	moniker, err := os.Hostname()
	if err != nil {
		moniker = "anonymous"
	}
	return moniker
}
