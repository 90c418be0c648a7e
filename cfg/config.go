package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/txcore/pgerr"
)

// BackendsConfiguration sizes the backend slot registry
type BackendsConfiguration struct {
	MaxBackends      int `toml:"max_backends"`
	MaxPreparedXacts int `toml:"max_prepared_xacts"`
}

// CSNConfiguration controls commit sequence number snapshots
type CSNConfiguration struct {
	EnableCSNSnapshot bool `toml:"enable_csn_snapshot"`
	DeferTimeSeconds  int  `toml:"csn_snapshot_defer_time"` // Sizes the CSN to xmin map
	TimeShiftSeconds  int  `toml:"csn_time_shift"`          // Added to the local clock when generating CSNs
	LogBuffers        int  `toml:"csn_log_buffers"`
}

// MultiXactConfiguration controls MultiXact SLRU sizing and freezing
type MultiXactConfiguration struct {
	OffsetBuffers int    `toml:"offset_buffers"`
	MemberBuffers int    `toml:"member_buffers"`
	FreezeMaxAge  int    `toml:"autovacuum_multixact_freeze_max_age"`
	DatabaseName  string `toml:"database_name"` // Reported in wraparound errors
}

// VacuumConfiguration controls the horizon driver that truncates SLRUs
// and moves the wraparound limits
type VacuumConfiguration struct {
	FreezeMaxAge int `toml:"autovacuum_freeze_max_age"`
}

// WALConfiguration controls the write-ahead record log
type WALConfiguration struct {
	Compression       bool `toml:"compression"`
	GroupCommitWaitMS int  `toml:"group_commit_wait_ms"`
}

// StorageConfiguration tunes the pebble store backing SLRU pages and WAL
type StorageConfiguration struct {
	CacheSizeMB    int  `toml:"cache_size_mb"`
	MemTableSizeMB int  `toml:"memtable_size_mb"`
	DisableWAL     bool `toml:"disable_wal"`
}

// LockPolicyConfiguration controls the adaptive lock policy hook
type LockPolicyConfiguration struct {
	Enabled    bool   `toml:"enabled"`
	PolicyFile string `toml:"policy_file"`
}

// SinvalConfiguration controls invalidation queue signalling
type SinvalConfiguration struct {
	CatchupThresholdPercent int `toml:"catchup_threshold_percent"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration for the debug HTTP API
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Secret  string `toml:"secret"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID           uint64 `toml:"node_id"`
	DataDir          string `toml:"data_dir"`
	SharedMemorySize uint64 `toml:"shared_memory_size"` // 0 sizes the arena from the other settings

	Backends   BackendsConfiguration   `toml:"backends"`
	CSN        CSNConfiguration        `toml:"csn"`
	MultiXact  MultiXactConfiguration  `toml:"multixact"`
	Vacuum     VacuumConfiguration     `toml:"vacuum"`
	WAL        WALConfiguration        `toml:"wal"`
	Storage    StorageConfiguration    `toml:"storage"`
	LockPolicy LockPolicyConfiguration `toml:"lock_policy"`
	Sinval     SinvalConfiguration     `toml:"sinval"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Admin      AdminConfiguration      `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	AdminAddrFlag  = flag.String("admin-addr", "", "Admin API listen address (overrides config)")
)

// Default configuration
var Config = Default()

// Default returns a configuration with every setting at its default.
func Default() *Configuration {
	return &Configuration{
		NodeID:  0, // Auto-generate
		DataDir: "./txcore-data",

		Backends: BackendsConfiguration{
			MaxBackends:      100,
			MaxPreparedXacts: 0,
		},

		CSN: CSNConfiguration{
			EnableCSNSnapshot: true,
			DeferTimeSeconds:  60,
			TimeShiftSeconds:  0,
			LogBuffers:        32,
		},

		MultiXact: MultiXactConfiguration{
			OffsetBuffers: 16,
			MemberBuffers: 32,
			FreezeMaxAge:  400_000_000,
			DatabaseName:  "postgres",
		},

		Vacuum: VacuumConfiguration{
			FreezeMaxAge: 200_000_000,
		},

		WAL: WALConfiguration{
			Compression:       false,
			GroupCommitWaitMS: 2,
		},

		Storage: StorageConfiguration{
			CacheSizeMB:    64,
			MemTableSizeMB: 32,
		},

		Sinval: SinvalConfiguration{
			CatchupThresholdPercent: 70,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},

		Admin: AdminConfiguration{
			Enabled: true,
			Address: "127.0.0.1:8089",
		},
	}
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return pgerr.Wrapf(pgerr.New(pgerr.ConfigFileError, "%v", err), "failed to decode config %s", configPath)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *AdminAddrFlag != "" {
		Config.Admin.Address = *AdminAddrFlag
	}

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("txcore")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

func invalid(format string, args ...any) error {
	return pgerr.New(pgerr.InvalidParameterValue, format, args...)
}

// Validate checks configuration for errors
func Validate() error {
	c := Config

	if c.Backends.MaxBackends < 1 {
		return invalid("max_backends must be >= 1")
	}
	if c.Backends.MaxPreparedXacts < 0 {
		return invalid("max_prepared_xacts must be >= 0")
	}

	if c.CSN.DeferTimeSeconds < 0 {
		return invalid("csn_snapshot_defer_time must be >= 0")
	}

	if c.MultiXact.OffsetBuffers < 16 {
		return invalid("multixact offset_buffers must be >= 16")
	}
	if c.MultiXact.MemberBuffers < 16 {
		return invalid("multixact member_buffers must be >= 16")
	}
	if c.CSN.LogBuffers < 16 {
		return invalid("csn_log_buffers must be >= 16")
	}
	if c.MultiXact.FreezeMaxAge < 10_000 || c.MultiXact.FreezeMaxAge > 2_000_000_000 {
		return invalid("autovacuum_multixact_freeze_max_age must be between 10000 and 2000000000")
	}

	if c.Vacuum.FreezeMaxAge < 100_000 || c.Vacuum.FreezeMaxAge > 2_000_000_000 {
		return invalid("autovacuum_freeze_max_age must be between 100000 and 2000000000")
	}

	if c.WAL.GroupCommitWaitMS < 0 {
		return invalid("group_commit_wait_ms must be >= 0")
	}

	if c.Sinval.CatchupThresholdPercent < 1 || c.Sinval.CatchupThresholdPercent > 100 {
		return invalid("catchup_threshold_percent must be between 1 and 100")
	}

	if c.LockPolicy.Enabled && c.LockPolicy.PolicyFile == "" {
		return invalid("lock_policy.policy_file is required when the lock policy is enabled")
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return invalid("invalid logging format: %s", c.Logging.Format)
	}

	return nil
}

// StoragePath returns the pebble directory under the data directory.
func StoragePath() string {
	return filepath.Join(Config.DataDir, "pebble")
}
