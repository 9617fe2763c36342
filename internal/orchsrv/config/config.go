package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// ConfigFormatVersion is the version of the configuration file format this
// build understands.
const ConfigFormatVersion = "1.0"

// ServerConfig holds the command API listener configuration
type ServerConfig struct {
	HostName   string `toml:"hostname"`
	Port       string `toml:"port"`
	HandleCORS bool   `toml:"handle_cors"`
}

// StateStoreConfig selects and configures the tenant state store backend
type StateStoreConfig struct {
	Backend     string `toml:"backend"`      // "memory" or "postgres"
	PostgresDSN string `toml:"postgres_dsn"` // required for postgres
	LeaseTTL    string `toml:"lease_ttl"`    // operation lease expiry (multi-replica)
}

func (s *StateStoreConfig) GetLeaseTTL() time.Duration {
	return durationOrDefault(s.LeaseTTL, 2*time.Minute)
}

// RuntimeConfig configures the container runtime adapter
type RuntimeConfig struct {
	DockerBin   string `toml:"docker_bin"`   // docker binary for the CLI adapter
	CallTimeout string `toml:"call_timeout"` // per-call deadline
}

func (r *RuntimeConfig) GetCallTimeout() time.Duration {
	return durationOrDefault(r.CallTimeout, 30*time.Second)
}

// ArchiveConfig configures the backup archive store
type ArchiveConfig struct {
	Backend string `toml:"backend"` // "fs" or "memory"
	RootDir string `toml:"root_dir"`
}

// OperationsConfig bounds the operation executor
type OperationsConfig struct {
	MaxWorkers        int    `toml:"max_workers"`
	QueueSize         int    `toml:"queue_size"`
	RetryAttempts     uint   `toml:"retry_attempts"`
	RetryBaseDelay    string `toml:"retry_base_delay"`
	OperationTimeout  string `toml:"operation_timeout"`
	ReadinessAttempts uint   `toml:"readiness_attempts"`
	ReadinessInterval string `toml:"readiness_interval"`
}

func (o *OperationsConfig) GetRetryBaseDelay() time.Duration {
	return durationOrDefault(o.RetryBaseDelay, 500*time.Millisecond)
}

func (o *OperationsConfig) GetOperationTimeout() time.Duration {
	return durationOrDefault(o.OperationTimeout, 10*time.Minute)
}

func (o *OperationsConfig) GetReadinessInterval() time.Duration {
	return durationOrDefault(o.ReadinessInterval, time.Second)
}

// HealthConfig configures the health prober sweep
type HealthConfig struct {
	SweepInterval           string `toml:"sweep_interval"`
	ProbeTimeout            string `toml:"probe_timeout"`
	UnhealthyAlertThreshold int    `toml:"unhealthy_alert_threshold"`
}

func (h *HealthConfig) GetSweepInterval() time.Duration {
	return durationOrDefault(h.SweepInterval, time.Minute)
}

func (h *HealthConfig) GetProbeTimeout() time.Duration {
	return durationOrDefault(h.ProbeTimeout, 5*time.Second)
}

// BackupConfig configures retention and scheduled backups
type BackupConfig struct {
	RetentionSweepInterval string         `toml:"retention_sweep_interval"`
	ScheduledBackups       bool           `toml:"scheduled_backups"`
	BackupInterval         string         `toml:"backup_interval"`
	RetentionDays          map[string]int `toml:"retention_days"` // keyed by resource tier
}

func (b *BackupConfig) GetRetentionSweepInterval() time.Duration {
	return durationOrDefault(b.RetentionSweepInterval, time.Hour)
}

func (b *BackupConfig) GetBackupInterval() time.Duration {
	return durationOrDefault(b.BackupInterval, 24*time.Hour)
}

// RetentionForTier returns the backup retention period for a resource tier.
func (b *BackupConfig) RetentionForTier(tier string) time.Duration {
	days, ok := b.RetentionDays[tier]
	if !ok || days <= 0 {
		days = 7
	}
	return time.Duration(days) * 24 * time.Hour
}

// AlertingConfig configures the alerter sink
type AlertingConfig struct {
	WebhookURL string `toml:"webhook_url"` // empty disables the webhook sink
}

// SecretsConfig seeds the static secrets provider
type SecretsConfig struct {
	Static map[string]string `toml:"static"`
}

// ConfigParam holds all configuration parameters for the orchestrator service
type ConfigParam struct {
	FormatVersion string `toml:"format_version"`
	LogLevel      string `toml:"log_level"`
	TemplatesDir  string `toml:"templates_dir"` // extra stack templates, optional

	Server     ServerConfig     `toml:"server"`
	StateStore StateStoreConfig `toml:"state_store"`
	Runtime    RuntimeConfig    `toml:"runtime"`
	Archive    ArchiveConfig    `toml:"archive"`
	Operations OperationsConfig `toml:"operations"`
	Health     HealthConfig     `toml:"health"`
	Backup     BackupConfig     `toml:"backup"`
	Alerting   AlertingConfig   `toml:"alerting"`
	Secrets    SecretsConfig    `toml:"secrets"`
}

var cfg *ConfigParam

// Config returns the current configuration
func Config() *ConfigParam {
	return cfg
}

// LoadConfig reads, parses and validates the config file at path and installs
// it as the active configuration.
func LoadConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("unable to read config file: %w", err)
	}
	c := defaultConfig()
	if err := toml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("unable to parse config file: %w", err)
	}
	if err := ValidateConfig(c); err != nil {
		return err
	}
	cfg = c
	return nil
}

func defaultConfig() *ConfigParam {
	return &ConfigParam{
		FormatVersion: ConfigFormatVersion,
		LogLevel:      "info",
		Server: ServerConfig{
			HostName: "0.0.0.0",
			Port:     "8440",
		},
		StateStore: StateStoreConfig{
			Backend:  "memory",
			LeaseTTL: "2m",
		},
		Runtime: RuntimeConfig{
			DockerBin:   "docker",
			CallTimeout: "30s",
		},
		Archive: ArchiveConfig{
			Backend: "fs",
			RootDir: "/var/lib/stackplane/archives",
		},
		Operations: OperationsConfig{
			MaxWorkers:        8,
			QueueSize:         64,
			RetryAttempts:     3,
			RetryBaseDelay:    "500ms",
			OperationTimeout:  "10m",
			ReadinessAttempts: 30,
			ReadinessInterval: "1s",
		},
		Health: HealthConfig{
			SweepInterval:           "1m",
			ProbeTimeout:            "5s",
			UnhealthyAlertThreshold: 3,
		},
		Backup: BackupConfig{
			RetentionSweepInterval: "1h",
			ScheduledBackups:       false,
			BackupInterval:         "24h",
			RetentionDays: map[string]int{
				"free":    3,
				"basic":   7,
				"pro":     30,
				"premium": 90,
			},
		},
	}
}

// ValidateConfig checks if all required configuration values are present and
// valid.
func ValidateConfig(c *ConfigParam) error {
	if c.FormatVersion != ConfigFormatVersion {
		return fmt.Errorf("unsupported config file format version: %s", c.FormatVersion)
	}
	if c.Server.Port == "" {
		return fmt.Errorf("server port not defined")
	}
	switch c.StateStore.Backend {
	case "memory":
	case "postgres":
		if c.StateStore.PostgresDSN == "" {
			return fmt.Errorf("postgres state store requires postgres_dsn")
		}
	default:
		return fmt.Errorf("unknown state store backend: %s", c.StateStore.Backend)
	}
	switch c.Archive.Backend {
	case "fs":
		if c.Archive.RootDir == "" {
			return fmt.Errorf("fs archive store requires root_dir")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown archive backend: %s", c.Archive.Backend)
	}
	if c.Operations.MaxWorkers <= 0 {
		return fmt.Errorf("operations max_workers must be positive")
	}
	if c.Operations.ReadinessAttempts == 0 {
		return fmt.Errorf("operations readiness_attempts must be positive")
	}
	for _, d := range []string{
		c.StateStore.LeaseTTL, c.Runtime.CallTimeout, c.Operations.RetryBaseDelay,
		c.Operations.OperationTimeout, c.Operations.ReadinessInterval,
		c.Health.SweepInterval, c.Health.ProbeTimeout,
		c.Backup.RetentionSweepInterval, c.Backup.BackupInterval,
	} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("invalid duration %q: %w", d, err)
		}
	}
	// One slow tenant must not starve the sweep: probes have to finish well
	// inside the sweep interval.
	if c.Health.GetProbeTimeout() >= c.Health.GetSweepInterval() {
		return fmt.Errorf("health probe_timeout must be shorter than sweep_interval")
	}
	return nil
}

func durationOrDefault(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// TestInit installs the default configuration for tests.
func TestInit() {
	cfg = defaultConfig()
	cfg.StateStore.Backend = "memory"
	cfg.Archive.Backend = "memory"
	cfg.Operations.RetryBaseDelay = "1ms"
	cfg.Operations.ReadinessInterval = "1ms"
	cfg.Health.ProbeTimeout = "100ms"
	cfg.Health.SweepInterval = "1s"
}
