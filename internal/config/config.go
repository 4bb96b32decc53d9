package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Agents        AgentsConfig        `toml:"agents"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Pool          PoolConfig          `toml:"pool"`
	Schedules     []ScheduleConfig    `toml:"schedules"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
	PolicyPath   string `toml:"policy_path"`
	QuotasPath   string `toml:"quotas_path"`
	// MaxParallelPhases bounds concurrent phases within one tier
	MaxParallelPhases int `toml:"max_parallel_phases"`
	// WaitForLease queues a run on a busy workspace instead of failing fast
	WaitForLease bool `toml:"wait_for_lease"`
}

// AgentsConfig holds builder/auditor adapter settings
type AgentsConfig struct {
	// Binary is the external agent executable driven by the CLI adapter
	Binary string `toml:"binary"`
	// ExtraArgs are passed to the binary before the mode argument
	ExtraArgs []string `toml:"extra_args"`
	// CallTimeoutMinutes bounds one builder or auditor invocation
	CallTimeoutMinutes int `toml:"call_timeout_minutes"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds status API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// PoolConfig holds remote worker pool settings
type PoolConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
	// MaxJobsPerWorker caps concurrent jobs on one worker
	MaxJobsPerWorker int `toml:"max_jobs_per_worker"`
}

// ScheduleConfig defines one recurring run
type ScheduleConfig struct {
	Name string `toml:"name"`
	// Cron is a standard five-field cron expression
	Cron string `toml:"cron"`
	// SpecPath points to the run spec YAML to execute
	SpecPath string `toml:"spec_path"`
	Enabled  bool   `toml:"enabled"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".autobuild")
	return &Config{
		General: GeneralConfig{
			DatabasePath:      filepath.Join(base, "autobuild.db"),
			PolicyPath:        filepath.Join(base, "policy.yaml"),
			QuotasPath:        filepath.Join(base, "quotas.yaml"),
			MaxParallelPhases: 2,
		},
		Agents: AgentsConfig{
			Binary:             "autobuild-agent",
			CallTimeoutMinutes: 15,
		},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Pool: PoolConfig{
			Port:             8081,
			MaxJobsPerWorker: 2,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Expand paths
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.PolicyPath = ExpandPath(cfg.General.PolicyPath)
	cfg.General.QuotasPath = ExpandPath(cfg.General.QuotasPath)
	for i := range cfg.Schedules {
		cfg.Schedules[i].SpecPath = ExpandPath(cfg.Schedules[i].SpecPath)
	}

	return cfg, nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "autobuild", "config.toml")
}

// LocalConfigName is the per-project config file searched for upwards
// from the working directory
const LocalConfigName = ".autobuild.toml"

// FindLocalConfig walks up from the working directory looking for a
// project-local config file. Returns empty when none is found.
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadWithLocalFallback loads an explicit config path when given,
// otherwise a project-local config, otherwise the global default path
func LoadWithLocalFallback(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}
