// Package config loads the application configuration from YAML with
// environment overrides and sane defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Storage  StorageConfig  `yaml:"storage" json:"storage"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
	Update   UpdateConfig   `yaml:"update" json:"update"`
	Shutdown ShutdownConfig `yaml:"shutdown" json:"shutdown"`
	Backup   BackupConfig   `yaml:"backup" json:"backup"`
	Watcher  WatcherConfig  `yaml:"watcher" json:"watcher"`
	Web      WebConfig      `yaml:"web" json:"web"`
	Alerts   AlertsConfig   `yaml:"alerts" json:"alerts"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Profiles []Profile      `yaml:"profiles" json:"profiles"`
}

// StorageConfig contains filesystem locations shared by all operations.
type StorageConfig struct {
	DataDir      string `yaml:"data_dir" json:"data_dir"`
	CacheDir     string `yaml:"cache_dir" json:"cache_dir"`
	BackupDir    string `yaml:"backup_dir" json:"backup_dir"`
	OpsLogDir    string `yaml:"ops_log_dir" json:"ops_log_dir"`
	LockDir      string `yaml:"lock_dir" json:"lock_dir"`
	SteamCmdPath string `yaml:"steamcmd_path" json:"steamcmd_path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"`
	File       string `yaml:"file" json:"file"`
	MaxSize    int    `yaml:"max_size" json:"max_size"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAge     int    `yaml:"max_age" json:"max_age"`
}

// UpdateConfig tunes the update pipeline.
type UpdateConfig struct {
	SmartCopy                   bool `yaml:"smart_copy" json:"smart_copy"`
	ValidateFiles               bool `yaml:"validate_files" json:"validate_files"`
	CheckFileTimestamps         bool `yaml:"check_file_timestamps" json:"check_file_timestamps"`
	ForceModUpdateOnMetaFailure bool `yaml:"force_mod_update_on_meta_failure" json:"force_mod_update_on_meta_failure"`
	ParallelProfiles            bool `yaml:"parallel_profiles" json:"parallel_profiles"`
}

// ShutdownConfig tunes the shutdown sequencer.
type ShutdownConfig struct {
	GraceMinutes    int  `yaml:"grace_minutes" json:"grace_minutes"`
	EnableRconExit  bool `yaml:"enable_rcon_exit" json:"enable_rcon_exit"`
	SaveWaitSeconds int  `yaml:"save_wait_seconds" json:"save_wait_seconds"`
}

// BackupConfig tunes the backup archiver and its schedule.
type BackupConfig struct {
	RetentionDays int                `yaml:"retention_days" json:"retention_days"`
	AutoSchedule  string             `yaml:"auto_schedule" json:"auto_schedule"` // cron expression, empty disables
	Destination   *DestinationConfig `yaml:"destination" json:"destination"`
}

// DestinationConfig describes an optional off-host backup destination.
type DestinationConfig struct {
	Type string `yaml:"type" json:"type"` // "local", "s3" or "sftp"
	Path string `yaml:"path" json:"path"`

	S3Region    string `yaml:"s3_region" json:"s3_region"`
	S3Bucket    string `yaml:"s3_bucket" json:"s3_bucket"`
	S3Endpoint  string `yaml:"s3_endpoint" json:"s3_endpoint"`
	S3AccessKey string `yaml:"s3_access_key" json:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key" json:"s3_secret_key"`

	SFTPHost     string `yaml:"sftp_host" json:"sftp_host"`
	SFTPPort     int    `yaml:"sftp_port" json:"sftp_port"`
	SFTPUser     string `yaml:"sftp_user" json:"sftp_user"`
	SFTPPassword string `yaml:"sftp_password" json:"sftp_password"`
	SFTPKeyFile  string `yaml:"sftp_key_file" json:"sftp_key_file"`
}

// WatcherConfig tunes the status watcher.
type WatcherConfig struct {
	IntervalMillis int `yaml:"interval_millis" json:"interval_millis"`
}

// WebConfig controls the read-only status API.
type WebConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Host    string `yaml:"host" json:"host"`
	Port    int    `yaml:"port" json:"port"`
}

// AlertsConfig controls operator notifications.
type AlertsConfig struct {
	WebhookURL string `yaml:"webhook_url" json:"webhook_url"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Path           string `yaml:"path" json:"path"`
	MaxConnections int    `yaml:"max_connections" json:"max_connections"`
}

// Profile is the persisted form of a server profile's operational fields.
type Profile struct {
	Name                  string   `yaml:"name" json:"name"`
	InstallDir            string   `yaml:"install_dir" json:"install_dir"`
	ServerIP              string   `yaml:"server_ip" json:"server_ip"`
	GamePort              int      `yaml:"game_port" json:"game_port"`
	QueryPort             int      `yaml:"query_port" json:"query_port"`
	RCONEnabled           bool     `yaml:"rcon_enabled" json:"rcon_enabled"`
	RCONPort              int      `yaml:"rcon_port" json:"rcon_port"`
	AdminPassword         string   `yaml:"admin_password" json:"admin_password"`
	Branch                string   `yaml:"branch" json:"branch"`
	BranchPassword        string   `yaml:"branch_password" json:"branch_password"`
	MapName               string   `yaml:"map_name" json:"map_name"`
	MapModID              string   `yaml:"map_mod_id" json:"map_mod_id"`
	TotalConversionModID  string   `yaml:"total_conversion_mod_id" json:"total_conversion_mod_id"`
	ServerModIDs          []string `yaml:"server_mod_ids" json:"server_mod_ids"`
	SOTF                  bool     `yaml:"sotf" json:"sotf"`
	ProceduralMap         bool     `yaml:"procedural_map" json:"procedural_map"`
	AutoRestartIfShutdown bool     `yaml:"auto_restart_if_shutdown" json:"auto_restart_if_shutdown"`
	AutoBackupEnabled     bool     `yaml:"auto_backup_enabled" json:"auto_backup_enabled"`
	MOTD                  string   `yaml:"motd" json:"motd"`
}

// Load loads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:      "./data",
			CacheDir:     "./data/cache",
			BackupDir:    "./data/backups",
			OpsLogDir:    "./data/logs",
			SteamCmdPath: "steamcmd",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     30,
		},
		Update: UpdateConfig{
			SmartCopy:           true,
			CheckFileTimestamps: true,
		},
		Shutdown: ShutdownConfig{
			GraceMinutes:    10,
			EnableRconExit:  true,
			SaveWaitSeconds: 15,
		},
		Backup: BackupConfig{
			RetentionDays: 7,
		},
		Watcher: WatcherConfig{
			IntervalMillis: 3500,
		},
		Web: WebConfig{
			Host: "127.0.0.1",
			Port: 8085,
		},
		Database: DatabaseConfig{
			Path:           "./data/arkmgr.db",
			MaxConnections: 25,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ARKMGR_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("ARKMGR_CACHE_DIR"); v != "" {
		cfg.Storage.CacheDir = v
	}
	if v := os.Getenv("ARKMGR_STEAMCMD"); v != "" {
		cfg.Storage.SteamCmdPath = v
	}
	if v := os.Getenv("ARKMGR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ARKMGR_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("ARKMGR_WEBHOOK_URL"); v != "" {
		cfg.Alerts.WebhookURL = v
	}
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		return fmt.Errorf("storage.data_dir must not be empty")
	}
	if strings.TrimSpace(c.Storage.CacheDir) == "" {
		return fmt.Errorf("storage.cache_dir must not be empty")
	}
	if c.Watcher.IntervalMillis <= 0 {
		return fmt.Errorf("watcher.interval_millis must be positive")
	}
	if c.Backup.RetentionDays < 0 {
		return fmt.Errorf("backup.retention_days must not be negative")
	}
	seen := make(map[string]bool)
	for i := range c.Profiles {
		name := strings.TrimSpace(c.Profiles[i].Name)
		if name == "" {
			return fmt.Errorf("profile %d has no name", i)
		}
		if seen[name] {
			return fmt.Errorf("duplicate profile name: %s", name)
		}
		seen[name] = true
	}
	return nil
}

// FindProfile returns the named profile, or nil.
func (c *Config) FindProfile(name string) *Profile {
	for i := range c.Profiles {
		if c.Profiles[i].Name == name {
			return &c.Profiles[i]
		}
	}
	return nil
}

// ProfilesOnBranch returns all profiles referencing the named branch.
func (c *Config) ProfilesOnBranch(branch string) []Profile {
	var out []Profile
	for _, p := range c.Profiles {
		if p.Branch == branch {
			out = append(out, p)
		}
	}
	return out
}

// EnsureDirs creates the storage directories if they do not exist.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.Storage.DataDir, c.Storage.CacheDir, c.Storage.BackupDir, c.Storage.OpsLogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	if dir := filepath.Dir(c.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return nil
}
