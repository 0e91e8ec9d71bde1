package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

type Config struct {
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	SocketPath       string `mapstructure:"socket_path"`
	EventsListenAddr string `mapstructure:"events_listen_addr"`

	RefreshIntervalSeconds int `mapstructure:"refresh_interval_seconds"`
	CacheMaxAgeSeconds     int `mapstructure:"cache_max_age_seconds"`

	// Target names whose updates are queued after everything else in a
	// batch, typically large optional components.
	UpdateRunLast []string `mapstructure:"update_run_last"`

	MaxConcurrentRequests int `mapstructure:"max_concurrent_requests"`
	RequestQueueSize      int `mapstructure:"request_queue_size"`

	DataDir         string `mapstructure:"data_dir"`
	AuditMaxSizeMB  int    `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int    `mapstructure:"audit_max_backups"`
}

func Default() *Config {
	return &Config{
		LogLevel:               "info",
		LogFormat:              "text",
		LogMaxSizeMB:           20,
		LogMaxBackups:          3,
		SocketPath:             "/var/run/breeze/sysupdate.sock",
		EventsListenAddr:       "127.0.0.1:8637",
		RefreshIntervalSeconds: 3600,
		CacheMaxAgeSeconds:     1800,
		UpdateRunLast:          []string{"devel"},
		MaxConcurrentRequests:  4,
		RequestQueueSize:       16,
		DataDir:                "/var/lib/breeze/sysupdate",
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("sysupdate")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("SYSUPDATE")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("log_level", cfg.LogLevel)
	viper.Set("log_format", cfg.LogFormat)
	viper.Set("log_file", cfg.LogFile)
	viper.Set("log_max_size_mb", cfg.LogMaxSizeMB)
	viper.Set("log_max_backups", cfg.LogMaxBackups)
	viper.Set("socket_path", cfg.SocketPath)
	viper.Set("events_listen_addr", cfg.EventsListenAddr)
	viper.Set("refresh_interval_seconds", cfg.RefreshIntervalSeconds)
	viper.Set("cache_max_age_seconds", cfg.CacheMaxAgeSeconds)
	viper.Set("update_run_last", cfg.UpdateRunLast)
	viper.Set("max_concurrent_requests", cfg.MaxConcurrentRequests)
	viper.Set("request_queue_size", cfg.RequestQueueSize)
	viper.Set("data_dir", cfg.DataDir)
	viper.Set("audit_max_size_mb", cfg.AuditMaxSizeMB)
	viper.Set("audit_max_backups", cfg.AuditMaxBackups)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "sysupdate.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Restrict config file to owner-only access
	return os.Chmod(cfgPath, 0600)
}

// GetDataDir returns the directory for agent state (audit log), honoring
// the configured override.
func (c *Config) GetDataDir() string {
	if c != nil && c.DataDir != "" {
		return c.DataDir
	}
	return "/var/lib/breeze/sysupdate"
}

func configDir() string {
	return "/etc/breeze"
}
