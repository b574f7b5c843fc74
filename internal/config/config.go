package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix = "RETROBOARD"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultSQLitePath     = "retroboard.db"
	defaultBackupDir      = "backups"
	defaultBackupInterval = 240
	defaultBackupMaxAuto  = 10
	defaultLogLevel       = "info"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress           string
	StorageDriver         string
	SQLitePath            string
	PostgresDSN           string
	RedisAddress          string
	RedisPassword         string
	RedisDB               int
	BackupDir             string
	BackupIntervalMinutes int
	BackupMaxAuto         int
	BackupOnStartup       bool
	BackupScheduleEnabled bool
	LogLevel              string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("storage.driver", DriverSQLite)
	configViper.SetDefault("storage.sqlite_path", defaultSQLitePath)
	configViper.SetDefault("storage.postgres_dsn", "")
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("backup.dir", defaultBackupDir)
	configViper.SetDefault("backup.interval_minutes", defaultBackupInterval)
	configViper.SetDefault("backup.max_auto", defaultBackupMaxAuto)
	configViper.SetDefault("backup.on_startup", true)
	configViper.SetDefault("backup.schedule_enabled", true)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:           configViper.GetString("http.address"),
		StorageDriver:         strings.ToLower(strings.TrimSpace(configViper.GetString("storage.driver"))),
		SQLitePath:            configViper.GetString("storage.sqlite_path"),
		PostgresDSN:           configViper.GetString("storage.postgres_dsn"),
		RedisAddress:          configViper.GetString("redis.address"),
		RedisPassword:         configViper.GetString("redis.password"),
		RedisDB:               configViper.GetInt("redis.db"),
		BackupDir:             configViper.GetString("backup.dir"),
		BackupIntervalMinutes: configViper.GetInt("backup.interval_minutes"),
		BackupMaxAuto:         configViper.GetInt("backup.max_auto"),
		BackupOnStartup:       configViper.GetBool("backup.on_startup"),
		BackupScheduleEnabled: configViper.GetBool("backup.schedule_enabled"),
		LogLevel:              configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	switch c.StorageDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("storage.sqlite_path is required when storage.driver is sqlite")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("storage.postgres_dsn is required when storage.driver is postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.StorageDriver)
	}
	if strings.TrimSpace(c.BackupDir) == "" {
		return fmt.Errorf("backup.dir is required")
	}
	if c.BackupIntervalMinutes <= 0 {
		return fmt.Errorf("backup.interval_minutes must be positive")
	}
	if c.BackupMaxAuto <= 0 {
		return fmt.Errorf("backup.max_auto must be positive")
	}
	return nil
}
