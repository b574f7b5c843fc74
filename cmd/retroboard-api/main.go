package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/backup"
	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/config"
	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/kvstore"
	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/meta"
	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/migration"
	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/server"
	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/session"
	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/team"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "retroboard-api",
		Short: "Retroboard collaboration backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("storage-driver", defaults.GetString("storage.driver"), "Storage driver (sqlite or postgres)")
	cmd.PersistentFlags().String("sqlite-path", defaults.GetString("storage.sqlite_path"), "SQLite database path")
	cmd.PersistentFlags().String("postgres-dsn", "", "Postgres DSN (overrides env)")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for multi-instance fan-out")
	cmd.PersistentFlags().String("backup-dir", defaults.GetString("backup.dir"), "Backup archive directory")
	cmd.PersistentFlags().Int("backup-interval-minutes", defaults.GetInt("backup.interval_minutes"), "Automatic backup interval in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "storage.driver", "storage-driver")
	bindFlag(cmd, "storage.sqlite_path", "sqlite-path")
	bindFlag(cmd, "storage.postgres_dsn", "postgres-dsn")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "backup.dir", "backup-dir")
	bindFlag(cmd, "backup.interval_minutes", "backup-interval-minutes")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, err := openStore(appConfig, logger)
	if err != nil {
		return err
	}
	sqlDB, err := store.DB().DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migration.Run(signalCtx, store, time.Now, logger); err != nil {
		return err
	}

	metaStore, err := meta.NewStore(meta.StoreConfig{Store: store, Logger: logger})
	if err != nil {
		return err
	}
	teamStore, err := team.NewStore(team.StoreConfig{Store: store, Meta: metaStore, Logger: logger})
	if err != nil {
		return err
	}

	hub := session.NewHub()
	broadcaster, err := newBroadcaster(signalCtx, appConfig, hub, logger)
	if err != nil {
		return err
	}

	sessionService, err := session.NewService(session.ServiceConfig{
		Store:       store,
		Hub:         hub,
		Broadcaster: broadcaster,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	backupService, err := backup.NewService(backup.ServiceConfig{
		Store:   store,
		Teams:   teamStore,
		Meta:    metaStore,
		Dir:     appConfig.BackupDir,
		MaxAuto: appConfig.BackupMaxAuto,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	if appConfig.BackupOnStartup {
		if _, err := backupService.CreateStartupBackup(signalCtx); err != nil {
			logger.Warn("startup backup failed", zap.Error(err))
		}
	}
	if appConfig.BackupScheduleEnabled {
		scheduler := backup.NewScheduler(backupService,
			time.Duration(appConfig.BackupIntervalMinutes)*time.Minute, logger)
		go scheduler.Run(signalCtx)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Teams:    teamStore,
		Meta:     metaStore,
		Sessions: sessionService,
		Backups:  backupService,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func openStore(appConfig config.AppConfig, logger *zap.Logger) (*kvstore.GormStore, error) {
	switch appConfig.StorageDriver {
	case config.DriverPostgres:
		return kvstore.OpenPostgres(appConfig.PostgresDSN, logger)
	default:
		return kvstore.OpenSQLite(appConfig.SQLitePath, logger)
	}
}

func newBroadcaster(ctx context.Context, appConfig config.AppConfig, hub *session.Hub, logger *zap.Logger) (session.Broadcaster, error) {
	if appConfig.RedisAddress == "" {
		return session.NewLocalBroadcaster(hub), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     appConfig.RedisAddress,
		Password: appConfig.RedisPassword,
		DB:       appConfig.RedisDB,
	})
	broadcaster, err := session.NewRedisBroadcaster(session.RedisBroadcasterConfig{
		Client: client,
		Hub:    hub,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	go func() {
		if err := broadcaster.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("session relay consumer stopped", zap.Error(err))
		}
	}()
	logger.Info("multi-instance session fan-out enabled", zap.String("redis", appConfig.RedisAddress))
	return broadcaster, nil
}
