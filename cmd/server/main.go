// Package main provides the entry point for the MySQL MCP server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/matpb/mysql-mcp-server/cmd/server/config"
	"github.com/matpb/mysql-mcp-server/pkg/handlers"
	"github.com/matpb/mysql-mcp-server/pkg/infrastructure/metrics"
	"github.com/matpb/mysql-mcp-server/pkg/infrastructure/pool"
	"github.com/matpb/mysql-mcp-server/pkg/infrastructure/proxy"
	"github.com/matpb/mysql-mcp-server/pkg/repositories/mysql"
	"github.com/matpb/mysql-mcp-server/pkg/services"
)

var (
	// Version information (set by build flags)
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "mysql-mcp-server",
	Short: "Read-only MySQL MCP server",
	Long: `A read-only MySQL server for the Model Context Protocol.

Queries are admitted through a syntactic allow/deny classifier so no
mutating statement ever reaches the database. Connections can be routed
through a managed Cloud SQL Auth Proxy subprocess.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server on stdio",
	Long: `Start the MCP server, speaking the Model Context Protocol over stdio.

Example:
  mysql-mcp-server serve --config ./config.yaml
  mysql-mcp-server serve --db-host 127.0.0.1 --db-name mydb --db-user reader`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("config", "c", "", "config file path")
	serveCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	serveCmd.Flags().Duration("shutdown-timeout", 10*time.Second, "graceful shutdown timeout")
	serveCmd.Flags().String("db-host", "127.0.0.1", "database host")
	serveCmd.Flags().Int("db-port", 3306, "database port")
	serveCmd.Flags().String("db-user", "root", "database user")
	serveCmd.Flags().String("db-password", "", "database password")
	serveCmd.Flags().String("db-name", "", "database name")
	serveCmd.Flags().Int("db-pool-size", 10, "connection pool size")
	serveCmd.Flags().Duration("db-connect-timeout", 10*time.Second, "database connect timeout")
	serveCmd.Flags().Duration("query-timeout", 30*time.Second, "query execution timeout")
	serveCmd.Flags().Int("query-max-rows", 1000, "default row cap for SELECT queries")
	serveCmd.Flags().Bool("proxy", false, "route connections through the Cloud SQL Auth Proxy")
	serveCmd.Flags().String("proxy-instance", "", "Cloud SQL instance connection name")
	serveCmd.Flags().Int("proxy-port", 3307, "local port for the proxy")
	serveCmd.Flags().String("proxy-credentials-file", "", "service account key file for the proxy")
	serveCmd.Flags().String("proxy-binary", "", "custom proxy binary path")
	serveCmd.Flags().Bool("proxy-auto-download", true, "download the proxy binary when missing")
	serveCmd.Flags().Duration("proxy-startup-timeout", 30*time.Second, "proxy readiness timeout")
	serveCmd.Flags().String("proxy-version", proxy.DefaultVersion, "proxy release version to download")
	serveCmd.Flags().Bool("metrics", false, "enable Prometheus metrics")
	serveCmd.Flags().String("metrics-address", ":9090", "metrics server address")

	if err := viper.BindPFlags(serveCmd.Flags()); err != nil {
		panic(fmt.Errorf("failed to bind flags: %w", err))
	}
	viper.SetEnvPrefix("MYSQL_MCP")
	viper.AutomaticEnv()

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("MySQL MCP Server\n")
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Commit:     %s\n", commit)
			fmt.Printf("Build Date: %s\n", buildDate)
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// stdout carries the MCP protocol; all logging goes to stderr.
	logger := setupLogging(cfg.LogLevel)
	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Bool("proxy", cfg.Proxy.Enabled).
		Msg("Starting MySQL MCP server")

	var metricsCollector metrics.Collector
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		prom := metrics.NewPrometheusCollector()
		metricsCollector = prom
		metricsServer = metrics.NewServer(cfg.Metrics.Address, prom.Registry())
		go func() {
			logger.Info().Str("address", cfg.Metrics.Address).Msg("Starting metrics server")
			if err := metricsServer.Start(); err != nil {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	} else {
		metricsCollector = metrics.NewNoOpCollector()
	}

	manager, toolHandler := buildServer(cfg, logger, metricsCollector)

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)

	mcpServer := handlers.NewServer(toolHandler, version)
	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info().Msg("Serving MCP over stdio")
		serverErrCh <- server.ServeStdio(mcpServer)
	}()

	select {
	case <-shutdownCh:
		logger.Info().Msg("Received shutdown signal")
	case err := <-serverErrCh:
		if err != nil {
			logger.Error().Err(err).Msg("Stdio server error")
		}
	}

	// One explicit teardown path, bounded by the shutdown timeout: pool
	// first, then proxy subprocess.
	logger.Info().Dur("timeout", cfg.ShutdownTimeout).Msg("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := manager.Close(ctx); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	logger.Info().Msg("Shutdown complete")
	return nil
}

// buildServer wires the proxy supervisor, connection manager, repositories,
// services, and tool handler.
func buildServer(cfg *config.Config, logger zerolog.Logger, metricsCollector metrics.Collector) (*pool.Manager, *handlers.ToolHandler) {
	var supervisor *proxy.Supervisor
	if cfg.Proxy.Enabled {
		resolver := proxy.NewResolver(cfg.Proxy.Version, "", logger.With().Str("component", "proxy_resolver").Logger())
		supervisor = proxy.NewSupervisor(proxy.Config{
			Instance:        cfg.Proxy.Instance,
			Port:            cfg.Proxy.Port,
			CredentialsFile: cfg.Proxy.CredentialsFile,
			BinaryPath:      cfg.Proxy.BinaryPath,
			AutoDownload:    cfg.Proxy.AutoDownload,
			StartupTimeout:  cfg.Proxy.StartupTimeout,
		}, resolver, logger.With().Str("component", "proxy_supervisor").Logger())
	}

	manager := pool.NewManager(pool.Config{
		Host:           cfg.Database.Host,
		Port:           cfg.Database.Port,
		User:           cfg.Database.User,
		Password:       cfg.Database.Password,
		Database:       cfg.Database.Name,
		MaxOpenConns:   cfg.Database.PoolSize,
		ConnectTimeout: cfg.Database.ConnectTimeout,
	}, supervisor, logger.With().Str("component", "pool").Logger())

	queryRepo := mysql.NewQueryRepository(manager, logger.With().Str("component", "query_repository").Logger())
	metadataRepo := mysql.NewMetadataRepository(manager, logger.With().Str("component", "metadata_repository").Logger())

	queryService := services.NewQueryService(
		queryRepo,
		services.NewClassifier(),
		services.QueryPolicy{Timeout: cfg.Query.Timeout, MaxRows: cfg.Query.MaxRows},
		&serviceLoggerAdapter{logger: logger.With().Str("component", "query_service").Logger()},
		&serviceMetricsAdapter{collector: metricsCollector},
	)
	metadataService := services.NewMetadataService(
		metadataRepo,
		&serviceLoggerAdapter{logger: logger.With().Str("component", "metadata_service").Logger()},
		&serviceMetricsAdapter{collector: metricsCollector},
	)

	toolHandler := handlers.NewToolHandler(
		queryService,
		metadataService,
		logger.With().Str("component", "tool_handler").Logger(),
	)
	return manager, toolHandler
}

func loadConfig() (*config.Config, error) {
	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := config.DefaultConfig()
	cfg.LogLevel = viper.GetString("log-level")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.Database = config.DatabaseConfig{
		Host:           viper.GetString("db-host"),
		Port:           viper.GetInt("db-port"),
		User:           viper.GetString("db-user"),
		Password:       viper.GetString("db-password"),
		Name:           viper.GetString("db-name"),
		PoolSize:       viper.GetInt("db-pool-size"),
		ConnectTimeout: viper.GetDuration("db-connect-timeout"),
	}
	cfg.Query = config.QueryConfig{
		Timeout: viper.GetDuration("query-timeout"),
		MaxRows: viper.GetInt("query-max-rows"),
	}
	cfg.Proxy = config.ProxyConfig{
		Enabled:         viper.GetBool("proxy"),
		Instance:        viper.GetString("proxy-instance"),
		Port:            viper.GetInt("proxy-port"),
		CredentialsFile: viper.GetString("proxy-credentials-file"),
		BinaryPath:      viper.GetString("proxy-binary"),
		AutoDownload:    viper.GetBool("proxy-auto-download"),
		StartupTimeout:  viper.GetDuration("proxy-startup-timeout"),
		Version:         viper.GetString("proxy-version"),
	}
	cfg.Metrics = config.MetricsConfig{
		Enabled: viper.GetBool("metrics"),
		Address: viper.GetString("metrics-address"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(level string) zerolog.Logger {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).
		Level(logLevel).
		With().
		Timestamp().
		Logger()
}

// serviceLoggerAdapter bridges zerolog to the services.Logger interface.
type serviceLoggerAdapter struct {
	logger zerolog.Logger
}

func (a *serviceLoggerAdapter) Debug(msg string, keysAndValues ...interface{}) {
	a.log(a.logger.Debug(), msg, keysAndValues)
}

func (a *serviceLoggerAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.log(a.logger.Info(), msg, keysAndValues)
}

func (a *serviceLoggerAdapter) Warn(msg string, keysAndValues ...interface{}) {
	a.log(a.logger.Warn(), msg, keysAndValues)
}

func (a *serviceLoggerAdapter) Error(msg string, keysAndValues ...interface{}) {
	a.log(a.logger.Error(), msg, keysAndValues)
}

func (a *serviceLoggerAdapter) log(event *zerolog.Event, msg string, keysAndValues []interface{}) {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		event = event.Interface(key, keysAndValues[i+1])
	}
	event.Msg(msg)
}

// serviceMetricsAdapter bridges the metrics collector to services.MetricsCollector.
type serviceMetricsAdapter struct {
	collector metrics.Collector
}

func (a *serviceMetricsAdapter) IncrementCounter(name string, labels ...string) {
	a.collector.IncrementCounter(name, labels...)
}

func (a *serviceMetricsAdapter) RecordHistogram(name string, value float64, labels ...string) {
	a.collector.RecordHistogram(name, value, labels...)
}

func (a *serviceMetricsAdapter) RecordGauge(name string, value float64, labels ...string) {
	a.collector.RecordGauge(name, value, labels...)
}

func (a *serviceMetricsAdapter) StartTimer(name string) services.Timer {
	return &timerAdapter{timer: a.collector.StartTimer(name)}
}

type timerAdapter struct {
	timer metrics.Timer
}

func (t *timerAdapter) Stop() time.Duration {
	return time.Duration(t.timer.Stop() * float64(time.Second))
}
