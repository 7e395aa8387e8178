// Command pushbot runs the deployment dispatcher: it receives provider push
// webhooks, matches them to configured services, and executes each service's
// deploy command with at most one deployment running per service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/pushbot-io/pushbot/internal/api"
	"github.com/pushbot-io/pushbot/internal/config"
	"github.com/pushbot-io/pushbot/internal/db"
	"github.com/pushbot-io/pushbot/internal/deployer"
	"github.com/pushbot-io/pushbot/internal/janitor"
	"github.com/pushbot-io/pushbot/internal/logstream"
	"github.com/pushbot-io/pushbot/internal/registry"
	"github.com/pushbot-io/pushbot/internal/repositories"
	"github.com/pushbot-io/pushbot/internal/ws"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type serverConfig struct {
	httpAddr      string
	dbDriver      string
	dbDSN         string
	logLevel      string
	configPath    string
	retentionDays int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &serverConfig{}

	root := &cobra.Command{
		Use:   "pushbot",
		Short: "PushBot, a push-to-deploy dispatcher",
		Long: `PushBot listens for provider push webhooks, matches each push to a
configured service, and runs that service's deploy command. Deployments of
the same service are serialized; their output is captured, persisted, and
streamed live.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newServeCmd(cfg))
	root.AddCommand(newInitCmd(cfg))
	root.AddCommand(newDeployCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("PUSHBOT_HTTP_ADDR", ":8080"), "HTTP listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("PUSHBOT_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("PUSHBOT_DB_DSN", "./pushbot.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("PUSHBOT_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.configPath, "config", envOrDefault("PUSHBOT_CONFIG", "./pushbot.yml"), "Path to the service configuration file")
	root.PersistentFlags().IntVar(&cfg.retentionDays, "history-retention", envIntOrDefault("PUSHBOT_HISTORY_RETENTION", 0), "Days to keep finished deployments, 0 keeps everything")

	return root
}

func newServeCmd(cfg *serverConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook listener and deployment scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}
}

func newInitCmd(cfg *serverConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write an example configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(cfg.configPath); err == nil {
				return fmt.Errorf("config file already exists: %s", cfg.configPath)
			}
			if err := os.WriteFile(cfg.configPath, []byte(config.Example), 0o644); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			fmt.Printf("Wrote example configuration to %s\n", cfg.configPath)
			return nil
		},
	}
}

func newDeployCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "deploy <service-name>",
		Short: "Trigger a manual deployment via a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeploy(cmd.Context(), serverURL, args[0])
		},
	}
	cmd.Flags().StringVar(&serverURL, "server-url", envOrDefault("PUSHBOT_SERVER_URL", "http://127.0.0.1:8080"), "Base URL of the running server")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pushbot %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func runServe(ctx context.Context, cfg *serverConfig) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	fileCfg, err := config.Load(cfg.configPath)
	if err != nil {
		return err
	}

	logger.Info("starting pushbot",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("config", cfg.configPath),
		zap.Int("services", len(fileCfg.Services)),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	database, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return err
	}

	services := repositories.NewServiceRepository(database)
	deployments := repositories.NewDeploymentRepository(database)

	// Startup order matters: orphans first (a phantom running row blocks its
	// queue), then reconciliation, then release the scheduler.
	reg := registry.New(services, deployments, logger)
	if err := reg.RecoverOrphans(ctx); err != nil {
		return err
	}
	if err := reg.Reconcile(ctx, fileCfg); err != nil {
		return err
	}

	hub := ws.NewHub()
	go hub.Run(ctx)

	scheduler := deployer.NewScheduler(services, deployments, ws.NewNotifier(hub), logger)
	scheduler.Start()

	var jan *janitor.Janitor
	if cfg.retentionDays > 0 {
		jan, err = janitor.New(deployments, time.Duration(cfg.retentionDays)*24*time.Hour, logger)
		if err != nil {
			return err
		}
		if err := jan.Start(); err != nil {
			return err
		}
	}

	broadcaster := logstream.New(scheduler, deployments, logger)

	router := api.NewRouter(api.RouterConfig{
		Scheduler:     scheduler,
		Broadcaster:   broadcaster,
		Hub:           hub,
		Logger:        logger,
		Services:      services,
		Deployments:   deployments,
		WebhookSecret: os.Getenv("GITHUB_WEBHOOK_SECRET"),
	})

	server := &http.Server{
		Addr:    cfg.httpAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Runners first: live SSE handlers only return once their deployment is
	// terminal, so the HTTP server cannot drain until the runners have been
	// stopped and finalized.
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		logger.Warn("scheduler shutdown error", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", zap.Error(err))
	}
	if jan != nil {
		if err := jan.Stop(); err != nil {
			logger.Warn("janitor shutdown error", zap.Error(err))
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// runDeploy resolves the service by name through the running server's API and
// posts a manual trigger.
func runDeploy(ctx context.Context, serverURL, serviceName string) error {
	client := &http.Client{Timeout: 10 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+"/api/services", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach server at %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	var listBody struct {
		Data []struct {
			ID   uint   `json:"id"`
			Name string `json:"name"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listBody); err != nil {
		return fmt.Errorf("unexpected response listing services: %w", err)
	}

	var serviceID uint
	for _, s := range listBody.Data {
		if s.Name == serviceName {
			serviceID = s.ID
			break
		}
	}
	if serviceID == 0 {
		return fmt.Errorf("unknown service %q", serviceName)
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/services/%d/deploy", serverURL, serviceID), nil)
	if err != nil {
		return err
	}
	resp, err = client.Do(req)
	if err != nil {
		return fmt.Errorf("deploy request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("deploy request failed with status %s", resp.Status)
	}

	var deployBody struct {
		Data struct {
			DeploymentID uint   `json:"deployment_id"`
			Service      string `json:"service"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&deployBody); err != nil {
		return fmt.Errorf("unexpected deploy response: %w", err)
	}

	fmt.Printf("Deployment %d queued for service %s\n", deployBody.Data.DeploymentID, deployBody.Data.Service)
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func gormLogLevel(level string) gormlogger.LogLevel {
	if level == "debug" {
		return gormlogger.Info
	}
	return gormlogger.Warn
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return defaultVal
}
