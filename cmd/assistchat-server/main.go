// Command assistchat-server serves the account and conversation service to
// remote assistchat clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"AssistChat/internal/config"
	"AssistChat/internal/remote"
	"AssistChat/internal/service"
	"AssistChat/internal/telemetry"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	version         = "0.1.0"
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	listen     string
	db         string
	logDir     string
	sessionTTL time.Duration
	debug      bool
}

// load resolves defaults, then the config file, then flags the user set
func (o *options) load(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if o.configPath != "" {
		fileCfg, err := config.LoadFromFile(o.configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg.Merge(fileCfg)
	}
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.ListenAddr = o.listen
	}
	if flags.Changed("db") {
		cfg.DBPath = o.db
	}
	if flags.Changed("log-dir") {
		cfg.LogDir = o.logDir
	}
	if flags.Changed("session-ttl") {
		cfg.SessionTTL = o.sessionTTL
	}
	if flags.Changed("debug") {
		cfg.Debug = o.debug
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func rootCmd() *cobra.Command {
	var o options
	defaults := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "assistchat-server",
		Short: "Account and conversation service for assistchat",
		Long: `assistchat-server stores accounts, sessions and conversations in SQLite
and serves them as JSON-RPC on /rpc. Signed-in clients receive account
changes made elsewhere over the websocket on /v1/events. Prometheus
metrics are on /metrics.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.load(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.PersistentFlags().StringVarP(&o.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&o.db, "db", defaults.DBPath, "SQLite database file")
	cmd.PersistentFlags().StringVar(&o.logDir, "log-dir", defaults.LogDir, "Directory for logs")
	cmd.PersistentFlags().BoolVar(&o.debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&o.listen, "listen", defaults.ListenAddr, "HTTP listen address")
	cmd.Flags().DurationVar(&o.sessionTTL, "session-ttl", defaults.SessionTTL, "Access token lifetime")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("assistchat-server version %s\n", version)
		},
	})
	cmd.AddCommand(resetPasswordCmd(&o))

	return cmd
}

// resetPasswordCmd consumes a token from a logged reset link
func resetPasswordCmd(o *options) *cobra.Command {
	var token, password string
	cmd := &cobra.Command{
		Use:   "reset-password",
		Short: "Set a new password using a reset token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.load(cmd)
			if err != nil {
				return err
			}
			logger, closer, err := telemetry.InitLogger(cfg.LogDir, "assistchat-server", cfg.Debug, os.Stderr)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer closer.Close()

			svc, err := service.Open(cfg.DBPath, logger)
			if err != nil {
				return err
			}
			defer svc.Close()
			if err := svc.ResetPassword(cmd.Context(), token, password); err != nil {
				return err
			}
			fmt.Println("Password updated")
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Reset token from the link")
	cmd.Flags().StringVar(&password, "password", "", "New password")
	cmd.MarkFlagRequired("token")
	cmd.MarkFlagRequired("password")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, closer, err := telemetry.InitLogger(cfg.LogDir, "assistchat-server", cfg.Debug, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := service.Open(cfg.DBPath, logger, service.WithSessionTTL(cfg.SessionTTL))
	if err != nil {
		return err
	}
	defer svc.Close()

	srv := remote.NewServer(svc, logger)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("assistchat-server listening", "addr", cfg.ListenAddr, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		// event streams are hijacked connections that Shutdown does not track
		srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("server stopped", "error", err)
	return err
}
