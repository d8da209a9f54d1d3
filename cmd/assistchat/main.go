package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"AssistChat/internal/app"
	"AssistChat/internal/assistant"
	"AssistChat/internal/backend"
	"AssistChat/internal/config"
	"AssistChat/internal/localstore"
	"AssistChat/internal/remote"
	"AssistChat/internal/service"
	"AssistChat/internal/telemetry"
)

const version = "0.1.0"

func main() {
	cfg := config.DefaultConfig()
	var configPath string

	flag.StringVar(&configPath, "config", "", "YAML config file; flags override it")
	flag.StringVar(&cfg.Backend, "backend", cfg.Backend, "LLM backend (ollama|anthropic|grok|openai)")
	flag.StringVar(&cfg.OllamaModel, "ollama-model", cfg.OllamaModel, "Ollama model specification (format: model:version)")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logging")
	flag.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "Directory for logs, traces and metrics")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite file for the in-process account service")
	flag.StringVar(&cfg.LocalStorePath, "local-store", cfg.LocalStorePath, "File holding the guest record")
	flag.StringVar(&cfg.RemoteURL, "remote", cfg.RemoteURL, "assistchat-server URL; empty runs the account service in-process")
	flag.DurationVar(&cfg.GracePeriod, "grace-period", cfg.GracePeriod, "Delay before asking a signed-out user to sign in")
	flag.DurationVar(&cfg.SessionTTL, "session-ttl", cfg.SessionTTL, "Access token lifetime for the in-process service")
	flag.IntVar(&cfg.TitleMaxLen, "title-max-len", cfg.TitleMaxLen, "Longest auto-generated conversation title")
	flag.StringVar(&cfg.ResetRedirect, "reset-redirect", cfg.ResetRedirect, "Link sent with password reset requests")
	flag.Parse()

	if configPath != "" {
		fileCfg, err := config.LoadFromFile(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg.Merge(fileCfg)
		// explicit flags win over the file
		flag.CommandLine.Parse(os.Args[1:])
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := run(*cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	logger, logCloser, err := telemetry.InitLogger(cfg.LogDir, "assistchat", cfg.Debug, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logCloser.Close()

	ctx := context.Background()
	tracer, meter, shutdown, err := telemetry.InitTelemetry(ctx, cfg.LogDir, "assistchat", version)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer shutdown()

	if cfg.Debug {
		logger.Info("Debug mode enabled")
	}

	local, err := localstore.Open(cfg.LocalStorePath, logger)
	if err != nil {
		return err
	}
	defer local.Close()

	var accounts app.AccountClient
	if cfg.RemoteURL != "" {
		client := remote.NewClient(cfg.RemoteURL, logger)
		defer client.Close()
		accounts = client
	} else {
		svc, err := service.Open(cfg.DBPath, logger, service.WithSessionTTL(cfg.SessionTTL))
		if err != nil {
			return err
		}
		defer svc.Close()
		client := service.NewLocal(svc, logger)
		defer client.Close()
		accounts = client
	}

	provider, err := backend.New(cfg.Backend, cfg.OllamaModel, nil)
	if err != nil {
		return err
	}

	a := app.New(cfg, app.Deps{
		Accounts:  accounts,
		Local:     local,
		Assistant: assistant.New(provider, logger, assistant.WithTelemetry(tracer, meter)),
		Tracer:    tracer,
		Meter:     meter,
	}, os.Stdin, os.Stdout, logger)
	return a.Run(ctx)
}
