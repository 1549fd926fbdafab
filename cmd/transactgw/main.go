package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"transactgw/internal/api"
	"transactgw/internal/auth"
	"transactgw/internal/config"
	"transactgw/internal/download"
	"transactgw/internal/events"
	"transactgw/internal/job"
	"transactgw/internal/lock"
	"transactgw/internal/log"
	"transactgw/internal/metrics"
	"transactgw/internal/otp"
	"transactgw/internal/remote"
	"transactgw/internal/state"
	"transactgw/internal/storage"
	"transactgw/internal/tui/watch"
	"transactgw/internal/workflow"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "serve", "start":
		return runServe(args)
	case "watch":
		return runWatch(args)
	case "config":
		return runConfigNoun(args)
	case "version", "--version":
		return runVersion()
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func runVersion() int {
	fmt.Printf("transactgw %s (commit %s, built %s)\n", version, gitCommit, buildDate)
	return 0
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "transactgw.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("transactgw starting", "version", version, "config", *configPath)

	pidLockPath := filepath.Join(filepath.Dir(cfg.State.Path), "transactgw.lock")
	pidLock, err := lock.Acquire(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	client, err := remote.NewHTTPClient(remote.Config{
		BaseURL: cfg.Remote.BaseURL,
		Token:   cfg.Remote.Token,
		Timeout: cfg.Remote.Timeout.Std(),
	}, log.WithComponent("remote"))
	if err != nil {
		logger.Error("failed to build remote client", "base_url", cfg.Remote.BaseURL, "error", err)
		return 1
	}

	hub := events.NewHub(256)
	m := metrics.New()
	store := state.NewStore(db)

	downloader, err := download.New(download.Config{
		Dir:     cfg.Download.Dir,
		Timeout: cfg.Download.Timeout.Std(),
	}, hub, m, log.WithComponent("download"))
	if err != nil {
		logger.Error("failed to initialize downloader", "dir", cfg.Download.Dir, "error", err)
		return 1
	}

	poller := job.New(client, jobEndpoints(), hub, m, job.Config{
		Interval:    cfg.Poller.Interval.Std(),
		MaxAttempts: cfg.Poller.MaxAttempts,
	}, log.Get())

	txn := otp.New(client, otpEndpoints(), hub, m, otp.Config{
		DefaultExpiry: cfg.OTP.DefaultExpiry.Std(),
	}, log.Get())

	account := workflow.NewAccountContext(func(ctx context.Context) (string, error) {
		doc, err := client.Do(ctx, remote.Operation{
			Name:   "account.profile",
			Method: http.MethodGet,
			Path:   "account/profile",
		})
		if err != nil {
			return "", err
		}
		if v, ok := doc.FindString("accountType"); ok {
			return v, nil
		}
		return "", fmt.Errorf("account profile response is missing accountType")
	})

	manager := workflow.NewManager(ctx, workflow.Deps{
		Poller:     poller,
		Txn:        txn,
		Downloader: downloader,
		Store:      store,
		Account:    account,
		Hub:        hub,
		Metrics:    m,
		Logger:     log.Get(),
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
		}
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
			Tokens: tokens,
		}, manager, store, hub, m.Handler(), log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("transactgw running (press Ctrl+C to stop)")

	exit := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		exit = 1
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	manager.CloseAll(shutdownCtx)

	logger.Info("transactgw stopped")
	return exit
}

// jobEndpoints maps the document-generation queue onto remote operations.
func jobEndpoints() job.Endpoints {
	return job.Endpoints{
		Submit: remote.Operation{
			Name:   "job.submit",
			Method: http.MethodPost,
			Path:   "econtract/generate",
		},
		Status: func(queueName, jobID string) remote.Operation {
			return remote.Operation{
				Name:   "job.status",
				Method: http.MethodGet,
				Path:   fmt.Sprintf("queues/%s/jobs/%s", queueName, jobID),
			}
		},
	}
}

// otpEndpoints maps OTP initiation and verification onto remote operations.
// Contract signing and transfers share the verify/resend surface; the
// initiate path depends on the flow kind.
func otpEndpoints() otp.Endpoints {
	return otp.Endpoints{
		Initiate: func(req otp.Request) remote.Operation {
			path := "transfer"
			if req.Kind == "contract_signing" {
				path = "econtract/sign"
			}
			return remote.Operation{
				Name:   "otp.initiate",
				Method: http.MethodPost,
				Path:   path,
				Body:   req.Params,
			}
		},
		Verify: func(handle, code string) remote.Operation {
			return remote.Operation{
				Name:   "otp.verify",
				Method: http.MethodPost,
				Path:   "transfer/verify",
				Body: map[string]any{
					"transactionHandle": handle,
					"otpCode":           code,
				},
			}
		},
		Resend: func(handle string) remote.Operation {
			return remote.Operation{
				Name:   "otp.resend",
				Method: http.MethodPost,
				Path:   "transfer/resend",
				Body: map[string]any{
					"transactionHandle": handle,
				},
			}
		},
	}
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL := fs.String("api-url", "http://localhost:8080", "Gateway API URL")
	apiKey := fs.String("api-key", os.Getenv("TRANSACTGW_API_KEY"), "API bearer token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required. Use --api-key or TRANSACTGW_API_KEY env var.")
		return 1
	}

	p := tea.NewProgram(watch.New(*apiURL, *apiKey))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigHelp()
		return 1
	}

	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	case "seal":
		return runConfigSeal(args[1:])
	case "help", "--help", "-h":
		printConfigHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n\n", args[0])
		printConfigHelp()
		return 1
	}
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("config check", flag.ExitOnError)
	configPath := fs.String("config", "transactgw.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config invalid: %v\n", err)
		return 1
	}

	fmt.Printf("Config OK: %s\n", *configPath)
	fmt.Printf("  service:  %s (log %s/%s)\n", cfg.Service.Name, cfg.Service.LogLevel, cfg.Service.LogFormat)
	fmt.Printf("  remote:   %s (timeout %s)\n", cfg.Remote.BaseURL, cfg.Remote.Timeout)
	fmt.Printf("  state:    %s\n", cfg.State.Path)
	fmt.Printf("  download: %s\n", cfg.Download.Dir)
	if cfg.API.Enabled {
		fmt.Printf("  api:      %s (%d scoped tokens)\n", cfg.API.Listen, len(cfg.API.Auth.Tokens))
	} else {
		fmt.Println("  api:      disabled")
	}
	return 0
}

func runConfigSeal(args []string) int {
	fs := flag.NewFlagSet("config seal", flag.ExitOnError)
	configPath := fs.String("config", "transactgw.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if _, err := config.Load(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Refusing to seal an invalid config: %v\n", err)
		return 1
	}

	sidecar, err := config.WriteChecksum(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write checksum: %v\n", err)
		return 1
	}
	fmt.Printf("Wrote %s\n", sidecar)
	return 0
}

func printUsage() {
	fmt.Println("Usage: transactgw <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve            Run the gateway daemon")
	fmt.Println("  watch            Real-time monitoring TUI")
	fmt.Println("  config check     Validate a configuration file")
	fmt.Println("  config seal      Write a BLAKE3 checksum sidecar for a config file")
	fmt.Println("  version          Print version information")
	fmt.Println("  help             Show this help")
}

func printConfigHelp() {
	fmt.Println("Usage: transactgw config <check|seal> [--config path]")
}
