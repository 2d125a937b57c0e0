package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/agentport/host/internal/config"
	"github.com/agentport/host/internal/logger"
	"github.com/agentport/host/internal/pairing"
	"github.com/agentport/host/internal/pidfile"
	"github.com/agentport/host/internal/securemem"
	"github.com/agentport/host/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	configPath := flag.String("config", config.DefaultConfigPath(), "path to config file")
	host := flag.String("host", "", "listen host (overrides config)")
	port := flag.Int("port", 0, "listen port (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error")
	pair := flag.Bool("pair", false, "issue a pairing code at startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	// Environment overrides for logging, same precedence as the token.
	if envLevel := strings.TrimSpace(os.Getenv("AGENTPORT_LOG_LEVEL")); envLevel != "" {
		cfg.Log.Level = envLevel
	}
	if envPath := strings.TrimSpace(os.Getenv("AGENTPORT_LOG_PATH")); envPath != "" {
		cfg.Log.Path = envPath
	}

	if initErr := logger.Init(logger.ParseLevel(cfg.Log.Level), cfg.Log.Path); initErr != nil {
		return fmt.Errorf("failed to initialize logger: %w", initErr)
	}
	defer func() {
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	securemem.Init()
	defer securemem.Purge()

	logger.Info("agentport starting")

	pf := pidfile.New(filepath.Join(filepath.Dir(*configPath), "agentport.pid"))
	if err := pf.Acquire(); err != nil {
		return err
	}
	defer pf.Release()

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	fmt.Fprintf(os.Stderr, "agentport listening on %s\n", srv.Addr())

	if svc := srv.Pairing(); svc != nil {
		promptForApproval(srv, svc)
		if *pair {
			code, expiresAt, issueErr := svc.IssueCode()
			if issueErr != nil {
				srv.Stop()
				return fmt.Errorf("failed to issue pairing code: %w", issueErr)
			}
			fmt.Fprintf(os.Stderr, "Pairing code: %s (expires %s)\n", code, expiresAt.Format("15:04:05"))
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received %s, shutting down", sig)

	return srv.Stop()
}

// promptForApproval asks on the terminal whenever a pairing attempt is
// waiting for a decision.
func promptForApproval(srv *server.Server, svc *pairing.Service) {
	srv.EventBus().On(pairing.EventAwaitingApproval, func(data any) {
		prompt, ok := data.(pairing.ApprovalPrompt)
		if !ok {
			return
		}
		go func() {
			fmt.Fprintf(os.Stderr, "\nPairing request from %q (fingerprint %s). Approve? [y/N] ",
				prompt.DeviceName, prompt.Fingerprint)
			reader := bufio.NewReader(os.Stdin)
			line, _ := reader.ReadString('\n')
			if strings.EqualFold(strings.TrimSpace(line), "y") {
				if err := svc.Approve(); err != nil {
					logger.Warn("Pairing approval failed: %v", err)
				}
				return
			}
			if err := svc.Reject(); err != nil {
				logger.Warn("Pairing rejection failed: %v", err)
			}
		}()
	})
}
