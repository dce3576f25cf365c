// ABOUTME: Entry point for the taxi322 booking service
// ABOUTME: Wires config, checkpoint store, backend clients, router, and gateway

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/infinitum-ia/taxi322/internal/capability"
	"github.com/infinitum-ia/taxi322/internal/checkpoint"
	"github.com/infinitum-ia/taxi322/internal/config"
	"github.com/infinitum-ia/taxi322/internal/dispatch"
	"github.com/infinitum-ia/taxi322/internal/gateway"
	"github.com/infinitum-ia/taxi322/internal/pipeline"
	"github.com/infinitum-ia/taxi322/internal/router"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _             _ _____ ___ ___
| |_ __ ___  _(_)___ /|_  )_  )
| __/ _' \ \/ / | |_ \ / / / /
| || (_| |>  <| |___) / /_/ /_
 \__\__,_/_/\_\_|____/____|___|
`

// getConfigPath returns the path to the service config file.
// Priority: TAXI322_CONFIG env var > ./taxi322.yaml
func getConfigPath() string {
	if envPath := os.Getenv("TAXI322_CONFIG"); envPath != "" {
		return envPath
	}
	return "taxi322.yaml"
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: taxi322 <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the booking service")
		fmt.Println("  health    Check service health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, falling back to defaults when no file
// exists at the default location.
func loadConfig() (*config.Config, string, error) {
	path := getConfigPath()
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) && os.Getenv("TAXI322_CONFIG") == "" {
		return config.Default(), "(defaults)", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func runServe(ctx context.Context) error {
	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:    %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Store:   %s\n", cfg.Database.Store)
	if cfg.Backend.BaseURL != "" {
		green.Print("    ▶ ")
		fmt.Printf("Backend: %s\n", cfg.Backend.BaseURL)
	}
	fmt.Println()

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var backends router.Backends
	if cfg.Backend.BaseURL != "" {
		client := dispatch.NewClient(dispatch.Config{
			BaseURL:         cfg.Backend.BaseURL,
			Timeout:         cfg.Backend.Timeout,
			RegisterTimeout: cfg.Backend.RegisterTimeout,
		})
		backends = router.Backends{
			Customers:  client,
			Geocoder:   client,
			Dispatcher: client,
		}
	} else {
		logger.Warn("no backend configured, confirmations will escalate to a human")
	}

	r := router.New(store, capability.NewScripted(), backends, router.Options{
		CapabilityTimeout: cfg.Turns.CapabilityTimeout,
		ZoneThreshold:     cfg.Turns.ZoneThreshold,
	})
	p := pipeline.New(r, pipeline.Config{
		ChunkWords: cfg.Turns.ChunkWords,
		ChunkDelay: cfg.Turns.ChunkDelay,
	})

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gateway.NewServer(p, store).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting taxi322", "addr", cfg.Server.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(cfg *config.Config) (checkpoint.Store, error) {
	switch cfg.Database.Store {
	case "memory":
		return checkpoint.NewMemoryStore(), nil
	default:
		store, err := checkpoint.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("opening checkpoint store: %w", err)
		}
		return store, nil
	}
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	addr := cfg.Server.HTTPAddr
	if addr[0] == ':' {
		addr = "localhost" + addr
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/api/health", nil)
	if err != nil {
		return err
	}
	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	var health gateway.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}

	fmt.Printf("status: %s\n", health.Status)
	fmt.Printf("active websocket connections: %d\n", health.ActiveConnections)
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
