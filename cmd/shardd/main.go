package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shardledger/config"
	"shardledger/core/types"
	"shardledger/gateway/middleware"
	"shardledger/native/shard"
	"shardledger/network/shardrpc"
	"shardledger/observability/logging"
	telemetry "shardledger/observability/otel"
	"shardledger/storage"
)

func main() {
	cfgPath := flag.String("config", "./shardd.toml", "path to shard configuration (TOML or YAML)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err == nil {
		err = cfg.ValidateShard()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup("shardd", cfg.Service.Env, cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("shardd exited", "error", err)
		os.Exit(1)
	}
}

func openDatabase(dir string) (storage.Database, error) {
	if dir == "" {
		return storage.NewMemDB(), nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return storage.NewLevelDB(dir)
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Init(ctx, "shardd", cfg.Service.Env, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	addr, _ := types.ParseAccount(cfg.Shard.Address)
	logicAddr, _ := types.ParseAccount(cfg.Shard.Logic)
	db, err := openDatabase(cfg.Shard.DataDir)
	if err != nil {
		return fmt.Errorf("open shard store: %w", err)
	}
	s := shard.New(addr, logicAddr, db, logger)
	defer s.Close()

	// Tokens minted by the orchestrator name this shard as their audience.
	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    cfg.Auth.Enabled,
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   addr.String(),
	}, logger)

	httpServer := &http.Server{
		Addr:              cfg.Shard.Listen,
		Handler:           shardrpc.NewServer(s, auth, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// ledgerd refuses to resume steps older than its own applied_retention,
	// so both must be configured alike.
	go func() {
		retention := cfg.Ledger.AppliedRetention.Duration
		ticker := time.NewTicker(cfg.Ledger.PruneInterval.Duration)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if _, err := s.Prune(ctx, now.Add(-retention)); err != nil {
					logger.Warn("prune applied set", "error", err)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("shard listening", "addr", cfg.Shard.Listen, "shard", addr.String(), "logic", logicAddr.String())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
