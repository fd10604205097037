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
	"path/filepath"
	"syscall"
	"time"

	"shardledger/config"
	"shardledger/core/events"
	"shardledger/crypto"
	"shardledger/gateway/middleware"
	"shardledger/native/logic"
	"shardledger/native/router"
	"shardledger/native/shard"
	"shardledger/native/txguard"
	"shardledger/network/shardrpc"
	"shardledger/observability/logging"
	telemetry "shardledger/observability/otel"
	"shardledger/services/ledgerd/server"
	"shardledger/services/ledgerd/stream"
	"shardledger/storage/journal"
)

var writeRoutes = []string{"mint", "burn", "transfer", "approve", "permit", "tx"}

func main() {
	cfgPath := flag.String("config", "./ledgerd.toml", "path to ledgerd configuration (TOML or YAML)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.Service.Name, cfg.Service.Env, cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("ledgerd exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Service.Name, cfg.Service.Env, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(flushCtx)
	}()

	orchAddr := cfg.OrchestratorAccount()
	groups, remote, err := cfg.LogicGroups()
	if err != nil {
		return err
	}
	minters, err := cfg.MinterAccounts()
	if err != nil {
		return err
	}

	shardDir := ""
	if cfg.Ledger.DataDir != "" {
		shardDir = filepath.Join(cfg.Ledger.DataDir, "shards")
	}
	pool := shard.NewPool(orchAddr, shardDir, logger)
	defer pool.Close()

	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    cfg.Auth.Enabled,
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		TokenTTL:   cfg.Auth.TokenTTL.Duration,
	}, logger)
	logger.Info("auth configured", "enabled", cfg.Auth.Enabled, logging.MaskField("hmac_secret", cfg.Auth.HMACSecret))

	var shards shard.Client = pool.Client(orchAddr)
	if len(remote) > 0 {
		shards = shardrpc.NewClient(orchAddr, remote, auth, shards)
		logger.Info("remote shards configured", "count", len(remote))
	}

	resolver, err := logic.NewResolver(groups, pool)
	if err != nil {
		return err
	}
	store, err := openStore(cfg.Ledger.RecordStore)
	if err != nil {
		return err
	}
	defer store.Close()

	verifier := crypto.Secp256k1Verifier{}
	orch := logic.New(orchAddr, store, resolver, shards, verifier, logger)
	orch.SetMinters(minters)
	if len(remote) > 0 {
		// remote shards prune on their own clock
		orch.SetResumeWindow(resumeWindow(cfg.Ledger.AppliedRetention.Duration))
	}

	hub := stream.NewHub(stream.DefaultBuffer, logger)
	emitters := events.Fanout{hub}
	var j *journal.Journal
	if cfg.Ledger.Journal != "" {
		j, err = journal.Open(cfg.Ledger.Journal, logger)
		if err != nil {
			return err
		}
		defer j.Close()
		emitters = append(emitters, j)
	}
	orch.SetEmitter(emitters)

	rt := router.New(orch, txguard.NewManager(cfg.Ledger.GuardCapacity), verifier, logger)
	rt.SetEmitter(emitters)
	rt.SetFanout(cfg.Ledger.ReadFanout)

	var limiter *middleware.RateLimiter
	if cfg.RateLimit.RequestsPerMinute > 0 {
		limits := make(map[string]middleware.RateLimit, len(writeRoutes))
		for _, route := range writeRoutes {
			limits[route] = middleware.RateLimit{RequestsPerMinute: cfg.RateLimit.RequestsPerMinute, Burst: cfg.RateLimit.Burst}
		}
		limiter = middleware.NewRateLimiter(limits, logger)
	}
	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: cfg.Service.Name,
		LogRequests: true,
		Enabled:     true,
	}, logger)

	srv, err := server.New(server.Config{
		Router:        rt,
		Journal:       j,
		Stream:        hub,
		Auth:          auth,
		RateLimiter:   limiter,
		Observability: obs,
		Logger:        logger,

		OriginPatterns: cfg.Service.AllowedOrigins,
	})
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.Service.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if pending, err := orch.Pending(ctx); err == nil && len(pending) > 0 {
		logger.Warn("unfinished transactions awaiting client retry", "count", len(pending))
	}

	go pruneLoop(ctx, pool, orch, cfg.Ledger.AppliedRetention.Duration, cfg.Ledger.PruneInterval.Duration, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ledgerd listening", "addr", cfg.Service.Listen, "orchestrator", orchAddr.String())
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
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func openStore(path string) (logic.Store, error) {
	if path == "" {
		return logic.NewMemStore(), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return logic.OpenBoltStore(path, nil)
}

// resumeSkew absorbs clock drift between ledgerd and remote shard hosts.
const resumeSkew = time.Minute

// resumeWindow is how long an unconfirmed step may be resumed against a
// shard that forgets applied fingerprints after retention.
func resumeWindow(retention time.Duration) time.Duration {
	if retention > 2*resumeSkew {
		return retention - resumeSkew
	}
	return retention / 2
}

// pruneLoop drops applied fingerprints older than retention from the
// in-process shards, never past the oldest resumable transaction.
func pruneLoop(ctx context.Context, pool *shard.Pool, orch *logic.Orchestrator, retention, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			cutoff, err := orch.PruneHorizon(ctx, now.Add(-retention))
			if err != nil {
				logger.Warn("prune horizon", "error", err)
				continue
			}
			removed, err := pool.PruneAll(ctx, cutoff)
			if err != nil {
				logger.Warn("prune applied set", "error", err)
				continue
			}
			if removed > 0 {
				logger.Debug("pruned applied set", "removed", removed)
			}
		}
	}
}
