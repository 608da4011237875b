package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/helGmoro/tardiaplataforma-code/db/migrations"
	"github.com/helGmoro/tardiaplataforma-code/internal/app/migrate"
	"github.com/helGmoro/tardiaplataforma-code/internal/docker"
	httpx "github.com/helGmoro/tardiaplataforma-code/internal/http"
	"github.com/helGmoro/tardiaplataforma-code/internal/observability"
	"github.com/helGmoro/tardiaplataforma-code/internal/repository"
	"github.com/helGmoro/tardiaplataforma-code/internal/repository/memory"
	"github.com/helGmoro/tardiaplataforma-code/internal/repository/postgres"
	"github.com/helGmoro/tardiaplataforma-code/internal/runtime"
	"github.com/helGmoro/tardiaplataforma-code/internal/runtime/dockerd"
	"github.com/helGmoro/tardiaplataforma-code/internal/runtime/kubernetes"
	"github.com/helGmoro/tardiaplataforma-code/internal/service/auth"
	"github.com/helGmoro/tardiaplataforma-code/internal/service/bot"
	"github.com/helGmoro/tardiaplataforma-code/internal/service/reconcile"
	"github.com/helGmoro/tardiaplataforma-code/internal/workspace"
	"github.com/helGmoro/tardiaplataforma-code/internal/ws"
	"github.com/helGmoro/tardiaplataforma-code/pkg/config"
	"github.com/helGmoro/tardiaplataforma-code/pkg/crypto"
	"github.com/helGmoro/tardiaplataforma-code/pkg/logger"
)

const (
	shutdownTimeout = 30 * time.Second
	dockerHostIP    = "127.0.0.1"
)

type store interface {
	repository.UserRepository
	repository.BotRepository
	Ping(ctx context.Context) error
}

func newServeCmd() *cobra.Command {
	var (
		addr     string
		inMemory bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the platform API and bot orchestrator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.LoadPlatformConfig()
			if addr != "" {
				cfg.Addr = addr
			}
			return serve(cmd.Context(), cfg, inMemory)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDR)")
	cmd.Flags().BoolVar(&inMemory, "in-memory", false, "keep users and bots in memory instead of PostgreSQL")
	return cmd
}

func serve(parent context.Context, cfg config.PlatformConfig, inMemory bool) error {
	if parent == nil {
		parent = context.Background()
	}
	log := logger.New("cloudbot", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, "cloudbot", cfg.Environment, cfg.OTelExporter, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			log.Warn("tracing shutdown failed", "error", err)
		}
	}()

	st, closeStore, err := openStore(ctx, cfg, inMemory, log)
	if err != nil {
		return err
	}
	defer closeStore()

	workspaces, err := workspace.New(cfg.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("prepare workspace root: %w", err)
	}
	materializer, err := workspace.NewMaterializer(workspaces, cfg.TemplateDir, cfg.Secrets)
	if err != nil {
		return fmt.Errorf("configure materializer: %w", err)
	}

	dockerClient, err := docker.New(cfg.DockerHost, log)
	if err != nil {
		return err
	}
	defer dockerClient.Close()

	rt, rtPing, err := openRuntime(cfg, dockerClient, log)
	if err != nil {
		return err
	}

	hub := ws.NewHub(log)
	defer hub.Stop()

	botSvc := bot.New(ctx, st, materializer, dockerClient, rt, bot.Config{
		Namespace:        cfg.Namespace,
		PublicURLBase:    cfg.PublicURLBase,
		ReadinessTimeout: cfg.ReadinessTimeout,
		BuildTimeout:     cfg.BuildTimeout,
		MaxBotsPerOwner:  cfg.MaxBotsPerOwner,
		Capabilities:     cfg.Capabilities,
	}, log, bot.WithPublisher(hub))
	authSvc := auth.New(st, log, cfg.JWTSecret, cfg.AccessTokenTTL)

	if ctl := reconcile.New(botSvc, log, cfg.ReconcileInterval, cfg.StaleCreatingAfter); ctl != nil {
		go ctl.Run(ctx)
	}

	limiter := httpx.NewMemoryRateLimiter()
	if redisAddr := strings.TrimSpace(cfg.RateLimitRedisAddr); redisAddr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(ctx, redisAddr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	storage := "postgres"
	if inMemory {
		storage = "memory"
	}
	router := httpx.NewRouter(httpx.Deps{
		Logger:  log,
		Auth:    authSvc,
		Bots:    botSvc,
		Hub:     hub,
		Limiter: limiter,
		Health: map[string]httpx.HealthCheck{
			"database": st.Ping,
			"docker":   dockerClient.Ping,
			"runtime":  rtPing,
		},
		Debug: func() map[string]any {
			return map[string]any{
				"version": Version,
				"runtime": map[string]any{
					"backend":   cfg.RuntimeBackend,
					"namespace": cfg.Namespace,
				},
				"storage":        storage,
				"busy_bots":      botSvc.Busy(),
				"capabilities":   cfg.Capabilities,
				"max_bots_owner": cfg.MaxBotsPerOwner,
			}
		},
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("cloudbot server starting", "addr", cfg.Addr, "runtime", cfg.RuntimeBackend, "storage", storage)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	// Pipelines observe the cancelled root context and record why they stopped.
	if err := botSvc.Wait(shutdownCtx); err != nil {
		log.Warn("pipelines still running at shutdown", "error", err)
	}
	log.Info("cloudbot server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.PlatformConfig, inMemory bool, log *slog.Logger) (store, func(), error) {
	if inMemory {
		log.Warn("using in-memory storage; data is lost on restart")
		return memory.New(), func() {}, nil
	}

	runner, err := migrate.New(cfg.DatabaseURL, migrations.Files, log)
	if err != nil {
		return nil, nil, fmt.Errorf("configure migrations: %w", err)
	}
	if err := runner.Ensure(ctx); err != nil {
		return nil, nil, fmt.Errorf("migrations failed: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("database ping failed: %w", err)
	}

	var opts []postgres.Option
	if key := strings.TrimSpace(cfg.TokenEncryptionKey); key != "" {
		sealer, err := crypto.NewSealer(key)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("configure token encryption: %w", err)
		}
		opts = append(opts, postgres.WithTokenSealer(sealer))
	}
	return postgres.New(pool, opts...), pool.Close, nil
}

func openRuntime(cfg config.PlatformConfig, dockerClient *docker.Client, log *slog.Logger) (runtime.Manager, httpx.HealthCheck, error) {
	switch cfg.RuntimeBackend {
	case config.RuntimeKubernetes:
		mgr, err := kubernetes.New(cfg.Namespace, log)
		if err != nil {
			return nil, nil, err
		}
		return mgr, mgr.Ping, nil
	case config.RuntimeDocker:
		return dockerd.New(dockerClient, dockerHostIP, log), dockerClient.Ping, nil
	default:
		return nil, nil, fmt.Errorf("unknown runtime backend %q (want %s or %s)", cfg.RuntimeBackend, config.RuntimeKubernetes, config.RuntimeDocker)
	}
}
