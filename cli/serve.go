package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juanfont/impersonate/authority"
	"github.com/juanfont/impersonate/config"
	"github.com/juanfont/impersonate/database"
	"github.com/juanfont/impersonate/database/sqliteconfig"
	"github.com/juanfont/impersonate/middleware"
	"github.com/juanfont/impersonate/tasks"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the impersonation authority",
	Long: `Runs the impersonation authority HTTP server.

Elapsed sessions are expired lazily on read and by an in-process sweeper.
When redis.addr is set, an expiry task is also scheduled for every session
at its expires_at; run 'impersonate worker' to process them.`,
	RunE: runServe,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process scheduled session expiry tasks",
	RunE:  runWorker,
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func openDatabase(dc config.DatabaseConfig) (*database.Database, error) {
	sc := sqliteconfig.FromSettings(dc.Path, dc.WriteAheadLog, dc.WALAutoCheckPoint)
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("database config: %w", err)
	}
	return database.NewWithConfig(sc, database.Schema())
}

// openService opens the database and builds the authority service.
func openService(c *config.Config) (*authority.Service, *database.Database, error) {
	if err := config.ValidateSigningKey(); err != nil {
		return nil, nil, err
	}
	if err := config.ValidateDurations(); err != nil {
		return nil, nil, err
	}

	db, err := openDatabase(c.Database)
	if err != nil {
		return nil, nil, err
	}
	tokens, err := authority.NewTokenIssuer(c.Tokens.Issuer, []byte(c.Tokens.SigningKey))
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	svc := authority.NewService(authority.NewStore(db), tokens, authority.Config{
		MaxDuration:     c.Impersonation.MaxDuration,
		DefaultDuration: c.Impersonation.DefaultDuration,
		RequireReason:   c.Impersonation.RequireReason,
		AuditHeartbeats: c.Impersonation.AuditHeartbeats,
		AdvertiseURL:    c.AdvertiseURL,
	})
	return svc, db, nil
}

func redisConfig(c *config.Config) tasks.RedisConfig {
	return tasks.RedisConfig{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := config.ValidateRequired(map[string]string{
		"listen_addr": "HTTP listen address",
	}); err != nil {
		return err
	}

	svc, db, err := openService(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Redis.Addr != "" {
		taskClient := tasks.NewClient(redisConfig(cfg))
		defer taskClient.Close()
		svc.SetExpiryScheduler(taskClient)
		log.Info().Str("redis", cfg.Redis.Addr).Msg("Scheduling expiry tasks")
	}

	server := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: authority.NewRouter(svc, authority.RouterConfig{
			CORS: middleware.NewCORSConfig(cfg.CORS.AllowedOrigins),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signalContext()
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("listen_addr", cfg.ListenAddr).Msg("Starting impersonation authority")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down impersonation authority")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return svc.RunSweeper(ctx, cfg.Impersonation.SweepInterval)
	})

	return g.Wait()
}

func runWorker(cmd *cobra.Command, args []string) error {
	if err := config.ValidateRequired(map[string]string{
		"redis.addr": "Redis address of the task queue",
	}); err != nil {
		return err
	}

	svc, db, err := openService(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	redis := redisConfig(cfg)
	serverCfg := tasks.DefaultServerConfig(redis)
	if cfg.Worker.Concurrency > 0 {
		serverCfg.Concurrency = cfg.Worker.Concurrency
	}
	srv := tasks.NewServer(serverCfg)
	svc.RegisterTasks(srv)

	scheduler, err := tasks.NewScheduler(redis, cfg.Impersonation.SweepInterval)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return scheduler.Run(ctx) })
	return g.Wait()
}
