package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"backend-drivertrack/internal/config"
	"backend-drivertrack/internal/db"
	"backend-drivertrack/internal/server"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

var mainDepsProvider = defaultDeps
var mainRunner = realMain

func main() {
	mainRunner(mainDepsProvider())
}

type mainDeps struct {
	loadConfig      func() config.Config
	connectPostgres func(config.Config) (*pgxpool.Pool, error)
	connectRedis    func(config.Config) *redis.Client
	migrate         func(context.Context, db.Querier) error
	notify          func(chan<- os.Signal, ...os.Signal)
	run             func(context.Context, config.Config, *pgxpool.Pool, *redis.Client, <-chan os.Signal, ListenFunc) error
	logger          slog.Logger
}

func defaultDeps() mainDeps {
	return mainDeps{
		loadConfig:      config.Load,
		connectPostgres: db.ConnectPostgres,
		connectRedis:    db.ConnectRedis,
		migrate:         db.Migrate,
		notify:          signal.Notify,
		run:             Run,
		logger:          slog.Make(sloghuman.Sink(os.Stderr)),
	}
}

func realMain(deps mainDeps) {
	cfg := deps.loadConfig()
	log := deps.logger.Named("api")
	if cfg.LogLevel == "debug" {
		log = log.Leveled(slog.LevelDebug)
	}
	ctx := context.Background()

	pg, err := deps.connectPostgres(cfg)
	if err != nil {
		log.Error(ctx, "postgres connection failed", slog.Error(err))
	} else if err := deps.migrate(ctx, pg); err != nil {
		log.Error(ctx, "schema migration failed", slog.Error(err))
	}

	rdb := deps.connectRedis(cfg)

	signals := make(chan os.Signal, 1)
	deps.notify(signals, syscall.SIGINT, syscall.SIGTERM)

	if err := deps.run(ctx, cfg, pg, rdb, signals, nil); err != nil {
		log.Error(ctx, "server exited with error", slog.Error(err))
	}
}

type ListenFunc func(app *fiber.App, addr string) error

var defaultListen ListenFunc = func(app *fiber.App, addr string) error {
	return app.Listen(addr)
}

var shutdownFn = func(app *fiber.App, ctx context.Context) error {
	return app.ShutdownWithContext(ctx)
}

// Run starts the HTTP server and waits for termination signals.
func Run(ctx context.Context, cfg config.Config, pg *pgxpool.Pool, rdb *redis.Client, signals <-chan os.Signal, listen ListenFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var q db.Querier
	if pg != nil {
		q = pg
	}
	srv := server.NewServer(ctx, cfg, q, rdb, slog.Make(sloghuman.Sink(os.Stderr)).Named("api"))

	if listen == nil {
		listen = defaultListen
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- listen(srv.App, cfg.ServerPort)
	}()

	select {
	case <-signals:
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := shutdownFn(srv.App, shutdownCtx); err != nil {
		return err
	}
	cancel()
	<-srv.Stream.Done()
	if pg != nil {
		pg.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	return nil
}
