// Command tracker is the on-device daemon. It reads positions and control
// commands as JSON lines on stdin, queues admitted points in SQLite and
// syncs them to the ingestion API.
package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"backend-drivertrack/internal/apiclient"
	"backend-drivertrack/internal/config"
	"backend-drivertrack/internal/location"
	"backend-drivertrack/internal/netstate"
	"backend-drivertrack/internal/queue"
	"backend-drivertrack/internal/sampler"
	"backend-drivertrack/internal/syncer"
	"backend-drivertrack/internal/tracker"
)

const flushTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := slog.Make(sloghuman.Sink(os.Stderr))
	if err := run(ctx, config.Load(), os.Stdin, log); err != nil {
		log.Fatal(ctx, "tracker exited", slog.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, in io.Reader, log slog.Logger) error {
	log = log.Named("tracker")
	if cfg.LogLevel == "debug" {
		log = log.Leveled(slog.LevelDebug)
	}

	modes, err := location.LoadModes(cfg.TrackerModesFile)
	if err != nil {
		return xerrors.Errorf("load modes: %w", err)
	}
	mode, err := modes.Lookup(cfg.TrackerMode)
	if err != nil {
		return err
	}

	baseURL, err := url.Parse(cfg.TrackerAPIURL)
	if err != nil {
		return xerrors.Errorf("parse api url: %w", err)
	}
	api := apiclient.New(baseURL, apiclient.WithTimeout(cfg.SyncRequestTimeout))

	store, err := queue.Open(ctx, cfg.TrackerDBPath)
	if err != nil {
		return xerrors.Errorf("open queue: %w", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	creds := tracker.NewCredentials(store, api, cfg.TrackerEmail, cfg.TrackerPassword, log)
	monitor := netstate.New(api,
		netstate.WithLogger(log),
		netstate.WithInterval(cfg.ProbeInterval),
	)
	smp := sampler.New(store,
		sampler.WithLogger(log),
		sampler.WithMode(mode),
	)
	engine := syncer.New(syncer.Deps{
		Queue:        store,
		Meta:         store,
		Credentials:  creds,
		Uploader:     tracker.NewUploader(api, creds),
		Connectivity: monitor,
	},
		syncer.WithLogger(log),
		syncer.WithInterval(cfg.SyncInterval),
		syncer.WithBatchSize(cfg.SyncBatchSize),
		syncer.WithMaxRejections(cfg.SyncMaxRejections),
		syncer.WithUploadTimeout(cfg.SyncRequestTimeout),
		syncer.WithRegisterer(reg),
	)
	trk := tracker.New(tracker.Deps{
		API:     api,
		Cache:   store,
		Tokens:  creds,
		Sampler: smp,
		Syncer:  engine,
		Modes:   modes,
	}, log)

	unsubscribe := engine.SubscribeQueueDepth(func(n int) {
		log.Debug(ctx, "queue depth", slog.F("depth", n))
	})
	defer unsubscribe()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	monitor.Probe(runCtx)
	monitor.Start(runCtx)
	defer monitor.Close()

	if session, err := trk.Restore(runCtx); err != nil {
		log.Warn(ctx, "restore session", slog.Error(err))
	} else if session != nil {
		log.Info(ctx, "resumed session", slog.F("session_id", session.ID), slog.F("status", session.Status))
	}

	eg, egCtx := errgroup.WithContext(runCtx)
	if cfg.MetricsAddr != "" {
		eg.Go(func() error {
			return serveMetrics(egCtx, cfg.MetricsAddr, reg)
		})
	}
	eg.Go(func() error {
		defer cancel()
		feedErr := make(chan error, 1)
		go func() {
			feedErr <- tracker.ReadFeed(egCtx, in,
				func(pos location.Position) {
					trk.HandlePosition(egCtx, pos)
				},
				func(cmd tracker.Command) {
					if err := trk.Execute(egCtx, cmd); err != nil {
						log.Warn(egCtx, "command failed", slog.F("cmd", cmd.Cmd), slog.Error(err))
					}
				},
			)
		}()
		select {
		case <-egCtx.Done():
			return nil
		case err := <-feedErr:
			return err
		}
	})
	err = eg.Wait()

	trk.Close()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), flushTimeout)
	defer flushCancel()
	if res, ferr := trk.Flush(flushCtx); ferr != nil {
		log.Warn(flushCtx, "final sync failed", slog.Error(ferr))
	} else if res.Remaining > 0 {
		log.Info(flushCtx, "points left for next run", slog.F("outcome", res.Outcome), slog.F("reason", res.Reason))
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
