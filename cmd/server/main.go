package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/renderfarm-mini/internal/api"
	"github.com/shehryarbajwa/renderfarm-mini/internal/asset"
	"github.com/shehryarbajwa/renderfarm-mini/internal/blob"
	"github.com/shehryarbajwa/renderfarm-mini/internal/config"
	"github.com/shehryarbajwa/renderfarm-mini/internal/events"
	"github.com/shehryarbajwa/renderfarm-mini/internal/job"
	"github.com/shehryarbajwa/renderfarm-mini/internal/logutil"
	"github.com/shehryarbajwa/renderfarm-mini/internal/pool"
	"github.com/shehryarbajwa/renderfarm-mini/internal/ratelimit"
	"github.com/shehryarbajwa/renderfarm-mini/internal/scheduler"
	"github.com/shehryarbajwa/renderfarm-mini/internal/session"
	"github.com/shehryarbajwa/renderfarm-mini/internal/store"
	"github.com/shehryarbajwa/renderfarm-mini/internal/worker"
)

type options struct {
	configFile string
	envFile    string
	logLevel   string
}

func main() {
	var opts options
	cmd := &cobra.Command{
		Use:          "rfarm-server",
		Short:        "Render farm control plane",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}
	cmd.Flags().StringVar(&opts.configFile, "config", "", "path to a toml config file")
	cmd.Flags().StringVar(&opts.envFile, "env-file", ".env", "path to an optional .env file")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "log level, overrides the config file")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	cfg, err := config.Load(opts.configFile, opts.envFile)
	if err != nil {
		return err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	logger, err := logutil.New(cfg.LogLevel, cfg.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	clk := clock.New()
	st := store.NewMemory(clk)
	if err := cfg.Seed.Apply(ctx, st, clk, cfg.Workgroup, cfg.Worker.Endpoint); err != nil {
		return err
	}

	sessionEvents := events.NewBus[events.SessionEvent]()
	defer sessionEvents.Close()
	jobEvents := events.NewBus[events.JobEvent]()
	defer jobEvents.Close()

	sessions := session.NewManager(session.Deps{
		Store:          st,
		Events:         sessionEvents,
		Logger:         logger.Named("session"),
		Clock:          clk,
		TTLMinutes:     cfg.Session.TimeoutMinutes,
		APIKeyCheck:    true,
		WorkspaceCheck: true,
		// The worker pool frees a worker once its channel is torn down.
		DeferWorkerRelease: true,
	})

	workers := pool.New(pool.Deps[worker.Channel]{
		Strategy: &worker.PoolStrategy{
			Dial:     func() worker.Channel { return worker.NewClient(logger.Named("worker")) },
			Resolver: st,
			TempDir:  cfg.Worker.TempDir,
		},
		Logger:          logger,
		Clock:           clk,
		Name:            "worker",
		TeardownTimeout: cfg.Worker.TeardownTimeout.Duration,
		Evicted:         worker.ReleaseAfterTeardown(st, logger.Named("worker")),
	})
	defer workers.Close()

	caches := pool.New(pool.Deps[*asset.SessionCache]{
		Strategy: asset.CacheStrategy{},
		Logger:   logger,
		Clock:    clk,
		Name:     "asset-cache",
	})
	defer caches.Close()

	blobs, err := newBlobStore(ctx, cfg, clk)
	if err != nil {
		return err
	}

	engine := job.NewEngine(job.Deps{
		Store:         st,
		Workers:       workers,
		Events:        jobEvents,
		Logger:        logger.Named("job"),
		Clock:         clk,
		PublicURL:     cfg.PublicURL,
		MajorVersion:  cfg.MajorVersion,
		WorkerTempDir: cfg.Worker.TempDir,
		JobTimeout:    cfg.Jobs.Timeout.Duration,
	})
	defer engine.Close()

	assets := asset.NewService(asset.Deps{
		Blobs:        blobs,
		Caches:       caches,
		Logger:       logger.Named("asset"),
		PublicURL:    cfg.PublicURL,
		MajorVersion: cfg.MajorVersion,
	})

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(cfg.RateLimit.RequestsPerHour, cfg.RateLimit.Burst, clk)
	}

	handler := api.NewHandler(api.Deps{
		Sessions:  sessions,
		Store:     st,
		Jobs:      engine,
		Assets:    assets,
		Scheduler: scheduler.Unimplemented{},
		Limiter:   limiter,
		Logger:    logger.Named("api"),
		Clock:     clk,
		Options: api.Options{
			Workgroup:        cfg.Workgroup,
			MajorVersion:     cfg.MajorVersion,
			PublicURL:        cfg.PublicURL,
			RejectBusyWorker: cfg.Jobs.RejectBusyWorker,
			RenderOutputDir:  cfg.Output.RenderDir,
			ConvertOutputDir: cfg.Output.ConvertDir,
		},
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handler.HTTPHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	workerSub := sessionEvents.Subscribe()
	defer workerSub.Close()
	cacheSub := sessionEvents.Subscribe()
	defer cacheSub.Close()
	jobSub := jobEvents.Subscribe()
	defer jobSub.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.String("public-url", cfg.PublicURL),
			zap.String("workgroup", cfg.Workgroup))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serve http")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.Session.ExpireEnabled {
		g.Go(func() error {
			return ignoreCanceled(sessions.Run(gctx, cfg.Session.SweepInterval.Duration, cfg.Session.TimeoutMinutes))
		})
	}
	g.Go(func() error {
		return ignoreCanceled(workers.Watch(gctx, workerSub.C))
	})
	g.Go(func() error {
		return ignoreCanceled(caches.Watch(gctx, cacheSub.C))
	})
	g.Go(func() error {
		return ignoreCanceled(logJobEvents(gctx, logger.Named("job-events"), jobSub.C))
	})

	err = g.Wait()
	logger.Info("server stopped", zap.Error(err))
	return err
}

func newBlobStore(ctx context.Context, cfg *config.Config, clk clock.Clock) (blob.Store, error) {
	switch cfg.Blob.Backend {
	case config.BlobBackendMinIO:
		m := cfg.Blob.MinIO
		return blob.NewMinIO(ctx, blob.MinIOConfig{
			Endpoint:  m.Endpoint,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
			UseSSL:    m.UseSSL,
			Bucket:    m.Bucket,
		})
	default:
		return blob.NewFS(cfg.Blob.Dir, clk)
	}
}

func logJobEvents(ctx context.Context, logger *zap.Logger, jobEvents <-chan events.JobEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-jobEvents:
			if !ok {
				return nil
			}
			logger.Debug("job event",
				zap.String("type", string(ev.Type)),
				zap.String("job-guid", ev.Job.Guid),
				zap.String("state", string(ev.Job.State)))
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
