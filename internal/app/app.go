package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jgivc/resyncserver/internal/adapter/pageadapter"
	"github.com/jgivc/resyncserver/internal/adapter/rsadapter"
	"github.com/jgivc/resyncserver/internal/config"
	"github.com/jgivc/resyncserver/internal/entity"
	"github.com/jgivc/resyncserver/internal/generator"
	httphandler "github.com/jgivc/resyncserver/internal/handler/http"
	"github.com/jgivc/resyncserver/internal/repository/resource"
	"github.com/jgivc/resyncserver/internal/service/source"
	sresource "github.com/jgivc/resyncserver/internal/storage/resource"
	"github.com/jgivc/resyncserver/internal/watcher"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

const pingTimeout = 2 * time.Second

type App struct {
	cfg       *config.Config
	fs        afero.Fs
	params    *generator.Parameters
	source    *source.Source
	generator *generator.Generator
	rdb       *redis.Client
	srv       *http.Server
	log       *slog.Logger
}

// NewLogger builds the process logger from the logging config.
func NewLogger(cfg *config.LogConfig, w io.Writer) *slog.Logger {
	lo := &slog.HandlerOptions{AddSource: cfg.AddSource}
	switch cfg.Level {
	case config.LogLevelDebug:
		lo.Level = slog.LevelDebug
	case config.LogLevelWarn:
		lo.Level = slog.LevelWarn
	case config.LogLevelError:
		lo.Level = slog.LevelError
	default:
		lo.Level = slog.LevelInfo
	}

	if cfg.Format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, lo))
	}

	return slog.New(slog.NewTextHandler(w, lo))
}

// New wires every component. Nothing is started until Run.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	return newApp(ctx, afero.NewOsFs(), cfg, log)
}

func newApp(ctx context.Context, fs afero.Fs, cfg *config.Config, log *slog.Logger) (*App, error) {
	a := &App{
		cfg: cfg,
		fs:  fs,
		log: log.With(slog.String("item", "App")),
	}

	params, err := generator.NewParameters(fs, generator.Parameters{
		MetadataDir:     cfg.Source.MetadataDir,
		ResourceDir:     cfg.Source.ResourceDir,
		DescriptionPath: cfg.Source.DescriptionPath,
		URLPrefix:       cfg.Source.URLPrefix,
		Strategy:        entity.Strategy(cfg.Generator.Strategy),
		SaveSitemaps:    !cfg.Generator.DryRun,
		MaxItemsInList:  cfg.Generator.MaxItemsInList,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot build generation parameters: %w", err)
	}
	a.params = params

	scanner := sresource.NewResourceScanner(fs, sresource.ScannerConfig{
		ResourceDir: params.ResourceDir,
		SkipDirs:    []string{params.MetadataDir},
		SkipFiles:   append([]string{cfg.Source.AboutFileName}, cfg.Source.SkipFiles...),
		Workers:     cfg.Source.Workers,
	}, log)

	var (
		index      source.Index
		enumerator generator.Enumerator
	)

	if cfg.Index.Backend == config.IndexBackendRedis {
		rdb, err := connectRedis(ctx, cfg.Index, a.log)
		if err != nil {
			return nil, err
		}
		a.rdb = rdb

		repo, err := resource.NewResourceRepository(ctx, rdb, log)
		if err != nil {
			rdb.Close()

			return nil, fmt.Errorf("cannot create resource repository: %w", err)
		}

		index = repo
		enumerator = repo
	}

	a.source = source.New(source.Config{
		Name:           cfg.Name,
		DescriptionURL: params.DescriptionURL(),
		Workers:        cfg.Source.Workers,
		QueueSize:      cfg.Source.QueueSize,
		RunOnStart:     !cfg.Generator.SkipInitialRun,
	}, scanner, index, log)

	if enumerator == nil {
		enumerator = a.source
	}

	writer := rsadapter.NewWriter(fs, nil, log)
	a.generator = generator.NewGenerator(params, log)
	a.generator.RegisterExecutor(entity.StrategyResourceList, generator.SnapshotExecutorFactory(
		enumerator, writer, generator.ExecutorConfig{EnumerationTimeout: cfg.Generator.EnumerationTimeout}, log))
	a.generator.Register(generator.NewLogObserver(log), generator.NewMetricsObserver())
	a.source.UseGenerator(a.generator)

	renderer, err := pageadapter.NewPageRenderer(fs, filepath.Join(params.ResourceDir, cfg.Source.AboutFileName), cfg.Source.URLPrefix, log)
	if err != nil {
		a.close()

		return nil, fmt.Errorf("cannot create page renderer: %w", err)
	}

	router := httphandler.NewRouter(httphandler.RouterConfig{
		URLPrefix:       cfg.Source.URLPrefix,
		DescriptionPath: cfg.Source.DescriptionPath,
		Middleware: httphandler.MiddlewareConfig{
			RateLimit: cfg.HTTP.RateLimit,
			RateBurst: cfg.HTTP.RateBurst,
		},
	}, a.source, renderer, afero.NewBasePathFs(fs, params.ResourceDir), log)

	a.srv = &http.Server{
		Addr:         cfg.Listen,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	return a, nil
}

// Run bootstraps the source and serves until ctx is done.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	if err := a.source.Bootstrap(ctx); err != nil {
		return fmt.Errorf("cannot bootstrap source: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("Start listen", slog.String("addr", a.cfg.Listen))

		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("cannot serve on %s: %w", a.cfg.Listen, err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		sctx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()

		if err := a.srv.Shutdown(sctx); err != nil {
			a.log.Error("Cannot shutdown server", slog.Any("error", err))
		}

		return nil
	})

	g.Go(func() error {
		a.handleSignals(gctx)

		return nil
	})

	if a.cfg.Generator.Interval > 0 {
		g.Go(func() error {
			a.schedule(gctx, a.cfg.Generator.Interval)

			return nil
		})
	}

	if a.cfg.Generator.Watch {
		w, err := watcher.New(watcher.Config{
			Root:     a.params.ResourceDir,
			Ignore:   []string{a.params.MetadataDir, a.params.DescriptionFile()},
			Debounce: a.cfg.Generator.WatchDebounce,
		}, a.onChange, a.log)
		if err != nil {
			a.log.Error("Cannot start watcher", slog.Any("error", err))
		} else {
			g.Go(func() error {
				return w.Run(gctx)
			})
		}
	}

	err := g.Wait()

	a.log.Info("Stopped")

	return err
}

func (a *App) schedule(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sync()
		}
	}
}

// handleSignals runs a refresh and generation on SIGUSR1 and a refresh on SIGUSR2.
func (a *App) handleSignals(ctx context.Context) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(c)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-c:
			switch sig {
			case syscall.SIGUSR1:
				a.sync()
			case syscall.SIGUSR2:
				if _, err := a.source.RefreshAsync(); err != nil {
					a.log.Error("Cannot schedule refresh", slog.Any("error", err))
				}
			}
		}
	}
}

func (a *App) onChange(_ context.Context, paths []string) {
	a.log.Info("Resource directory changed", slog.Int("path_count", len(paths)))

	a.sync()
}

// sync rescans the resource directory and regenerates on the worker pool.
func (a *App) sync() {
	task, err := a.source.Sync(false)
	if err != nil {
		a.log.Error("Cannot schedule generation", slog.Any("error", err))

		return
	}

	a.log.Debug("Generation scheduled", slog.String("task_id", task.ID()))
}

func (a *App) close() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := a.source.Close(ctx); err != nil {
		a.log.Error("Cannot close source", slog.Any("error", err))
	}

	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("Cannot close redis client", slog.Any("error", err))
		}
	}
}

func connectRedis(ctx context.Context, cfg config.IndexConfig, log *slog.Logger) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("cannot parse redis url: %w", err)
	}

	rdb := redis.NewClient(opt)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = cfg.ConnectTimeout

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()

		if err := rdb.Ping(pctx).Err(); err != nil {
			log.Warn("Cannot ping redis, retrying", slog.String("addr", opt.Addr), slog.Any("error", err))

			return err
		}

		return nil
	}

	if err := backoff.Retry(operation, bo); err != nil {
		rdb.Close()

		return nil, fmt.Errorf("cannot connect to redis: %w", err)
	}

	log.Info("Connected to redis", slog.String("addr", opt.Addr))

	return rdb, nil
}
