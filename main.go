// delogo/main.go
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"delogo/api"
	"delogo/artifact"
	"delogo/config"
	"delogo/events"
	"delogo/gateway"
	"delogo/jobclient"
	"delogo/logging"
	"delogo/scheduler"
	"delogo/store"
	"delogo/task"
	"delogo/task/memstore"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
	logger.Info("Server exiting")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	// 2. Storage
	repo, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	// 3. Outbound clients
	jobs, err := jobclient.New(cfg.JobClient(), jobclient.WithLogger(logger.Named("jobclient")))
	if err != nil {
		return err
	}
	billing := gateway.NewBillingClient(cfg.BillingURL, cfg.BillingKey, cfg.BillingTimeout, logger.Named("billing"))

	opts := task.Options{Policy: cfg.Policy(), Logger: logger.Named("task")}

	var publisher interface {
		task.EventPublisher
		Close() error
	} = events.Nop{}
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		k, err := events.NewKafka(brokers, cfg.KafkaTopic)
		if err != nil {
			return err
		}
		publisher = k
	}
	defer publisher.Close()
	opts.Events = publisher

	var (
		rdb      *redis.Client
		locker   scheduler.Locker
		queue    *artifact.Queue
		redisOpt asynq.RedisConnOpt
	)
	if cfg.RedisURL != "" {
		ropt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		rdb = redis.NewClient(ropt)
		defer rdb.Close()
		locker = scheduler.NewRedisLocker(rdb)

		redisOpt, err = asynq.ParseRedisURI(cfg.RedisURL)
		if err != nil {
			return err
		}
		queue = artifact.NewQueue(redisOpt, cfg.ArtifactMaxRetry, cfg.ArtifactTimeout)
		defer queue.Close()
		opts.Artifacts = queue
	} else {
		logger.Warn("no redis configured, sweep leases and artifact persistence are disabled")
	}

	// 4. Lifecycle service
	taskManager, err := task.NewManager(repo, jobs, billing, opts)
	if err != nil {
		return err
	}

	// 5. Sweeps
	sch := scheduler.New(logger.Named("scheduler"))
	sweepOpts := []scheduler.SweepsOption{scheduler.WithConcurrency(cfg.SyncConcurrency)}
	if rdb != nil {
		sweepOpts = append(sweepOpts, scheduler.WithStatsSink(rdb))
	}
	sweeps := scheduler.NewSweeps(taskManager, repo, logger.Named("sweeps"), sweepOpts...)
	if err := sweeps.Register(sch, cfg.Intervals(), locker, cfg.SweepLockTTL); err != nil {
		return err
	}
	if err := sch.StartAll(ctx); err != nil {
		return err
	}
	defer sch.StopAll()

	// 6. HTTP server
	router := api.SetupRouter(ctx, taskManager, sch, cfg, logger.Named("http"))
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if queue != nil {
		storage, err := gateway.NewLocalStorage(cfg.ArtifactDir, artifactBaseURL(cfg), cfg.ArtifactMaxSize, logger.Named("storage"))
		if err != nil {
			return err
		}
		worker := artifact.NewWorker(redisOpt, cfg.ArtifactConcurrency, storage, taskManager, logger.Named("artifact"))
		g.Go(worker.Run)
		g.Go(func() error {
			<-gctx.Done()
			worker.Shutdown()
			return nil
		})
	}

	// Wait for interrupt signal for graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully, press Ctrl+C again to force")
		// The server has 5 seconds to finish the requests it is currently handling
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

var errNoDatabase = errors.New("DELOGO_DATABASE_URL is required (set DELOGO_DEV_MEMORY_STORE=true for a throwaway in-memory store)")

// openRepository connects to PostgreSQL. The in-memory store is only used
// when explicitly requested for local development.
func openRepository(ctx context.Context, cfg *config.Config, logger *zap.Logger) (task.Repository, func(), error) {
	if cfg.DatabaseURL == "" {
		if !cfg.DevMemoryStore {
			return nil, nil, errNoDatabase
		}
		logger.Warn("development mode: tasks are kept in memory and lost on restart")
		return memstore.New(), func() {}, nil
	}
	pool, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	pg := store.NewPostgres(pool, logger)
	if err := pg.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pg, pool.Close, nil
}

func artifactBaseURL(cfg *config.Config) string {
	if cfg.ArtifactBaseURL != "" {
		return cfg.ArtifactBaseURL
	}
	if cfg.BaseURL != "" {
		return cfg.BaseURL + "/files"
	}
	return "http://localhost:" + cfg.Port + "/files"
}
