// Package main implements the docflow worker process.
// The worker feeds tasks from Redis into an auto-scaled worker pool and writes the
// outcomes back.
//
// Features:
//   - Priority intake from Redis with a per-type token bucket
//   - A worker pool with per-task timeouts, retries and idle eviction
//   - An auto-scaler sizing the pool from pool load, Redis backlog and host usage
//   - Batch jobs executed by the orchestrator, results kept in Redis
//   - Delayed retry promotion and cron-scheduled recurring tasks
//   - Prometheus metrics exposed on /metrics
//
// Usage:
//
//	go run ./cmd/worker
//
// Configuration comes from DOCFLOW_* environment variables or a .env file.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/guido-cesarano/docflow/pkg/autoscaler"
	"github.com/guido-cesarano/docflow/pkg/batch"
	"github.com/guido-cesarano/docflow/pkg/config"
	"github.com/guido-cesarano/docflow/pkg/logger"
	"github.com/guido-cesarano/docflow/pkg/metrics"
	"github.com/guido-cesarano/docflow/pkg/queue"
	"github.com/guido-cesarano/docflow/pkg/resourcepool"
	"github.com/guido-cesarano/docflow/pkg/retry"
	"github.com/guido-cesarano/docflow/pkg/tasks"
	"github.com/guido-cesarano/docflow/pkg/workerpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(logger.Options{Env: cfg.AppEnv, Level: cfg.LogLevel})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("Worker stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Worker stopped")
}

// run wires every component, blocks until ctx is cancelled and shuts down in
// dependency order: intake and execution together, then resources.
func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) (err error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	client := queue.New(rdb, queue.WithLogger(logger.Component(log, "queue")), queue.WithMetrics(m))
	defer func() { err = multierr.Append(err, client.Close()) }()

	clients, err := newClientPool(ctx, cfg, log, m)
	if err != nil {
		return err
	}

	procs := &processors{clients: clients, log: logger.Component(log, "processor")}
	procs.batches, err = batch.New(batch.DirectRunner(procs.Process),
		batch.WithResultStore(batch.NewRedisStore(rdb, batch.DefaultResultTTL)),
		batch.WithLogger(logger.Component(log, "batch")),
		batch.WithMetrics(m),
	)
	if err != nil {
		return err
	}

	pool, err := workerpool.New(procs.Process,
		workerpool.WithMinWorkers(cfg.Workers.Min),
		workerpool.WithMaxWorkers(cfg.Workers.Max),
		workerpool.WithTaskTimeout(cfg.Workers.TaskTimeout),
		workerpool.WithIdleTimeout(cfg.Workers.IdleTimeout),
		workerpool.WithMaxQueueSize(cfg.Workers.MaxQueueSize),
		workerpool.WithShutdownTimeout(cfg.Workers.ShutdownTimeout),
		workerpool.WithRetryPolicy(retry.NewPolicy(retry.WithBaseDelay(cfg.Workers.RetryBaseDelay))),
		workerpool.WithLogger(logger.Component(log, "workerpool")),
		workerpool.WithMetrics(m),
	)
	if err != nil {
		return err
	}

	var scaler *autoscaler.Scaler
	if cfg.Scaler.Enabled {
		scaler, err = newScaler(ctx, cfg, pool, client, log, m)
		if err != nil {
			return multierr.Combine(err, pool.Shutdown(context.Background()), clients.Drain(context.Background()))
		}
	}

	feeder := queue.NewFeeder(client, pool,
		queue.WithRateLimit(cfg.Intake.RateLimit, cfg.Intake.RateBurst),
		queue.WithPollWait(cfg.Intake.PollWait),
		queue.WithRequeueDelay(cfg.Intake.RequeueDelay),
	)

	for spec, taskType := range cfg.Intake.Schedules {
		if _, err := client.Schedule(spec, tasks.Task{Type: taskType, Priority: tasks.PriorityLow}); err != nil {
			log.Error().Err(err).Str("spec", spec).Str("type", taskType).Msg("Invalid schedule, skipping")
		}
	}
	client.StartCronScheduler()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, reg, log) })
	g.Go(func() error {
		client.StartScheduler(gctx)
		return nil
	})
	g.Go(func() error {
		collectQueueMetrics(gctx, client)
		return nil
	})
	g.Go(func() error { return feeder.Run(gctx) })
	g.Go(func() error { return stopPoolOnCancel(gctx, pool, cfg.Workers.ShutdownTimeout+5*time.Second) })
	if scaler != nil {
		g.Go(func() error { return scaler.Run(gctx) })
	}

	log.Info().
		Str("redis", cfg.RedisAddr).
		Int("min_workers", cfg.Workers.Min).
		Int("max_workers", cfg.Workers.Max).
		Bool("autoscale", cfg.Scaler.Enabled).
		Msg("Worker started. Waiting for tasks...")

	err = g.Wait()
	log.Info().Msg("Shutting down worker...")

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Workers.ShutdownTimeout+5*time.Second)
	defer cancel()
	client.StopCronScheduler()
	return multierr.Combine(
		err,
		procs.batches.Shutdown(sctx),
		clients.Drain(sctx),
	)
}

// stopPoolOnCancel shuts the pool down once ctx is done. The feeder waits on its
// in-flight handles before returning, so the pool must close alongside it: a
// forced close resolves the leftovers with ErrPoolClosed and the feeder requeues them.
func stopPoolOnCancel(ctx context.Context, pool *workerpool.Pool, timeout time.Duration) error {
	<-ctx.Done()
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return pool.Shutdown(sctx)
}

// newClientPool builds the pool of dedicated Redis clients used by processors.
func newClientPool(ctx context.Context, cfg *config.Config, log zerolog.Logger, m *metrics.Metrics) (*resourcepool.Pool[*redis.Client], error) {
	factory := resourcepool.FactoryFuncs[*redis.Client]{
		CreateFunc: func(ctx context.Context) (*redis.Client, error) {
			c := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, PoolSize: 1})
			if err := c.Ping(ctx).Err(); err != nil {
				_ = c.Close()
				return nil, err
			}
			return c, nil
		},
		ValidateFunc: func(ctx context.Context, c *redis.Client) bool {
			return c.Ping(ctx).Err() == nil
		},
	}
	return resourcepool.New[*redis.Client](ctx, factory,
		resourcepool.WithName("redis"),
		resourcepool.WithMin(cfg.ClientPool.Min),
		resourcepool.WithMax(cfg.ClientPool.Max),
		resourcepool.WithValidateOnAcquire(true),
		resourcepool.WithLogger(logger.Component(log, "resourcepool")),
		resourcepool.WithMetrics(m),
	)
}

// newScaler starts the pool at its minimum and lets the scaler grow it from
// pool load, the Redis backlog and, optionally, host usage.
func newScaler(ctx context.Context, cfg *config.Config, pool *workerpool.Pool, client *queue.Client, log zerolog.Logger, m *metrics.Metrics) (*autoscaler.Scaler, error) {
	if err := pool.Scale(ctx, cfg.Workers.Min); err != nil {
		return nil, err
	}

	sources := []autoscaler.MetricsSource{poolSource(pool, client)}
	if cfg.Scaler.CollectSystem {
		sys, err := autoscaler.NewSystemCollector()
		if err != nil {
			log.Warn().Err(err).Msg("Host metrics unavailable")
		} else {
			sources = append(sources, sys)
		}
	}

	return autoscaler.New(pool,
		autoscaler.WithMinInstances(cfg.Workers.Min),
		autoscaler.WithMaxInstances(cfg.Workers.Max),
		autoscaler.WithInitialInstances(cfg.Workers.Min),
		autoscaler.WithTargetUtilization(cfg.Scaler.TargetUtilization),
		autoscaler.WithTargetResponseTime(cfg.Scaler.TargetResponseTime),
		autoscaler.WithCooldownPeriod(cfg.Scaler.Cooldown),
		autoscaler.WithEvaluationInterval(cfg.Scaler.EvaluationInterval),
		autoscaler.WithSource(autoscaler.CombineSources(sources...)),
		autoscaler.WithLogger(logger.Component(log, "autoscaler")),
		autoscaler.WithMetrics(m),
	)
}

// poolSource reports pool load plus the tasks still waiting in Redis.
func poolSource(pool *workerpool.Pool, client *queue.Client) autoscaler.MetricsSource {
	return autoscaler.SourceFunc(func(ctx context.Context) (autoscaler.Metrics, error) {
		st := pool.Stats()
		sample := autoscaler.Metrics{
			Utilization:  st.Utilization,
			QueueLength:  st.Queued,
			ResponseTime: st.AvgLatency,
			RequestRate:  st.RequestRate,
		}
		backlog, err := client.Backlog(ctx)
		if err != nil {
			return sample, fmt.Errorf("redis backlog: %w", err)
		}
		sample.QueueLength += int(backlog)
		return sample, nil
	})
}

// serveMetrics serves /metrics until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Metrics server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}

// collectQueueMetrics refreshes the queue depth gauges every 5 seconds.
func collectQueueMetrics(ctx context.Context, client *queue.Client) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			client.GetQueueDepths(ctx)
		}
	}
}
