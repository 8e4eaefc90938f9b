// SPDX-License-Identifier: MIT

// Command nightwatchd runs the event prioritization daemon: candidate
// store, scheduler, worker pool and the operator HTTP surface, all over
// one shared Redis.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nightwatch-systems/nightwatch/internal/config"
	"github.com/nightwatch-systems/nightwatch/internal/ingest"
	"github.com/nightwatch-systems/nightwatch/internal/log"
	"github.com/nightwatch-systems/nightwatch/internal/ops"
	"github.com/nightwatch-systems/nightwatch/internal/queue"
	"github.com/nightwatch-systems/nightwatch/internal/ratelimit"
	"github.com/nightwatch-systems/nightwatch/internal/scheduler"
	"github.com/nightwatch-systems/nightwatch/internal/store"
	"github.com/nightwatch-systems/nightwatch/internal/worker"
)

var version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "", "path to YAML config file")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("nightwatchd", version)
		return
	}

	if err := run(*configPath); err != nil {
		l := log.Base()
		l.Fatal().Err(err).Msg("daemon exited")
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "nightwatchd"})
	logger := log.Base()
	logger.Info().Str("version", version).Str("listen", cfg.ListenAddr).Msg("starting")

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	st := store.New(rdb, logger, store.Options{
		MaxPerHome: cfg.MaxPerHome,
		TTL:        cfg.CandidateTTL,
	})
	queues := queue.New(rdb, logger)
	buckets := ratelimit.NewSet(ratelimit.Allowances{
		Standard:   cfg.StandardPerMinute,
		Premium:    cfg.PremiumPerMinute,
		Enterprise: cfg.EnterprisePerMinute,
	})
	sched := scheduler.New(rdb, st, queues, buckets, logger, scheduler.Config{
		TopKLimit:             cfg.TopKLimit,
		MaxBatchSize:          cfg.MaxBatchSize,
		ProcessingTimeout:     cfg.ProcessingTimeout,
		NumGPUs:               cfg.NumGPUs,
		AutothrottleThreshold: cfg.AutothrottleThreshold,
		ThrottleFactor:        cfg.ThrottleReduction,
		RoundInterval:         cfg.ScheduleInterval,
	})
	ing := ingest.New(st, sched, logger)
	pool := worker.NewPool(cfg.Workers, rdb, queues, &worker.StubDetector{}, worker.NewHTTPFetcher(), logger, worker.Config{
		BatchSize: cfg.BatchSize,
		BatchWait: cfg.BatchWait,
	})
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           ops.New(rdb, st, queues, sched, ing, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("stopped")
	return nil
}
