// Package main runs an in-memory Redis for local development, so the worker and
// the load generator can run without a Redis installation.
//
// Usage:
//
//	go run ./cmd/redis_server
//
// It listens on DOCFLOW_REDIS_ADDR (default 127.0.0.1:6379).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/guido-cesarano/docflow/pkg/config"
	"github.com/guido-cesarano/docflow/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(logger.Options{Env: cfg.AppEnv, Level: cfg.LogLevel})

	s := miniredis.NewMiniRedis()
	if err := s.StartAddr(cfg.RedisAddr); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Failed to start miniredis")
	}
	defer s.Close()

	log.Info().Str("addr", s.Addr()).Msg("MiniRedis server started")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// miniredis only expires keys when told time has passed.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Shutting down MiniRedis...")
			return
		case now := <-ticker.C:
			s.FastForward(now.Sub(last))
			last = now
		}
	}
}
