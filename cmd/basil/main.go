// Command basil is a terminal client for the BASIL API. It resumes the
// persisted session on every invocation, so with REDIS_ADDR set a login
// carries over between runs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"basil/core/internal/apiclient"
	"basil/core/internal/config"
	"basil/core/internal/logging"
	"basil/core/internal/persist"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := logging.New(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var kv persist.Store
	if cfg.RedisAddr != "" {
		rdb := persist.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix, logger.Named("persist"))
		if err := rdb.Ping(ctx); err != nil {
			logger.Fatal("redis unavailable", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		defer func() { _ = rdb.Close() }()
		kv = rdb
	} else {
		logger.Warn("REDIS_ADDR not set; the session ends with this process")
		kv = persist.NewMemory()
	}

	client := apiclient.New(cfg.APIURL, apiclient.NewPersistTokenStore(kv), apiclient.WithLogger(logger.Named("api")))
	a := newApp(client, kv, os.Stdout, logger)
	err = a.run(ctx, os.Args[1:])
	a.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "basil:", err)
		os.Exit(1)
	}
}
