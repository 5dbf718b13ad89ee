package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"neptune/config"
	"neptune/logs"
	"neptune/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	path := flag.String("config", "neptune.yaml", "config file")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return supervisor.ExitConfig
	}
	logger, err := logs.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return supervisor.ExitConfig
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = supervisor.New(cfg, logger).Run(ctx)
	code := supervisor.ExitCode(err)
	if err != nil {
		logger.Error("job manager exited", zap.Int("code", code), zap.Error(err))
	}
	return code
}
