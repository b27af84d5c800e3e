package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"starloop/internal/app"
	logx "starloop/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml or json")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Bootstrap logger for failures before the configured log service exists.
	boot := logx.NewConsole("info")

	a, err := app.New(cfgPath)
	if err != nil {
		boot.Error("startup failed", logx.String("config", cfgPath), logx.Err(err))
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		boot.Error("start failed", logx.Err(err))
		os.Exit(1)
	}

	<-ctx.Done()
	_ = a.Stop(context.Background())
}
