package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"reachbot/internal/core"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := core.NewApp(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "startup failed:", err)
		os.Exit(1)
	}
	if err := app.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "start failed:", err)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		app.Stop(shutdownCtx)
		cancel()
		os.Exit(1)
	}

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	app.Stop(shutdownCtx)
}
