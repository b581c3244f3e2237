// Command scenebridge runs the sentence-to-scene server.
//
// Configuration comes from defaults, then the YAML file named by -config or
// $SCENEBRIDGE_CONFIG, then SCENEBRIDGE_* environment variables.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ggoodman/scenebridge/config"
	"github.com/ggoodman/scenebridge/internal/app"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	listen := flag.String("listen", "", "override the scene listen address")
	useStdio := flag.Bool("stdio", false, "serve one connection on stdin/stdout instead of listening")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scenebridge: %v\n", err)
		os.Exit(2)
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	log := cfg.Logger(os.Stderr)

	if err := run(cfg, log, *useStdio); err != nil {
		log.Error("scenebridge.exit", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger, useStdio bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	if useStdio {
		return a.ServeStdio(ctx)
	}
	return a.Run(ctx)
}
