// Command arcmirror-worker downloads one origin item (or one file of it)
// into the local mirror. It is spawned by the queue manager with the
// positional arguments identifier, destination root, media type and an
// optional file name.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/arcmirror/arcmirror/internal/config"
	"github.com/arcmirror/arcmirror/internal/logger"
	"github.com/arcmirror/arcmirror/internal/origin"
	"github.com/arcmirror/arcmirror/internal/retry"
	"github.com/arcmirror/arcmirror/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() (code int) {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	job, err := worker.ParseArgs(flag.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return worker.ExitCode(err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return worker.ExitGeneral
	}

	log := logger.New(logger.Config{
		Level:      "warn",
		Format:     "plain",
		Output:     os.Stderr,
		Path:       cfg.Logging.Path,
		FileName:   "arcmirror-worker.log",
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := origin.NewClient(cfg.Origin, retry.FromConfig(cfg.Retry), log.Logger)
	w := worker.New(client, cfg.Worker, os.Stdout, log.Logger)

	defer func() {
		if r := recover(); r != nil {
			w.Cleanup()
			log.Error().Msgf("worker panic: %v", r)
			code = worker.ExitGeneral
		}
	}()

	_, err = w.Run(ctx, job)
	if err != nil {
		w.Cleanup()
		if ctx.Err() != nil {
			log.Error().Msg("interrupted")
		} else {
			log.Error().Msg(err.Error())
		}
	}
	return worker.ExitCode(err)
}
