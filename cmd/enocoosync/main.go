package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"golang.org/x/sync/errgroup"

	"github.com/enocoosync/enocoosync/pkg/coordinator"
	"github.com/enocoosync/enocoosync/pkg/enocoo"
	"github.com/enocoosync/enocoosync/pkg/log"
	"github.com/enocoosync/enocoosync/pkg/server"
	"github.com/enocoosync/enocoosync/pkg/statistics"
	"github.com/enocoosync/enocoosync/pkg/storage"
)

func main() {
	// init packages
	src := enocoo.Configured()
	s := storage.Configured()
	ins := statistics.Configured(src, s)
	coord := coordinator.Configured(src, ins)

	// init server
	srv := server.Configured(coord, ins, s)

	// parse flags
	lflag.Configure()

	// lflag automatically sets llog's level, but we need to set the slog level
	level, err := log.LevelFromLLog(llog.GetLevel())
	if err != nil {
		panic(err)
	}
	log.SetDefaultLogLevel(level)
	log.Ctx(context.Background()).Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.Run(gctx)
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})
	err = g.Wait()
	// let a pass that is still writing finish before the store is closed
	ins.Wait()
	if cerr := s.Close(); cerr != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", cerr))
	}
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "enocoosync failed", slog.Any("error", err))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "enocoosync exited cleanly")
}
