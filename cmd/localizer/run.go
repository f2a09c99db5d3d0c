package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/dynamic-localization/internal/api"
	"github.com/banshee-data/dynamic-localization/internal/api/control"
	"github.com/banshee-data/dynamic-localization/internal/config"
	"github.com/banshee-data/dynamic-localization/internal/localization/monitor"
	"github.com/banshee-data/dynamic-localization/internal/localization/refmap"
	"github.com/banshee-data/dynamic-localization/internal/timeutil"
)

// runCommand starts the localizer, its backlog worker, the config watcher,
// the gRPC control server and the HTTP monitor, and waits for a signal.
func runCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := newStack(ctx, c)
	if err != nil {
		return err
	}
	defer s.close()

	var admin []monitor.AdminRoutes
	if s.store != nil {
		admin = append(admin, s.store)
	}
	apiServer := api.NewServer(s.loc, api.Options{
		AllowedDirs: c.StringSlice(flagAllowDir),
		S3:          refmap.S3OptionsFromConfig(s.cfg),
	})
	ws, err := monitor.NewWebServer(monitor.WebServerConfig{
		Address:   c.String(flagListen),
		Status:    s.loc,
		Recorder:  s.recorder,
		Metrics:   s.metrics.Handler(),
		Publisher: s.loc.Publisher(),
		Admin:     admin,
		Mounts: map[string]http.Handler{
			"/api/": http.StripPrefix("/api", api.LoggingMiddleware(apiServer.ServeMux())),
		},
	})
	if err != nil {
		return err
	}

	// A failing routine cancels the others.
	g, ctx := errgroup.WithContext(ctx)
	goRun := func(name string, f func(context.Context) error) {
		g.Go(func() error {
			defer logger.Diagf("%s routine terminated", name)
			if err := f(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Opsf("%s stopped: %v", name, err)
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}

	goRun("localizer", s.loc.Run)
	goRun("recorder", func(ctx context.Context) error { return s.recorder.Follow(ctx, s.loc.Publisher()) })
	goRun("config watcher", config.NewWatcher(s.cfgPath, func(cfg *config.Config) {
		if err := s.loc.ApplyConfig(cfg); err != nil {
			logger.Opsf("config reload rejected: %v", err)
			return
		}
		logger.Opsf("configuration reloaded from %s", s.cfgPath)
	}, func(err error) {
		logger.Opsf("config watcher: %v", err)
	}).Run)
	goRun("http", ws.Start)

	if addr := c.String(flagGRPC); addr != "" {
		gs := control.NewGRPCServer(s.loc)
		goRun("grpc", func(ctx context.Context) error {
			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			return control.Serve(ctx, gs, lis)
		})
	}
	if dir := c.String(flagInbox); dir != "" {
		goRun("inbox", newInbox(dir, s.cfg.GetBaseFrame(), s.loc, timeutil.RealClock{}).Run)
	}

	<-ctx.Done()
	logger.Opsf("shutting down...")
	// Closing the publisher ends diagnostics streams so gRPC can stop.
	_ = s.loc.Close()
	err = g.Wait()
	logger.Opsf("graceful shutdown complete")
	return err
}
