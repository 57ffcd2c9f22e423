package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kk-code-lab/spillway/internal/httpapi"
)

const shutdownTimeout = 10 * time.Second

func runServe(ctx context.Context, c *cli, args []string) error {
	fs := c.newFlagSet("serve", "serve [--addr ADDR]")
	cfg, log, err := c.parse(fs, args)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := openEnv(ctx, cfg, log, nil)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return err
	}
	handler := httpapi.New(e.engine, log)
	srv := &http.Server{
		Handler:           handler.Server(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	log.Info("spillway listening", "addr", ln.Addr().String(), "version", version,
		"data_dir", cfg.DataDir, "max_chunk_size", cfg.MaxChunkSize)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
