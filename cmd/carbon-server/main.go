package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristosando/tabcarbon/internal/aggregation"
	"github.com/aristosando/tabcarbon/internal/config"
	"github.com/aristosando/tabcarbon/internal/extdata"
	"github.com/aristosando/tabcarbon/internal/logger"
	"github.com/aristosando/tabcarbon/internal/server"
)

const (
	serviceName     = "carbon-server"
	shutdownTimeout = 10 * time.Second
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.ParseServer()
	if err != nil {
		log.Printf("%v", err)
		return 1
	}

	l, err := logger.NewLogger(logger.LoggerConfig{
		ServiceName:   serviceName,
		IsDevelopment: cfg.Development,
		IsDebug:       cfg.Debug,
		InitialFields: []zap.Field{zap.String("version", version), zap.String("commit", commit)},
	})
	if err != nil {
		log.Printf("%v", err)
		return 1
	}
	defer func() { _ = l.Sync() }()

	if !cfg.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	provider := extdata.NewProvider(cfg, l)
	defer provider.Close()

	aggregationConfig := aggregation.ConfigFrom(cfg)
	srv := server.New(func() *aggregation.Service {
		return aggregation.New(provider, aggregationConfig, l)
	}, l)

	httpServer := server.NewHTTPServer(ctx, cfg.Port, srv.Handler())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		l.Info("http server listening",
			zap.Uint16("port", cfg.Port),
			logger.WithProfile(cfg.DevicePowerProfile),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		l.Info("shutting down")

		srv.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		l.Error("server stopped with error", zap.Error(err))
		return 1
	}

	l.Info("server stopped")
	return 0
}
