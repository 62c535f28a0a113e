package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/code-100-precent/lingecho-gateway/cmd/bootstrap"
	"github.com/code-100-precent/lingecho-gateway/internal/gateway"
	handlers "github.com/code-100-precent/lingecho-gateway/internal/handler"
	"github.com/code-100-precent/lingecho-gateway/pkg/config"
	"github.com/code-100-precent/lingecho-gateway/pkg/logger"
	"github.com/code-100-precent/lingecho-gateway/pkg/middleware"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := config.Load(); err != nil {
		panic(err)
	}
	cfg := config.GlobalConfig

	if err := logger.Init(&cfg.Log, cfg.Server.Mode); err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := bootstrap.PrintBannerFromFile("banner.txt"); err != nil {
		logger.Debug("banner not printed", zap.Error(err))
	}
	bootstrap.LogConfigInfo(cfg)

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := gateway.New(ctx, cfg, logger.Lg)
	if err != nil {
		logger.Fatal("init gateway runtime failed", zap.Error(err))
	}

	if cfg.Server.Mode == "production" || cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(middleware.LoggerMiddleware(logger.Lg), middleware.RecoveryMiddleware(logger.Lg))
	if err := handlers.NewHandlers(rt).Register(engine); err != nil {
		logger.Fatal("register routes failed", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("gateway listening", zap.String("addr", cfg.Server.Addr), zap.String("streamPath", cfg.Stream.Path))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown requested, closing sessions")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Sessions are hijacked connections; the runtime closes them with 1001.
	if err := rt.Shutdown(shutdownCtx); err != nil {
		logger.Warn("runtime shutdown incomplete", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown incomplete", zap.Error(err))
	}
	logger.Info("gateway stopped")
}
