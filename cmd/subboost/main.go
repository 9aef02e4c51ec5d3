// Package main запускает HTTP-сервер сервиса subboost.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/subboost-system/internal/channels"
	"github.com/mmeshcher/subboost-system/internal/config"
	"github.com/mmeshcher/subboost-system/internal/handler"
	"github.com/mmeshcher/subboost-system/internal/middleware"
	"github.com/mmeshcher/subboost-system/internal/notification"
	"github.com/mmeshcher/subboost-system/internal/repository"
	"github.com/mmeshcher/subboost-system/internal/scheduler"
	"github.com/mmeshcher/subboost-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	var verifier *channels.Client
	if cfg.VerifierAddress != "" {
		verifier = channels.NewClient(cfg.VerifierAddress)
	}

	sink := notification.NewLogSink(logger)

	svc := service.NewService(repo, verifier, sink, logger)
	defer svc.Close()

	sched := scheduler.New(svc, logger, cfg.TickInterval, cfg.MaxLifetime)
	svc.AttachTracker(sched)

	authSecret := cfg.AuthSecret
	if authSecret == "" {
		authSecret = "subboost-secret"
	}
	authMiddleware := middleware.NewAuthMiddleware(authSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Возобновление обработки заказов, оставшихся активными после перезапуска
	g.Go(func() error {
		if err := svc.ResumeProcessing(ctx); err != nil {
			return fmt.Errorf("resume processing: %w", err)
		}
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting subboost server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}

		sched.Stop()
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
