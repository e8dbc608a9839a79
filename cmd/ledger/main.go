// Package main запускает HTTP-сервер портала дистрибьюторов.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/distributor-ledger/internal/catalog"
	"github.com/mmeshcher/distributor-ledger/internal/config"
	"github.com/mmeshcher/distributor-ledger/internal/events"
	"github.com/mmeshcher/distributor-ledger/internal/handler"
	"github.com/mmeshcher/distributor-ledger/internal/invoice"
	"github.com/mmeshcher/distributor-ledger/internal/middleware"
	"github.com/mmeshcher/distributor-ledger/internal/repository"
	"github.com/mmeshcher/distributor-ledger/internal/service"
)

func main() {
	// .env необязателен: в контейнере конфигурация приходит из окружения.
	_ = godotenv.Load()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		sugar.Fatalw("catalog load error", "error", err.Error(), "path", cfg.CatalogPath)
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	opts := []service.Option{service.WithLogger(logger)}

	if cfg.InvoiceRendererAddress != "" {
		opts = append(opts, service.WithRenderer(invoice.NewClient(cfg.InvoiceRendererAddress)))
	}

	var publisher *events.Publisher
	if brokers := cfg.BrokerList(); len(brokers) > 0 {
		publisher = events.NewPublisher(brokers)
		defer publisher.Close()
		opts = append(opts, service.WithPublisher(publisher))
	}

	svc := service.NewService(repo, cat, opts...)

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, cfg.AdminList(), cfg.ManufacturerList())

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Фоновая сверка журнала: расхождения логируются, никогда не исправляются.
	if cfg.ReconcileInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.ReconcileInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					drifts, err := svc.ReconcileAll(ctx)
					if err != nil {
						sugar.Errorw("ledger reconciliation error", "error", err.Error())
						continue
					}
					for _, d := range drifts {
						sugar.Errorw("ledger drift detected",
							"email", d.Email,
							"outstanding", d.Outstanding,
							"entry_sum", d.EntrySum,
							"drift", d.Drift())
					}
				}
			}
		})
	}

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting ledger server", "addr", cfg.RunAddress)
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
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
