// Package main запускает HTTP-сервер кошелькового сервиса.
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

	"github.com/mmeshcher/wallet-system/internal/config"
	"github.com/mmeshcher/wallet-system/internal/deposit"
	"github.com/mmeshcher/wallet-system/internal/events"
	"github.com/mmeshcher/wallet-system/internal/exchange"
	"github.com/mmeshcher/wallet-system/internal/gateway"
	"github.com/mmeshcher/wallet-system/internal/gateway/momo"
	"github.com/mmeshcher/wallet-system/internal/gateway/paypal"
	"github.com/mmeshcher/wallet-system/internal/gateway/sepay"
	"github.com/mmeshcher/wallet-system/internal/handler"
	"github.com/mmeshcher/wallet-system/internal/pending"
	"github.com/mmeshcher/wallet-system/internal/reconcile"
	"github.com/mmeshcher/wallet-system/internal/repository"
	"github.com/mmeshcher/wallet-system/internal/wallet"
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

	walletSvc := wallet.NewService(repo, logger)

	registry := pending.NewRegistry(repo, time.Duration(cfg.PendingDepositTTL)*time.Minute, logger)

	converter := exchange.NewClient(cfg.ExchangeRateAddress, cfg.FallbackUSDRate, logger)

	gateways := gateway.NewRegistry(
		paypal.NewAdapter(cfg.PayPalAPIAddress, cfg.PayPalClientID, cfg.PayPalClientSecret, converter),
		momo.NewAdapter(cfg.MoMoAPIAddress, cfg.MoMoPartnerCode, cfg.MoMoAccessKey, cfg.MoMoSecretKey,
			cfg.MoMoIPNAddress, "http://"+cfg.RunAddress+"/api/payments/momo/return"),
		sepay.NewAdapter(cfg.BankAccountNumber),
	)

	publisher := events.NewPublisher(logger)
	defer publisher.Close()

	engine := reconcile.NewEngine(walletSvc, registry, repo, publisher, logger)
	depositSvc := deposit.NewService(walletSvc, registry, gateways, repo, logger)

	h := handler.NewHandler(walletSvc, depositSvc, engine, gateways, logger, cfg.BankWebhookAPIKey)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Фоновая очистка истёкших ожидаемых зачислений и сверка двойной записи
	g.Go(func() error {
		registry.StartExpirySweep(ctx, time.Minute)
		walletSvc.StartMirrorSweep(ctx, 10*time.Minute)
		return nil
	})

	// Коллаборатор заказов подписывается на события об успешной оплате;
	// ядро кошелька в хранилище заказов не пишет.
	g.Go(func() error {
		sub := publisher.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-sub:
				if !ok {
					return nil
				}
				sugar.Infow("payment succeeded",
					"transaction_id", ev.TransactionID,
					"order_id", ev.OrderID,
					"amount", ev.Amount,
				)
			}
		}
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting wallet server", "addr", cfg.RunAddress)
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
