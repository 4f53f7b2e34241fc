// Package main запускает HTTP-сервер и фоновые процессы аукционного сервиса.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/auctionhouse/internal/bidding"
	"github.com/mmeshcher/auctionhouse/internal/cache"
	"github.com/mmeshcher/auctionhouse/internal/config"
	"github.com/mmeshcher/auctionhouse/internal/driver"
	"github.com/mmeshcher/auctionhouse/internal/handler"
	"github.com/mmeshcher/auctionhouse/internal/ledger"
	"github.com/mmeshcher/auctionhouse/internal/lock"
	"github.com/mmeshcher/auctionhouse/internal/middleware"
	"github.com/mmeshcher/auctionhouse/internal/notify"
	"github.com/mmeshcher/auctionhouse/internal/repository"
	"github.com/mmeshcher/auctionhouse/internal/service"
	"github.com/mmeshcher/auctionhouse/internal/settlement"
)

const priceCacheTTL = 24 * time.Hour

// store объединяет контракты хранилища всех компонентов ядра.
type store interface {
	service.Repository
	bidding.Store
	settlement.Store
	ledger.Store
	driver.Store
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := openStore(cfg)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	var (
		locker lock.Locker = lock.NewKeyedMutex()
		prices *cache.PriceCache
	)
	if cfg.RedisAddress != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			sugar.Fatalw("redis initialization error", "error", err.Error())
		}

		locker = lock.NewRedisLocker(client, cfg.LockTTL, logger)
		prices = cache.NewPriceCache(client, priceCacheTTL)
	}

	channels := notify.Multi{notify.NewLogNotifier(logger)}
	if len(cfg.KafkaBrokers) > 0 {
		kafka := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer kafka.Close()
		channels = append(channels, kafka)
	}
	if cfg.WebhookURL != "" {
		channels = append(channels, notify.NewWebhookNotifier(cfg.WebhookURL))
	}
	notifier := notify.NewAsync(channels, cfg.NotifyBuffer, logger)

	led := ledger.New(repo, logger)
	bidder := bidding.NewEngine(repo, led, locker, notifier, logger)
	if prices != nil {
		bidder = bidder.WithPriceCache(prices)
	}
	settler := settlement.NewEngine(repo, led, locker, notifier, logger)
	drv := driver.New(repo, settler, led, notifier, cfg.DriverInterval, logger)

	svc := service.NewService(repo, bidder, settler, led, logger)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret, cfg.AdminIDs)
	h := handler.NewHandler(svc, logger, authMiddleware)

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: h.SetupRouter(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Доставка уведомлений
	g.Go(func() error {
		return notifier.Run(ctx)
	})

	// Запуск, завершение и расчёт сессий по расписанию
	g.Go(func() error {
		return drv.Run(ctx)
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting auction server", "addr", cfg.RunAddress)
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

// openStore выбирает хранилище: PostgreSQL при заданном DATABASE_URI, иначе память.
func openStore(cfg *config.Config) (store, error) {
	if cfg.DatabaseURI == "" {
		return repository.NewMemoryRepository(), nil
	}
	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		return nil, err
	}
	return repo, nil
}
