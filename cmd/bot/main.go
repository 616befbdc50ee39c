package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/cursxzxc/meltowshop/internal/auth"
	"github.com/cursxzxc/meltowshop/internal/bot"
	"github.com/cursxzxc/meltowshop/internal/catalog"
	"github.com/cursxzxc/meltowshop/internal/config"
	"github.com/cursxzxc/meltowshop/internal/domain"
	"github.com/cursxzxc/meltowshop/internal/events"
	"github.com/cursxzxc/meltowshop/internal/fulfillment"
	"github.com/cursxzxc/meltowshop/internal/inventory"
	"github.com/cursxzxc/meltowshop/internal/ops"
	"github.com/cursxzxc/meltowshop/internal/payment"
	"github.com/cursxzxc/meltowshop/internal/repository"
	"github.com/cursxzxc/meltowshop/internal/session"
	"github.com/cursxzxc/meltowshop/pkg/logger"
)

const opsTokenTTL = 10 * time.Minute

func main() {
	cfg := config.Load()

	appLogger := logger.New(cfg.Environment)
	defer appLogger.Sync()

	appLogger.Info("Starting shop bot",
		zap.String("environment", cfg.Environment),
		zap.String("sqlite_path", cfg.SQLitePath),
		zap.String("asset", cfg.CryptoPayAsset),
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.Int("poll_max_attempts", cfg.PollMaxAttempts),
	)

	cat, err := catalog.New(cfg.SessionsDir, cfg.SoldDir, cfg.InvalidDir, cfg.ScriptsDir, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize catalog", zap.Error(err))
	}

	db, err := repository.NewSingleWriterDB(cfg.SQLitePath, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	// Kafka publisher with in-memory fallback when the broker is down
	var publisher events.EventPublisher
	kafkaPublisher, err := events.NewKafkaEventPublisher(cfg, appLogger)
	if err != nil {
		appLogger.Warn("Failed to initialize Kafka publisher, using in-memory fallback", zap.Error(err))
		publisher = events.NewEventPublisher(appLogger)
	} else {
		publisher = kafkaPublisher
		defer kafkaPublisher.Close()
	}

	store := inventory.New(cat, db, db, publisher, appLogger)
	payClient := payment.NewClient(cfg.CryptoPayBaseURL, cfg.CryptoPayToken, cfg.CryptoPayAsset, cfg.InvoiceExpiry, appLogger)

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		appLogger.Fatal("Failed to connect to Telegram", zap.Error(err))
	}
	appLogger.Info("Telegram connection established", zap.String("bot", api.Self.UserName))

	deliverer := bot.NewDeliverer(api, cat, appLogger)

	var flow *session.Flow
	manager := fulfillment.NewManager(payClient, store, deliverer, publisher,
		cfg.PollInterval, cfg.PollMaxAttempts,
		func(res domain.Reservation, outcome fulfillment.Outcome) {
			flow.Settle(res.BuyerID, res.ItemID, outcome)
		},
		appLogger,
	)
	flow = session.NewFlow(store, payClient, cat, manager, publisher, cfg.InvoiceExpiry, appLogger)

	broadcaster := bot.NewBroadcaster(api, db, cfg.BroadcastDelay, appLogger)
	shopBot := bot.New(api, flow, cat, db, store, db, cfg.CryptoPayAsset, cfg.AdminIDs, broadcaster, appLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// resume reservations persisted before the last shutdown
	persisted, err := store.LoadReservations(ctx)
	if err != nil {
		appLogger.Fatal("Failed to load persisted reservations", zap.Error(err))
	}
	if len(persisted) > 0 {
		appLogger.Info("Resuming persisted reservations", zap.Int("count", len(persisted)))
	}
	manager.Resume(ctx, persisted)

	// ops API
	jwtManager := auth.NewJWTManager(cfg.JWTSecret, opsTokenTTL, appLogger)
	opsHandler := ops.NewHandler(store, jwtManager,
		ops.Credentials{Username: cfg.OpsUser, Password: cfg.OpsPassword},
		opsTokenTTL, appLogger)
	opsServer := &http.Server{
		Addr:    ":" + cfg.OpsPort,
		Handler: ops.NewRouter(opsHandler, jwtManager, appLogger),
	}
	go func() {
		appLogger.Info("Ops API listening", zap.String("port", cfg.OpsPort))
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Ops API server error", zap.Error(err))
		}
	}()

	// Telegram update loop
	updateCfg := tgbotapi.NewUpdate(0)
	updateCfg.Timeout = 60
	go shopBot.Run(ctx, api.GetUpdatesChan(updateCfg))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	appLogger.Info("Shutting down", zap.String("signal", sig.String()))

	api.StopReceivingUpdates()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn("Ops API shutdown error", zap.Error(err))
	}

	// in-flight workers keep their reservations in the table; they are
	// resumed on the next start
	manager.Wait()
	appLogger.Info("Shop bot exited")
}
