package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/Ananth-NQI/cakepe-backend/database"
	"github.com/Ananth-NQI/cakepe-backend/internal/agent"
	"github.com/Ananth-NQI/cakepe-backend/internal/catalog"
	"github.com/Ananth-NQI/cakepe-backend/internal/config"
	"github.com/Ananth-NQI/cakepe-backend/internal/jobs"
	"github.com/Ananth-NQI/cakepe-backend/internal/orders"
	"github.com/Ananth-NQI/cakepe-backend/internal/payments"
	"github.com/Ananth-NQI/cakepe-backend/internal/queue"
	"github.com/Ananth-NQI/cakepe-backend/internal/services"
	"github.com/Ananth-NQI/cakepe-backend/internal/storage"
)

// application holds the wired components of one process.
type application struct {
	store   storage.Store
	catalog *catalog.Catalog
	gateway *payments.CashfreeGateway
	orders  *services.OrderService
	outbox  *services.NotificationService
	jobs    *jobs.NotificationJob

	closers []func()
}

func newApplication(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*application, error) {
	a := &application{}

	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.store = store

	a.catalog = catalog.Default()
	if cfg.CatalogFile != "" {
		if a.catalog, err = catalog.Load(cfg.CatalogFile); err != nil {
			return nil, err
		}
	}

	messenger, err := a.messenger(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.AnthropicKey == "" {
		logger.Warn("ANTHROPIC_API_KEY not set, every turn will get the apology reply")
	}
	if cfg.Cashfree.ClientID == "" || cfg.Cashfree.ClientSecret == "" {
		logger.Warn("Cashfree credentials not set, payment links and webhooks will fail")
	}
	a.gateway = payments.NewCashfreeGateway(cfg.Cashfree, logger)

	locker := orders.NewLocker()
	orch := agent.NewOrchestrator(agent.NewAnthropicModel(cfg.AnthropicKey, cfg.Agent), a.catalog, a.gateway, agent.Options{
		MaxRounds:    cfg.Agent.MaxRounds,
		Timeout:      cfg.Agent.Timeout,
		Currency:     cfg.Currency,
		BusinessName: cfg.BusinessName,
	}, logger)

	a.outbox = services.NewNotificationService(store, messenger, locker, cfg.Outbox.Batch, cfg.Outbox.MaxAttempts, logger)
	a.orders = services.NewOrderService(store, orch, a.catalog, messenger, a.outbox, locker, services.OrderOptions{
		TTL:          cfg.Orders.TTL,
		HistoryLimit: cfg.Agent.HistoryLimit,
		Currency:     cfg.Currency,
		BusinessName: cfg.BusinessName,
	}, logger)
	a.jobs = jobs.NewNotificationJob(a.orders, a.outbox, cfg.Orders.ExpiryInterval, cfg.Outbox.Interval, logger)
	return a, nil
}

func openStore(cfg *config.Config, logger *zap.Logger) (storage.Store, error) {
	if cfg.UseMemoryStore {
		logger.Warn("Using in-memory storage (not for production!)")
		return storage.NewMemoryStore(), nil
	}
	db, err := database.Connect(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		return nil, err
	}
	return storage.NewDatabaseStore(db), nil
}

// messenger picks the outbound transport. With RABBIT_URL set, messages are
// queued and relayed to Twilio by a consumer in this process.
func (a *application) messenger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (services.Messenger, error) {
	var direct services.Messenger
	twilioSvc, err := services.NewTwilioService(cfg.Twilio, logger)
	switch {
	case err == nil:
		direct = twilioSvc
	case cfg.IsDevelopment():
		logger.Warn("Twilio not configured, replies are only logged", zap.Error(err))
		direct = services.NewLogMessenger(logger)
	default:
		return nil, err
	}

	if cfg.Rabbit.URL == "" {
		return direct, nil
	}

	conn, err := amqp091.Dial(cfg.Rabbit.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	a.closers = append(a.closers, func() { conn.Close() })

	pubCh, err := queue.Declare(conn, cfg.Rabbit.Queue)
	if err != nil {
		return nil, err
	}
	consumeCh, err := queue.Declare(conn, cfg.Rabbit.Queue)
	if err != nil {
		return nil, err
	}

	relay := queue.NewRelay(direct, logger)
	go func() {
		if err := relay.Consume(ctx, consumeCh, cfg.Rabbit.Queue); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Outbound relay stopped", zap.Error(err))
		}
	}()

	logger.Info("Outbound messages go through RabbitMQ", zap.String("queue", cfg.Rabbit.Queue))
	return queue.NewPublisher(pubCh, cfg.Rabbit.Queue, logger), nil
}

// Close releases external connections.
func (a *application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
