package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Expirer moves idle orders to expired.
type Expirer interface {
	ExpireStale(ctx context.Context, limit int) (int, error)
}

// Outbox delivers committed customer notifications.
type Outbox interface {
	DeliverPending(ctx context.Context) (int, error)
	Kicks() <-chan struct{}
}

// sweepLimit bounds how many orders one expiry pass touches.
const sweepLimit = 500

// NotificationJob runs the background loops: the expiry sweep and the
// outbox drain.
type NotificationJob struct {
	expirer        Expirer
	outbox         Outbox
	expiryInterval time.Duration
	outboxInterval time.Duration
	logger         *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNotificationJob creates a new notification job scheduler
func NewNotificationJob(expirer Expirer, outbox Outbox, expiryInterval, outboxInterval time.Duration, logger *zap.Logger) *NotificationJob {
	return &NotificationJob{
		expirer:        expirer,
		outbox:         outbox,
		expiryInterval: expiryInterval,
		outboxInterval: outboxInterval,
		logger:         logger.Named("jobs"),
	}
}

// Start begins all scheduled jobs. They stop when ctx ends or Stop is called.
func (n *NotificationJob) Start(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cancel != nil {
		n.logger.Warn("Notification jobs already running")
		return
	}

	ctx, n.cancel = context.WithCancel(ctx)
	n.wg.Add(2)
	go n.scheduleExpirySweep(ctx)
	go n.scheduleOutboxDrain(ctx)

	n.logger.Info("Background jobs started",
		zap.Duration("expiry_interval", n.expiryInterval),
		zap.Duration("outbox_interval", n.outboxInterval))
}

// Stop halts all scheduled jobs and waits for the running pass to finish.
func (n *NotificationJob) Stop() {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	n.wg.Wait()
	n.logger.Info("Background jobs stopped")
}

func (n *NotificationJob) scheduleExpirySweep(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.expiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one expiry pass.
func (n *NotificationJob) SweepOnce(ctx context.Context) {
	expired, err := n.expirer.ExpireStale(ctx, sweepLimit)
	if err != nil && ctx.Err() == nil {
		n.logger.Error("Expiry sweep failed", zap.Error(err))
		return
	}
	if expired > 0 {
		n.logger.Info("Expiry sweep finished", zap.Int("expired", expired))
	}
}

func (n *NotificationJob) scheduleOutboxDrain(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.outboxInterval)
	defer ticker.Stop()

	// Rows left over from a previous run.
	n.DrainOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-n.outbox.Kicks():
		}
		n.DrainOnce(ctx)
	}
}

// DrainOnce delivers one outbox batch.
func (n *NotificationJob) DrainOnce(ctx context.Context) {
	sent, err := n.outbox.DeliverPending(ctx)
	if err != nil && ctx.Err() == nil {
		n.logger.Error("Outbox drain failed", zap.Error(err))
		return
	}
	if sent > 0 {
		n.logger.Debug("Outbox drained", zap.Int("sent", sent))
	}
}
