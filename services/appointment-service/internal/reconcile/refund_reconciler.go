// Package reconcile retries refunds that did not go through when the
// appointment was cancelled.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/carelink-health/carelink/libs/db"
	"github.com/carelink-health/carelink/services/appointment-service/internal/cancellation"
	"github.com/carelink-health/carelink/services/appointment-service/internal/model"
)

type Backlog interface {
	RefundBacklog(ctx context.Context, limit int, cancelledBefore time.Time) ([]model.CancellationCandidate, error)
}

type Retrier interface {
	RetryRefund(ctx context.Context, c model.CancellationCandidate) cancellation.Refund
}

// Locker elects a single reconciling instance.
type Locker interface {
	TryLock(ctx context.Context) (release func(), ok bool, err error)
}

type RefundReconciler struct {
	backlog   Backlog
	retrier   Retrier
	locker    Locker
	logger    *slog.Logger
	batchSize int
	// settleAfter keeps cancellations whose first refund call may still be
	// running out of the backlog.
	settleAfter time.Duration
	now         func() time.Time
	// lockRetry is how long to wait before asking for the lock again.
	lockRetry time.Duration
}

type Config struct {
	BatchSize       int
	AdvisoryLockKey int64
	// SettleAfter must exceed the refund timeout.
	SettleAfter time.Duration
}

const defaultSettleAfter = time.Minute

const defaultLockKey = 7311001

func NewRefundReconciler(pool *db.Pool, backlog Backlog, retrier Retrier, logger *slog.Logger, cfg Config) *RefundReconciler {
	key := cfg.AdvisoryLockKey
	if key == 0 {
		key = defaultLockKey
	}
	return newRefundReconciler(backlog, retrier, &AdvisoryLock{pool: pool, key: key}, logger, cfg)
}

func newRefundReconciler(backlog Backlog, retrier Retrier, locker Locker, logger *slog.Logger, cfg Config) *RefundReconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.SettleAfter <= 0 {
		cfg.SettleAfter = defaultSettleAfter
	}
	return &RefundReconciler{
		backlog:     backlog,
		retrier:     retrier,
		locker:      locker,
		logger:      logger,
		batchSize:   cfg.BatchSize,
		settleAfter: cfg.SettleAfter,
		now:         time.Now,
		lockRetry:   30 * time.Second,
	}
}

func (r *RefundReconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	var release func()
	for release == nil {
		rel, ok, err := r.locker.TryLock(ctx)
		switch {
		case err != nil:
			r.logger.Error("refund reconcile: failed to acquire advisory lock", "err", err)
		case !ok:
			r.logger.Info("refund reconcile: advisory lock held by another instance")
		default:
			release = rel
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.lockRetry):
		}
	}
	defer release()
	r.logger.Info("refund reconcile: advisory lock acquired")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.reconcileOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcileOnce(ctx)
		}
	}
}

// reconcileOnce returns the number of refunds recorded in this pass.
func (r *RefundReconciler) reconcileOnce(ctx context.Context) int {
	backlog, err := r.backlog.RefundBacklog(ctx, r.batchSize, r.now().Add(-r.settleAfter))
	if err != nil {
		r.logger.Error("refund reconcile: failed to list backlog", "err", err)
		return 0
	}

	recorded := 0
	for _, c := range backlog {
		if ctx.Err() != nil {
			break
		}
		refund := r.retrier.RetryRefund(ctx, c)
		switch refund.Outcome {
		case cancellation.RefundSucceeded:
			recorded++
			r.logger.Info("refund reconcile: refund recorded", "appointment_id", c.Appointment.ID, "refund_id", refund.RefundID)
		case cancellation.RefundFailed:
			r.logger.Warn("refund reconcile: retry failed", "appointment_id", c.Appointment.ID, "details", refund.Details)
		}
	}
	return recorded
}

// AdvisoryLock holds a session-level Postgres advisory lock on a dedicated
// pooled connection until released.
type AdvisoryLock struct {
	pool *db.Pool
	key  int64
}

func (l *AdvisoryLock) TryLock(ctx context.Context) (func(), bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}
	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&locked); err != nil {
		conn.Release()
		return nil, false, err
	}
	if !locked {
		conn.Release()
		return nil, false, nil
	}
	return func() {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, l.key)
		conn.Release()
	}, true, nil
}
