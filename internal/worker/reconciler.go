// Package worker holds the background jobs: the reconciliation scheduler
// that settles stuck transactions against vendor truth, and the callback
// dispatcher that notifies users of resolved transactions.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"payflow/internal/model"
	"payflow/internal/service"
)

// ReconcilerConfig bounds one reconciliation run.
type ReconcilerConfig struct {
	Interval    time.Duration // tick period
	Staleness   time.Duration // PENDING older than this is reconciled
	BatchSize   int           // max transactions per run
	MaxAttempts uint64        // vendor status queries per transaction per run
	BackoffBase time.Duration // exponential backoff base between attempts
	TxnDelay    time.Duration // pause between transactions, bounds vendor load
}

func (c *ReconcilerConfig) defaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.Staleness <= 0 {
		c.Staleness = 20 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.TxnDelay < 0 {
		c.TxnDelay = 0
	}
}

// Reconciler periodically finds aged PENDING transactions and drives them
// through the same resolution path a webhook would take.
type Reconciler struct {
	txns    service.TransactionStore
	gateway service.VendorGateway
	svc     service.PaymentService
	cfg     ReconcilerConfig
}

func NewReconciler(txns service.TransactionStore, gateway service.VendorGateway, svc service.PaymentService, cfg ReconcilerConfig) *Reconciler {
	cfg.defaults()
	return &Reconciler{txns: txns, gateway: gateway, svc: svc, cfg: cfg}
}

// Start runs the scheduler until ctx is cancelled. Implements the
// infrastructure.Server interface.
func (r *Reconciler) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	slog.Info("reconciler running",
		"interval", r.cfg.Interval, "staleness", r.cfg.Staleness, "batch", r.cfg.BatchSize)

	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciler shutting down")
			return nil
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				slog.Error("reconciliation run failed", "error", err)
			}
		}
	}
}

func (r *Reconciler) Stop(ctx context.Context) error { return nil }

// RunOnce processes one batch of stale PENDING transactions. A transaction
// that exhausts its retries is logged and skipped; it never blocks the rest
// of the batch.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-r.cfg.Staleness)
	batch, err := r.txns.StalePending(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list stale pending: %w", err)
	}
	if len(batch) == 0 {
		return nil
	}

	slog.Info("reconciling stale transactions", "count", len(batch), "cutoff", cutoff)

	for i := range batch {
		txn := &batch[i]
		if err := r.reconcileOne(ctx, txn); err != nil {
			slog.Error("reconciliation deferred to next run",
				"transaction_id", txn.ID, "internal_ref", txn.InternalRef, "error", err)
		}

		if r.cfg.TxnDelay > 0 && i < len(batch)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.cfg.TxnDelay):
			}
		}
	}
	return nil
}

// reconcileOne queries the vendor with bounded exponential backoff and,
// if the vendor reports a changed terminal status, resolves through the
// orchestrator's single transition path.
func (r *Reconciler) reconcileOne(ctx context.Context, txn *model.Transaction) error {
	backoff := retry.WithMaxRetries(r.cfg.MaxAttempts, retry.NewExponential(r.cfg.BackoffBase))

	var outcome model.VendorOutcome
	var vendorRef string
	var raw []byte

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		status, err := r.gateway.QueryStatus(ctx, txn.InternalRef)
		if err != nil {
			// Transient vendor-status failure: retry with backoff.
			return retry.RetryableError(err)
		}
		outcome, vendorRef, raw = status.Outcome, status.VendorRef, status.Raw
		return nil
	})
	if err != nil {
		return fmt.Errorf("vendor status query exhausted retries: %w", err)
	}

	if outcome == model.VendorPending {
		// Still pending at the vendor: leave untouched.
		return nil
	}
	return r.svc.ResolveTransaction(ctx, txn.ID, outcome, vendorRef, raw)
}
