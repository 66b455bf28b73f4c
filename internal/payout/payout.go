// Package payout settles a feeder trigger: it routes the accumulated wallet
// balance through the split wallet so every active herd member receives
// their share, then resets the tracked balance.
package payout

import (
	"context"
	"fmt"
	"time"

	"cyberherd/pkg/logger"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	// payoutTimeout bounds the whole sync+invoice+pay sequence.
	payoutTimeout = 10 * time.Second

	// settleDelay sits between invoice creation and payment. Paying an
	// invoice the same instant it was created makes some wallet
	// implementations race their own bookkeeping.
	settleDelay = 500 * time.Millisecond
)

// Wallet is the slice of the wallet adapter the orchestrator needs.
type Wallet interface {
	CreateSplitInvoice(ctx context.Context, amountSats int64, memo string) (string, error)
	PayInvoice(ctx context.Context, bolt11 string) error
}

// Syncer force-pushes split targets before the money moves.
type Syncer interface {
	Sync(ctx context.Context, force bool) error
}

// BalanceStore resets the tracked balance after a settled payout.
type BalanceStore interface {
	Set(sats int64)
}

// Metrics records payout outcomes.
type Metrics interface {
	IncrFeederTriggers(ctx context.Context) error
	IncrFailedPayments(ctx context.Context) error
}

// Notifier announces a settled trigger. Best-effort.
type Notifier interface {
	FeederTriggered(ctx context.Context, amountSats int64)
}

// Orchestrator runs the trigger payout sequence.
type Orchestrator struct {
	wallet   Wallet
	syncer   Syncer
	balance  BalanceStore
	metrics  Metrics
	notifier Notifier
	clock    clockwork.Clock
}

// NewOrchestrator creates the payout orchestrator.
func NewOrchestrator(
	wallet Wallet,
	syncer Syncer,
	balance BalanceStore,
	metrics Metrics,
	notifier Notifier,
	clock clockwork.Clock,
) *Orchestrator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Orchestrator{
		wallet:   wallet,
		syncer:   syncer,
		balance:  balance,
		metrics:  metrics,
		notifier: notifier,
		clock:    clock,
	}
}

// Send pays amountSats from the main wallet into the split wallet:
//
//  1. force-sync split targets so the distribution matches the herd now
//  2. create an invoice on the split wallet
//  3. wait half a second, then pay it from the main wallet
//
// On success the tracked balance resets to zero and the trigger counter
// advances. On failure the balance is kept; the next payment re-evaluates
// the trigger condition and retries.
func (o *Orchestrator) Send(ctx context.Context, amountSats int64) error {
	if amountSats <= 0 {
		logger.Warn("ignoring payout of non-positive amount", zap.Int64("amount_sats", amountSats))
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, payoutTimeout)
	defer cancel()

	if err := o.send(ctx, amountSats); err != nil {
		logger.Error("payout failed, balance kept for retry",
			zap.Int64("amount_sats", amountSats),
			zap.Error(err))
		// Bookkeeping must survive an expired payout deadline.
		if mErr := o.metrics.IncrFailedPayments(context.WithoutCancel(ctx)); mErr != nil {
			logger.Warn("failed to record failed payment", zap.Error(mErr))
		}
		return err
	}

	o.balance.Set(0)
	if err := o.metrics.IncrFeederTriggers(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("failed to record feeder trigger", zap.Error(err))
	}
	o.notifier.FeederTriggered(ctx, amountSats)

	logger.Info("payout settled", zap.Int64("amount_sats", amountSats))
	return nil
}

func (o *Orchestrator) send(ctx context.Context, amountSats int64) error {
	if err := o.syncer.Sync(ctx, true); err != nil {
		return fmt.Errorf("forced split sync failed: %w", err)
	}

	memo := fmt.Sprintf("Herd payout of %d sats", amountSats)
	bolt11, err := o.wallet.CreateSplitInvoice(ctx, amountSats, memo)
	if err != nil {
		return fmt.Errorf("failed to create split invoice: %w", err)
	}

	select {
	case <-o.clock.After(settleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := o.wallet.PayInvoice(ctx, bolt11); err != nil {
		return fmt.Errorf("failed to pay split invoice: %w", err)
	}
	return nil
}
