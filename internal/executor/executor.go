// Package executor submits the on-chain transfer for a GO'd subscription
// and classifies how it settled.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paycadence/paycadence/internal/chain"
	obsmetrics "github.com/paycadence/paycadence/internal/observability/metrics"
	plandomain "github.com/paycadence/paycadence/internal/plan/domain"
	subscriptiondomain "github.com/paycadence/paycadence/internal/subscription/domain"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("executor: missing dependency")

// Status classifies a completed execution attempt.
type Status string

const (
	StatusSuccess Status = "success"
	// StatusRejected means the transaction mined but reverted. Terminal
	// for this attempt; the subscription stays eligible for its next
	// natural due cycle.
	StatusRejected Status = "rejected"
	// StatusTimeout means the transaction was submitted but did not
	// confirm within budget. Indeterminate, not failed: the transfer may
	// still land, so no retry may fire until it settles.
	StatusTimeout Status = "timeout"
)

// Outcome is the result of one execution attempt. TxHash is always set:
// an attempt without a submission reports an infrastructure error instead
// of an Outcome.
type Outcome struct {
	Status Status
	TxHash string
	Detail string
}

type Executor struct {
	chain          chain.Client
	log            *zap.Logger
	confirmTimeout time.Duration
}

func New(client chain.Client, log *zap.Logger, confirmTimeout time.Duration) (*Executor, error) {
	if client == nil || log == nil {
		return nil, ErrInvalidConfig
	}
	if confirmTimeout <= 0 {
		confirmTimeout = 3 * time.Minute
	}
	return &Executor{
		chain:          client,
		log:            log.Named("executor"),
		confirmTimeout: confirmTimeout,
	}, nil
}

// Execute submits exactly one transfer for the subscription's charge and
// blocks until it confirms or the confirmation budget runs out. The
// caller guarantees at most one concurrent invocation per subscription.
// A non-nil error means nothing was submitted.
func (e *Executor) Execute(ctx context.Context, sub *subscriptiondomain.Subscription, plan *plandomain.BillingPlan) (Outcome, error) {
	amount, err := chain.ToBaseUnits(plan.Amount, plan.TokenDecimals)
	if err != nil {
		return Outcome{}, fmt.Errorf("plan %s amount: %w", plan.ID, err)
	}

	var txHash string
	if plan.IsNative() {
		txHash, err = e.chain.SendNativeTransfer(ctx, plan.Recipient, amount)
	} else {
		txHash, err = e.chain.SendTokenTransfer(ctx, plan.Token, sub.Subscriber, plan.Recipient, amount)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("submit transfer: %w", err)
	}

	log := e.log.With(
		zap.String("plan_id", plan.ID),
		zap.String("subscription_id", sub.ID.String()),
		zap.String("tx", txHash),
	)
	log.Info("transfer submitted", zap.String("amount", plan.Amount.String()))

	waitStart := time.Now()
	receipt, err := e.chain.WaitForReceipt(ctx, txHash, e.confirmTimeout)
	obsmetrics.Engine().ObserveConfirmWait(time.Since(waitStart))

	switch {
	case err == nil && receipt.Succeeded:
		log.Info("transfer confirmed", zap.Uint64("block", receipt.BlockNumber))
		return Outcome{Status: StatusSuccess, TxHash: txHash}, nil
	case err == nil:
		log.Warn("transfer reverted", zap.Uint64("block", receipt.BlockNumber))
		return Outcome{
			Status: StatusRejected,
			TxHash: txHash,
			Detail: "transaction reverted on chain",
		}, nil
	case errors.Is(err, chain.ErrConfirmTimeout):
		log.Warn("confirmation timed out", zap.Duration("budget", e.confirmTimeout))
		return Outcome{
			Status: StatusTimeout,
			TxHash: txHash,
			Detail: fmt.Sprintf("unconfirmed after %s", e.confirmTimeout),
		}, nil
	default:
		// The transaction is already on the wire; an RPC failure while
		// waiting leaves it indeterminate, same as a timeout.
		log.Warn("confirmation wait failed", zap.Error(err))
		return Outcome{
			Status: StatusTimeout,
			TxHash: txHash,
			Detail: fmt.Sprintf("confirmation wait failed: %v", err),
		}, nil
	}
}
