package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/paycadence/paycadence/internal/chain"
	"github.com/paycadence/paycadence/internal/clock"
	"github.com/paycadence/paycadence/internal/executor"
	"github.com/paycadence/paycadence/internal/ledger"
	obsmetrics "github.com/paycadence/paycadence/internal/observability/metrics"
	paymentdomain "github.com/paycadence/paycadence/internal/payment/domain"
	plandomain "github.com/paycadence/paycadence/internal/plan/domain"
	"github.com/paycadence/paycadence/internal/preflight"
	subscriptiondomain "github.com/paycadence/paycadence/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependency")

type Params struct {
	fx.In

	Ledger    ledger.Store
	Chain     chain.Client
	Validator *preflight.Validator
	Executor  *executor.Executor
	Clock     clock.Clock
	Log       *zap.Logger
	GenID     *snowflake.Node
	Config    Config `optional:"true"`
}

// Coordinator merges scanner output and event-driven schedules, enforces
// at-most-one-in-flight per subscription, dispatches to the executor, and
// persists outcomes. Per subscription the state machine is
// Idle -> Dispatched -> {Recorded, Idle}; the inflight table is the gate.
type Coordinator struct {
	ledger    ledger.Store
	chain     chain.Client
	validator *preflight.Validator
	executor  *executor.Executor
	clock     clock.Clock
	log       *zap.Logger
	genID     *snowflake.Node
	cfg       Config

	entries  chan Entry
	inflight *inflightTable
	sem      chan struct{}
	wg       sync.WaitGroup
}

func New(p Params) (*Coordinator, error) {
	if p.Ledger == nil || p.Chain == nil || p.Validator == nil || p.Executor == nil ||
		p.Clock == nil || p.Log == nil || p.GenID == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Coordinator{
		ledger:    p.Ledger,
		chain:     p.Chain,
		validator: p.Validator,
		executor:  p.Executor,
		clock:     p.Clock,
		log:       p.Log.Named("scheduler").With(zap.String("component", "coordinator")),
		genID:     p.GenID,
		cfg:       cfg,
		entries:   make(chan Entry, cfg.QueueSize),
		inflight:  newInflightTable(),
		sem:       make(chan struct{}, cfg.WorkerConcurrency),
	}, nil
}

// Enqueue offers a schedule entry to the coordinator. A full queue drops
// the entry; the scanner rediscovers anything still due on its next tick.
func (c *Coordinator) Enqueue(entry Entry) {
	select {
	case c.entries <- entry:
	default:
		obsmetrics.Engine().IncDispatchDropped(obsmetrics.DropReasonQueue)
		c.log.Warn("schedule queue full, entry dropped",
			zap.String("subscription_id", entry.SubscriptionID.String()),
			zap.String("source", string(entry.Source)),
		)
	}
}

// Run accepts schedule entries until the context is canceled, then drains
// in-flight workers before returning. Payments already dispatched finish;
// they are never aborted mid-transaction.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.log.Info("draining in-flight payments before shutdown")
			c.wg.Wait()
			return
		case entry := <-c.entries:
			c.dispatch(ctx, entry)
		}
	}
}

func (c *Coordinator) dispatch(ctx context.Context, entry Entry) {
	metrics := obsmetrics.Engine()
	if !c.inflight.Acquire(entry.SubscriptionID, entry.Source, c.clock.Now()) {
		// Scan and event discovery race for the same due payment; the
		// loser is dropped here, which is what prevents double-charging.
		metrics.IncDispatchDropped(obsmetrics.DropReasonInFlight)
		c.log.Debug("entry dropped, execution already in flight",
			zap.String("subscription_id", entry.SubscriptionID.String()),
			zap.String("source", string(entry.Source)),
		)
		return
	}
	metrics.IncInFlight()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.sem <- struct{}{}
		defer func() { <-c.sem }()
		// Shutdown must not abort a payment mid-transaction.
		c.process(context.WithoutCancel(ctx), entry)
	}()
}

func (c *Coordinator) release(id snowflake.ID) {
	c.inflight.Release(id)
	obsmetrics.Engine().DecInFlight()
}

func (c *Coordinator) process(ctx context.Context, entry Entry) {
	log := c.log.With(
		zap.String("subscription_id", entry.SubscriptionID.String()),
		zap.String("source", string(entry.Source)),
	)
	metrics := obsmetrics.Engine()

	sub, err := c.ledger.GetSubscription(ctx, entry.SubscriptionID)
	if err != nil {
		log.Warn("subscription lookup failed", zap.Error(err))
		c.release(entry.SubscriptionID)
		return
	}
	if !sub.Active {
		metrics.IncDispatchDropped(obsmetrics.DropReasonInactive)
		c.release(sub.ID)
		return
	}
	now := c.clock.Now()
	if sub.NextDueAt.After(now) {
		// Superseded entry: another worker already advanced the schedule.
		metrics.IncDispatchDropped(obsmetrics.DropReasonSuperseded)
		c.release(sub.ID)
		return
	}

	decision, plan, err := c.validator.Check(ctx, sub)
	if err != nil {
		// Infrastructure failure: abort cleanly, no record, next tick
		// retries.
		log.Warn("preflight aborted", zap.Error(err))
		c.release(sub.ID)
		return
	}
	if !decision.Go {
		metrics.IncPreflightRejection(string(decision.Reason))
		metrics.IncDispatch(string(entry.Source), string(decision.Reason))
		log.Info("preflight no-go",
			zap.String("reason", string(decision.Reason)),
			zap.String("detail", decision.Detail),
		)
		c.appendRecord(ctx, sub, recordParams{
			Outcome: paymentdomain.OutcomeFailed,
			Plan:    plan,
			Detail:  fmt.Sprintf("%s: %s", decision.Reason, decision.Detail),
		})
		c.release(sub.ID)
		return
	}

	outcome, err := c.executor.Execute(ctx, sub, plan)
	if err != nil {
		// Nothing was submitted; same clean abort as any infrastructure
		// failure.
		log.Warn("execution aborted before submission", zap.Error(err))
		c.release(sub.ID)
		return
	}

	switch outcome.Status {
	case executor.StatusSuccess:
		metrics.IncDispatch(string(entry.Source), "success")
		c.settleSuccess(ctx, sub.ID, plan.ID, sub.NextDueAt, plan, outcome.TxHash)
		c.release(sub.ID)

	case executor.StatusRejected:
		metrics.IncDispatch(string(entry.Source), "chain_rejected")
		c.appendRecord(ctx, sub, recordParams{
			Outcome: paymentdomain.OutcomeFailed,
			Plan:    plan,
			TxHash:  outcome.TxHash,
			Detail:  outcome.Detail,
		})
		c.release(sub.ID)

	case executor.StatusTimeout:
		// Indeterminate: keep the gate held so no second transfer can
		// race the unconfirmed one, and record the submission so a
		// restart can adopt it.
		metrics.IncDispatch(string(entry.Source), "timeout")
		c.appendRecord(ctx, sub, recordParams{
			Outcome: paymentdomain.OutcomePending,
			Plan:    plan,
			TxHash:  outcome.TxHash,
			Detail:  outcome.Detail,
		})
		interval, ierr := plan.IntervalDuration()
		if ierr != nil {
			log.Error("plan interval unresolvable for pending payment", zap.Error(ierr))
		}
		c.inflight.MarkPending(sub.ID, pendingPayment{
			PlanID:   plan.ID,
			TxHash:   outcome.TxHash,
			Amount:   plan.Amount,
			Token:    plan.Token,
			PrevDue:  sub.NextDueAt,
			Interval: interval,
			Since:    c.clock.Now(),
		})
		log.Warn("payment left dispatched pending confirmation",
			zap.String("tx", outcome.TxHash),
		)
	}
}

// settleSuccess advances the schedule by exactly one interval from the
// previous due date, then appends the success record. Advancing first
// means a crash between the two writes can lose an audit row but can
// never double-charge.
func (c *Coordinator) settleSuccess(ctx context.Context, subID snowflake.ID, planID string, prevDue time.Time, plan *plandomain.BillingPlan, txHash string) {
	log := c.log.With(
		zap.String("subscription_id", subID.String()),
		zap.String("plan_id", planID),
		zap.String("tx", txHash),
	)

	interval, err := plan.IntervalDuration()
	if err != nil {
		log.Error("plan interval unresolvable, schedule not advanced", zap.Error(err))
	} else {
		// Anchored to the previous due date, not to now, so processing
		// jitter never shifts the billing cadence.
		newDue := prevDue.Add(interval)
		paidAt := c.clock.Now()
		if err := c.ledger.AdvanceSchedule(ctx, subID, prevDue, newDue, paidAt); err != nil {
			if errors.Is(err, subscriptiondomain.ErrStaleSchedule) {
				log.Warn("schedule already advanced by another writer")
			} else {
				log.Error("schedule advance failed", zap.Error(err))
			}
		}
	}

	record := &paymentdomain.PaymentRecord{
		ID:             c.genID.Generate(),
		SubscriptionID: subID,
		PlanID:         planID,
		Outcome:        paymentdomain.OutcomeSuccess,
		TxHash:         &txHash,
		Amount:         plan.Amount,
		Token:          plan.Token,
		CreatedAt:      c.clock.Now(),
	}
	if err := c.ledger.AppendPaymentRecord(ctx, record); err != nil {
		log.Error("success record append failed", zap.Error(err))
	}
	log.Info("payment settled", zap.String("amount", plan.Amount.String()))
}

type recordParams struct {
	Outcome paymentdomain.Outcome
	Plan    *plandomain.BillingPlan
	TxHash  string
	Detail  string
}

func (c *Coordinator) appendRecord(ctx context.Context, sub *subscriptiondomain.Subscription, p recordParams) {
	record := &paymentdomain.PaymentRecord{
		ID:             c.genID.Generate(),
		SubscriptionID: sub.ID,
		PlanID:         sub.PlanID,
		Outcome:        p.Outcome,
		CreatedAt:      c.clock.Now(),
	}
	if p.Plan != nil {
		record.Amount = p.Plan.Amount
		record.Token = p.Plan.Token
	}
	if p.TxHash != "" {
		hash := p.TxHash
		record.TxHash = &hash
	}
	if p.Detail != "" {
		detail := p.Detail
		record.ErrorDetail = &detail
	}
	if err := c.ledger.AppendPaymentRecord(ctx, record); err != nil {
		c.log.Error("payment record append failed",
			zap.String("subscription_id", sub.ID.String()),
			zap.Error(err),
		)
	}
}

// ResolvePending polls receipts for every unresolved submission. It runs
// on each scan tick; until a pending payment settles (or ages past the
// abandon threshold) its subscription stays Dispatched and no new
// transfer can fire.
func (c *Coordinator) ResolvePending(ctx context.Context) {
	metrics := obsmetrics.Engine()
	for _, pending := range c.inflight.Pending() {
		log := c.log.With(
			zap.String("subscription_id", pending.SubscriptionID.String()),
			zap.String("tx", pending.TxHash),
		)

		receipt, err := c.chain.PollReceipt(ctx, pending.TxHash)
		if errors.Is(err, chain.ErrReceiptNotFound) {
			if c.clock.Now().Sub(pending.Since) >= c.cfg.AbandonThreshold {
				log.Warn("pending payment abandoned",
					zap.Duration("threshold", c.cfg.AbandonThreshold),
				)
				c.appendPendingResolution(ctx, pending, paymentdomain.OutcomeFailed,
					fmt.Sprintf("confirmation abandoned after %s", c.cfg.AbandonThreshold))
				metrics.IncPendingResolved("abandoned")
				c.release(pending.SubscriptionID)
			}
			continue
		}
		if err != nil {
			log.Warn("receipt poll failed", zap.Error(err))
			continue
		}

		if receipt.Succeeded {
			log.Info("pending payment confirmed", zap.Uint64("block", receipt.BlockNumber))
			if pending.Interval > 0 {
				newDue := pending.PrevDue.Add(pending.Interval)
				if err := c.ledger.AdvanceSchedule(ctx, pending.SubscriptionID, pending.PrevDue, newDue, c.clock.Now()); err != nil && !errors.Is(err, subscriptiondomain.ErrStaleSchedule) {
					log.Error("schedule advance failed", zap.Error(err))
				}
			}
			c.appendPendingResolution(ctx, pending, paymentdomain.OutcomeSuccess, "")
			metrics.IncPendingResolved("success")
		} else {
			log.Warn("pending payment reverted", zap.Uint64("block", receipt.BlockNumber))
			c.appendPendingResolution(ctx, pending, paymentdomain.OutcomeFailed, "transaction reverted on chain")
			metrics.IncPendingResolved("reverted")
		}
		c.release(pending.SubscriptionID)
	}
}

func (c *Coordinator) appendPendingResolution(ctx context.Context, pending pendingPayment, outcome paymentdomain.Outcome, detail string) {
	hash := pending.TxHash
	record := &paymentdomain.PaymentRecord{
		ID:             c.genID.Generate(),
		SubscriptionID: pending.SubscriptionID,
		PlanID:         pending.PlanID,
		Outcome:        outcome,
		TxHash:         &hash,
		Amount:         pending.Amount,
		Token:          pending.Token,
		CreatedAt:      c.clock.Now(),
	}
	if detail != "" {
		record.ErrorDetail = &detail
	}
	if err := c.ledger.AppendPaymentRecord(ctx, record); err != nil {
		c.log.Error("pending resolution record append failed",
			zap.String("subscription_id", pending.SubscriptionID.String()),
			zap.Error(err),
		)
	}
}

// RecoverPending re-adopts submissions the process recorded as pending
// before a restart. Event subscriptions are not durable across restarts;
// the pending records are.
func (c *Coordinator) RecoverPending(ctx context.Context) error {
	records, err := c.ledger.ListUnresolvedPending(ctx)
	if err != nil {
		return fmt.Errorf("recover pending: %w", err)
	}

	for _, record := range records {
		if record.TxHash == nil {
			continue
		}
		sub, err := c.ledger.GetSubscription(ctx, record.SubscriptionID)
		if err != nil {
			c.log.Warn("pending record references unknown subscription",
				zap.String("record_id", record.ID.String()),
				zap.Error(err),
			)
			continue
		}
		plan, err := c.ledger.GetPlan(ctx, record.PlanID)
		if err != nil {
			c.log.Warn("pending record references unknown plan",
				zap.String("record_id", record.ID.String()),
				zap.Error(err),
			)
			continue
		}
		interval, _ := plan.IntervalDuration()

		if !c.inflight.Acquire(sub.ID, SourceRecovery, c.clock.Now()) {
			continue
		}
		obsmetrics.Engine().IncInFlight()
		c.inflight.MarkPending(sub.ID, pendingPayment{
			PlanID:   plan.ID,
			TxHash:   *record.TxHash,
			Amount:   record.Amount,
			Token:    record.Token,
			PrevDue:  sub.NextDueAt,
			Interval: interval,
			Since:    record.CreatedAt,
		})
		c.log.Info("adopted pending payment from previous run",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("tx", *record.TxHash),
		)
	}
	return nil
}

// InFlight reports how many subscriptions are currently Dispatched.
func (c *Coordinator) InFlight() int {
	return c.inflight.Size()
}
