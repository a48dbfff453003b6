package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/paycadence/paycadence/internal/chain"
	"github.com/paycadence/paycadence/internal/clock"
	"github.com/paycadence/paycadence/internal/ledger"
	obsmetrics "github.com/paycadence/paycadence/internal/observability/metrics"
	subscriptiondomain "github.com/paycadence/paycadence/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	resubscribeBase = time.Second
	resubscribeMax  = time.Minute
)

type TriggerParams struct {
	fx.In

	Ledger      ledger.Store
	Chain       chain.Client
	Coordinator *Coordinator
	Clock       clock.Clock
	Log         *zap.Logger
}

// Trigger is the event-driven discovery path. It consumes contract
// lifecycle events, mirrors them into the ledger, and arms an in-memory
// timer per subscription that fires a dispatch at the exact due instant.
// Timers are a latency optimization only; every timer-discovered payment
// is also reachable through the scanner.
type Trigger struct {
	ledger      ledger.Store
	chain       chain.Client
	coordinator *Coordinator
	clock       clock.Clock
	log         *zap.Logger

	mu     sync.Mutex
	timers map[snowflake.ID]*time.Timer
}

func NewTrigger(p TriggerParams) (*Trigger, error) {
	if p.Ledger == nil || p.Chain == nil || p.Coordinator == nil || p.Clock == nil || p.Log == nil {
		return nil, ErrInvalidConfig
	}
	return &Trigger{
		ledger:      p.Ledger,
		chain:       p.Chain,
		coordinator: p.Coordinator,
		clock:       p.Clock,
		log:         p.Log.Named("scheduler").With(zap.String("component", "trigger")),
		timers:      map[snowflake.ID]*time.Timer{},
	}, nil
}

// Run maintains the event subscription until the context is canceled,
// resubscribing with capped backoff on stream failure. Events missed
// during an outage are not replayed; the scanner covers the gap. When no
// websocket endpoint is configured the trigger disables itself.
func (t *Trigger) Run(ctx context.Context) {
	defer t.disarmAll()

	backoff := resubscribeBase
	for {
		sub, err := t.chain.SubscribeEvents(ctx, "", t.handleEvent(ctx))
		if errors.Is(err, chain.ErrNoEventEndpoint) {
			t.log.Info("event trigger disabled, scanner is the only discovery path")
			return
		}
		if err != nil {
			t.log.Warn("event subscription failed",
				zap.Error(err),
				zap.Duration("retry_in", backoff),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, resubscribeMax)
			continue
		}

		backoff = resubscribeBase
		t.log.Info("event subscription established")
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			return
		case err := <-sub.Err():
			sub.Unsubscribe()
			t.log.Warn("event subscription lost", zap.Error(err))
		}
	}
}

func (t *Trigger) handleEvent(ctx context.Context) chain.EventHandler {
	return func(event chain.LifecycleEvent) {
		switch event.Type {
		case chain.EventSubscriptionCreated:
			t.onCreated(ctx, event)
		case chain.EventPaymentProcessed:
			t.onProcessed(ctx, event)
		case chain.EventSubscriptionCanceled:
			t.onCanceled(ctx, event)
		}
	}
}

func (t *Trigger) onCreated(ctx context.Context, event chain.LifecycleEvent) {
	sub, err := t.ledger.EnsureSubscription(ctx, event.PlanID, event.Subscriber, event.NextDueAt)
	if err != nil {
		t.log.Error("subscription mirror failed",
			zap.String("plan_id", event.PlanID),
			zap.String("subscriber", event.Subscriber),
			zap.Error(err),
		)
		return
	}
	t.log.Info("subscription observed on chain",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("plan_id", event.PlanID),
		zap.Time("next_due_at", sub.NextDueAt),
	)
	t.arm(sub.ID, sub.NextDueAt)
}

func (t *Trigger) onProcessed(ctx context.Context, event chain.LifecycleEvent) {
	sub, err := t.ledger.FindSubscription(ctx, event.PlanID, event.Subscriber)
	if err != nil {
		if !errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
			t.log.Warn("subscription lookup failed for processed event", zap.Error(err))
		}
		return
	}
	// Someone settled this period (possibly an external payer). Re-arm
	// for the chain-reported next due date.
	t.disarm(sub.ID)
	if !event.NextDueAt.IsZero() {
		t.arm(sub.ID, event.NextDueAt)
	}
}

func (t *Trigger) onCanceled(ctx context.Context, event chain.LifecycleEvent) {
	sub, err := t.ledger.FindSubscription(ctx, event.PlanID, event.Subscriber)
	if err != nil {
		if !errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
			t.log.Warn("subscription lookup failed for cancel event", zap.Error(err))
		}
		return
	}
	t.disarm(sub.ID)
	if err := t.ledger.DeactivateSubscription(ctx, sub.ID, subscriptiondomain.DeactivationReasonCanceled); err != nil {
		t.log.Error("subscription deactivation failed",
			zap.String("subscription_id", sub.ID.String()),
			zap.Error(err),
		)
		return
	}
	t.log.Info("subscription canceled on chain",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("plan_id", event.PlanID),
	)
}

// arm schedules a one-shot dispatch at the due instant. A due date in the
// past fires immediately.
func (t *Trigger) arm(id snowflake.ID, dueAt time.Time) {
	delay := dueAt.Sub(t.clock.Now())
	if delay < 0 {
		delay = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.timers[id]; ok {
		existing.Stop()
	}
	t.timers[id] = time.AfterFunc(delay, func() {
		t.mu.Lock()
		delete(t.timers, id)
		t.mu.Unlock()
		obsmetrics.Engine().IncTriggerTimer(obsmetrics.TriggerOpFired)
		t.coordinator.Enqueue(Entry{
			SubscriptionID: id,
			DueAt:          dueAt,
			Source:         SourceEvent,
		})
	})
	obsmetrics.Engine().IncTriggerTimer(obsmetrics.TriggerOpArmed)
}

func (t *Trigger) disarm(id snowflake.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[id]; ok {
		timer.Stop()
		delete(t.timers, id)
		obsmetrics.Engine().IncTriggerTimer(obsmetrics.TriggerOpDisarmed)
	}
}

func (t *Trigger) disarmAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}

// ArmedTimers reports how many due-instant timers are currently set.
func (t *Trigger) ArmedTimers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}
