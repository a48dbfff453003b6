package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/paycadence/paycadence/internal/chain"
	subscriptiondomain "github.com/paycadence/paycadence/internal/subscription/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTriggerFixture(t *testing.T, now time.Time) (*Trigger, *engineFixture) {
	t.Helper()
	f := newEngineFixture(t, now)
	trigger, err := NewTrigger(TriggerParams{
		Ledger:      f.store,
		Chain:       f.chain,
		Coordinator: f.coordinator,
		Clock:       f.clock,
		Log:         zap.NewNop(),
	})
	require.NoError(t, err)
	return trigger, f
}

func TestCreatedEventMirrorsSubscriptionAndArmsTimer(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	trigger, f := newTriggerFixture(t, now)

	handler := trigger.handleEvent(context.Background())
	handler(chain.LifecycleEvent{
		Type:       chain.EventSubscriptionCreated,
		PlanID:     "plan-pro",
		Subscriber: testSubscriber,
		NextDueAt:  now.Add(time.Hour),
	})

	sub, err := f.store.FindSubscription(context.Background(), "plan-pro", testSubscriber)
	require.NoError(t, err)
	require.True(t, sub.Active)
	require.Equal(t, now.Add(time.Hour), sub.NextDueAt.UTC())
	require.Equal(t, 1, trigger.ArmedTimers())

	trigger.disarmAll()
}

func TestCreatedEventWithPastDueFiresImmediately(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	trigger, f := newTriggerFixture(t, now)

	handler := trigger.handleEvent(context.Background())
	handler(chain.LifecycleEvent{
		Type:       chain.EventSubscriptionCreated,
		PlanID:     "plan-pro",
		Subscriber: testSubscriber,
		NextDueAt:  now.Add(-time.Minute),
	})

	require.Eventually(t, func() bool {
		return len(f.coordinator.entries) == 1
	}, time.Second, 5*time.Millisecond)

	entry := <-f.coordinator.entries
	require.Equal(t, SourceEvent, entry.Source)
	require.Zero(t, trigger.ArmedTimers())
}

func TestArmedTimerFiresAtDueInstant(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	trigger, f := newTriggerFixture(t, now)
	dueAt := now.Add(150 * time.Millisecond)

	trigger.arm(42, dueAt)

	// Before the due instant: armed, nothing dispatched.
	require.Equal(t, 1, trigger.ArmedTimers())
	require.Empty(t, f.coordinator.entries)

	require.Eventually(t, func() bool {
		return len(f.coordinator.entries) == 1
	}, time.Second, 5*time.Millisecond, "timer must fire at the due instant, not wait for a scan tick")

	entry := <-f.coordinator.entries
	require.EqualValues(t, 42, entry.SubscriptionID)
	require.Equal(t, dueAt, entry.DueAt)
	require.Equal(t, SourceEvent, entry.Source)
	require.Zero(t, trigger.ArmedTimers())
}

func TestCanceledEventDeactivatesAndDisarms(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	trigger, f := newTriggerFixture(t, now)
	subID := f.seedTokenSubscription(t, now.Add(time.Hour))
	trigger.arm(subID, now.Add(time.Hour))

	handler := trigger.handleEvent(context.Background())
	handler(chain.LifecycleEvent{
		Type:       chain.EventSubscriptionCanceled,
		PlanID:     "plan-pro",
		Subscriber: testSubscriber,
	})

	require.Zero(t, trigger.ArmedTimers())

	sub, err := f.store.GetSubscription(context.Background(), subID)
	require.NoError(t, err)
	require.False(t, sub.Active)
	require.NotNil(t, sub.DeactivationCause)
	require.Equal(t, subscriptiondomain.DeactivationReasonCanceled, *sub.DeactivationCause)
	require.NotNil(t, sub.DeactivatedAt)
}

func TestProcessedEventRearmsForReportedDueDate(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	trigger, f := newTriggerFixture(t, now)
	f.seedTokenSubscription(t, now.Add(time.Hour))

	handler := trigger.handleEvent(context.Background())
	handler(chain.LifecycleEvent{
		Type:       chain.EventPaymentProcessed,
		PlanID:     "plan-pro",
		Subscriber: testSubscriber,
		NextDueAt:  now.Add(2 * time.Hour),
	})

	require.Equal(t, 1, trigger.ArmedTimers())
	trigger.disarmAll()
}

func TestEventForUnknownSubscriptionIgnored(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	trigger, _ := newTriggerFixture(t, now)

	handler := trigger.handleEvent(context.Background())
	handler(chain.LifecycleEvent{
		Type:       chain.EventSubscriptionCanceled,
		PlanID:     "plan-nope",
		Subscriber: testSubscriber,
	})

	require.Zero(t, trigger.ArmedTimers())
}

func TestTriggerDisablesWithoutEventEndpoint(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	trigger, f := newTriggerFixture(t, now)
	f.chain.SubErr = chain.ErrNoEventEndpoint

	done := make(chan struct{})
	go func() {
		trigger.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("trigger did not disable itself without an event endpoint")
	}
}

func TestRearmReplacesExistingTimer(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	trigger, _ := newTriggerFixture(t, now)

	trigger.arm(42, now.Add(time.Hour))
	trigger.arm(42, now.Add(2*time.Hour))
	require.Equal(t, 1, trigger.ArmedTimers())
	trigger.disarmAll()
}
