package scheduler

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/paycadence/paycadence/internal/chain/chaintest"
	"github.com/paycadence/paycadence/internal/clock"
	"github.com/paycadence/paycadence/internal/executor"
	"github.com/paycadence/paycadence/internal/ledger"
	paymentdomain "github.com/paycadence/paycadence/internal/payment/domain"
	plandomain "github.com/paycadence/paycadence/internal/plan/domain"
	"github.com/paycadence/paycadence/internal/preflight"
	subscriptiondomain "github.com/paycadence/paycadence/internal/subscription/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSubscriber = "0x1111111111111111111111111111111111111111"
	testRecipient  = "0x2222222222222222222222222222222222222222"
	testToken      = "0x3333333333333333333333333333333333333333"
)

type engineFixture struct {
	coordinator *Coordinator
	store       ledger.Store
	db          *gorm.DB
	chain       *chaintest.FakeClient
	clock       *clock.FakeClock
}

func newEngineFixture(t *testing.T, now time.Time) *engineFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	// One connection keeps every goroutine on the same in-memory database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&plandomain.BillingPlan{},
		&subscriptiondomain.Subscription{},
		&paymentdomain.PaymentRecord{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	store, err := ledger.NewStore(db, node)
	require.NoError(t, err)

	fake := chaintest.New()
	// Funding account covers gas for every scenario unless a test says
	// otherwise.
	fake.SetNativeBalance(fake.FundingAddress(), big.NewInt(1_000_000_000))

	log := zap.NewNop()
	validator, err := preflight.NewValidator(store, fake, log)
	require.NoError(t, err)
	exec, err := executor.New(fake, log, time.Second)
	require.NoError(t, err)

	fc := clock.NewFakeClock(now)
	coordinator, err := New(Params{
		Ledger:    store,
		Chain:     fake,
		Validator: validator,
		Executor:  exec,
		Clock:     fc,
		Log:       log,
		GenID:     node,
		Config: Config{
			ScanInterval:      time.Minute,
			AbandonThreshold:  time.Hour,
			WorkerConcurrency: 2,
			QueueSize:         16,
		},
	})
	require.NoError(t, err)

	return &engineFixture{
		coordinator: coordinator,
		store:       store,
		db:          db,
		chain:       fake,
		clock:       fc,
	}
}

// seedTokenSubscription inserts a funded, allowed token subscription due at
// the given instant and returns its ID.
func (f *engineFixture) seedTokenSubscription(t *testing.T, dueAt time.Time) snowflake.ID {
	t.Helper()
	require.NoError(t, f.db.Create(&plandomain.BillingPlan{
		ID:            "plan-pro",
		Creator:       testRecipient,
		Name:          "Pro",
		Amount:        decimal.NewFromInt(5),
		Interval:      "monthly",
		Token:         testToken,
		TokenDecimals: 6,
		Recipient:     testRecipient,
		Active:        true,
	}).Error)

	sub := &subscriptiondomain.Subscription{
		ID:         snowflake.ID(100),
		PlanID:     "plan-pro",
		Subscriber: testSubscriber,
		Active:     true,
		NextDueAt:  dueAt,
	}
	require.NoError(t, f.db.Create(sub).Error)

	f.chain.SetTokenBalance(testToken, testSubscriber, big.NewInt(50_000_000))
	f.chain.SetAllowance(testToken, testSubscriber, f.chain.FundingAddress(), big.NewInt(50_000_000))
	return sub.ID
}

func (f *engineFixture) dispatchAndWait(entry Entry) {
	f.coordinator.dispatch(context.Background(), entry)
	f.coordinator.wg.Wait()
}

func (f *engineFixture) records(t *testing.T, subID snowflake.ID) []paymentdomain.PaymentRecord {
	t.Helper()
	var out []paymentdomain.PaymentRecord
	require.NoError(t, f.db.Where("subscription_id = ?", subID).Order("created_at asc, id asc").Find(&out).Error)
	return out
}

func TestSuccessAdvancesAnchoredToDueDate(t *testing.T) {
	dueAt := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	// Processing happens seven minutes late; the next due date must not
	// drift by those seven minutes.
	f := newEngineFixture(t, dueAt.Add(7*time.Minute))
	subID := f.seedTokenSubscription(t, dueAt)

	f.chain.SetReceipt("0xfake0001", true)
	f.dispatchAndWait(Entry{SubscriptionID: subID, DueAt: dueAt, Source: SourceScan})

	sub, err := f.store.GetSubscription(context.Background(), subID)
	require.NoError(t, err)
	require.Equal(t, dueAt.Add(30*24*time.Hour), sub.NextDueAt.UTC())
	require.NotNil(t, sub.LastPaymentAt)

	records := f.records(t, subID)
	require.Len(t, records, 1)
	require.Equal(t, paymentdomain.OutcomeSuccess, records[0].Outcome)
	require.NotNil(t, records[0].TxHash)
	require.Equal(t, "0xfake0001", *records[0].TxHash)

	sent := f.chain.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, testSubscriber, sent[0].From)
	require.Equal(t, testRecipient, sent[0].To)
	require.Equal(t, big.NewInt(5_000_000), sent[0].Amount)

	require.Zero(t, f.coordinator.InFlight())
}

func TestChainRejectionRecordsFailureWithoutAdvance(t *testing.T) {
	dueAt := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, dueAt)
	subID := f.seedTokenSubscription(t, dueAt)

	f.chain.SetReceipt("0xfake0001", false)
	f.dispatchAndWait(Entry{SubscriptionID: subID, DueAt: dueAt, Source: SourceScan})

	sub, err := f.store.GetSubscription(context.Background(), subID)
	require.NoError(t, err)
	require.Equal(t, dueAt, sub.NextDueAt.UTC())

	records := f.records(t, subID)
	require.Len(t, records, 1)
	require.Equal(t, paymentdomain.OutcomeFailed, records[0].Outcome)
	require.NotNil(t, records[0].TxHash)

	require.Zero(t, f.coordinator.InFlight())
}

func TestPreflightRejectionShortCircuits(t *testing.T) {
	dueAt := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, dueAt)
	subID := f.seedTokenSubscription(t, dueAt)
	f.chain.SetTokenBalance(testToken, testSubscriber, big.NewInt(0))

	f.dispatchAndWait(Entry{SubscriptionID: subID, DueAt: dueAt, Source: SourceScan})

	require.Empty(t, f.chain.Sent())

	sub, err := f.store.GetSubscription(context.Background(), subID)
	require.NoError(t, err)
	require.Equal(t, dueAt, sub.NextDueAt.UTC())

	records := f.records(t, subID)
	require.Len(t, records, 1)
	require.Equal(t, paymentdomain.OutcomeFailed, records[0].Outcome)
	require.Nil(t, records[0].TxHash)
	require.NotNil(t, records[0].ErrorDetail)
	require.Contains(t, *records[0].ErrorDetail, string(preflight.ReasonInsufficientBalance))

	require.Zero(t, f.coordinator.InFlight())
}

func TestUnschedulableIntervalNeverCharges(t *testing.T) {
	dueAt := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, dueAt)

	require.NoError(t, f.db.Create(&plandomain.BillingPlan{
		ID:            "plan-weekly",
		Creator:       testRecipient,
		Name:          "Weekly",
		Amount:        decimal.NewFromInt(5),
		Interval:      "weekly",
		Token:         testToken,
		TokenDecimals: 6,
		Recipient:     testRecipient,
		Active:        true,
	}).Error)
	sub := &subscriptiondomain.Subscription{
		ID:         snowflake.ID(200),
		PlanID:     "plan-weekly",
		Subscriber: testSubscriber,
		Active:     true,
		NextDueAt:  dueAt,
	}
	require.NoError(t, f.db.Create(sub).Error)
	f.chain.SetTokenBalance(testToken, testSubscriber, big.NewInt(50_000_000))
	f.chain.SetAllowance(testToken, testSubscriber, f.chain.FundingAddress(), big.NewInt(50_000_000))

	// Two consecutive scan cycles find the same still-due subscription.
	f.dispatchAndWait(Entry{SubscriptionID: sub.ID, DueAt: dueAt, Source: SourceScan})
	f.dispatchAndWait(Entry{SubscriptionID: sub.ID, DueAt: dueAt, Source: SourceScan})

	require.Empty(t, f.chain.Sent(), "a plan the engine cannot advance must never be charged")

	var successes int64
	require.NoError(t, f.db.Model(&paymentdomain.PaymentRecord{}).
		Where("subscription_id = ? AND outcome = ?", sub.ID, paymentdomain.OutcomeSuccess).
		Count(&successes).Error)
	require.LessOrEqual(t, successes, int64(1), "subscriber must not be charged twice for one due cycle")
	require.Zero(t, successes)

	records := f.records(t, sub.ID)
	require.Len(t, records, 2)
	for _, record := range records {
		require.Equal(t, paymentdomain.OutcomeFailed, record.Outcome)
		require.NotNil(t, record.ErrorDetail)
		require.Contains(t, *record.ErrorDetail, string(preflight.ReasonInvalidInterval))
	}

	got, err := f.store.GetSubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Equal(t, dueAt, got.NextDueAt.UTC())
	require.Zero(t, f.coordinator.InFlight())
}

func TestInactiveSubscriptionDroppedAtDispatch(t *testing.T) {
	dueAt := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, dueAt)
	subID := f.seedTokenSubscription(t, dueAt)
	require.NoError(t, f.store.DeactivateSubscription(context.Background(), subID, subscriptiondomain.DeactivationReasonCanceled))

	f.dispatchAndWait(Entry{SubscriptionID: subID, DueAt: dueAt, Source: SourceEvent})

	require.Empty(t, f.chain.Sent())
	require.Empty(t, f.records(t, subID))
	require.Zero(t, f.coordinator.InFlight())
}

// droppedCount reads the dispatch-drop counter for one reason label from
// the process-global registry.
func droppedCount(t *testing.T, reason string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "paycadence_dispatches_dropped_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "reason" && label.GetValue() == reason {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestNotYetDueEntryDropped(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, now)
	subID := f.seedTokenSubscription(t, now.Add(time.Hour))
	supersededBefore := droppedCount(t, "superseded")
	inactiveBefore := droppedCount(t, "inactive")

	f.dispatchAndWait(Entry{SubscriptionID: subID, DueAt: now.Add(time.Hour), Source: SourceEvent})

	require.Empty(t, f.chain.Sent())
	require.Empty(t, f.records(t, subID))
	require.Zero(t, f.coordinator.InFlight())

	// Superseded entries get their own label, distinct from inactive
	// subscriptions.
	require.Equal(t, supersededBefore+1, droppedCount(t, "superseded"))
	require.Equal(t, inactiveBefore, droppedCount(t, "inactive"))
}

func TestTimeoutHoldsGateUntilReceiptResolves(t *testing.T) {
	dueAt := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, dueAt)
	subID := f.seedTokenSubscription(t, dueAt)

	// No receipt seeded: the submission stays unconfirmed.
	f.dispatchAndWait(Entry{SubscriptionID: subID, DueAt: dueAt, Source: SourceScan})

	records := f.records(t, subID)
	require.Len(t, records, 1)
	require.Equal(t, paymentdomain.OutcomePending, records[0].Outcome)
	require.NotNil(t, records[0].TxHash)

	sub, err := f.store.GetSubscription(context.Background(), subID)
	require.NoError(t, err)
	require.Equal(t, dueAt, sub.NextDueAt.UTC(), "schedule must not advance on an indeterminate outcome")
	require.Equal(t, 1, f.coordinator.InFlight(), "gate stays held while the receipt is unknown")

	// A later scan rediscovers the still-due subscription; the gate must
	// drop it rather than submit a second transfer.
	f.dispatchAndWait(Entry{SubscriptionID: subID, DueAt: dueAt, Source: SourceScan})
	require.Len(t, f.chain.Sent(), 1)

	// The receipt lands; the next resolve pass settles the payment.
	f.chain.SetReceipt(*records[0].TxHash, true)
	f.coordinator.ResolvePending(context.Background())

	sub, err = f.store.GetSubscription(context.Background(), subID)
	require.NoError(t, err)
	require.Equal(t, dueAt.Add(30*24*time.Hour), sub.NextDueAt.UTC())
	require.Zero(t, f.coordinator.InFlight())

	records = f.records(t, subID)
	require.Len(t, records, 2)
	require.Equal(t, paymentdomain.OutcomeSuccess, records[1].Outcome)
}

func TestResolvePendingRevertedWritesFailure(t *testing.T) {
	dueAt := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, dueAt)
	subID := f.seedTokenSubscription(t, dueAt)

	f.dispatchAndWait(Entry{SubscriptionID: subID, DueAt: dueAt, Source: SourceScan})
	records := f.records(t, subID)
	require.Len(t, records, 1)

	f.chain.SetReceipt(*records[0].TxHash, false)
	f.coordinator.ResolvePending(context.Background())

	sub, err := f.store.GetSubscription(context.Background(), subID)
	require.NoError(t, err)
	require.Equal(t, dueAt, sub.NextDueAt.UTC())
	require.Zero(t, f.coordinator.InFlight())

	records = f.records(t, subID)
	require.Len(t, records, 2)
	require.Equal(t, paymentdomain.OutcomeFailed, records[1].Outcome)
}

func TestResolvePendingAbandonsAfterThreshold(t *testing.T) {
	dueAt := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, dueAt)
	subID := f.seedTokenSubscription(t, dueAt)

	f.dispatchAndWait(Entry{SubscriptionID: subID, DueAt: dueAt, Source: SourceScan})
	require.Equal(t, 1, f.coordinator.InFlight())

	// Still within the threshold: nothing settles.
	f.clock.Advance(30 * time.Minute)
	f.coordinator.ResolvePending(context.Background())
	require.Equal(t, 1, f.coordinator.InFlight())

	f.clock.Advance(31 * time.Minute)
	f.coordinator.ResolvePending(context.Background())
	require.Zero(t, f.coordinator.InFlight())

	sub, err := f.store.GetSubscription(context.Background(), subID)
	require.NoError(t, err)
	require.Equal(t, dueAt, sub.NextDueAt.UTC())

	records := f.records(t, subID)
	require.Len(t, records, 2)
	require.Equal(t, paymentdomain.OutcomeFailed, records[1].Outcome)
	require.NotNil(t, records[1].ErrorDetail)
	require.Contains(t, *records[1].ErrorDetail, "abandoned")
}

func TestConcurrentEntriesChargeOnce(t *testing.T) {
	dueAt := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, dueAt)
	subID := f.seedTokenSubscription(t, dueAt)
	f.chain.SetReceipt("0xfake0001", true)

	// Scan and event discovery race for the same due payment.
	entry := Entry{SubscriptionID: subID, DueAt: dueAt, Source: SourceScan}
	for i := 0; i < 8; i++ {
		source := SourceScan
		if i%2 == 1 {
			source = SourceEvent
		}
		entry.Source = source
		f.coordinator.dispatch(context.Background(), entry)
	}
	f.coordinator.wg.Wait()

	require.Len(t, f.chain.Sent(), 1)

	var count int64
	require.NoError(t, f.db.Model(&paymentdomain.PaymentRecord{}).
		Where("subscription_id = ? AND outcome = ?", subID, paymentdomain.OutcomeSuccess).
		Count(&count).Error)
	require.EqualValues(t, 1, count)
	require.Zero(t, f.coordinator.InFlight())
}

func TestRecoverPendingAdoptsUnresolvedSubmissions(t *testing.T) {
	dueAt := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, dueAt)
	subID := f.seedTokenSubscription(t, dueAt)

	// A previous run submitted and crashed before confirmation.
	hash := "0xdeadbeef"
	require.NoError(t, f.store.AppendPaymentRecord(context.Background(), &paymentdomain.PaymentRecord{
		SubscriptionID: subID,
		PlanID:         "plan-pro",
		Outcome:        paymentdomain.OutcomePending,
		TxHash:         &hash,
		Amount:         decimal.NewFromInt(5),
		Token:          testToken,
		CreatedAt:      dueAt,
	}))

	require.NoError(t, f.coordinator.RecoverPending(context.Background()))
	require.Equal(t, 1, f.coordinator.InFlight())

	// The adopted submission blocks new dispatches until it settles.
	f.dispatchAndWait(Entry{SubscriptionID: subID, DueAt: dueAt, Source: SourceScan})
	require.Empty(t, f.chain.Sent())

	f.chain.SetReceipt(hash, true)
	f.coordinator.ResolvePending(context.Background())
	require.Zero(t, f.coordinator.InFlight())

	sub, err := f.store.GetSubscription(context.Background(), subID)
	require.NoError(t, err)
	require.Equal(t, dueAt.Add(30*24*time.Hour), sub.NextDueAt.UTC())
}

func TestRunProcessesEnqueuedEntriesAndDrainsOnCancel(t *testing.T) {
	dueAt := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, dueAt)
	subID := f.seedTokenSubscription(t, dueAt)
	f.chain.SetReceipt("0xfake0001", true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.coordinator.Run(ctx)
		close(done)
	}()

	f.coordinator.Enqueue(Entry{SubscriptionID: subID, DueAt: dueAt, Source: SourceScan})

	require.Eventually(t, func() bool {
		return len(f.records(t, subID)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("coordinator did not drain and stop on context cancel")
	}
	require.Zero(t, f.coordinator.InFlight())
}

func TestEnqueueDropsWhenQueueFull(t *testing.T) {
	f := newEngineFixture(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))

	// Nothing is draining the channel, so overflow must not block.
	for i := 0; i < cap(f.coordinator.entries)+10; i++ {
		f.coordinator.Enqueue(Entry{SubscriptionID: snowflake.ID(i + 1), Source: SourceScan})
	}
	require.Len(t, f.coordinator.entries, cap(f.coordinator.entries))
}
