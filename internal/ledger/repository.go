package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/paycadence/paycadence/internal/payment/domain"
	plandomain "github.com/paycadence/paycadence/internal/plan/domain"
	subscriptiondomain "github.com/paycadence/paycadence/internal/subscription/domain"
	"gorm.io/gorm"
)

type gormStore struct {
	db    *gorm.DB
	genID *snowflake.Node
}

// NewStore builds the gorm-backed ledger store.
func NewStore(db *gorm.DB, genID *snowflake.Node) (Store, error) {
	if db == nil || genID == nil {
		return nil, errors.New("ledger store requires db and id node")
	}
	return &gormStore{db: db, genID: genID}, nil
}

func (s *gormStore) ListDueSubscriptions(ctx context.Context, now time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	var subs []subscriptiondomain.Subscription
	q := s.db.WithContext(ctx).
		Where("active = ? AND next_due_at <= ?", true, now).
		Order("next_due_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("list due subscriptions: %w", err)
	}
	return subs, nil
}

func (s *gormStore) GetSubscription(ctx context.Context, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).First(&sub, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *gormStore) FindSubscription(ctx context.Context, planID, subscriber string) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).
		First(&sub, "plan_id = ? AND subscriber = ?", planID, subscriber).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *gormStore) GetPlan(ctx context.Context, planID string) (*plandomain.BillingPlan, error) {
	var plan plandomain.BillingPlan
	err := s.db.WithContext(ctx).First(&plan, "id = ?", planID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, plandomain.ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (s *gormStore) AdvanceSchedule(ctx context.Context, id snowflake.ID, prevDue, newNextDue, paidAt time.Time) error {
	if newNextDue.Before(prevDue) {
		return subscriptiondomain.ErrStaleSchedule
	}
	result := s.db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET next_due_at = ?, last_payment_at = ?, updated_at = ?
		 WHERE id = ? AND next_due_at = ?`,
		newNextDue,
		paidAt,
		paidAt,
		id,
		prevDue,
	)
	if result.Error != nil {
		return fmt.Errorf("advance schedule: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return subscriptiondomain.ErrStaleSchedule
	}
	return nil
}

func (s *gormStore) AppendPaymentRecord(ctx context.Context, record *paymentdomain.PaymentRecord) error {
	if record.ID == 0 {
		record.ID = s.genID.Generate()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("append payment record: %w", err)
	}
	return nil
}

func (s *gormStore) DeactivateSubscription(ctx context.Context, id snowflake.ID, reason subscriptiondomain.DeactivationReason) error {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET active = ?, deactivated_at = COALESCE(deactivated_at, ?),
		     deactivation_cause = ?, updated_at = ?
		 WHERE id = ? AND active = ?`,
		false,
		now,
		reason,
		now,
		id,
		true,
	)
	if result.Error != nil {
		return fmt.Errorf("deactivate subscription: %w", result.Error)
	}
	return nil
}

func (s *gormStore) EnsureSubscription(ctx context.Context, planID, subscriber string, nextDue time.Time) (*subscriptiondomain.Subscription, error) {
	existing, err := s.FindSubscription(ctx, planID, subscriber)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		return nil, err
	}

	sub := &subscriptiondomain.Subscription{
		ID:         s.genID.Generate(),
		PlanID:     planID,
		Subscriber: subscriber,
		Active:     true,
		NextDueAt:  nextDue.UTC(),
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	err = s.db.WithContext(ctx).Create(sub).Error
	if err == nil {
		return sub, nil
	}
	// Lost the insert race to the external writer; read their row.
	if existing, findErr := s.FindSubscription(ctx, planID, subscriber); findErr == nil {
		return existing, nil
	}
	return nil, fmt.Errorf("ensure subscription: %w", err)
}

func (s *gormStore) ListUnresolvedPending(ctx context.Context) ([]paymentdomain.PaymentRecord, error) {
	var records []paymentdomain.PaymentRecord
	err := s.db.WithContext(ctx).Raw(
		`SELECT p.* FROM payment_records p
		 WHERE p.outcome = ?
		   AND p.tx_hash IS NOT NULL
		   AND NOT EXISTS (
			   SELECT 1 FROM payment_records t
			   WHERE t.tx_hash = p.tx_hash
			     AND t.outcome IN (?, ?)
		   )
		 ORDER BY p.created_at ASC`,
		paymentdomain.OutcomePending,
		paymentdomain.OutcomeSuccess,
		paymentdomain.OutcomeFailed,
	).Scan(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list unresolved pending: %w", err)
	}
	return records, nil
}
