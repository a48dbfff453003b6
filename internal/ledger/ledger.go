// Package ledger gives the engine its narrow read/write contract over
// plan, subscription, and payment-record state. The engine never touches
// tables outside this interface.
package ledger

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/paycadence/paycadence/internal/payment/domain"
	plandomain "github.com/paycadence/paycadence/internal/plan/domain"
	subscriptiondomain "github.com/paycadence/paycadence/internal/subscription/domain"
)

// Store is the ledger contract consumed by the payment engine.
type Store interface {
	// ListDueSubscriptions returns active subscriptions whose next due
	// time has elapsed, ordered oldest due first.
	ListDueSubscriptions(ctx context.Context, now time.Time, limit int) ([]subscriptiondomain.Subscription, error)

	GetSubscription(ctx context.Context, id snowflake.ID) (*subscriptiondomain.Subscription, error)

	FindSubscription(ctx context.Context, planID, subscriber string) (*subscriptiondomain.Subscription, error)

	GetPlan(ctx context.Context, planID string) (*plandomain.BillingPlan, error)

	// AdvanceSchedule moves next_due_at from prevDue to newNextDue and
	// stamps last_payment_at, atomically. It fails with ErrStaleSchedule
	// when another writer advanced the row first.
	AdvanceSchedule(ctx context.Context, id snowflake.ID, prevDue, newNextDue, paidAt time.Time) error

	// AppendPaymentRecord inserts one audit row. Records are append-only.
	AppendPaymentRecord(ctx context.Context, record *paymentdomain.PaymentRecord) error

	// DeactivateSubscription flips the active flag. Used only on explicit
	// cancellation, never on payment failure.
	DeactivateSubscription(ctx context.Context, id snowflake.ID, reason subscriptiondomain.DeactivationReason) error

	// EnsureSubscription inserts a subscription row observed from a chain
	// event when the external writer has not landed it yet. Existing rows
	// are left untouched.
	EnsureSubscription(ctx context.Context, planID, subscriber string, nextDue time.Time) (*subscriptiondomain.Subscription, error)

	// ListUnresolvedPending returns pending payment records that have no
	// later terminal record for the same transaction hash. Used to adopt
	// indeterminate submissions after a restart.
	ListUnresolvedPending(ctx context.Context) ([]paymentdomain.PaymentRecord, error)
}
