// Package preflight decides GO or NO-GO for a due payment before any gas
// is spent. Every check exists to avoid submitting a transaction destined
// to revert.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/paycadence/paycadence/internal/chain"
	"github.com/paycadence/paycadence/internal/ledger"
	plandomain "github.com/paycadence/paycadence/internal/plan/domain"
	subscriptiondomain "github.com/paycadence/paycadence/internal/subscription/domain"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("preflight: missing dependency")

// Reason is the typed NO-GO classification. All reasons are recoverable by
// external action (top-up, re-approval, plan correction) and are never
// retried beyond the next natural scan.
type Reason string

const (
	ReasonPlanInactive          Reason = "plan_inactive"
	ReasonInvalidInterval       Reason = "invalid_interval"
	ReasonInsufficientBalance   Reason = "insufficient_balance"
	ReasonInsufficientAllowance Reason = "insufficient_allowance"
	ReasonInsufficientGas       Reason = "insufficient_gas"
)

// Decision is the preflight verdict. A NO-GO carries its reason and a
// human-readable detail for the audit trail.
type Decision struct {
	Go     bool
	Reason Reason
	Detail string
}

func noGo(reason Reason, detail string) Decision {
	return Decision{Reason: reason, Detail: detail}
}

type Validator struct {
	ledger ledger.Store
	chain  chain.Client
	log    *zap.Logger
}

func NewValidator(store ledger.Store, client chain.Client, log *zap.Logger) (*Validator, error) {
	if store == nil || client == nil || log == nil {
		return nil, ErrInvalidConfig
	}
	return &Validator{
		ledger: store,
		chain:  client,
		log:    log.Named("preflight"),
	}, nil
}

// Check runs the ordered preflight checks for one due subscription,
// short-circuiting on the first failure. The plan is re-fetched from the
// ledger rather than trusted from any cache. A non-nil error means an
// infrastructure failure, not a NO-GO; the attempt should abort cleanly
// and retry on a later tick.
func (v *Validator) Check(ctx context.Context, sub *subscriptiondomain.Subscription) (Decision, *plandomain.BillingPlan, error) {
	plan, err := v.ledger.GetPlan(ctx, sub.PlanID)
	if errors.Is(err, plandomain.ErrPlanNotFound) {
		return noGo(ReasonPlanInactive, fmt.Sprintf("plan %s not found", sub.PlanID)), nil, nil
	}
	if err != nil {
		return Decision{}, nil, fmt.Errorf("fetch plan: %w", err)
	}
	if !plan.Active {
		return noGo(ReasonPlanInactive, fmt.Sprintf("plan %s is deactivated", plan.ID)), plan, nil
	}

	// A plan whose schedule cannot advance must never be charged: the
	// transfer would succeed, the due date would stay in the past, and
	// every later scan would charge again.
	if _, err := plan.IntervalDuration(); err != nil {
		return noGo(ReasonInvalidInterval,
			fmt.Sprintf("plan %s interval %q is unschedulable", plan.ID, plan.Interval)), plan, nil
	}

	amount, err := chain.ToBaseUnits(plan.Amount, plan.TokenDecimals)
	if err != nil {
		return Decision{}, plan, fmt.Errorf("plan %s amount: %w", plan.ID, err)
	}

	if decision, err := v.checkBalance(ctx, plan, sub.Subscriber, amount); err != nil || !decision.Go {
		return decision, plan, err
	}

	if !plan.IsNative() {
		if decision, err := v.checkAllowance(ctx, plan, sub.Subscriber, amount); err != nil || !decision.Go {
			return decision, plan, err
		}
	}

	if decision, err := v.checkGas(ctx, plan, sub.Subscriber, amount); err != nil || !decision.Go {
		return decision, plan, err
	}

	return Decision{Go: true}, plan, nil
}

func (v *Validator) checkBalance(ctx context.Context, plan *plandomain.BillingPlan, subscriber string, amount *big.Int) (Decision, error) {
	var balance *big.Int
	var err error
	if plan.IsNative() {
		balance, err = v.chain.GetNativeBalance(ctx, subscriber)
	} else {
		balance, err = v.chain.GetTokenBalance(ctx, plan.Token, subscriber)
	}
	if err != nil {
		return Decision{}, fmt.Errorf("fetch balance: %w", err)
	}
	if balance.Cmp(amount) < 0 {
		return noGo(ReasonInsufficientBalance,
			fmt.Sprintf("balance %s < charge %s", balance, amount)), nil
	}
	return Decision{Go: true}, nil
}

func (v *Validator) checkAllowance(ctx context.Context, plan *plandomain.BillingPlan, subscriber string, amount *big.Int) (Decision, error) {
	allowance, err := v.chain.GetAllowance(ctx, plan.Token, subscriber, v.chain.FundingAddress())
	if err != nil {
		return Decision{}, fmt.Errorf("fetch allowance: %w", err)
	}
	if allowance.Cmp(amount) < 0 {
		return noGo(ReasonInsufficientAllowance,
			fmt.Sprintf("allowance %s < charge %s", allowance, amount)), nil
	}
	return Decision{Go: true}, nil
}

func (v *Validator) checkGas(ctx context.Context, plan *plandomain.BillingPlan, subscriber string, amount *big.Int) (Decision, error) {
	token := plan.Token
	if plan.IsNative() {
		token = ""
	}
	gas, err := v.chain.EstimateTransferGas(ctx, token, subscriber, plan.Recipient, amount)
	if err != nil {
		// Estimation failing usually means the transfer would revert;
		// treat it as NO-GO rather than burning gas to find out.
		return noGo(ReasonInsufficientGas, fmt.Sprintf("gas estimation failed: %v", err)), nil
	}

	fees, err := v.chain.GetFeeData(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("fetch fee data: %w", err)
	}

	cost := new(big.Int).Mul(new(big.Int).SetUint64(gas), fees.GasFeeCap)
	if plan.IsNative() {
		cost = cost.Add(cost, amount)
	}

	funding, err := v.chain.GetNativeBalance(ctx, v.chain.FundingAddress())
	if err != nil {
		return Decision{}, fmt.Errorf("fetch funding balance: %w", err)
	}
	if funding.Cmp(cost) < 0 {
		return noGo(ReasonInsufficientGas,
			fmt.Sprintf("funding balance %s < cost %s", funding, cost)), nil
	}
	return Decision{Go: true}, nil
}
