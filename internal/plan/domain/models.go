// Package domain contains persistence models for billing plans.
package domain

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

var (
	ErrPlanNotFound       = errors.New("billing plan not found")
	ErrInvalidInterval    = errors.New("invalid billing interval")
	ErrNonPositiveAmount  = errors.New("plan amount must be positive")
	ErrMalformedRecipient = errors.New("plan recipient is not a valid address")
)

const (
	IntervalMonthly = "monthly"
	IntervalYearly  = "yearly"
)

// BillingPlan is a recurring-charge template owned by a creator. Plans are
// soft-deleted (Active=false) so historical subscriptions stay resolvable.
type BillingPlan struct {
	ID            string            `gorm:"primaryKey;type:text"`
	Creator       string            `gorm:"type:text;not null;index"`
	Name          string            `gorm:"type:text;not null"`
	Amount        decimal.Decimal   `gorm:"type:numeric(38,18);not null"`
	Interval      string            `gorm:"type:text;not null"`
	Token         string            `gorm:"type:text;not null;default:''"`
	TokenDecimals int               `gorm:"not null;default:18"`
	Recipient     string            `gorm:"type:text;not null"`
	Active        bool              `gorm:"not null;default:true"`
	Metadata      datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillingPlan) TableName() string { return "billing_plans" }

// IsNative reports whether the plan charges the chain's native currency
// rather than a token contract.
func (p BillingPlan) IsNative() bool {
	token := strings.TrimSpace(p.Token)
	return token == "" || token == "0x0000000000000000000000000000000000000000"
}

// IntervalDuration resolves the plan's billing interval. Monthly means a
// fixed 30 days and yearly a fixed 365 days; anything else is parsed as
// raw seconds.
func (p BillingPlan) IntervalDuration() (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(p.Interval)) {
	case IntervalMonthly:
		return 30 * 24 * time.Hour, nil
	case IntervalYearly:
		return 365 * 24 * time.Hour, nil
	default:
		secs, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimSpace(p.Interval), "s"), 10, 64)
		if err != nil || secs <= 0 {
			return 0, ErrInvalidInterval
		}
		return time.Duration(secs) * time.Second, nil
	}
}
