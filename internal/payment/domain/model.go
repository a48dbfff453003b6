// Package domain contains the append-only payment audit trail.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Outcome classifies a payment attempt in the audit trail.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	// OutcomePending marks a submitted transaction that did not confirm
	// within the timeout budget. A terminal record follows once receipt
	// polling settles it.
	OutcomePending Outcome = "pending"
)

// PaymentRecord is one row of the append-only audit trail. Every terminal
// execution outcome writes exactly one record; rows are never updated.
type PaymentRecord struct {
	ID             snowflake.ID    `gorm:"primaryKey"`
	SubscriptionID snowflake.ID    `gorm:"not null;index"`
	PlanID         string          `gorm:"type:text;not null;index"`
	Outcome        Outcome         `gorm:"type:text;not null"`
	TxHash         *string         `gorm:"type:text;index"`
	Amount         decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	Token          string          `gorm:"type:text;not null;default:''"`
	ErrorDetail    *string         `gorm:"type:text"`
	CreatedAt      time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
}

// TableName sets the database table name.
func (PaymentRecord) TableName() string { return "payment_records" }
