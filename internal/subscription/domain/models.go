// Package domain contains persistence models for subscriptions.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrStaleSchedule        = errors.New("subscription schedule advanced concurrently")
)

// DeactivationReason explains why a subscription was switched off.
type DeactivationReason string

const DeactivationReasonCanceled DeactivationReason = "canceled"

// Subscription is a subscriber's standing authorization against one plan.
// At most one active subscription exists per (plan, subscriber) pair; the
// engine only ever advances the schedule or deactivates, never deletes.
type Subscription struct {
	ID                snowflake.ID        `gorm:"primaryKey"`
	PlanID            string              `gorm:"type:text;not null;uniqueIndex:idx_plan_subscriber"`
	Subscriber        string              `gorm:"type:text;not null;uniqueIndex:idx_plan_subscriber"`
	Active            bool                `gorm:"not null;default:true;index"`
	NextDueAt         time.Time           `gorm:"not null;index"`
	LastPaymentAt     *time.Time          `gorm:""`
	DeactivatedAt     *time.Time          `gorm:""`
	DeactivationCause *DeactivationReason `gorm:"type:text"`
	Metadata          datatypes.JSONMap   `gorm:"type:jsonb"`
	CreatedAt         time.Time           `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time           `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }
