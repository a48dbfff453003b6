package scheduler

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Source tags how a schedule entry was discovered. Both sources funnel
// through the same dispatch gate; the tag is carried for logging and
// metrics only.
type Source string

const (
	SourceScan     Source = "scan"
	SourceEvent    Source = "event"
	SourceRecovery Source = "recovery"
)

// Entry is one ephemeral work item: a subscription believed due. Entries
// are never persisted; a dropped entry is always rediscovered by a later
// scan tick.
type Entry struct {
	SubscriptionID snowflake.ID
	DueAt          time.Time
	Source         Source
}
