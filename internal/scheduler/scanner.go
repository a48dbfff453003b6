package scheduler

import (
	"context"
	"time"

	"github.com/paycadence/paycadence/internal/clock"
	"github.com/paycadence/paycadence/internal/ledger"
	obsmetrics "github.com/paycadence/paycadence/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// scanBatchSize bounds one tick's due query. Anything beyond the batch
// is still due and picked up by the next tick.
const scanBatchSize = 500

type ScannerParams struct {
	fx.In

	Ledger      ledger.Store
	Coordinator *Coordinator
	Clock       clock.Clock
	Log         *zap.Logger
	Config      Config `optional:"true"`
}

// Scanner is the poll-based discovery path and the engine's backstop: it
// periodically queries the ledger for due subscriptions and feeds them to
// the coordinator. Anything the event trigger misses, the scanner finds
// within one interval.
type Scanner struct {
	ledger      ledger.Store
	coordinator *Coordinator
	clock       clock.Clock
	log         *zap.Logger
	interval    time.Duration
}

func NewScanner(p ScannerParams) (*Scanner, error) {
	if p.Ledger == nil || p.Coordinator == nil || p.Clock == nil || p.Log == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Scanner{
		ledger:      p.Ledger,
		coordinator: p.Coordinator,
		clock:       p.Clock,
		log:         p.Log.Named("scheduler").With(zap.String("component", "scanner")),
		interval:    cfg.ScanInterval,
	}, nil
}

// Run ticks until the context is canceled. The first tick fires
// immediately so a restart does not wait a full interval to catch up.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scan pass: settle pending receipts first, then sweep for
// due subscriptions.
func (s *Scanner) Tick(ctx context.Context) {
	metrics := obsmetrics.Engine()
	metrics.IncScanRun()
	started := s.clock.Now()

	s.coordinator.ResolvePending(ctx)

	due, err := s.ledger.ListDueSubscriptions(ctx, s.clock.Now(), scanBatchSize)
	if err != nil {
		metrics.IncScanError()
		s.log.Error("due subscription scan failed", zap.Error(err))
		return
	}

	enqueued := 0
	for _, sub := range due {
		if ctx.Err() != nil {
			break
		}
		s.coordinator.Enqueue(Entry{
			SubscriptionID: sub.ID,
			DueAt:          sub.NextDueAt,
			Source:         SourceScan,
		})
		enqueued++
	}

	metrics.ObserveScanDuration(s.clock.Now().Sub(started))
	if enqueued > 0 {
		s.log.Info("scan tick complete",
			zap.Int("due", len(due)),
			zap.Int("enqueued", enqueued),
		)
	}
}
