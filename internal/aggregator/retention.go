package aggregator

import (
	"context"
	"time"

	"github.com/metergate/metergate/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	defaultRetentionInterval = 6 * time.Hour
	defaultDeleteBatchSize   = 5000
	maxDeleteBatchesPerRun   = 2000
)

// RetentionSweeper periodically deletes old rows from the usage_events table.
//
// Aggregates are untouched: summed buckets remain exact after the raw events
// backing them age out.
type RetentionSweeper struct {
	db        *gorm.DB
	interval  time.Duration
	batchSize int
}

// NewRetentionSweeper constructs a retention sweeper.
func NewRetentionSweeper(db *gorm.DB) *RetentionSweeper {
	if db == nil {
		return nil
	}
	return &RetentionSweeper{
		db:        db,
		interval:  defaultRetentionInterval,
		batchSize: defaultDeleteBatchSize,
	}
}

// Start launches the cleanup loop in a background goroutine.
func (s *RetentionSweeper) Start(ctx context.Context) {
	if s == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go s.run(ctx)
	log.Infof("usage retention sweeper started (interval=%s)", s.interval)
}

func (s *RetentionSweeper) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		s.sweepOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		timer := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

func (s *RetentionSweeper) sweepOnce(ctx context.Context) {
	if s == nil || s.db == nil {
		return
	}

	retentionDays := settings.IntValue(settings.UsageRetentionDaysKey, settings.DefaultUsageRetentionDays)
	if retentionDays <= 0 {
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	deletedTotal := int64(0)
	for i := 0; i < maxDeleteBatchesPerRun; i++ {
		if ctx.Err() != nil {
			return
		}
		n, err := s.deleteBatch(ctx, cutoff)
		if err != nil {
			log.WithError(err).Warn("usage retention sweeper: delete batch failed")
			break
		}
		if n <= 0 {
			break
		}
		deletedTotal += n
	}

	if deletedTotal > 0 {
		log.Infof("usage retention sweeper: deleted %d rows (cutoff=%s retention_days=%d)", deletedTotal, cutoff.Format(time.RFC3339), retentionDays)
	}
}

func (s *RetentionSweeper) deleteBatch(ctx context.Context, cutoff time.Time) (int64, error) {
	limit := s.batchSize
	if limit <= 0 {
		limit = defaultDeleteBatchSize
	}

	// Use a limited subquery to avoid long-running transactions and table locks.
	res := s.db.WithContext(ctx).Exec(`
		DELETE FROM usage_events
		WHERE id IN (
			SELECT id FROM usage_events
			WHERE requested_at < ?
			ORDER BY requested_at ASC
			LIMIT ?
		)
	`, cutoff, limit)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
