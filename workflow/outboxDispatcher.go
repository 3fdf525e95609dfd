package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/costledger_backend/config"
	"github.com/mmdatafocus/costledger_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PublishFunc delivers one ledger event and returns the broker message id.
type PublishFunc func(ctx context.Context, msg config.LedgerEventMessage) (string, error)

// OutboxDispatcher publishes committed ledger events. Events of one
// reference (a ledger entry, a transaction) go out in id order: once one of
// them fails, the rest of that reference wait for the next round.
type OutboxDispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	DispatcherID string
	Publish      PublishFunc

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
}

func NewOutboxDispatcher(db *gorm.DB, logger *logrus.Logger) *OutboxDispatcher {
	return &OutboxDispatcher{
		DB:             db,
		Logger:         logger,
		DispatcherID:   "ledger-dispatcher-" + uuid.NewString(),
		Publish:        config.PublishLedgerEventWithResult,
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
	}
}

// Run polls until ctx is cancelled.
func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()
	for {
		if sent := d.DispatchOnce(ctx); sent > 0 && d.Logger != nil {
			d.Logger.WithFields(logrus.Fields{
				"field":      "OutboxDispatcher",
				"dispatcher": d.DispatcherID,
				"sent":       sent,
			}).Debug("ledger events published")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce claims one batch, publishes it and records the outcome.
// It returns the number of events published.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) int {
	if d.DB == nil || d.Publish == nil {
		return 0
	}
	ctx = withoutProgramScope(ctx)
	now := time.Now().UTC()

	claimed, err := d.claim(ctx, now)
	if err != nil {
		if d.Logger != nil {
			config.LogError(d.Logger, "OutboxDispatcher", "DispatchOnce", "claim batch", d.DispatcherID, err)
		}
		return 0
	}

	sent := 0
	held := make(map[string]bool)
	for _, rec := range claimed {
		key := eventOrderingKey(rec)
		if held[key] {
			// handed back untouched; the attempt was not used
			d.settle(ctx, rec.ID, map[string]interface{}{
				"publish_status":   models.OutboxPublishStatusPending,
				"publish_attempts": gorm.Expr("publish_attempts - 1"),
			})
			continue
		}
		msgId, pubErr := d.Publish(ctx, models.ConvertToLedgerEventMessage(rec))
		if pubErr != nil {
			held[key] = true
			d.recordFailure(ctx, rec, pubErr, now)
			continue
		}
		d.settle(ctx, rec.ID, map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusSent,
			"published_at":       now,
			"pub_sub_message_id": msgId,
		})
		sent++
	}
	return sent
}

// claim locks due events plus PROCESSING events whose claim went stale, and
// marks them PROCESSING under this dispatcher. Events that already used
// their attempt budget are buried instead of returned.
func (d *OutboxDispatcher) claim(ctx context.Context, now time.Time) ([]models.LedgerEventRecord, error) {
	var due []models.LedgerEventRecord
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.
			Where("(publish_status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)) OR (publish_status = ? AND locked_at <= ?)",
				[]string{models.OutboxPublishStatusPending, models.OutboxPublishStatusFailed}, now,
				models.OutboxPublishStatusProcessing, now.Add(-d.LockTimeout)).
			Order("id ASC").
			Limit(d.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Find(&due).Error
		if err != nil {
			return err
		}

		batchIds := make([]int, 0, len(due))
		for _, rec := range due {
			batchIds = append(batchIds, rec.ID)
		}
		claimed := due[:0]
		for _, rec := range due {
			waiting, err := hasEarlierUnsettled(tx, rec, batchIds)
			if err != nil {
				return err
			}
			if waiting {
				continue
			}
			if d.exhausted(rec.PublishAttempts) {
				reason := fmt.Sprintf("max publish attempts exceeded (%d)", d.MaxAttempts)
				if err := tx.Model(&models.LedgerEventRecord{}).Where("id = ?", rec.ID).
					Updates(deadUpdates(reason)).Error; err != nil {
					return err
				}
				continue
			}
			if err := tx.Model(&models.LedgerEventRecord{}).Where("id = ?", rec.ID).Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusProcessing,
				"locked_at":          now,
				"locked_by":          d.DispatcherID,
				"publish_attempts":   gorm.Expr("publish_attempts + 1"),
				"last_publish_error": nil,
				"next_attempt_at":    nil,
			}).Error; err != nil {
				return err
			}
			rec.PublishAttempts++
			claimed = append(claimed, rec)
		}
		due = claimed
		return nil
	})
	return due, err
}

// hasEarlierUnsettled reports whether an older event of rec's reference,
// outside the current batch, still waits to be published.
func hasEarlierUnsettled(tx *gorm.DB, rec models.LedgerEventRecord, batchIds []int) (bool, error) {
	var n int64
	err := tx.Model(&models.LedgerEventRecord{}).
		Where("program_id = ? AND reference_type = ? AND reference_id = ? AND id < ?",
			rec.ProgramId, rec.ReferenceType, rec.ReferenceId, rec.ID).
		Where("publish_status IN ?", []string{
			models.OutboxPublishStatusPending, models.OutboxPublishStatusProcessing, models.OutboxPublishStatusFailed,
		}).
		Where("id NOT IN ?", batchIds).
		Count(&n).Error
	return n > 0, err
}

func (d *OutboxDispatcher) recordFailure(ctx context.Context, rec models.LedgerEventRecord, pubErr error, now time.Time) {
	reason := pubErr.Error()
	fields := logrus.Fields{
		"field":      "OutboxDispatcher",
		"program_id": rec.ProgramId,
		"record_id":  rec.ID,
		"event_type": rec.EventType,
		"reference":  eventOrderingKey(rec),
		"attempt":    rec.PublishAttempts,
	}

	if d.exhausted(rec.PublishAttempts) {
		d.settle(ctx, rec.ID, deadUpdates(reason))
		if d.Logger != nil {
			d.Logger.WithFields(fields).Error("ledger event is DEAD after max attempts: " + reason)
		}
		return
	}

	next := now.Add(d.backoff(rec.PublishAttempts))
	d.settle(ctx, rec.ID, map[string]interface{}{
		"publish_status":     models.OutboxPublishStatusFailed,
		"last_publish_error": reason,
		"next_attempt_at":    next,
	})
	if d.Logger != nil {
		fields["next_attempt_at"] = next.Format(time.RFC3339)
		d.Logger.WithFields(fields).Warn("ledger event publish failed: " + reason)
	}
}

// settle writes the outcome of a claimed event and drops the claim.
func (d *OutboxDispatcher) settle(ctx context.Context, id int, updates map[string]interface{}) {
	updates["locked_at"] = nil
	updates["locked_by"] = nil
	err := d.DB.WithContext(ctx).Model(&models.LedgerEventRecord{}).
		Where("id = ? AND locked_by = ?", id, d.DispatcherID).
		Updates(updates).Error
	if err != nil && d.Logger != nil {
		config.LogError(d.Logger, "OutboxDispatcher", "settle", fmt.Sprintf("record %d", id), updates["publish_status"], err)
	}
}

func (d *OutboxDispatcher) exhausted(attempts int) bool {
	return d.MaxAttempts > 0 && attempts >= d.MaxAttempts
}

func deadUpdates(reason string) map[string]interface{} {
	return map[string]interface{}{
		"publish_status":     models.OutboxPublishStatusDead,
		"last_publish_error": reason,
		"next_attempt_at":    nil,
	}
}

// backoff doubles from InitialBackoff per attempt, capped at ten minutes.
func (d *OutboxDispatcher) backoff(attempt int) time.Duration {
	const ceiling = 10 * time.Minute
	wait := d.InitialBackoff
	for i := 1; i < attempt; i++ {
		if wait *= 2; wait >= ceiling {
			return ceiling
		}
	}
	return wait
}

func eventOrderingKey(rec models.LedgerEventRecord) string {
	return fmt.Sprintf("%s:%s:%d", rec.ProgramId, rec.ReferenceType, rec.ReferenceId)
}

// ReplayDeadEvents moves DEAD events of the current program back to PENDING
// with a fresh attempt budget. ids limits the replay when non-empty.
func ReplayDeadEvents(ctx context.Context, ids []int) (int64, error) {
	programId, err := requireProgramId(ctx)
	if err != nil {
		return 0, err
	}
	q := config.GetDB().WithContext(ctx).Model(&models.LedgerEventRecord{}).
		Where("program_id = ? AND publish_status = ?", programId, models.OutboxPublishStatusDead)
	if len(ids) > 0 {
		q = q.Where("id IN ?", ids)
	}
	res := q.Updates(map[string]interface{}{
		"publish_status":   models.OutboxPublishStatusPending,
		"publish_attempts": 0,
		"next_attempt_at":  nil,
	})
	return res.RowsAffected, res.Error
}
