package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/costledger_backend/config"
	"github.com/mmdatafocus/costledger_backend/utils"
	"gorm.io/gorm"
)

// LedgerEventRecord is the transactional outbox. Rows are written inside the
// caller's DB transaction and published by the dispatcher after commit.
type LedgerEventRecord struct {
	ID               int                      `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	ProgramId        string                   `gorm:"size:64;not null;index" json:"program_id"`
	EventType        LedgerEventType          `gorm:"size:64;not null;index" json:"event_type"`
	ReferenceType    LedgerEventReferenceType `gorm:"size:32;not null" json:"reference_type"`
	ReferenceId      int                      `gorm:"not null;index" json:"reference_id"`
	Payload          []byte                   `gorm:"type:blob" json:"payload"`
	OccurredAt       time.Time                `gorm:"not null;index" json:"occurred_at"`
	PublishStatus    string                   `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time               `gorm:"index" json:"published_at"`
	PubSubMessageId  *string                  `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int                      `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time               `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time               `gorm:"index" json:"locked_at"`
	LockedBy         *string                  `gorm:"size:100" json:"locked_by"`
	LastPublishError *string                  `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string                   `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time                `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time                `gorm:"autoUpdateTime" json:"updated_at"`
}

// EnqueueLedgerEvent writes one outbox row through tx. It does not publish.
func EnqueueLedgerEvent(tx *gorm.DB, eventType LedgerEventType, refType LedgerEventReferenceType, refId int, payload interface{}) error {
	ctx := tx.Statement.Context
	programId, _ := utils.GetProgramIdFromContext(ctx)
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	record := LedgerEventRecord{
		ProgramId:     programId,
		EventType:     eventType,
		ReferenceType: refType,
		ReferenceId:   refId,
		Payload:       body,
		OccurredAt:    time.Now().UTC(),
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return tx.Create(&record).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

func ConvertToLedgerEventMessage(record LedgerEventRecord) config.LedgerEventMessage {
	return config.LedgerEventMessage{
		ID:            record.ID,
		ProgramId:     record.ProgramId,
		EventType:     string(record.EventType),
		OccurredAt:    record.OccurredAt,
		ReferenceId:   record.ReferenceId,
		ReferenceType: string(record.ReferenceType),
		Payload:       json.RawMessage(record.Payload),
		CorrelationId: record.CorrelationId,
	}
}
