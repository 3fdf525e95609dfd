package models

// Publish states of LedgerEventRecord.PublishStatus, stored as strings.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

type LedgerEventType string

const (
	LedgerEventMatchConfirmed    LedgerEventType = "transaction.match_confirmed"
	LedgerEventMatchRemoved      LedgerEventType = "transaction.match_removed"
	LedgerEventDuplicateResolved LedgerEventType = "transaction.duplicate_resolved"
	LedgerEventAddedToLedger     LedgerEventType = "transaction.added_to_ledger"
	LedgerEventAdjustmentApplied LedgerEventType = "ledger.adjustment_applied"
	LedgerEventEntryChanged      LedgerEventType = "ledger.entry_changed"
	LedgerEventSessionImported   LedgerEventType = "import_session.completed"
)

type LedgerEventReferenceType string

const (
	LedgerEventRefLedgerEntry   LedgerEventReferenceType = "ledger_entry"
	LedgerEventRefTransaction   LedgerEventReferenceType = "actuals_transaction"
	LedgerEventRefImportSession LedgerEventReferenceType = "import_session"
)
