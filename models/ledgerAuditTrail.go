package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mmdatafocus/costledger_backend/config"
	"github.com/mmdatafocus/costledger_backend/utils"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// LedgerAuditTrail is append-only: one row per ledger mutation.
type LedgerAuditTrail struct {
	ID                   int            `gorm:"primary_key" json:"id"`
	ProgramId            string         `gorm:"size:64;not null;index" json:"program_id"`
	LedgerEntryId        int            `gorm:"not null;index" json:"ledger_entry_id"`
	Action               AuditAction    `gorm:"size:32;not null;index" json:"action"`
	Source               AuditSource    `gorm:"size:32;not null" json:"source"`
	PreviousValues       datatypes.JSON `json:"previous_values"`
	NewValues            datatypes.JSON `json:"new_values"`
	RelatedLedgerEntryId *int           `gorm:"index" json:"related_ledger_entry_id"`
	SessionId            *int           `gorm:"index" json:"session_id"`
	Description          string         `gorm:"type:text" json:"description"`
	UserId               int            `gorm:"index" json:"user_id"`
	UserName             string         `gorm:"size:100" json:"user_name"`
	CorrelationId        string         `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt            time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

type AuditInput struct {
	LedgerEntryId        int
	Action               AuditAction
	Source               AuditSource
	PreviousValues       interface{}
	NewValues            interface{}
	RelatedLedgerEntryId *int
	SessionId            *int
	Description          string
}

var auditHook func(*LedgerAuditTrail) error

// SetAuditHook installs fn to run before each audit insert; a non-nil error
// aborts the insert. It returns a func restoring the previous hook.
func SetAuditHook(fn func(*LedgerAuditTrail) error) (restore func()) {
	prev := auditHook
	auditHook = fn
	return func() { auditHook = prev }
}

// RecordAudit appends one audit row through the caller's transaction.
// Program, user and correlation ids come from the context bound to tx.
// Any failure is an IntegrityError so the caller's transaction rolls back.
func RecordAudit(tx *gorm.DB, input AuditInput) (*LedgerAuditTrail, error) {
	if !input.Action.IsValid() || !input.Source.IsValid() {
		return nil, &IntegrityError{Op: "record audit", Err: errors.New("invalid audit action or source")}
	}
	ctx := tx.Statement.Context
	if ctx == nil {
		ctx = context.Background()
	}
	programId, ok := utils.GetProgramIdFromContext(ctx)
	if !ok || programId == "" {
		return nil, &IntegrityError{Op: "record audit", Err: errors.New("program id is required")}
	}
	userId, _ := utils.GetUserIdFromContext(ctx)
	userName, _ := utils.GetUserNameFromContext(ctx)
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)

	prev, err := marshalSnapshot(input.PreviousValues)
	if err != nil {
		return nil, &IntegrityError{Op: "record audit", Err: err}
	}
	next, err := marshalSnapshot(input.NewValues)
	if err != nil {
		return nil, &IntegrityError{Op: "record audit", Err: err}
	}

	row := LedgerAuditTrail{
		ProgramId:            programId,
		LedgerEntryId:        input.LedgerEntryId,
		Action:               input.Action,
		Source:               input.Source,
		PreviousValues:       prev,
		NewValues:            next,
		RelatedLedgerEntryId: input.RelatedLedgerEntryId,
		SessionId:            input.SessionId,
		Description:          input.Description,
		UserId:               userId,
		UserName:             userName,
		CorrelationId:        correlationId,
	}
	if auditHook != nil {
		if err := auditHook(&row); err != nil {
			return nil, &IntegrityError{Op: "record audit", Err: err}
		}
	}
	if err := tx.Create(&row).Error; err != nil {
		config.LogError(config.GetLogger(), "models", "RecordAudit", "tx.Create", input.LedgerEntryId, err)
		return nil, &IntegrityError{Op: "record audit", Err: err}
	}
	return &row, nil
}

func marshalSnapshot(v interface{}) (datatypes.JSON, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func GetAuditTrailForLedgerEntry(ctx context.Context, ledgerEntryId int) ([]*LedgerAuditTrail, error) {
	programId, ok := utils.GetProgramIdFromContext(ctx)
	if !ok || programId == "" {
		return nil, errors.New("program id is required")
	}
	var rows []*LedgerAuditTrail
	err := config.GetDB().WithContext(ctx).
		Where("program_id = ? AND ledger_entry_id = ?", programId, ledgerEntryId).
		Order("created_at DESC, id DESC").
		Find(&rows).Error
	return rows, err
}

func GetSessionAuditTrail(ctx context.Context, sessionId int) ([]*LedgerAuditTrail, error) {
	programId, ok := utils.GetProgramIdFromContext(ctx)
	if !ok || programId == "" {
		return nil, errors.New("program id is required")
	}
	if err := utils.ValidateResourceId[ImportSession](ctx, programId, sessionId); err != nil {
		return nil, err
	}
	var rows []*LedgerAuditTrail
	err := config.GetDB().WithContext(ctx).
		Where("program_id = ? AND session_id = ?", programId, sessionId).
		Order("created_at DESC, id DESC").
		Find(&rows).Error
	return rows, err
}

// GetBOEAuditTrail lists audit rows of every entry pushed from boeVersionId.
func GetBOEAuditTrail(ctx context.Context, boeVersionId string) ([]*LedgerAuditTrail, error) {
	programId, ok := utils.GetProgramIdFromContext(ctx)
	if !ok || programId == "" {
		return nil, errors.New("program id is required")
	}
	db := config.GetDB().WithContext(ctx)
	// deleted entries keep their trail
	entryIds := db.Unscoped().Model(&LedgerEntry{}).
		Select("id").
		Where("program_id = ? AND boe_version_id = ?", programId, boeVersionId)
	var rows []*LedgerAuditTrail
	err := db.Where("program_id = ? AND ledger_entry_id IN (?)", programId, entryIds).
		Order("created_at DESC, id DESC").
		Find(&rows).Error
	return rows, err
}

type AuditSummary struct {
	LedgerEntryId          int        `json:"ledger_entry_id"`
	TotalAuditEntries      int64      `json:"total_audit_entries"`
	LastModified           *time.Time `json:"last_modified"`
	CreatedFromBOE         bool       `json:"created_from_boe"`
	BoeVersionId           *string    `json:"boe_version_id"`
	BoeElementAllocationId *string    `json:"boe_element_allocation_id"`
}

func GetAuditSummary(ctx context.Context, ledgerEntryId int) (*AuditSummary, error) {
	programId, ok := utils.GetProgramIdFromContext(ctx)
	if !ok || programId == "" {
		return nil, errors.New("program id is required")
	}
	entry, err := utils.FetchModel[LedgerEntry](ctx, programId, ledgerEntryId)
	if err != nil {
		return nil, err
	}
	db := config.GetDB().WithContext(ctx)
	summary := AuditSummary{
		LedgerEntryId:          entry.ID,
		CreatedFromBOE:         entry.CreatedFromBOE,
		BoeVersionId:           entry.BoeVersionId,
		BoeElementAllocationId: entry.BoeElementAllocationId,
	}
	if err := db.Model(&LedgerAuditTrail{}).
		Where("program_id = ? AND ledger_entry_id = ?", programId, ledgerEntryId).
		Count(&summary.TotalAuditEntries).Error; err != nil {
		return nil, err
	}
	var last LedgerAuditTrail
	err = db.Where("program_id = ? AND ledger_entry_id = ?", programId, ledgerEntryId).
		Order("created_at DESC, id DESC").
		Take(&last).Error
	if err == nil {
		summary.LastModified = &last.CreatedAt
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return &summary, nil
}
