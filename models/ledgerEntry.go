package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/costledger_backend/config"
	"github.com/mmdatafocus/costledger_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerEntry is one planned cost line. Baseline, planned and actual
// values are nullable independently.
type LedgerEntry struct {
	ID                     int                 `gorm:"primary_key" json:"id"`
	ProgramId              string              `gorm:"size:64;not null;index;index:idx_ledger_allocation,priority:1" json:"program_id"`
	VendorName             string              `gorm:"size:255" json:"vendor_name"`
	ExpenseDescription     string              `gorm:"type:text" json:"expense_description"`
	WbsElementId           int                 `gorm:"not null;index:idx_ledger_allocation,priority:2" json:"wbs_element_id"`
	CostCategoryId         *int                `gorm:"index:idx_ledger_allocation,priority:3" json:"cost_category_id"`
	BaselineDate           *time.Time          `gorm:"type:date" json:"baseline_date"`
	BaselineAmount         decimal.NullDecimal `gorm:"type:decimal(20,4)" json:"baseline_amount"`
	PlannedDate            *time.Time          `gorm:"type:date;index" json:"planned_date"`
	PlannedAmount          decimal.NullDecimal `gorm:"type:decimal(20,4)" json:"planned_amount"`
	ActualDate             *time.Time          `gorm:"type:date" json:"actual_date"`
	ActualAmount           decimal.NullDecimal `gorm:"type:decimal(20,4)" json:"actual_amount"`
	Notes                  string              `gorm:"type:text" json:"notes"`
	InvoiceLinkText        string              `gorm:"size:255" json:"invoice_link_text"`
	InvoiceLinkUrl         string              `gorm:"size:1024" json:"invoice_link_url"`
	CreatedFromBOE         bool                `gorm:"column:created_from_boe;not null;default:false" json:"created_from_boe"`
	BoeElementAllocationId *string             `gorm:"size:64;index" json:"boe_element_allocation_id"`
	BoeVersionId           *string             `gorm:"size:64;index" json:"boe_version_id"`
	Version                int                 `gorm:"not null;default:1" json:"version"`
	CreatedAt              time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt              gorm.DeletedAt      `gorm:"index" json:"-"`
}

// LedgerEntrySnapshot is the value set copied into audit rows.
type LedgerEntrySnapshot struct {
	VendorName         string              `json:"vendor_name"`
	ExpenseDescription string              `json:"expense_description"`
	WbsElementId       int                 `json:"wbs_element_id"`
	CostCategoryId     *int                `json:"cost_category_id,omitempty"`
	BaselineDate       *string             `json:"baseline_date"`
	BaselineAmount     decimal.NullDecimal `json:"baseline_amount"`
	PlannedDate        *string             `json:"planned_date"`
	PlannedAmount      decimal.NullDecimal `json:"planned_amount"`
	ActualDate         *string             `json:"actual_date"`
	ActualAmount       decimal.NullDecimal `json:"actual_amount"`
	Notes              string              `json:"notes"`
}

func (e *LedgerEntry) Snapshot() LedgerEntrySnapshot {
	return LedgerEntrySnapshot{
		VendorName:         e.VendorName,
		ExpenseDescription: e.ExpenseDescription,
		WbsElementId:       e.WbsElementId,
		CostCategoryId:     e.CostCategoryId,
		BaselineDate:       formatDatePtr(e.BaselineDate),
		BaselineAmount:     e.BaselineAmount,
		PlannedDate:        formatDatePtr(e.PlannedDate),
		PlannedAmount:      e.PlannedAmount,
		ActualDate:         formatDatePtr(e.ActualDate),
		ActualAmount:       e.ActualAmount,
		Notes:              e.Notes,
	}
}

func (e *LedgerEntry) HasPlanned() bool {
	return e.PlannedAmount.Valid && e.PlannedDate != nil
}

func (e *LedgerEntry) HasActual() bool {
	return e.ActualAmount.Valid
}

// AllocationKey groups entries eligible for re-leveling together: the BOE
// allocation when present, otherwise WBS element plus cost category.
func (e *LedgerEntry) AllocationKey() string {
	if e.BoeElementAllocationId != nil && *e.BoeElementAllocationId != "" {
		return "boe:" + *e.BoeElementAllocationId
	}
	if e.CostCategoryId != nil {
		return fmt.Sprintf("wbs:%d:cc:%d", e.WbsElementId, *e.CostCategoryId)
	}
	return fmt.Sprintf("wbs:%d", e.WbsElementId)
}

// AppendNote adds line on its own line.
func (e *LedgerEntry) AppendNote(line string) {
	if strings.TrimSpace(e.Notes) == "" {
		e.Notes = line
		return
	}
	e.Notes = e.Notes + "\n" + line
}

type NewLedgerEntry struct {
	VendorName             string           `json:"vendor_name" validate:"max=255"`
	ExpenseDescription     string           `json:"expense_description"`
	WbsElementId           int              `json:"wbs_element_id" validate:"required,gt=0"`
	CostCategoryId         *int             `json:"cost_category_id" validate:"omitempty,gt=0"`
	BaselineDate           *time.Time       `json:"baseline_date"`
	BaselineAmount         *decimal.Decimal `json:"baseline_amount"`
	PlannedDate            *time.Time       `json:"planned_date"`
	PlannedAmount          *decimal.Decimal `json:"planned_amount"`
	Notes                  string           `json:"notes"`
	InvoiceLinkText        string           `json:"invoice_link_text" validate:"max=255"`
	InvoiceLinkUrl         string           `json:"invoice_link_url" validate:"omitempty,url"`
	BoeElementAllocationId *string          `json:"boe_element_allocation_id"`
	BoeVersionId           *string          `json:"boe_version_id"`
}

func (input *NewLedgerEntry) validate() error {
	if err := utils.ValidateStruct(input); err != nil {
		return ValidationFromStruct(err)
	}
	if input.PlannedAmount != nil && input.PlannedAmount.IsNegative() {
		return NewValidationError("planned_amount must not be negative")
	}
	if (input.PlannedAmount == nil) != (input.PlannedDate == nil) {
		return NewValidationError("planned_amount and planned_date must be provided together")
	}
	return nil
}

func (input *NewLedgerEntry) toModel(programId string) LedgerEntry {
	return LedgerEntry{
		ProgramId:              programId,
		VendorName:             strings.TrimSpace(input.VendorName),
		ExpenseDescription:     input.ExpenseDescription,
		WbsElementId:           input.WbsElementId,
		CostCategoryId:         input.CostCategoryId,
		BaselineDate:           TruncateDatePtr(input.BaselineDate),
		BaselineAmount:         nullDecimal(input.BaselineAmount),
		PlannedDate:            TruncateDatePtr(input.PlannedDate),
		PlannedAmount:          nullDecimal(input.PlannedAmount),
		Notes:                  input.Notes,
		InvoiceLinkText:        input.InvoiceLinkText,
		InvoiceLinkUrl:         input.InvoiceLinkUrl,
		BoeElementAllocationId: input.BoeElementAllocationId,
		BoeVersionId:           input.BoeVersionId,
		Version:                1,
	}
}

func CreateLedgerEntry(ctx context.Context, input *NewLedgerEntry) (*LedgerEntry, error) {
	programId, ok := utils.GetProgramIdFromContext(ctx)
	if !ok || programId == "" {
		return nil, errors.New("program id is required")
	}
	if err := input.validate(); err != nil {
		return nil, err
	}

	entry := input.toModel(programId)
	err := config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
		_, err := RecordAudit(tx, AuditInput{
			LedgerEntryId: entry.ID,
			Action:        AuditActionCreated,
			Source:        AuditSourceManual,
			NewValues:     entry.Snapshot(),
			Description:   "Ledger entry created",
		})
		if err != nil {
			return err
		}
		return enqueueEntryChanged(tx, &entry, AuditActionCreated)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

type UpdateLedgerEntryInput struct {
	Version            int              `json:"version" validate:"required,gt=0"`
	VendorName         *string          `json:"vendor_name" validate:"omitempty,max=255"`
	ExpenseDescription *string          `json:"expense_description"`
	PlannedDate        *time.Time       `json:"planned_date"`
	PlannedAmount      *decimal.Decimal `json:"planned_amount"`
	BaselineDate       *time.Time       `json:"baseline_date"`
	BaselineAmount     *decimal.Decimal `json:"baseline_amount"`
	Notes              *string          `json:"notes"`
	InvoiceLinkText    *string          `json:"invoice_link_text"`
	InvoiceLinkUrl     *string          `json:"invoice_link_url" validate:"omitempty,url"`
}

// UpdateLedgerEntry applies a manual cell edit. The caller's version must
// match the stored one.
func UpdateLedgerEntry(ctx context.Context, id int, input *UpdateLedgerEntryInput) (*LedgerEntry, error) {
	programId, ok := utils.GetProgramIdFromContext(ctx)
	if !ok || programId == "" {
		return nil, errors.New("program id is required")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, ValidationFromStruct(err)
	}
	if input.PlannedAmount != nil && input.PlannedAmount.IsNegative() {
		return nil, NewValidationError("planned_amount must not be negative")
	}

	var entry *LedgerEntry
	err := config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		entry, err = LockLedgerEntry(tx, programId, id)
		if err != nil {
			return err
		}
		if entry.Version != input.Version {
			return &ConflictError{Resource: "ledger entry", Id: id}
		}
		before := entry.Snapshot()
		updates := map[string]interface{}{}
		if input.VendorName != nil {
			entry.VendorName = strings.TrimSpace(*input.VendorName)
			updates["vendor_name"] = entry.VendorName
		}
		if input.ExpenseDescription != nil {
			entry.ExpenseDescription = *input.ExpenseDescription
			updates["expense_description"] = entry.ExpenseDescription
		}
		if input.PlannedDate != nil {
			entry.PlannedDate = TruncateDatePtr(input.PlannedDate)
			updates["planned_date"] = entry.PlannedDate
		}
		if input.PlannedAmount != nil {
			entry.PlannedAmount = nullDecimal(input.PlannedAmount)
			updates["planned_amount"] = entry.PlannedAmount
		}
		if input.BaselineDate != nil {
			entry.BaselineDate = TruncateDatePtr(input.BaselineDate)
			updates["baseline_date"] = entry.BaselineDate
		}
		if input.BaselineAmount != nil {
			entry.BaselineAmount = nullDecimal(input.BaselineAmount)
			updates["baseline_amount"] = entry.BaselineAmount
		}
		if input.Notes != nil {
			entry.Notes = *input.Notes
			updates["notes"] = entry.Notes
		}
		if input.InvoiceLinkText != nil {
			entry.InvoiceLinkText = *input.InvoiceLinkText
			updates["invoice_link_text"] = entry.InvoiceLinkText
		}
		if input.InvoiceLinkUrl != nil {
			entry.InvoiceLinkUrl = *input.InvoiceLinkUrl
			updates["invoice_link_url"] = entry.InvoiceLinkUrl
		}
		if len(updates) == 0 {
			return nil
		}
		if err := SaveLedgerEntryVersioned(tx, entry, updates); err != nil {
			return err
		}
		_, err = RecordAudit(tx, AuditInput{
			LedgerEntryId:  entry.ID,
			Action:         AuditActionUpdated,
			Source:         AuditSourceManual,
			PreviousValues: before,
			NewValues:      entry.Snapshot(),
			Description:    "Ledger entry edited",
		})
		if err != nil {
			return err
		}
		return enqueueEntryChanged(tx, entry, AuditActionUpdated)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// DeleteLedgerEntry soft-deletes an entry that no transaction or open
// candidate references. The row stays behind its audit rows, rejected pairs
// and split lineage; reads and matching no longer see it.
func DeleteLedgerEntry(ctx context.Context, id int) (*LedgerEntry, error) {
	programId, ok := utils.GetProgramIdFromContext(ctx)
	if !ok || programId == "" {
		return nil, errors.New("program id is required")
	}

	var entry *LedgerEntry
	err := config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		entry, err = LockLedgerEntry(tx, programId, id)
		if err != nil {
			return err
		}
		var refs int64
		if err := tx.Model(&PotentialMatch{}).
			Where("program_id = ? AND ledger_entry_id = ? AND status IN ?", programId, id,
				[]PotentialMatchStatus{PotentialMatchStatusPotential, PotentialMatchStatusConfirmed}).
			Count(&refs).Error; err != nil {
			return err
		}
		if refs > 0 {
			return NewValidationError("ledger entry is referenced by match candidates")
		}
		if err := tx.Model(&ActualsTransaction{}).
			Where("program_id = ? AND matched_ledger_entry_id = ?", programId, id).
			Count(&refs).Error; err != nil {
			return err
		}
		if refs > 0 {
			return NewValidationError("ledger entry is matched to an uploaded transaction")
		}
		res := tx.Where("id = ? AND program_id = ? AND version = ?", entry.ID, programId, entry.Version).Delete(&LedgerEntry{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &ConflictError{Resource: "ledger entry", Id: id}
		}
		_, err = RecordAudit(tx, AuditInput{
			LedgerEntryId:  entry.ID,
			Action:         AuditActionDeleted,
			Source:         AuditSourceManual,
			PreviousValues: entry.Snapshot(),
			Description:    "Ledger entry deleted",
		})
		if err != nil {
			return err
		}
		return enqueueEntryChanged(tx, entry, AuditActionDeleted)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func GetLedgerEntry(ctx context.Context, id int) (*LedgerEntry, error) {
	programId, ok := utils.GetProgramIdFromContext(ctx)
	if !ok || programId == "" {
		return nil, errors.New("program id is required")
	}
	return utils.FetchModel[LedgerEntry](ctx, programId, id)
}

// GetLedgerEntriesByIds returns the program's entries among ids, in no
// particular order.
func GetLedgerEntriesByIds(ctx context.Context, db *gorm.DB, programId string, ids []int) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	if len(ids) == 0 {
		return entries, nil
	}
	err := db.WithContext(ctx).Where("program_id = ? AND id IN ?", programId, ids).Find(&entries).Error
	return entries, err
}

type NewBOEPush struct {
	BoeVersionId string           `json:"boe_version_id" validate:"required"`
	Entries      []NewLedgerEntry `json:"entries" validate:"required,min=1,dive"`
}

// PushLedgerEntriesFromBOE creates entries from a basis-of-estimate
// allocation. Each entry carries the BOE version and gets its own audit row.
func PushLedgerEntriesFromBOE(ctx context.Context, input *NewBOEPush) ([]*LedgerEntry, error) {
	programId, ok := utils.GetProgramIdFromContext(ctx)
	if !ok || programId == "" {
		return nil, errors.New("program id is required")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, ValidationFromStruct(err)
	}
	for i := range input.Entries {
		if err := input.Entries[i].validate(); err != nil {
			return nil, err
		}
	}

	created := make([]*LedgerEntry, 0, len(input.Entries))
	err := config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range input.Entries {
			entry := input.Entries[i].toModel(programId)
			entry.CreatedFromBOE = true
			versionId := input.BoeVersionId
			entry.BoeVersionId = &versionId
			if !entry.BaselineAmount.Valid && entry.PlannedAmount.Valid {
				entry.BaselineAmount = entry.PlannedAmount
				entry.BaselineDate = entry.PlannedDate
			}
			if err := tx.Create(&entry).Error; err != nil {
				return err
			}
			if _, err := RecordAudit(tx, AuditInput{
				LedgerEntryId: entry.ID,
				Action:        AuditActionPushedFromBOE,
				Source:        AuditSourceBOEPush,
				NewValues:     entry.Snapshot(),
				Description:   fmt.Sprintf("Pushed from BOE version %s", input.BoeVersionId),
			}); err != nil {
				return err
			}
			if err := enqueueEntryChanged(tx, &entry, AuditActionPushedFromBOE); err != nil {
				return err
			}
			created = append(created, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

type entryChangedPayload struct {
	LedgerEntryId int         `json:"ledger_entry_id"`
	Action        AuditAction `json:"action"`
	Version       int         `json:"version"`
}

func enqueueEntryChanged(tx *gorm.DB, entry *LedgerEntry, action AuditAction) error {
	return EnqueueLedgerEvent(tx, LedgerEventEntryChanged, LedgerEventRefLedgerEntry, entry.ID, entryChangedPayload{
		LedgerEntryId: entry.ID,
		Action:        action,
		Version:       entry.Version,
	})
}

// LockLedgerEntry reads an entry inside tx with a row lock. A missing entry
// is a stale reference.
func LockLedgerEntry(tx *gorm.DB, programId string, id int) (*LedgerEntry, error) {
	var entry LedgerEntry
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("program_id = ? AND id = ?", programId, id).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, staleEntry(id, "ledger entry no longer exists")
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// SaveLedgerEntryVersioned writes updates only if the stored version still
// equals entry.Version, then bumps it. Zero rows affected is a conflict.
func SaveLedgerEntryVersioned(tx *gorm.DB, entry *LedgerEntry, updates map[string]interface{}) error {
	updates["version"] = entry.Version + 1
	res := tx.Model(&LedgerEntry{}).
		Where("id = ? AND program_id = ? AND version = ?", entry.ID, entry.ProgramId, entry.Version).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &ConflictError{Resource: "ledger entry", Id: entry.ID}
	}
	entry.Version++
	return nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func NewNullDecimal(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// TruncateDate drops the clock part; ledger dates are calendar days in UTC.
func TruncateDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TruncateDatePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := TruncateDate(*t)
	return &v
}

func SameDay(a, b time.Time) bool {
	return TruncateDate(a).Equal(TruncateDate(b))
}

func formatDatePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format("2006-01-02")
	return &s
}
