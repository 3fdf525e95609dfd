package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mmdatafocus/costledger_backend/config"
	"github.com/mmdatafocus/costledger_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ActualsTransaction is one uploaded actuals row.
type ActualsTransaction struct {
	ID                   int                 `gorm:"primary_key" json:"id"`
	ProgramId            string              `gorm:"size:64;not null;index;index:idx_actuals_vendor_amount,priority:1" json:"program_id"`
	ImportSessionId      int                 `gorm:"not null;index" json:"import_session_id"`
	VendorName           string              `gorm:"size:255;not null;index:idx_actuals_vendor_amount,priority:2" json:"vendor_name"`
	Description          string              `gorm:"type:text" json:"description"`
	Amount               decimal.Decimal     `gorm:"type:decimal(20,4);not null;index:idx_actuals_vendor_amount,priority:3" json:"amount"`
	TransactionDate      time.Time           `gorm:"type:date;not null" json:"transaction_date"`
	InvoiceNumber        string              `gorm:"size:100" json:"invoice_number"`
	ReferenceNumber      string              `gorm:"size:100" json:"reference_number"`
	Category             string              `gorm:"size:100" json:"category"`
	Status               TransactionStatus   `gorm:"size:32;not null;index" json:"status"`
	DuplicateType        DuplicateType       `gorm:"size:32;not null;default:'none'" json:"duplicate_type"`
	DuplicateOfId        *int                `gorm:"index" json:"duplicate_of_id"`
	MatchedLedgerEntryId *int                `gorm:"index" json:"matched_ledger_entry_id"`
	MatchConfidence      decimal.NullDecimal `gorm:"type:decimal(6,4)" json:"match_confidence"`
	Version              int                 `gorm:"not null;default:1" json:"version"`
	CreatedAt            time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

type ActualsTransactionSnapshot struct {
	Status               TransactionStatus `json:"status"`
	DuplicateType        DuplicateType     `json:"duplicate_type"`
	MatchedLedgerEntryId *int              `json:"matched_ledger_entry_id"`
}

func (t *ActualsTransaction) Snapshot() ActualsTransactionSnapshot {
	return ActualsTransactionSnapshot{
		Status:               t.Status,
		DuplicateType:        t.DuplicateType,
		MatchedLedgerEntryId: t.MatchedLedgerEntryId,
	}
}

// NormalizedVendor is the comparison key used by duplicate detection.
func (t *ActualsTransaction) NormalizedVendor() string {
	return strings.ToLower(strings.Join(strings.Fields(t.VendorName), " "))
}

func GetActualsTransaction(ctx context.Context, id int) (*ActualsTransaction, error) {
	programId, ok := utils.GetProgramIdFromContext(ctx)
	if !ok || programId == "" {
		return nil, errors.New("program id is required")
	}
	return utils.FetchModel[ActualsTransaction](ctx, programId, id)
}

func GetImportSessionTransactions(ctx context.Context, sessionId int) ([]*ActualsTransaction, error) {
	programId, ok := utils.GetProgramIdFromContext(ctx)
	if !ok || programId == "" {
		return nil, errors.New("program id is required")
	}
	var results []*ActualsTransaction
	err := config.GetDB().WithContext(ctx).
		Where("program_id = ? AND import_session_id = ?", programId, sessionId).
		Order("id ASC").
		Find(&results).Error
	return results, err
}

// LockActualsTransaction reads a transaction inside tx with a row lock.
func LockActualsTransaction(tx *gorm.DB, programId string, id int) (*ActualsTransaction, error) {
	var txn ActualsTransaction
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("program_id = ? AND id = ?", programId, id).
		Take(&txn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, staleTransaction(id, "transaction no longer exists")
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// LockMutableTransaction is LockActualsTransaction plus the terminal-state check
// every matching operation needs.
func LockMutableTransaction(tx *gorm.DB, programId string, id int) (*ActualsTransaction, error) {
	txn, err := LockActualsTransaction(tx, programId, id)
	if err != nil {
		return nil, err
	}
	if txn.Status.IsTerminal() {
		return nil, staleTransaction(id, "transaction is "+string(txn.Status))
	}
	return txn, nil
}

// SaveActualsTransactionVersioned mirrors SaveLedgerEntryVersioned.
func SaveActualsTransactionVersioned(tx *gorm.DB, txn *ActualsTransaction, updates map[string]interface{}) error {
	updates["version"] = txn.Version + 1
	res := tx.Model(&ActualsTransaction{}).
		Where("id = ? AND program_id = ? AND version = ?", txn.ID, txn.ProgramId, txn.Version).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &ConflictError{Resource: "transaction", Id: txn.ID}
	}
	txn.Version++
	return nil
}
