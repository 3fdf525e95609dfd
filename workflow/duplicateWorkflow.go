package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mmdatafocus/costledger_backend/config"
	"github.com/mmdatafocus/costledger_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DuplicateCandidate is the part of a transaction duplicate detection looks at.
type DuplicateCandidate struct {
	Id            int
	VendorName    string
	Amount        decimal.Decimal
	Date          time.Time
	InvoiceNumber string
	Description   string
	Status        models.TransactionStatus
}

type DuplicateClassification struct {
	Type          models.DuplicateType `json:"duplicate_type"`
	DuplicateOfId *int                 `json:"duplicate_of_id"`
}

func duplicateCandidate(t *models.ActualsTransaction) DuplicateCandidate {
	return DuplicateCandidate{
		Id:            t.ID,
		VendorName:    t.VendorName,
		Amount:        t.Amount,
		Date:          t.TransactionDate,
		InvoiceNumber: t.InvoiceNumber,
		Description:   t.Description,
		Status:        t.Status,
	}
}

func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// ClassifyDuplicate compares txn with earlier transactions of the program.
// Priors in status replaced are ignored. The reported prior is always the
// most recent one (highest id) of the deciding group.
func ClassifyDuplicate(txn DuplicateCandidate, priors []DuplicateCandidate) DuplicateClassification {
	vendor := normalizeText(txn.VendorName)
	invoice := strings.TrimSpace(txn.InvoiceNumber)

	var exact, noInvoice, differing []DuplicateCandidate
	for _, p := range priors {
		if p.Id == txn.Id || p.Status == models.TransactionStatusReplaced {
			continue
		}
		if normalizeText(p.VendorName) != vendor || !p.Amount.Equal(txn.Amount) {
			continue
		}
		pInvoice := strings.TrimSpace(p.InvoiceNumber)
		if models.SameDay(p.Date, txn.Date) {
			switch {
			case invoice != "" && pInvoice != "" && strings.EqualFold(invoice, pInvoice):
				exact = append(exact, p)
				continue
			case invoice == "" && pInvoice == "" && normalizeText(p.Description) == normalizeText(txn.Description):
				exact = append(exact, p)
				continue
			case (invoice == "") != (pInvoice == ""):
				noInvoice = append(noInvoice, p)
				continue
			}
		}
		differing = append(differing, p)
	}

	switch {
	case len(exact) > 0:
		return DuplicateClassification{Type: models.DuplicateTypeExactDuplicate, DuplicateOfId: latestId(exact)}
	case len(noInvoice) > 0:
		return DuplicateClassification{Type: models.DuplicateTypeNoInvoicePotential, DuplicateOfId: latestId(noInvoice)}
	case len(differing) >= 2:
		return DuplicateClassification{Type: models.DuplicateTypeMultiplePotential, DuplicateOfId: latestId(differing)}
	case len(differing) == 1:
		if differing[0].Status == models.TransactionStatusRejected {
			return DuplicateClassification{Type: models.DuplicateTypeOriginalRejected, DuplicateOfId: latestId(differing)}
		}
		return DuplicateClassification{Type: models.DuplicateTypeDifferentInfoPending, DuplicateOfId: latestId(differing)}
	}
	return DuplicateClassification{Type: models.DuplicateTypeNone}
}

func latestId(group []DuplicateCandidate) *int {
	sort.Slice(group, func(i, j int) bool { return group[i].Id > group[j].Id })
	id := group[0].Id
	return &id
}

// DetectDuplicates classifies txn against the stored transactions of its
// program. txn need not be persisted yet.
func DetectDuplicates(tx *gorm.DB, txn *models.ActualsTransaction) (DuplicateClassification, error) {
	var priors []models.ActualsTransaction
	q := tx.Where("program_id = ? AND amount = ? AND status <> ?", txn.ProgramId, txn.Amount, models.TransactionStatusReplaced)
	if txn.ID > 0 {
		q = q.Where("id < ?", txn.ID)
	}
	if err := q.Order("id ASC").Find(&priors).Error; err != nil {
		return DuplicateClassification{}, err
	}
	candidates := make([]DuplicateCandidate, 0, len(priors))
	for i := range priors {
		candidates = append(candidates, duplicateCandidate(&priors[i]))
	}
	return ClassifyDuplicate(duplicateCandidate(txn), candidates), nil
}

type duplicateEventPayload struct {
	TransactionId int                      `json:"transaction_id"`
	Resolution    string                   `json:"resolution"`
	DuplicateType models.DuplicateType     `json:"duplicate_type"`
	Status        models.TransactionStatus `json:"status"`
	DuplicateOfId *int                     `json:"duplicate_of_id,omitempty"`
}

// resolveDuplicate runs fn against a locked transaction carrying an
// unresolved duplicate flag.
func resolveDuplicate(ctx context.Context, transactionId int, funcName string, fn func(tx *gorm.DB, txn *models.ActualsTransaction) error) (txn *models.ActualsTransaction, err error) {
	programId, err := requireProgramId(ctx)
	if err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "workflow."+funcName)
	defer func() { endSpan(span, err) }()

	release, err := lockTransaction(ctx, programId, transactionId, funcName)
	if err != nil {
		return nil, err
	}
	defer release()

	err = config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if txn, err = models.LockMutableTransaction(tx, programId, transactionId); err != nil {
			return err
		}
		if !txn.DuplicateType.IsUnresolved() {
			return models.NewValidationError(fmt.Sprintf("transaction has no unresolved duplicate flag (%s)", txn.DuplicateType))
		}
		if txn.Status == models.TransactionStatusRejected {
			return models.NewValidationError("duplicate was already rejected")
		}
		return fn(tx, txn)
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// AcceptDuplicate keeps the transaction as a genuine, separate charge.
func AcceptDuplicate(ctx context.Context, transactionId int) (*models.ActualsTransaction, error) {
	return resolveDuplicate(ctx, transactionId, "AcceptDuplicate", func(tx *gorm.DB, txn *models.ActualsTransaction) error {
		if err := models.SaveActualsTransactionVersioned(tx, txn, map[string]interface{}{
			"duplicate_type": models.DuplicateTypeDifferentInfoConfirmed,
		}); err != nil {
			return err
		}
		txn.DuplicateType = models.DuplicateTypeDifferentInfoConfirmed
		return models.EnqueueLedgerEvent(tx, models.LedgerEventDuplicateResolved, models.LedgerEventRefTransaction, txn.ID, duplicateEventPayload{
			TransactionId: txn.ID,
			Resolution:    "accepted",
			DuplicateType: txn.DuplicateType,
			Status:        txn.Status,
			DuplicateOfId: txn.DuplicateOfId,
		})
	})
}

// RejectDuplicate discards the transaction. Its suggestions are dropped.
func RejectDuplicate(ctx context.Context, transactionId int) (*models.ActualsTransaction, error) {
	return resolveDuplicate(ctx, transactionId, "RejectDuplicate", func(tx *gorm.DB, txn *models.ActualsTransaction) error {
		if err := models.SaveActualsTransactionVersioned(tx, txn, map[string]interface{}{
			"status": models.TransactionStatusRejected,
		}); err != nil {
			return err
		}
		txn.Status = models.TransactionStatusRejected
		if err := tx.Where("program_id = ? AND transaction_id = ? AND status = ?",
			txn.ProgramId, txn.ID, models.PotentialMatchStatusPotential).
			Delete(&models.PotentialMatch{}).Error; err != nil {
			return err
		}
		return models.EnqueueLedgerEvent(tx, models.LedgerEventDuplicateResolved, models.LedgerEventRefTransaction, txn.ID, duplicateEventPayload{
			TransactionId: txn.ID,
			Resolution:    "rejected",
			DuplicateType: txn.DuplicateType,
			Status:        txn.Status,
			DuplicateOfId: txn.DuplicateOfId,
		})
	})
}

// AcceptAndReplaceOriginal keeps the new transaction and retires the prior
// one. A confirmed match on the prior is removed first.
func AcceptAndReplaceOriginal(ctx context.Context, transactionId int) (*models.ActualsTransaction, error) {
	return resolveDuplicate(ctx, transactionId, "AcceptAndReplaceOriginal", func(tx *gorm.DB, txn *models.ActualsTransaction) error {
		if txn.DuplicateOfId == nil {
			return models.NewValidationError("transaction does not reference an original")
		}
		original, err := models.LockMutableTransaction(tx, txn.ProgramId, *txn.DuplicateOfId)
		if err != nil {
			return err
		}
		if original.Status == models.TransactionStatusConfirmed && original.MatchedLedgerEntryId != nil {
			entry, err := models.LockLedgerEntry(tx, original.ProgramId, *original.MatchedLedgerEntryId)
			if err != nil {
				return err
			}
			if err := removeMatchTx(tx, original, entry, fmt.Sprintf("Replaced by uploaded transaction %d", txn.ID)); err != nil {
				return err
			}
		}
		if err := models.SaveActualsTransactionVersioned(tx, original, map[string]interface{}{
			"status":         models.TransactionStatusReplaced,
			"duplicate_type": models.DuplicateTypeOriginalRejected,
		}); err != nil {
			return err
		}
		original.Status = models.TransactionStatusReplaced
		original.DuplicateType = models.DuplicateTypeOriginalRejected
		if err := tx.Where("program_id = ? AND transaction_id = ? AND status = ?",
			original.ProgramId, original.ID, models.PotentialMatchStatusPotential).
			Delete(&models.PotentialMatch{}).Error; err != nil {
			return err
		}

		if err := models.SaveActualsTransactionVersioned(tx, txn, map[string]interface{}{
			"duplicate_type": models.DuplicateTypeDifferentInfoConfirmed,
		}); err != nil {
			return err
		}
		txn.DuplicateType = models.DuplicateTypeDifferentInfoConfirmed
		return models.EnqueueLedgerEvent(tx, models.LedgerEventDuplicateResolved, models.LedgerEventRefTransaction, txn.ID, duplicateEventPayload{
			TransactionId: txn.ID,
			Resolution:    "replaced_original",
			DuplicateType: txn.DuplicateType,
			Status:        txn.Status,
			DuplicateOfId: txn.DuplicateOfId,
		})
	})
}
