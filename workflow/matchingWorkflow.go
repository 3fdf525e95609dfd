package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/costledger_backend/config"
	"github.com/mmdatafocus/costledger_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CandidateSets is what a reviewer sees for one transaction.
type CandidateSets struct {
	Transaction *models.ActualsTransaction `json:"transaction"`
	Potential   []models.PotentialMatch    `json:"potential"`
	Rejected    []models.PotentialMatch    `json:"rejected"`
}

type matchEventPayload struct {
	TransactionId   int             `json:"transaction_id"`
	LedgerEntryId   int             `json:"ledger_entry_id"`
	Amount          decimal.Decimal `json:"amount"`
	TransactionDate time.Time       `json:"transaction_date"`
	InvoiceNumber   string          `json:"invoice_number,omitempty"`
}

func newMatchEvent(txn *models.ActualsTransaction, entryId int) matchEventPayload {
	return matchEventPayload{
		TransactionId:   txn.ID,
		LedgerEntryId:   entryId,
		Amount:          txn.Amount,
		TransactionDate: txn.TransactionDate,
		InvoiceNumber:   txn.InvoiceNumber,
	}
}

func scoringTransaction(txn *models.ActualsTransaction) ScoringTransaction {
	return ScoringTransaction{
		Id:          txn.ID,
		VendorName:  txn.VendorName,
		Description: txn.Description,
		Amount:      txn.Amount,
		Date:        txn.TransactionDate,
	}
}

func scoringEntry(entry *models.LedgerEntry) ScoringEntry {
	return ScoringEntry{
		Id:                 entry.ID,
		VendorName:         entry.VendorName,
		ExpenseDescription: entry.ExpenseDescription,
		PlannedAmount:      entry.PlannedAmount.Decimal,
		PlannedDate:        *entry.PlannedDate,
	}
}

// loadScoringEntries returns every program entry still waiting for actuals.
func loadScoringEntries(tx *gorm.DB, programId string) ([]ScoringEntry, error) {
	var entries []models.LedgerEntry
	if err := tx.Where("program_id = ? AND planned_amount IS NOT NULL AND planned_date IS NOT NULL AND actual_amount IS NULL", programId).
		Order("id ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	out := make([]ScoringEntry, 0, len(entries))
	for i := range entries {
		if !entries[i].HasPlanned() || entries[i].HasActual() {
			continue
		}
		out = append(out, scoringEntry(&entries[i]))
	}
	return out, nil
}

// refreshCandidates ranks entries for txn and rewrites its potential rows.
// Only unmatched/matched transactions have their rows and status touched.
func refreshCandidates(tx *gorm.DB, txn *models.ActualsTransaction, entries []ScoringEntry, opts ScoringOptions) ([]MatchCandidate, error) {
	rejected, err := models.RejectedLedgerEntryIds(tx, txn.ProgramId, txn.ID)
	if err != nil {
		return nil, err
	}
	pool := make([]ScoringEntry, 0, len(entries))
	for _, e := range entries {
		if !rejected[e.Id] {
			pool = append(pool, e)
		}
	}
	candidates := RankCandidates(scoringTransaction(txn), pool, opts)

	if txn.Status != models.TransactionStatusUnmatched && txn.Status != models.TransactionStatusMatched {
		return candidates, nil
	}
	if err := tx.Where("program_id = ? AND transaction_id = ? AND status = ?",
		txn.ProgramId, txn.ID, models.PotentialMatchStatusPotential).
		Delete(&models.PotentialMatch{}).Error; err != nil {
		return nil, err
	}
	if len(candidates) > 0 {
		rows := make([]models.PotentialMatch, 0, len(candidates))
		for _, c := range candidates {
			rows = append(rows, models.PotentialMatch{
				ProgramId:     txn.ProgramId,
				TransactionId: txn.ID,
				LedgerEntryId: c.LedgerEntryId,
				Confidence:    c.Confidence,
				MatchType:     string(c.MatchType),
				Reasons:       datatypes.JSONSlice[string](c.Reasons),
				Status:        models.PotentialMatchStatusPotential,
			})
		}
		if err := tx.Create(&rows).Error; err != nil {
			return nil, err
		}
	}

	next := models.TransactionStatusUnmatched
	if len(candidates) > 0 {
		next = models.TransactionStatusMatched
	}
	if next != txn.Status {
		if err := models.SaveActualsTransactionVersioned(tx, txn, map[string]interface{}{"status": next}); err != nil {
			return nil, err
		}
		txn.Status = next
	}
	return candidates, nil
}

// GetCandidates recomputes and returns the ranked candidates of a transaction.
func GetCandidates(ctx context.Context, transactionId int) (candidates []MatchCandidate, err error) {
	programId, err := requireProgramId(ctx)
	if err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "workflow.GetCandidates")
	defer func() { endSpan(span, err) }()

	release, err := lockTransaction(ctx, programId, transactionId, "GetCandidates")
	if err != nil {
		return nil, err
	}
	defer release()

	err = config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txn, err := models.LockMutableTransaction(tx, programId, transactionId)
		if err != nil {
			return err
		}
		entries, err := loadScoringEntries(tx, programId)
		if err != nil {
			return err
		}
		candidates, err = refreshCandidates(tx, txn, entries, DefaultScoringOptions())
		return err
	})
	if err != nil {
		return nil, err
	}
	return candidates, nil
}

func GetCandidateSets(ctx context.Context, transactionId int) (*CandidateSets, error) {
	programId, err := requireProgramId(ctx)
	if err != nil {
		return nil, err
	}
	db := config.GetDB().WithContext(ctx)
	txn, err := models.GetActualsTransaction(ctx, transactionId)
	if err != nil {
		return nil, err
	}
	return loadCandidateSets(db, programId, txn)
}

func loadCandidateSets(tx *gorm.DB, programId string, txn *models.ActualsTransaction) (*CandidateSets, error) {
	potential, err := models.ListPotentialMatches(tx, programId, txn.ID, models.PotentialMatchStatusPotential)
	if err != nil {
		return nil, err
	}
	rejected, err := models.ListPotentialMatches(tx, programId, txn.ID, models.PotentialMatchStatusRejected)
	if err != nil {
		return nil, err
	}
	return &CandidateSets{Transaction: txn, Potential: potential, Rejected: rejected}, nil
}

// ConfirmMatch links a transaction to a ledger entry and copies its amount
// and date onto the entry's actuals.
func ConfirmMatch(ctx context.Context, transactionId, ledgerEntryId int) (txn *models.ActualsTransaction, entry *models.LedgerEntry, err error) {
	programId, err := requireProgramId(ctx)
	if err != nil {
		return nil, nil, err
	}
	ctx, span := tracer.Start(ctx, "workflow.ConfirmMatch")
	defer func() { endSpan(span, err) }()

	releaseTxn, err := lockTransaction(ctx, programId, transactionId, "ConfirmMatch")
	if err != nil {
		return nil, nil, err
	}
	defer releaseTxn()
	releaseEntry, err := lockEntry(ctx, programId, ledgerEntryId, "ConfirmMatch")
	if err != nil {
		return nil, nil, err
	}
	defer releaseEntry()

	err = config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if txn, err = models.LockMutableTransaction(tx, programId, transactionId); err != nil {
			return err
		}
		if entry, err = models.LockLedgerEntry(tx, programId, ledgerEntryId); err != nil {
			return err
		}
		if txn.Status == models.TransactionStatusConfirmed {
			if txn.MatchedLedgerEntryId != nil && *txn.MatchedLedgerEntryId == ledgerEntryId {
				return nil
			}
			return models.NewValidationError(fmt.Sprintf("transaction is already confirmed to ledger entry %d", *txn.MatchedLedgerEntryId))
		}
		if txn.DuplicateType.IsUnresolved() {
			return models.NewValidationError(fmt.Sprintf("resolve the %s duplicate flag before confirming", txn.DuplicateType))
		}
		rejected, err := models.RejectedLedgerEntryIds(tx, programId, txn.ID)
		if err != nil {
			return err
		}
		if rejected[ledgerEntryId] {
			return models.NewValidationError("this candidate was rejected; undo the rejection first")
		}
		if entry.HasActual() {
			return &models.ConflictError{Resource: "ledger entry", Id: entry.ID}
		}

		pair, err := findPair(tx, programId, txn.ID, entry.ID)
		if err != nil {
			return err
		}
		confidence := decimal.Zero
		if pair != nil {
			confidence = pair.Confidence
		} else if entry.HasPlanned() {
			confidence = ScoreMatch(scoringTransaction(txn), scoringEntry(entry), DefaultScoringOptions()).Confidence
		}

		before := entry.Snapshot()
		entry.ActualAmount = models.NewNullDecimal(txn.Amount)
		entry.ActualDate = models.TruncateDatePtr(&txn.TransactionDate)
		if txn.InvoiceNumber != "" {
			entry.AppendNote("Invoice: " + txn.InvoiceNumber)
		}
		if err := models.SaveLedgerEntryVersioned(tx, entry, map[string]interface{}{
			"actual_amount": entry.ActualAmount,
			"actual_date":   entry.ActualDate,
			"notes":         entry.Notes,
		}); err != nil {
			return err
		}

		matchedId := entry.ID
		conf := models.NewNullDecimal(confidence)
		if err := models.SaveActualsTransactionVersioned(tx, txn, map[string]interface{}{
			"status":                  models.TransactionStatusConfirmed,
			"matched_ledger_entry_id": matchedId,
			"match_confidence":        conf,
		}); err != nil {
			return err
		}
		txn.Status = models.TransactionStatusConfirmed
		txn.MatchedLedgerEntryId = &matchedId
		txn.MatchConfidence = conf

		// the remaining suggestions are superseded by this confirmation
		if err := tx.Where("program_id = ? AND transaction_id = ? AND ledger_entry_id <> ? AND status = ?",
			programId, txn.ID, entry.ID, models.PotentialMatchStatusPotential).
			Delete(&models.PotentialMatch{}).Error; err != nil {
			return err
		}
		if err := setPairStatus(tx, txn, entry, pair, models.PotentialMatchStatusConfirmed); err != nil {
			return err
		}

		sessionId := txn.ImportSessionId
		if _, err := models.RecordAudit(tx, models.AuditInput{
			LedgerEntryId:  entry.ID,
			Action:         models.AuditActionMatchedToInvoice,
			Source:         models.AuditSourceInvoiceMatch,
			PreviousValues: before,
			NewValues:      entry.Snapshot(),
			SessionId:      &sessionId,
			Description:    fmt.Sprintf("Matched to uploaded transaction %d (%s, %s)", txn.ID, txn.VendorName, txn.Amount.StringFixed(2)),
		}); err != nil {
			return err
		}
		return models.EnqueueLedgerEvent(tx, models.LedgerEventMatchConfirmed, models.LedgerEventRefTransaction, txn.ID, newMatchEvent(txn, entry.ID))
	})
	if err != nil {
		return nil, nil, err
	}
	return txn, entry, nil
}

// RemoveMatch undoes a confirmation. The entry loses its actuals and the
// invoice note the confirmation added, and the transaction's candidates are
// ranked again.
func RemoveMatch(ctx context.Context, transactionId int) (txn *models.ActualsTransaction, entry *models.LedgerEntry, err error) {
	programId, err := requireProgramId(ctx)
	if err != nil {
		return nil, nil, err
	}
	ctx, span := tracer.Start(ctx, "workflow.RemoveMatch")
	defer func() { endSpan(span, err) }()

	release, err := lockTransaction(ctx, programId, transactionId, "RemoveMatch")
	if err != nil {
		return nil, nil, err
	}
	defer release()

	err = config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if txn, err = models.LockMutableTransaction(tx, programId, transactionId); err != nil {
			return err
		}
		if txn.Status != models.TransactionStatusConfirmed || txn.MatchedLedgerEntryId == nil {
			return models.NewValidationError("transaction is not confirmed to a ledger entry")
		}
		if entry, err = models.LockLedgerEntry(tx, programId, *txn.MatchedLedgerEntryId); err != nil {
			return err
		}
		if err := removeMatchTx(tx, txn, entry, "Match removed"); err != nil {
			return err
		}
		// suggestions superseded by the confirmation come back
		entries, err := loadScoringEntries(tx, programId)
		if err != nil {
			return err
		}
		_, err = refreshCandidates(tx, txn, entries, DefaultScoringOptions())
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return txn, entry, nil
}

// removeMatchTx clears a confirmed link inside tx. Callers hold both rows.
func removeMatchTx(tx *gorm.DB, txn *models.ActualsTransaction, entry *models.LedgerEntry, description string) error {
	before := entry.Snapshot()
	entry.ActualAmount = decimal.NullDecimal{}
	entry.ActualDate = nil
	entry.Notes = stripInvoiceNote(entry.Notes, txn.InvoiceNumber)
	if err := models.SaveLedgerEntryVersioned(tx, entry, map[string]interface{}{
		"actual_amount": nil,
		"actual_date":   nil,
		"notes":         entry.Notes,
	}); err != nil {
		return err
	}
	if err := models.SaveActualsTransactionVersioned(tx, txn, map[string]interface{}{
		"status":                  models.TransactionStatusUnmatched,
		"matched_ledger_entry_id": nil,
		"match_confidence":        nil,
	}); err != nil {
		return err
	}
	txn.Status = models.TransactionStatusUnmatched
	txn.MatchedLedgerEntryId = nil
	txn.MatchConfidence = decimal.NullDecimal{}

	if err := tx.Where("program_id = ? AND transaction_id = ? AND status = ?",
		txn.ProgramId, txn.ID, models.PotentialMatchStatusConfirmed).
		Delete(&models.PotentialMatch{}).Error; err != nil {
		return err
	}

	sessionId := txn.ImportSessionId
	if _, err := models.RecordAudit(tx, models.AuditInput{
		LedgerEntryId:  entry.ID,
		Action:         models.AuditActionUnmatchedFromInvoice,
		Source:         models.AuditSourceInvoiceMatch,
		PreviousValues: before,
		NewValues:      entry.Snapshot(),
		SessionId:      &sessionId,
		Description:    fmt.Sprintf("%s: uploaded transaction %d", description, txn.ID),
	}); err != nil {
		return err
	}
	return models.EnqueueLedgerEvent(tx, models.LedgerEventMatchRemoved, models.LedgerEventRefTransaction, txn.ID, newMatchEvent(txn, entry.ID))
}

// stripInvoiceNote drops the last "Invoice: <number>" line, the one a
// confirmation appends. Other lines stay as written.
func stripInvoiceNote(notes, invoiceNumber string) string {
	if invoiceNumber == "" {
		return notes
	}
	marker := "Invoice: " + invoiceNumber
	lines := strings.Split(notes, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == marker {
			return strings.Join(append(lines[:i], lines[i+1:]...), "\n")
		}
	}
	return notes
}

// RejectMatch moves a candidate into the rejected set. A confirmed match to
// the same entry is removed first.
func RejectMatch(ctx context.Context, transactionId, ledgerEntryId int) (sets *CandidateSets, err error) {
	programId, err := requireProgramId(ctx)
	if err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "workflow.RejectMatch")
	defer func() { endSpan(span, err) }()

	release, err := lockTransaction(ctx, programId, transactionId, "RejectMatch")
	if err != nil {
		return nil, err
	}
	defer release()

	err = config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txn, err := models.LockMutableTransaction(tx, programId, transactionId)
		if err != nil {
			return err
		}
		entry, err := models.LockLedgerEntry(tx, programId, ledgerEntryId)
		if err != nil {
			return err
		}
		if txn.Status == models.TransactionStatusConfirmed && txn.MatchedLedgerEntryId != nil && *txn.MatchedLedgerEntryId == ledgerEntryId {
			if err := removeMatchTx(tx, txn, entry, "Match rejected"); err != nil {
				return err
			}
		}

		pair, err := findPair(tx, programId, txn.ID, entry.ID)
		if err != nil {
			return err
		}
		if err := setPairStatus(tx, txn, entry, pair, models.PotentialMatchStatusRejected); err != nil {
			return err
		}
		var existing int64
		if err := tx.Model(&models.RejectedMatch{}).
			Where("program_id = ? AND transaction_id = ? AND ledger_entry_id = ?", programId, txn.ID, entry.ID).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing == 0 {
			if err := tx.Create(&models.RejectedMatch{
				ProgramId:      programId,
				TransactionId:  txn.ID,
				LedgerEntryId:  entry.ID,
				RejectedBy:     userIdFrom(ctx),
				RejectedByName: userNameFrom(ctx),
			}).Error; err != nil {
				return err
			}
		}

		if err := recomputeStatus(tx, txn); err != nil {
			return err
		}
		sets, err = loadCandidateSets(tx, programId, txn)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sets, nil
}

// UndoReject returns a rejected candidate to the potential set.
func UndoReject(ctx context.Context, transactionId, ledgerEntryId int) (sets *CandidateSets, err error) {
	programId, err := requireProgramId(ctx)
	if err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "workflow.UndoReject")
	defer func() { endSpan(span, err) }()

	release, err := lockTransaction(ctx, programId, transactionId, "UndoReject")
	if err != nil {
		return nil, err
	}
	defer release()

	err = config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txn, err := models.LockMutableTransaction(tx, programId, transactionId)
		if err != nil {
			return err
		}
		entry, err := models.LockLedgerEntry(tx, programId, ledgerEntryId)
		if err != nil {
			return err
		}
		res := tx.Where("program_id = ? AND transaction_id = ? AND ledger_entry_id = ?", programId, txn.ID, entry.ID).
			Delete(&models.RejectedMatch{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return models.NewValidationError(fmt.Sprintf("ledger entry %d is not rejected for this transaction", entry.ID))
		}
		pair, err := findPair(tx, programId, txn.ID, entry.ID)
		if err != nil {
			return err
		}
		if err := setPairStatus(tx, txn, entry, pair, models.PotentialMatchStatusPotential); err != nil {
			return err
		}
		if err := recomputeStatus(tx, txn); err != nil {
			return err
		}
		sets, err = loadCandidateSets(tx, programId, txn)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sets, nil
}

// recomputeStatus flips between unmatched and matched from the stored
// potential rows. Other statuses are left alone.
func recomputeStatus(tx *gorm.DB, txn *models.ActualsTransaction) error {
	if txn.Status != models.TransactionStatusUnmatched && txn.Status != models.TransactionStatusMatched {
		return nil
	}
	n, err := models.CountPotentialMatches(tx, txn.ProgramId, txn.ID)
	if err != nil {
		return err
	}
	next := models.TransactionStatusUnmatched
	if n > 0 {
		next = models.TransactionStatusMatched
	}
	if next == txn.Status {
		return nil
	}
	if err := models.SaveActualsTransactionVersioned(tx, txn, map[string]interface{}{"status": next}); err != nil {
		return err
	}
	txn.Status = next
	return nil
}

func findPair(tx *gorm.DB, programId string, transactionId, ledgerEntryId int) (*models.PotentialMatch, error) {
	var pair models.PotentialMatch
	res := tx.Where("program_id = ? AND transaction_id = ? AND ledger_entry_id = ?", programId, transactionId, ledgerEntryId).
		Limit(1).
		Find(&pair)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &pair, nil
}

// setPairStatus updates the cached row of a pair, creating it from a fresh
// score when the pair was never suggested.
func setPairStatus(tx *gorm.DB, txn *models.ActualsTransaction, entry *models.LedgerEntry, pair *models.PotentialMatch, status models.PotentialMatchStatus) error {
	if pair != nil {
		pair.Status = status
		return tx.Model(&models.PotentialMatch{}).
			Where("id = ? AND program_id = ?", pair.ID, pair.ProgramId).
			Update("status", status).Error
	}
	row := models.PotentialMatch{
		ProgramId:     txn.ProgramId,
		TransactionId: txn.ID,
		LedgerEntryId: entry.ID,
		Confidence:    decimal.Zero,
		MatchType:     string(MatchTypePartial),
		Reasons:       datatypes.JSONSlice[string]{},
		Status:        status,
	}
	if entry.HasPlanned() {
		s := ScoreMatch(scoringTransaction(txn), scoringEntry(entry), DefaultScoringOptions())
		row.Confidence = s.Confidence
		row.MatchType = string(s.MatchType)
		row.Reasons = datatypes.JSONSlice[string](s.Reasons)
	}
	return tx.Create(&row).Error
}
